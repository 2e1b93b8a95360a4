package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lybic/mini-agent/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    instruction      TEXT NOT NULL,
    max_steps        INTEGER NOT NULL,
    context_snapshot BLOB,
    final_output     TEXT NOT NULL DEFAULT '',
    error_detail     TEXT NOT NULL DEFAULT '',
    steps            INTEGER,
    duration_ms      INTEGER,
    environment_ref  TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
)`

var createTaskIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}
	for _, stmt := range createTaskIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create task index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, rec *model.TaskRecord) error {
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	var steps, durationMS sql.NullInt64
	if rec.Stats != nil {
		steps = sql.NullInt64{Int64: int64(rec.Stats.Steps), Valid: true}
		durationMS = sql.NullInt64{Int64: int64(rec.Stats.DurationMS), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (
			id, status, instruction, max_steps, context_snapshot,
			final_output, error_detail, steps, duration_ms,
			environment_ref, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Instruction, rec.MaxSteps, []byte(rec.ContextSnapshot),
		rec.FinalOutput, rec.ErrorDetail, steps, durationMS,
		rec.EnvironmentRef, createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateID
	}
	return nil
}

const taskColumns = `id, status, instruction, max_steps, context_snapshot,
	final_output, error_detail, steps, duration_ms,
	environment_ref, created_at, updated_at`

// scanTask reads one task row. The row source may be *sql.Row or *sql.Rows.
func scanTask(row interface{ Scan(dest ...any) error }) (*model.TaskRecord, error) {
	rec := &model.TaskRecord{}
	var snapshot []byte
	var steps, durationMS sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.Status, &rec.Instruction, &rec.MaxSteps, &snapshot,
		&rec.FinalOutput, &rec.ErrorDetail, &steps, &durationMS,
		&rec.EnvironmentRef, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		rec.ContextSnapshot = snapshot
	}
	if steps.Valid || durationMS.Valid {
		rec.Stats = &model.ExecutionStats{
			Steps:      int(steps.Int64),
			DurationMS: int(durationMS.Int64),
		}
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// Update applies a partial merge inside a single transaction so that writes
// to the same task are serialized and never lost.
func (s *SQLiteStore) Update(ctx context.Context, id string, upd TaskUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task for update: %w", err)
	}

	if err := applyUpdate(rec, upd); err != nil {
		return err
	}

	var steps, durationMS sql.NullInt64
	if rec.Stats != nil {
		steps = sql.NullInt64{Int64: int64(rec.Stats.Steps), Valid: true}
		durationMS = sql.NullInt64{Int64: int64(rec.Stats.DurationMS), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, instruction = ?, context_snapshot = ?,
			final_output = ?, error_detail = ?, steps = ?, duration_ms = ?,
			environment_ref = ?, updated_at = ?
		WHERE id = ?`,
		rec.Status, rec.Instruction, []byte(rec.ContextSnapshot),
		rec.FinalOutput, rec.ErrorDetail, steps, durationMS,
		rec.EnvironmentRef, rec.UpdatedAt, id,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	listArgs := append(args, limit, opts.Offset)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)",
		model.StatusPending, model.StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE status IN (?, ?, ?) AND created_at < ?",
		model.StatusFinished, model.StatusError, model.StatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(affected), nil
}
