package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lybic/mini-agent/internal/model"
)

// MySQL duplicate-key error number.
const mysqlErrDuplicateEntry = 1062

const createTasksTableMySQL = `CREATE TABLE IF NOT EXISTS tasks (
    id               VARCHAR(64) PRIMARY KEY,
    status           VARCHAR(32) NOT NULL,
    instruction      TEXT NOT NULL,
    max_steps        INT NOT NULL,
    context_snapshot LONGBLOB,
    final_output     TEXT,
    error_detail     TEXT,
    steps            INT,
    duration_ms      INT,
    environment_ref  VARCHAR(255) NOT NULL DEFAULT '',
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    INDEX idx_tasks_status (status),
    INDEX idx_tasks_created_at (created_at)
)`

// Compile-time interface satisfaction check.
var _ Store = (*MySQLStore)(nil)

// MySQLStore implements Store using MySQL. Timestamps are stored as unix
// microseconds so no parseTime DSN parameter is required.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL with the given DSN and creates the schema
// idempotently.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	if _, err := db.Exec(createTasksTableMySQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Create(ctx context.Context, rec *model.TaskRecord) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, status, instruction, max_steps, context_snapshot,
			final_output, error_detail, steps, duration_ms,
			environment_ref, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Instruction, rec.MaxSteps, []byte(rec.ContextSnapshot),
		rec.FinalOutput, rec.ErrorDetail, steps, durationMS,
		rec.EnvironmentRef, createdAt.UnixMicro(), updatedAt.UnixMicro(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// scanTaskMySQL reads one task row with unix-microsecond timestamps.
func scanTaskMySQL(row interface{ Scan(dest ...any) error }) (*model.TaskRecord, error) {
	rec := &model.TaskRecord{}
	var snapshot []byte
	var finalOutput, errorDetail sql.NullString
	var steps, durationMS sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.ID, &rec.Status, &rec.Instruction, &rec.MaxSteps, &snapshot,
		&finalOutput, &errorDetail, &steps, &durationMS,
		&rec.EnvironmentRef, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		rec.ContextSnapshot = snapshot
	}
	rec.FinalOutput = finalOutput.String
	rec.ErrorDetail = errorDetail.String
	if steps.Valid || durationMS.Valid {
		rec.Stats = &model.ExecutionStats{
			Steps:      int(steps.Int64),
			DurationMS: int(durationMS.Int64),
		}
	}
	rec.CreatedAt = time.UnixMicro(createdAt).UTC()
	rec.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return rec, nil
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*model.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTaskMySQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// Update applies a partial merge under SELECT ... FOR UPDATE so that
// concurrent writes to the same task are serialized.
func (s *MySQLStore) Update(ctx context.Context, id string, upd TaskUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? FOR UPDATE`, id)
	rec, err := scanTaskMySQL(row)
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
		rec.EnvironmentRef, rec.UpdatedAt.UnixMicro(), id,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*model.TaskRecord, int, error) {
	where := ""
	args := []any{}
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		// MySQL has no "no limit" sentinel; use the maximum the contract
		// can reasonably return in one page.
		limit = 1<<31 - 1
	}
	listArgs := append(args, limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		rec, err := scanTaskMySQL(rows)
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

func (s *MySQLStore) Delete(ctx context.Context, id string) error {
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

func (s *MySQLStore) CountActive(ctx context.Context) (int, error) {
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

func (s *MySQLStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age).UnixMicro()
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
