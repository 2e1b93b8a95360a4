package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lybic/mini-agent/internal/model"
)

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// ErrDuplicateID is returned by Create when the task ID already exists.
var ErrDuplicateID = errors.New("task id already exists")

// ErrInvalidTransition is returned when an update would move a task status
// backward or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskUpdate is a partial update applied to a stored task. Nil fields are
// left untouched. ContextSnapshot, when set, replaces the stored snapshot
// wholesale.
type TaskUpdate struct {
	Status          *string
	Instruction     *string
	ContextSnapshot json.RawMessage
	FinalOutput     *string
	ErrorDetail     *string
	Stats           *model.ExecutionStats
	EnvironmentRef  *string
}

// ListOptions controls filtering and pagination for List. A zero Status
// matches all statuses.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Store defines the persistence contract for task records. Implementations
// must be safe for concurrent use and must serialize writes per task ID.
type Store interface {
	// Create inserts a new record. Returns ErrDuplicateID if the ID exists.
	Create(ctx context.Context, rec *model.TaskRecord) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*model.TaskRecord, error)
	// Update applies a partial merge and advances updated_at. Returns
	// ErrNotFound for unknown IDs and ErrInvalidTransition when the status
	// change is not allowed by the state machine.
	Update(ctx context.Context, id string, upd TaskUpdate) error
	// List returns records ordered by created_at descending, along with the
	// total count of records matching the filter.
	List(ctx context.Context, opts ListOptions) ([]*model.TaskRecord, int, error)
	// Delete removes a record regardless of status.
	Delete(ctx context.Context, id string) error
	// CountActive counts records whose status is pending or running.
	CountActive(ctx context.Context) (int, error)
	// CleanupOlderThan deletes terminal-status records created more than age
	// ago and returns the number deleted. Non-terminal records are never
	// touched.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	Close() error
}

// applyUpdate merges upd into rec in place, enforcing the status state
// machine. Shared by every backend so the contract behaves identically
// regardless of driver.
func applyUpdate(rec *model.TaskRecord, upd TaskUpdate) error {
	if upd.Status != nil && *upd.Status != rec.Status {
		if !model.ValidTransition(rec.Status, *upd.Status) {
			return ErrInvalidTransition
		}
		rec.Status = *upd.Status
	}
	if upd.Instruction != nil {
		rec.Instruction = *upd.Instruction
	}
	if upd.ContextSnapshot != nil {
		rec.ContextSnapshot = append(json.RawMessage(nil), upd.ContextSnapshot...)
	}
	if upd.FinalOutput != nil {
		rec.FinalOutput = *upd.FinalOutput
	}
	if upd.ErrorDetail != nil {
		rec.ErrorDetail = *upd.ErrorDetail
	}
	if upd.Stats != nil {
		s := *upd.Stats
		rec.Stats = &s
	}
	if upd.EnvironmentRef != nil {
		rec.EnvironmentRef = *upd.EnvironmentRef
	}
	now := time.Now().UTC()
	if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
	return nil
}
