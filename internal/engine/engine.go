package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lybic/mini-agent/internal/agent"
	"github.com/lybic/mini-agent/internal/model"
	"github.com/lybic/mini-agent/internal/registry"
	"github.com/lybic/mini-agent/internal/store"
)

// DefaultCheckpointInterval is how many steps pass between context
// checkpoints when none is configured. A crash loses at most one interval's
// worth of context.
const DefaultCheckpointInterval = 5

// RunOptions carries per-execution parameters that are not part of the
// persisted record.
type RunOptions struct {
	// SystemPrompt overrides the default system prompt for the model call.
	SystemPrompt string
	// Seed is a prior conversation history for context continuation. The
	// new execution starts from it instead of an empty conversation.
	Seed []model.Message
}

// Engine orchestrates task executions: one goroutine per admitted task.
type Engine struct {
	store              store.Store
	registry           *registry.Registry
	model              agent.ModelClient
	sandbox            agent.Sandbox
	logger             *slog.Logger
	checkpointInterval int
	wg                 sync.WaitGroup
}

// New creates an execution engine. checkpointInterval <= 0 selects the
// default.
func New(s store.Store, reg *registry.Registry, mc agent.ModelClient, sb agent.Sandbox, logger *slog.Logger, checkpointInterval int) *Engine {
	if checkpointInterval <= 0 {
		checkpointInterval = DefaultCheckpointInterval
	}
	return &Engine{
		store:              s,
		registry:           reg,
		model:              mc,
		sandbox:            sb,
		logger:             logger,
		checkpointInterval: checkpointInterval,
	}
}

// Start creates the task record, acquires the execution lease, and launches
// the execution loop in a background goroutine. When events is non-nil,
// every progress event is pushed to it in step order and the channel is
// closed after the terminal event; a nil channel discards events, leaving
// the periodic checkpoint and final write as the only observable state.
//
// Returns registry.ErrAlreadyRunning when an execution for the task ID is
// already in flight, store.ErrDuplicateID when the ID is taken by a record
// that is not running.
func (e *Engine) Start(ctx context.Context, rec *model.TaskRecord, opts RunOptions, events chan<- model.Event) error {
	// A continuation's record carries the restored context from the moment it
	// exists, so a cancellation before the first checkpoint still leaves the
	// seeded history on the record.
	if len(opts.Seed) > 0 && len(rec.ContextSnapshot) == 0 {
		snapshot, err := model.EncodeSnapshot(opts.Seed)
		if err != nil {
			return fmt.Errorf("encode seed snapshot: %w", err)
		}
		rec.ContextSnapshot = snapshot
	}

	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			if e.registry.Active(rec.ID) {
				return registry.ErrAlreadyRunning
			}
			return err
		}
		return fmt.Errorf("create task: %w", err)
	}

	lease, err := e.registry.TryAdmit(rec.ID)
	if err != nil {
		// The record was created above but no execution will ever own it;
		// remove it instead of leaving an orphaned pending entry.
		if delErr := e.store.Delete(ctx, rec.ID); delErr != nil {
			e.logger.Error("failed to remove unadmitted task record", "task_id", rec.ID, "error", delErr)
		}
		return err
	}

	activeExecutions.Inc()
	rCopy := rec.Clone()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(lease, rCopy, opts, events)
	}()
	return nil
}

// Wait blocks until all in-flight executions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// emit pushes an event to the consumer, blocking until it is taken. A nil
// channel drops the event.
func (e *Engine) emit(events chan<- model.Event, ev model.Event) {
	if events == nil {
		return
	}
	events <- ev
}

// assistantContent flattens one model turn into the conversation history.
func assistantContent(step agent.AssistantStep) string {
	switch {
	case step.Thought != "" && step.Action != "":
		return "Thought: " + step.Thought + "\nAction: " + step.Action
	case step.Action != "":
		return "Action: " + step.Action
	default:
		return step.Thought
	}
}

// execute runs the task lifecycle: running → finished/error/cancelled.
// External calls use a background context because execution is not tied to
// any caller connection; cancellation is cooperative via the lease and is
// only observed at step boundaries.
func (e *Engine) execute(lease *registry.Lease, rec *model.TaskRecord, opts RunOptions, events chan<- model.Event) {
	if events != nil {
		defer close(events)
	}
	defer e.registry.Release(rec.ID)
	defer activeExecutions.Dec()

	ctx := context.Background()

	running := model.StatusRunning
	if err := e.store.Update(ctx, rec.ID, store.TaskUpdate{Status: &running}); err != nil {
		// Roll the admission back: the lease is freed and the record stays
		// pending.
		e.logger.Error("failed to transition to running", "task_id", rec.ID, "error", err)
		e.emit(events, model.NewEvent(rec.ID, model.EventError, "failed to start execution", 0))
		return
	}

	start := time.Now()

	history := append([]model.Message(nil), opts.Seed...)
	if len(history) > 0 {
		e.emit(events, model.NewEvent(rec.ID, model.EventSystem, "context restored, continuing conversation", 0))
	}
	history = append(history, model.Message{Role: "user", Content: rec.Instruction})
	e.emit(events, model.NewEvent(rec.ID, model.EventSystem, "execution started", 0))

	var status, finalOutput, errDetail, lastThought string
	steps := 0

	for step := 1; step <= rec.MaxSteps; step++ {
		if lease.Cancelled() {
			status = model.StatusCancelled
			break
		}

		assistant, err := e.model.Invoke(ctx, history, opts.SystemPrompt)
		if err != nil {
			status = model.StatusError
			errDetail = err.Error()
			break
		}
		steps = step
		stepsTotal.Inc()

		history = append(history, model.Message{Role: "assistant", Content: assistantContent(assistant)})
		if assistant.Thought != "" {
			lastThought = assistant.Thought
			e.emit(events, model.NewEvent(rec.ID, model.EventThought, assistant.Thought, step))
		}

		if assistant.Done {
			status = model.StatusFinished
			finalOutput = assistant.FinalOutput
			break
		}

		// Cancellation acknowledged mid-step: no further external calls.
		if lease.Cancelled() {
			status = model.StatusCancelled
			break
		}

		if assistant.Action != "" {
			e.emit(events, model.NewEvent(rec.ID, model.EventAction, assistant.Action, step))
			obs, err := e.sandbox.Execute(ctx, rec.EnvironmentRef, assistant.Action)
			if err != nil {
				status = model.StatusError
				errDetail = err.Error()
				break
			}
			history = append(history, model.Message{Role: "tool", Content: obs.Content})
			e.emit(events, model.NewEvent(rec.ID, model.EventObservation, obs.Content, step))
		}

		if step%e.checkpointInterval == 0 {
			e.checkpoint(ctx, rec.ID, history)
		}
	}

	if status == "" {
		// Step bound exhausted without a fatal error.
		status = model.StatusFinished
		finalOutput = lastThought
	}

	e.finalize(ctx, rec.ID, status, finalOutput, errDetail, history, start, steps, events)
}

// checkpoint persists the conversation snapshot. Failures are logged and
// never abort execution.
func (e *Engine) checkpoint(ctx context.Context, taskID string, history []model.Message) {
	snapshot, err := model.EncodeSnapshot(history)
	if err != nil {
		e.logger.Error("failed to encode context snapshot", "task_id", taskID, "error", err)
		return
	}
	if err := e.store.Update(ctx, taskID, store.TaskUpdate{ContextSnapshot: snapshot}); err != nil {
		e.logger.Warn("checkpoint write failed", "task_id", taskID, "error", err)
	}
}

// finalize writes the terminal status, output and stats in one update,
// retried once on failure, then emits the terminal event. The in-memory
// terminal state wins even if the write never lands.
func (e *Engine) finalize(ctx context.Context, taskID, status, finalOutput, errDetail string, history []model.Message, start time.Time, steps int, events chan<- model.Event) {
	stats := &model.ExecutionStats{
		Steps:      steps,
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	upd := store.TaskUpdate{
		Status: &status,
		Stats:  stats,
	}
	// A cancelled task keeps whatever snapshot the last checkpoint left
	// behind; only completed work updates the stored context.
	if status != model.StatusCancelled {
		if snapshot, err := model.EncodeSnapshot(history); err == nil {
			upd.ContextSnapshot = snapshot
		} else {
			e.logger.Error("failed to encode final snapshot", "task_id", taskID, "error", err)
		}
	}
	switch status {
	case model.StatusFinished:
		upd.FinalOutput = &finalOutput
	case model.StatusError:
		upd.ErrorDetail = &errDetail
	}

	if err := e.store.Update(ctx, taskID, upd); err != nil {
		if err2 := e.store.Update(ctx, taskID, upd); err2 != nil {
			e.logger.Error("task reached terminal state in memory but final write failed",
				"task_id", taskID, "status", status, "error", err2)
		}
	}
	tasksFinishedTotal.WithLabelValues(status).Inc()

	content := finalOutput
	switch status {
	case model.StatusError:
		content = errDetail
	case model.StatusCancelled:
		content = "task cancelled"
	}
	e.emit(events, model.NewEvent(taskID, status, content, steps))
}
