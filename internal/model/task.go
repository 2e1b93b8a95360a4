package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusFinished:  true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusFinished || status == StatusError || status == StatusCancelled
}

// ValidStatus reports whether s is one of the known task statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

// ExecutionStats holds per-task execution counters, finalized at the
// terminal transition.
type ExecutionStats struct {
	Steps      int `json:"steps"`
	DurationMS int `json:"duration_ms"`
}

// Message is one entry of the conversation history exchanged with the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeSnapshot serializes a conversation history into the opaque form stored
// on a TaskRecord. A snapshot is always a complete replacement, never a merge.
func EncodeSnapshot(history []Message) (json.RawMessage, error) {
	return json.Marshal(history)
}

// DecodeSnapshot restores a conversation history from a stored snapshot.
// A nil or empty snapshot decodes to an empty history.
func DecodeSnapshot(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var history []Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// TaskRecord is the persisted unit of work: one instruction-execution session
// identified by an immutable task ID.
type TaskRecord struct {
	ID              string          `json:"task_id"`
	Status          string          `json:"status"`
	Instruction     string          `json:"instruction"`
	MaxSteps        int             `json:"max_steps"`
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`
	FinalOutput     string          `json:"final_output,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	Stats           *ExecutionStats `json:"execution_stats,omitempty"`
	EnvironmentRef  string          `json:"environment_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the record so that callers and background
// executions never share mutable state.
func (t *TaskRecord) Clone() *TaskRecord {
	c := *t
	if t.ContextSnapshot != nil {
		c.ContextSnapshot = append(json.RawMessage(nil), t.ContextSnapshot...)
	}
	if t.Stats != nil {
		s := *t.Stats
		c.Stats = &s
	}
	return &c
}
