package model

import "time"

// Progress event types emitted by the execution loop. The terminal event of a
// stream is always one of finished, error, or cancelled.
const (
	EventSystem      = "system"
	EventThought     = "thought"
	EventAction      = "action"
	EventObservation = "observation"
	EventFinished    = "finished"
	EventError       = "error"
	EventCancelled   = "cancelled"
)

// Event is one structured progress update produced by a running execution.
// Events for a task are emitted in step order.
type Event struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(taskID, eventType, content string, step int) Event {
	return Event{
		Type:      eventType,
		Content:   content,
		TaskID:    taskID,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}
