// Package agent defines the interfaces to the two external collaborators of
// the execution engine: the language-model inference call and the remote
// sandbox, along with the error types the engine uses to classify their
// failures. Transient-failure retries are an adapter concern; the engine
// itself never retries.
package agent

import (
	"context"

	"github.com/lybic/mini-agent/internal/model"
)

// ModelError wraps a failure from the language-model call.
type ModelError struct {
	Err       error
	Transient bool
}

func (e *ModelError) Error() string { return "model call: " + e.Err.Error() }
func (e *ModelError) Unwrap() error { return e.Err }

// EnvironmentError wraps a failure from the sandbox call.
type EnvironmentError struct {
	Err       error
	Transient bool
}

func (e *EnvironmentError) Error() string { return "sandbox call: " + e.Err.Error() }
func (e *EnvironmentError) Unwrap() error { return e.Err }

// AssistantStep is one model turn: an optional thought, an optional action
// to execute in the sandbox, and an optional terminal completion signal.
type AssistantStep struct {
	Thought     string
	Action      string
	Done        bool
	FinalOutput string
}

// Observation is the result of executing one action in the sandbox.
type Observation struct {
	Content string
}

// ModelClient invokes the external language model with the conversation so
// far and returns the next assistant step.
type ModelClient interface {
	Invoke(ctx context.Context, history []model.Message, systemPrompt string) (AssistantStep, error)
}

// Sandbox is the remote execution environment. Provision returns an opaque
// environment reference; Execute runs one action within it.
type Sandbox interface {
	Provision(ctx context.Context) (string, error)
	Execute(ctx context.Context, environmentRef, action string) (Observation, error)
}
