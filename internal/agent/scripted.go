package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lybic/mini-agent/internal/model"
)

// ScriptedModel is a deterministic ModelClient used as the default wiring
// when no real inference endpoint is configured, and as a test double. It
// emits a fixed number of thought/action turns derived from the instruction
// and then signals completion.
type ScriptedModel struct {
	// StepsUntilDone is how many action turns precede the completion
	// signal. Zero means finish on the first turn.
	StepsUntilDone int
	// Latency is an optional per-call delay simulating inference time.
	Latency time.Duration
}

func (m *ScriptedModel) Invoke(ctx context.Context, history []model.Message, _ string) (AssistantStep, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return AssistantStep{}, &ModelError{Err: ctx.Err(), Transient: true}
		}
	}

	instruction := ""
	turns := 0
	for _, msg := range history {
		switch msg.Role {
		case "user":
			instruction = msg.Content
		case "assistant":
			turns++
		}
	}

	if turns >= m.StepsUntilDone {
		return AssistantStep{
			Thought:     "The task looks complete.",
			Done:        true,
			FinalOutput: fmt.Sprintf("Completed: %s", instruction),
		}, nil
	}

	return AssistantStep{
		Thought: fmt.Sprintf("Working on %q, step %d.", instruction, turns+1),
		Action:  fmt.Sprintf("step(%d)", turns+1),
	}, nil
}

// ScriptedSandbox is a deterministic Sandbox: Provision mints a fresh
// environment reference and Execute acknowledges every action.
type ScriptedSandbox struct {
	// Latency is an optional per-call delay simulating remote execution.
	Latency time.Duration
}

func (s *ScriptedSandbox) Provision(_ context.Context) (string, error) {
	return "sbx-" + uuid.NewString(), nil
}

func (s *ScriptedSandbox) Execute(ctx context.Context, environmentRef, action string) (Observation, error) {
	if environmentRef == "" {
		return Observation{}, &EnvironmentError{Err: fmt.Errorf("empty environment reference")}
	}
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return Observation{}, &EnvironmentError{Err: ctx.Err(), Transient: true}
		}
	}
	return Observation{Content: "executed " + strings.TrimSpace(action)}, nil
}
