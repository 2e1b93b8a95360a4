// Package engine drives the step-wise agent execution loop. It admits tasks
// through the active-execution registry, alternates model and sandbox calls,
// checkpoints conversation context to the task store at a fixed interval,
// and finalizes every task into exactly one terminal status.
package engine
