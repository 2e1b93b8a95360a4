// Package registry provides in-process admission control for task
// executions. It is the single source of truth for "is this task running"
// and the delivery point for cooperative cancellation signals. Nothing in
// this package is ever persisted.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadyRunning is returned by TryAdmit when a lease for the task
// already exists.
var ErrAlreadyRunning = errors.New("task is already running")

// Lease marks a task as actively executing. The execution loop holds the
// lease read-only: it polls Cancelled at step boundaries but never mutates
// the registry itself.
type Lease struct {
	taskID    string
	cancelled atomic.Bool
}

// TaskID returns the task this lease belongs to.
func (l *Lease) TaskID() string { return l.taskID }

// Cancelled reports whether cancellation has been requested. A positive
// read is a command to stop at the next step boundary.
func (l *Lease) Cancelled() bool { return l.cancelled.Load() }

// Registry tracks active execution leases, enforcing at most one concurrent
// execution per task ID. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{leases: make(map[string]*Lease)}
}

// TryAdmit acquires the execution lease for taskID. Exactly one of two
// concurrent attempts for the same ID succeeds; the other receives
// ErrAlreadyRunning.
func (r *Registry) TryAdmit(taskID string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leases[taskID]; ok {
		return nil, ErrAlreadyRunning
	}
	l := &Lease{taskID: taskID}
	r.leases[taskID] = l
	return l, nil
}

// SignalCancel requests cooperative cancellation of an active execution.
// Returns false if no lease exists for taskID.
func (r *Registry) SignalCancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[taskID]
	if !ok {
		return false
	}
	l.cancelled.Store(true)
	return true
}

// SignalCancelAll cancels every active lease and returns how many were
// signalled.
func (r *Registry) SignalCancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.leases {
		l.cancelled.Store(true)
	}
	return len(r.leases)
}

// Release removes the lease for taskID. Idempotent.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, taskID)
}

// Active reports whether a lease currently exists for taskID.
func (r *Registry) Active(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[taskID]
	return ok
}

// IsCancelled reports whether cancellation has been requested for taskID.
// Returns false if no lease exists.
func (r *Registry) IsCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[taskID]
	return ok && l.Cancelled()
}

// Len returns the number of active leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}
