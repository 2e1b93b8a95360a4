package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lybic/mini-agent/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the volatile Store implementation. Records live only for
// the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.TaskRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.TaskRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *model.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[rec.ID]; ok {
		return ErrDuplicateID
	}

	c := rec.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.tasks[rec.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, upd TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	return applyUpdate(rec, upd)
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*model.TaskRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if opts.Offset > 0 {
		if opts.Offset >= total {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*model.TaskRecord, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, total, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.tasks {
		if rec.Status == model.StatusPending || rec.Status == model.StatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	deleted := 0
	for id, rec := range s.tasks {
		if model.Terminal(rec.Status) && rec.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
