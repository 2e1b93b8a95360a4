package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAdmitSingleWinner(t *testing.T) {
	r := New()

	const attempts = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := r.TryAdmit("task-1"); err == nil {
				winners.Add(1)
			} else if !errors.Is(err, ErrAlreadyRunning) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 active lease, got %d", r.Len())
	}
}

func TestAdmitAfterRelease(t *testing.T) {
	r := New()

	if _, err := r.TryAdmit("task-1"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if _, err := r.TryAdmit("task-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	r.Release("task-1")
	if r.Active("task-1") {
		t.Fatal("lease still active after release")
	}
	if _, err := r.TryAdmit("task-1"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}

	// Release is idempotent.
	r.Release("task-1")
	r.Release("task-1")
}

func TestSignalCancel(t *testing.T) {
	r := New()

	if r.SignalCancel("missing") {
		t.Fatal("expected false for unknown task")
	}

	lease, err := r.TryAdmit("task-1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if lease.Cancelled() {
		t.Fatal("fresh lease reports cancelled")
	}

	if !r.SignalCancel("task-1") {
		t.Fatal("expected cancel to be delivered")
	}
	if !lease.Cancelled() {
		t.Fatal("lease does not observe the cancel signal")
	}
	if !r.IsCancelled("task-1") {
		t.Fatal("registry does not report the cancel signal")
	}
}

func TestSignalCancelAll(t *testing.T) {
	r := New()

	leases := make([]*Lease, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		l, err := r.TryAdmit(id)
		if err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
		leases = append(leases, l)
	}

	if n := r.SignalCancelAll(); n != 3 {
		t.Fatalf("expected 3 signalled, got %d", n)
	}
	for _, l := range leases {
		if !l.Cancelled() {
			t.Errorf("lease %s not cancelled", l.TaskID())
		}
	}
}
