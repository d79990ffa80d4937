package proc

import (
	"context"
	"testing"
	"time"

	"github.com/aarch64kit/armos/fd"
	"github.com/aarch64kit/armos/mem"
	"github.com/aarch64kit/armos/vm"
)

func newTestProc(t *testing.T) *Process {
	t.Helper()
	tbl := NewTable(fd.NewTable(4), nil, nil)
	as := vm.NewAS(mem.NewPhysmem(8), nil, nil)
	return tbl.New(nil, as)
}

func TestEnqueuePickNextFIFOWithinLevel(t *testing.T) {
	s := NewScheduler(1)
	a, b := newTestProc(t), newTestProc(t)
	s.Enqueue(a)
	s.Enqueue(b)

	if got := s.pickNext(); got != a {
		t.Fatal("pickNext should return the first-enqueued process within a level")
	}
	if got := s.pickNext(); got != b {
		t.Fatal("pickNext should return the second process next")
	}
	if got := s.pickNext(); got != nil {
		t.Fatal("pickNext on empty queues should return nil")
	}
}

func TestPickNextPrefersHigherPriorityLevel(t *testing.T) {
	s := NewScheduler(1)
	low := newTestProc(t)
	low.Sched.Level = 2
	high := newTestProc(t)
	high.Sched.Level = 0

	s.Enqueue(low)
	s.Enqueue(high)

	if got := s.pickNext(); got != high {
		t.Fatal("pickNext should prefer level 0 over level 2 regardless of enqueue order")
	}
}

func TestEnqueueSetsRunnable(t *testing.T) {
	s := NewScheduler(1)
	p := newTestProc(t)
	p.setState(Sleeping)
	s.Enqueue(p)
	if p.GetState() != Runnable {
		t.Fatalf("state after Enqueue = %v, want RUNNABLE", p.GetState())
	}
}

func TestPromoteAllResetsLevelsToZero(t *testing.T) {
	s := NewScheduler(1)
	p1, p2 := newTestProc(t), newTestProc(t)
	p1.Sched.Level = 1
	p2.Sched.Level = 2
	s.Enqueue(p1)
	s.Enqueue(p2)

	s.promoteAll()

	if p1.Sched.Level != 0 || p2.Sched.Level != 0 {
		t.Fatalf("levels after promoteAll = %d,%d, want 0,0", p1.Sched.Level, p2.Sched.Level)
	}
	if got := s.pickNext(); got == nil {
		t.Fatal("a process should be runnable at level 0 after promoteAll")
	}
}

func TestQueueDepthsReflectsEnqueues(t *testing.T) {
	s := NewScheduler(1)
	p := newTestProc(t)
	s.Enqueue(p)
	depths := s.QueueDepths()
	if depths[0] != 1 {
		t.Fatalf("QueueDepths()[0] = %d, want 1", depths[0])
	}
}

func TestRunDemotesOnFullSliceThenRequeues(t *testing.T) {
	s := NewScheduler(1)
	p := newTestProc(t)
	s.Enqueue(p)

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	runSlice := func(proc *Process, slice time.Duration) (blocked, exited bool) {
		n++
		if n == 1 {
			return false, false // ran the whole slice without blocking: demote
		}
		cancel()
		return false, true // second pick: report exited, stop the loop
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 0, runSlice)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduler.Run never returned after ctx cancellation")
	}

	if p.Sched.Level != 1 {
		t.Fatalf("level after one full, unblocked slice = %d, want 1", p.Sched.Level)
	}
}

func TestRunKeepsLevelWhenBlocked(t *testing.T) {
	s := NewScheduler(1)
	p := newTestProc(t)
	s.Enqueue(p)

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	runSlice := func(proc *Process, slice time.Duration) (blocked, exited bool) {
		n++
		cancel()
		return true, false // blocked before the slice elapsed: level unchanged
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 0, runSlice)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduler.Run never returned after ctx cancellation")
	}

	if p.Sched.Level != 0 {
		t.Fatalf("level after a blocked slice = %d, want 0 (unchanged)", p.Sched.Level)
	}
	if n == 0 {
		t.Fatal("runSlice was never called")
	}
}
