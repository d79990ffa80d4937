package proc

import (
	"context"
	"sync"
	"time"
)

// NLevel is the MLFQ's fixed queue count (spec.md §4.5 NLEVEL).
const NLevel = 3

// levelUpPeriod is the promote-to-level-0 timer (spec.md §4.5
// TIME_TO_LEVEL_UP_MS).
const levelUpPeriod = 1000 * time.Millisecond

// sliceFor returns level i's time slice: 5*(i+1) ms (spec.md §4.5).
func sliceFor(level int) time.Duration {
	return time.Duration(5*(level+1)) * time.Millisecond
}

// Scheduler holds the NLEVEL FIFO ready queues and the level-up timer's
// rotating arming assignment (spec.md §4.5). A single mutex serializes all
// queue mutations, standing in for the source's "sched spinlock".
type Scheduler struct {
	mu      sync.Mutex
	queues  [NLevel][]*Process
	numCPU  int
	armTurn int
	wake    chan struct{}
}

// NewScheduler creates a scheduler for numCPU virtual CPUs.
func NewScheduler(numCPU int) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}
	return &Scheduler{numCPU: numCPU, wake: make(chan struct{}, 1)}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue places p at the tail of its current level's queue and marks it
// RUNNABLE (spec.md §8 invariant: "every RUNNABLE process is linked in
// exactly one MLFQ queue").
func (s *Scheduler) Enqueue(p *Process) {
	p.setState(Runnable)
	s.mu.Lock()
	lvl := p.Sched.Level
	s.queues[lvl] = append(s.queues[lvl], p)
	s.mu.Unlock()
	s.nudge()
}

// pickNext scans levels top-down and pops the first RUNNABLE process
// (spec.md §4.5 pick_next); returns nil if every queue is empty, meaning
// this CPU should run its idle task.
func (s *Scheduler) pickNext() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lvl := 0; lvl < NLevel; lvl++ {
		if len(s.queues[lvl]) > 0 {
			p := s.queues[lvl][0]
			s.queues[lvl] = s.queues[lvl][1:]
			return p
		}
	}
	return nil
}

// Yield voluntarily relinquishes: re-enqueue at the tail of the same
// level (spec.md §4.5 yield), keeping the level unchanged.
func (s *Scheduler) Yield(p *Process) {
	s.Enqueue(p)
}

// promoteAll moves every queued process in levels 1..NLEVEL-1 back to
// level 0 (spec.md §4.5 level-up timer).
func (s *Scheduler) promoteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lvl := 1; lvl < NLevel; lvl++ {
		for _, p := range s.queues[lvl] {
			p.Sched.Level = 0
			s.queues[0] = append(s.queues[0], p)
		}
		s.queues[lvl] = nil
	}
}

// QueueDepths reports each level's current length, for statsexport.
func (s *Scheduler) QueueDepths() [NLevel]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d [NLevel]int
	for i := range s.queues {
		d[i] = len(s.queues[i])
	}
	return d
}

// Run is one virtual CPU's scheduling loop: pick_next, run the chosen
// process for its level's slice (via runSlice), demote it one level if it
// used the whole slice without blocking, and requeue (spec.md §4.5). Every
// levelUpPeriod tick, exactly one CPU — chosen in rotation — promotes all
// runnable processes to level 0 ("one CPU is designated each tick to arm
// the level-up timer, in rotation").
//
// runSlice actually executes p's userspace work for up to the given slice
// and reports whether p blocked (voluntarily suspended) before the slice
// elapsed, or exited.
func (s *Scheduler) Run(ctx context.Context, cpuID int, runSlice func(p *Process, slice time.Duration) (blocked, exited bool)) {
	ticker := time.NewTicker(levelUpPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			myTurn := s.armTurn%s.numCPU == cpuID
			s.armTurn++
			s.mu.Unlock()
			if myTurn {
				s.promoteAll()
			}
			continue
		default:
		}

		p := s.pickNext()
		if p == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				myTurn := s.armTurn%s.numCPU == cpuID
				s.armTurn++
				s.mu.Unlock()
				if myTurn {
					s.promoteAll()
				}
			case <-s.wake:
			case <-time.After(time.Millisecond):
			}
			continue
		}

		p.setState(Running)
		lvl := p.Sched.Level
		blocked, exited := runSlice(p, sliceFor(lvl))
		if exited {
			continue
		}

		if !blocked && p.Sched.Level < NLevel-1 {
			p.mu.Lock()
			p.Sched.Level++
			p.mu.Unlock()
		}
		s.Enqueue(p)
	}
}
