// Package proc implements the process lifecycle and MLFQ scheduler of
// spec.md §4.5, grounded on original_source/src/kernel/proc.c and sched.c
// for the state machine and fork/exit/wait/kill semantics, and on the
// teacher's tinfo.Tnote_t (biscuit/src/tinfo/tinfo.go) for the
// killed/doomed shape of the per-thread kill flag — reworked here onto
// context.Context instead of the teacher's patched-runtime Gptr/Killnaps,
// since this module runs on stock Go (see DESIGN.md).
package proc

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fd"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/vm"
)

type Pid int

// State is one of spec.md §3's process states.
type State int

const (
	Unused State = iota
	Runnable
	Running
	Sleeping
	DeepSleeping
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case DeepSleeping:
		return "DEEPSLEEPING"
	case Zombie:
		return "ZOMBIE"
	}
	return "?"
}

// SchedInfo is a process's scheduler-owned bookkeeping (spec.md §3
// "scheduler info {mlfq_level, remaining_slice}").
type SchedInfo struct {
	Level int
}

// Process is one process: spec.md §3's Process type, minus the kernel
// stack / saved register context a real CPU needs (this is a hosted
// simulator; each process's userspace work runs as a Go goroutine driven
// from cmd/kernel, not a restored register file).
type Process struct {
	mu sync.Mutex

	Pid      Pid
	Parent   *Process
	Children []*Process
	State    State

	AS    *vm.AS
	Files [defs.NOFILE]*fd.File
	Cwd   int // inode number of the current working directory

	Sched SchedInfo

	ExitStatus int
	killed     bool

	ctx    context.Context
	cancel context.CancelFunc

	// childExit is closed and replaced each time a child becomes a
	// zombie, waking any Wait call blocked on this process (spec.md §3
	// "a semaphore childexit").
	childExit chan struct{}
}

func (p *Process) broadcastChildExit() {
	p.mu.Lock()
	close(p.childExit)
	p.childExit = make(chan struct{})
	p.mu.Unlock()
}

// Kill marks p killed and cancels its context, waking any alertable wait
// it is currently parked in (spec.md §9).
func (p *Process) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Ctx returns the context whose cancellation models an alertable wait
// being interrupted by Kill.
func (p *Process) Ctx() context.Context { return p.ctx }

func (p *Process) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
}

// Table is the global process table: pid allocation, the process tree, and
// the root process children get reparented to on exit (spec.md §4.5).
type Table struct {
	mu    sync.Mutex
	procs map[Pid]*Process
	taken map[Pid]bool
	next  Pid

	fdTable *fd.Table
	cache   *fs.Cache
	tree    *fs.Tree

	Root *Process
}

// NewTable creates the process table and a pid-1 root process that exists
// only to adopt orphans (spec.md §4.5 reparenting); it is never scheduled.
func NewTable(fdTable *fd.Table, cache *fs.Cache, tree *fs.Tree) *Table {
	t := &Table{
		procs:   make(map[Pid]*Process),
		taken:   make(map[Pid]bool),
		next:    1,
		fdTable: fdTable,
		cache:   cache,
		tree:    tree,
	}
	t.Root = t.alloc(nil)
	t.Root.State = Sleeping
	return t
}

// allocPid scans the bitmap from the low end (spec.md §3: "PID is allocated
// from a bitmap and freed only at reap").
func (t *Table) allocPid() Pid {
	for pid := Pid(1); ; pid++ {
		if !t.taken[pid] {
			t.taken[pid] = true
			return pid
		}
	}
}

func (t *Table) alloc(parent *Process) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.allocPid()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		Pid:       pid,
		Parent:    parent,
		State:     Unused,
		ctx:       ctx,
		cancel:    cancel,
		childExit: make(chan struct{}),
		Cwd:       fs.RootInode,
	}
	t.procs[pid] = p
	return p
}

// Get looks up a live process by pid.
func (t *Table) Get(pid Pid) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// New allocates a fresh RUNNABLE process with its own address space and an
// empty file table, used to create a process from scratch (cmd/kernel's
// init) rather than by fork.
func (t *Table) New(parent *Process, as *vm.AS) *Process {
	p := t.alloc(parent)
	p.AS = as
	p.State = Runnable
	if parent != nil {
		parent.mu.Lock()
		parent.Children = append(parent.Children, p)
		parent.mu.Unlock()
	}
	return p
}

// Fork duplicates parent into a new process: COW address space, dup'ed
// open files, same cwd (spec.md §4.5 fork).
func (t *Table) Fork(parent *Process) *Process {
	child := t.alloc(parent)

	parent.mu.Lock()
	child.AS = parent.AS.Fork()
	child.Cwd = parent.Cwd
	for i, f := range parent.Files {
		if f != nil {
			child.Files[i] = t.fdTable.Dup(f)
		}
	}
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	child.State = Runnable
	return child
}

// Exit tears down p's resources, reparents its children to Root, and marks
// it a zombie, waking its parent's Wait (spec.md §4.5 exit).
func (t *Table) Exit(p *Process, status int) {
	p.mu.Lock()
	if p.AS != nil {
		p.AS.FreeSections()
	}
	for i, f := range p.Files {
		if f != nil {
			t.fdTable.Close(t.cache, t.tree, f)
			p.Files[i] = nil
		}
	}
	kids := p.Children
	p.Children = nil
	p.ExitStatus = status
	parent := p.Parent
	p.mu.Unlock()

	for _, c := range kids {
		c.mu.Lock()
		c.Parent = t.Root
		c.mu.Unlock()
		t.Root.mu.Lock()
		t.Root.Children = append(t.Root.Children, c)
		t.Root.mu.Unlock()
	}

	p.setState(Zombie)
	if parent != nil {
		parent.broadcastChildExit()
	}
}

// Wait blocks until some child of p becomes a zombie, reaps it, and
// returns its pid and exit status (spec.md §4.5 wait). ctx cancellation
// models an alertable wait interrupted by kill.
func (t *Table) Wait(ctx context.Context, p *Process) (Pid, int, defs.Errno) {
	for {
		p.mu.Lock()
		for i, c := range p.Children {
			c.mu.Lock()
			if c.State == Zombie {
				pid, status := c.Pid, c.ExitStatus
				c.mu.Unlock()
				p.Children = append(p.Children[:i:i], p.Children[i+1:]...)
				p.mu.Unlock()
				t.reap(c)
				return pid, status, 0
			}
			c.mu.Unlock()
		}
		if len(p.Children) == 0 {
			p.mu.Unlock()
			return 0, 0, -defs.ECHILD
		}
		wait := p.childExit
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, 0, -defs.EINTR
		}
	}
}

// reap frees a zombie's pid and drops it from the table, the final step of
// wait (spec.md §3: "PID is ... freed only at reap").
func (t *Table) reap(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taken, p.Pid)
	delete(t.procs, p.Pid)
}

// AllocFd installs f in p's open-file table at the lowest free index
// (fdalloc), or -EMFILE if full.
func (p *Process) AllocFd(f *fd.File) (int, defs.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.Files {
		if cur == nil {
			p.Files[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// Fd2File resolves a process-local fd number to its File (fd2file).
func (p *Process) Fd2File(n int) *fd.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= len(p.Files) {
		return nil
	}
	return p.Files[n]
}

// ClearFd empties slot n after its File has been released via fd.Table.Close
// (close(2)'s second half, past the table's own refcount teardown).
func (p *Process) ClearFd(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= 0 && n < len(p.Files) {
		p.Files[n] = nil
	}
}
