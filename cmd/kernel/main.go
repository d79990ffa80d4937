// Command kernel boots a previously mkfs'd disk image and runs it:
// mounting the filesystem, constructing the process/scheduler/syscall
// subsystems, and driving one goroutine per simulated CPU (spec.md §1/§5
// "a hosted simulator... goroutines standing in for CPUs"). There is no
// ARM64 instruction interpreter here — out of scope per spec.md §1 — so a
// process's "userspace work" is the Go closure registered for it in the
// registry type below, calling kcall.Dispatch directly the way a trap
// handler would on real hardware. Flag parsing follows the kingpin idiom
// established by
// cmd/mkfs (see SPEC_FULL.md's DOMAIN STACK section).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/console"
	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fd"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/kcall"
	"github.com/aarch64kit/armos/mem"
	"github.com/aarch64kit/armos/proc"
	"github.com/aarch64kit/armos/sock"
	"github.com/aarch64kit/armos/statsexport"
	"github.com/aarch64kit/armos/vm"
)

var (
	app         = kingpin.New("kernel", "Boot an armos disk image.")
	imagePath   = app.Flag("image", "path of a disk image previously written by mkfs").Required().String()
	numCPU      = app.Flag("cpus", "number of simulated CPUs").Default("2").Int()
	numFrames   = app.Flag("frames", "number of simulated physical memory frames").Default("4096").Int()
	numFiles    = app.Flag("files", "size of the global open-file table").Default("256").Int()
	metricsAddr = app.Flag("metrics-addr", "address to serve Prometheus metrics on").Default(":9100").String()
)

// stdoutUART backs the console with the host process's own stdout, the
// simplest possible console.UART for a hosted simulator (spec.md §1 treats
// the real UART as an external primitive).
type stdoutUART struct{}

func (stdoutUART) PutChar(b byte) { os.Stdout.Write([]byte{b}) }

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	disk, err := mountDisk(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", errors.Wrap(err, "mount"))
		os.Exit(1)
	}
	defer disk.Close()

	super, errno := fs.ReadSuper(disk)
	if errno != 0 {
		fmt.Fprintf(os.Stderr, "kernel: read superblock: errno %d\n", errno)
		os.Exit(1)
	}
	cache, errno := fs.NewCache(disk, super)
	if errno != 0 {
		fmt.Fprintf(os.Stderr, "kernel: open cache: errno %d\n", errno)
		os.Exit(1)
	}
	tree := fs.NewTree(cache, super)

	phys := mem.NewPhysmem(*numFrames)
	slabs := mem.NewAllocator(phys)
	fdTable := fd.NewTable(*numFiles)
	sockTable := sock.NewTable()
	procTable := proc.NewTable(fdTable, cache, tree)
	sched := proc.NewScheduler(*numCPU)
	con := console.New(stdoutUART{})

	k := &kcall.Kernel{
		Phys:  phys,
		Slabs: slabs,
		Cache: cache,
		Tree:  tree,
		Files: fdTable,
		Socks: sockTable,
		Procs: procTable,
		Sched: sched,
	}

	reg := newRegistry()
	registerCollector(sched, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initProc := spawnInit(k, procTable, fdTable, con, reg)
	sched.Enqueue(initProc)

	var wg sync.WaitGroup
	for cpu := 0; cpu < *numCPU; cpu++ {
		wg.Add(1)
		go func(cpuID int) {
			defer wg.Done()
			sched.Run(ctx, cpuID, reg.runSlice)
		}(cpu)
	}

	go func() {
		fmt.Fprintf(os.Stderr, "kernel: serving metrics on %s\n", *metricsAddr)
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "kernel: metrics server: %v\n", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigs:
		fmt.Fprintln(os.Stderr, "kernel: shutting down")
	case <-reg.initDone:
		fmt.Fprintln(os.Stderr, "kernel: init exited")
	}
	cancel()
	wg.Wait()
}

// mountDisk opens an existing image file, sizing the FileDisk to the
// file's current length rather than a caller-supplied block count (§4.1
// "mounting an existing image" — nblocks here must come from the image
// itself, not a fresh-format guess, or OpenFileDisk's zero-extend could
// silently grow a differently-sized image).
func mountDisk(path string) (*block.FileDisk, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s (did you run mkfs first?)", path)
	}
	nblocks := int(st.Size() / defs.BlockSize)
	if nblocks < 1 {
		return nil, errors.Errorf("%s: too small to be a formatted image", path)
	}
	return block.OpenFileDisk(path, nblocks)
}

// spawnInit creates the first process: an empty address space, fds 0/1/2
// wired to the console, and the demo init program registered in reg
// (spec.md §4.5 "process 0" bootstrap, minus the real-hardware parts
// out of scope per §1).
func spawnInit(k *kcall.Kernel, procTable *proc.Table, fdTable *fd.Table, con *console.Console, reg *registry) *proc.Process {
	as := vm.NewAS(k.Phys, k.Cache, k.Tree)
	p := procTable.New(nil, as)
	p.Cwd = fs.RootInode

	wireConsole(p, fdTable, con)

	reg.register(p, func(ctx context.Context) { runInit(ctx, k, procTable, p, reg) })
	return p
}

// wireConsole installs stdin/stdout/stderr directly onto p's fd table,
// bypassing openat: this kernel has no /dev namespace, so device files
// are handed out at process creation instead (spec.md §6 Non-goals
// exclude a device filesystem).
func wireConsole(p *proc.Process, fdTable *fd.Table, con *console.Console) {
	for i := 0; i < 3; i++ {
		f := fdTable.Alloc()
		f.MakeConsole(con, i == 0, i != 0)
		if n, errno := p.AllocFd(f); errno != 0 || n != i {
			panic("kernel: console fd wiring assumes an empty file table")
		}
	}
}

// runInit is init's whole "userspace program": announce boot, fork a
// child that reports in and exits, wait for it, then exit itself. It
// stands in for the real init binary a real boot would exec, consistent
// with spec.md §1 scoping out a literal instruction stream.
func runInit(ctx context.Context, k *kcall.Kernel, procTable *proc.Table, p *proc.Process, reg *registry) {
	writeConsole(ctx, k, p, "armos: init running\n")

	childPid := k.Dispatch(ctx, p, kcall.SysFork, kcall.Args{})
	if childPid < 0 {
		writeConsole(ctx, k, p, "armos: fork failed\n")
		k.Dispatch(ctx, p, kcall.SysExit, kcall.Args{A0: 1})
		return
	}

	// Register the child's program before the scheduler can pick it:
	// fork() already enqueued it (kcall.Kernel.fork -> Scheduler.Enqueue),
	// so registry.runSlice must be able to find a task for it. Any CPU
	// that picks the child before this line lands just reports it
	// blocked and tries again next turn (registry.runSlice's "not ok"
	// path).
	child := procTable.Get(proc.Pid(childPid))
	if child != nil {
		reg.register(child, func(ctx context.Context) { runChild(ctx, k, child) })
	}

	var statusBuf [8]byte
	statusVa, ok := stageBuffer(p, statusBuf[:])
	if !ok {
		k.Dispatch(ctx, p, kcall.SysExit, kcall.Args{A0: 1})
		return
	}
	k.Dispatch(ctx, p, kcall.SysWait, kcall.Args{A0: statusVa})
	writeConsole(ctx, k, p, "armos: init reaped child, exiting\n")
	k.Dispatch(ctx, p, kcall.SysExit, kcall.Args{A0: 0})
}

// runChild is the forked child's program, registered onto the new
// process by runInit right after SysFork returns, so it runs on its own
// goroutine and never races with the parent's runInit.
func runChild(ctx context.Context, k *kcall.Kernel, p *proc.Process) {
	writeConsole(ctx, k, p, "armos: child running, exiting(42)\n")
	k.Dispatch(ctx, p, kcall.SysExit, kcall.Args{A0: 42})
}

// writeConsole stages msg into p's heap and issues a SysWrite to fd 1,
// the demo program's only way to reach the console (no direct AS access
// from outside the syscall ABI, matching spec.md §6's dispatch boundary).
func writeConsole(ctx context.Context, k *kcall.Kernel, p *proc.Process, msg string) {
	va, ok := stageBuffer(p, []byte(msg))
	if !ok {
		return
	}
	k.Dispatch(ctx, p, kcall.SysWrite, kcall.Args{A0: 1, A1: va, A2: uintptr(len(msg))})
}

// stageBuffer copies buf into a freshly Sbrk'd heap page so a syscall
// argument can point at it. Sbrk only reserves the range; CopyInto demand
// faults the backing page in the same way a real user write would.
func stageBuffer(p *proc.Process, buf []byte) (uintptr, bool) {
	if len(buf) > defs.PageSize {
		return 0, false
	}
	base, errno := p.AS.Sbrk(defs.PageSize)
	if errno != 0 {
		return 0, false
	}
	if !p.AS.CopyInto(base, buf) {
		return 0, false
	}
	return base, true
}

// registry drives the per-process "userspace work" goroutines that
// proc.Scheduler.Run's runSlice callback dispatches into. Each process's
// program runs to completion (or exit) on its own goroutine as soon as
// it is first picked; runSlice reports blocked==true when the slice
// elapses with that goroutine still working, so the scheduler re-enqueues
// the process at its current level. A process driven through the registry
// is therefore never demoted.
type registry struct {
	mu       sync.Mutex
	tasks    map[*proc.Process]*task
	initDone chan struct{}
	initOnce sync.Once
	initProc *proc.Process
}

type task struct {
	once sync.Once
	prog func(ctx context.Context)
	done chan struct{}
}

func newRegistry() *registry {
	return &registry{
		tasks:    make(map[*proc.Process]*task),
		initDone: make(chan struct{}),
	}
}

// register associates prog with p. The first registered process is taken
// to be init; reg.initDone closes when it finishes.
func (r *registry) register(p *proc.Process, prog func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[p] = &task{prog: prog, done: make(chan struct{})}
	if r.initProc == nil {
		r.initProc = p
	}
}

// runSlice implements the callback proc.Scheduler.Run expects: it starts
// p's program goroutine on first pick and waits up to slice for it to
// finish.
func (r *registry) runSlice(p *proc.Process, slice time.Duration) (blocked, exited bool) {
	r.mu.Lock()
	t, ok := r.tasks[p]
	isInit := p == r.initProc
	r.mu.Unlock()
	if !ok {
		// A child process picked before its program was registered by
		// the parent's fork handler: treat as blocked, try again next
		// turn once the parent has caught up.
		return true, false
	}

	t.once.Do(func() {
		go func() {
			t.prog(p.Ctx())
			close(t.done)
		}()
	})

	select {
	case <-t.done:
		if isInit {
			r.initOnce.Do(func() { close(r.initDone) })
		}
		return false, true
	case <-time.After(slice):
		return true, false
	}
}

// registerCollector wires the Prometheus collector into the default
// registry, matching promhttp.Handler()'s expectation of
// prometheus.DefaultGatherer (spec.md §8 observability).
func registerCollector(sched *proc.Scheduler, cache *fs.Cache) {
	prometheus.MustRegister(statsexport.NewCollector(sched, cache))
}
