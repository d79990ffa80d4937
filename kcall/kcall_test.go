package kcall

import (
	"context"
	"testing"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fd"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/mem"
	"github.com/aarch64kit/armos/proc"
	"github.com/aarch64kit/armos/sock"
	"github.com/aarch64kit/armos/vm"
)

// newTestKernel builds a Kernel wired to a fresh in-memory filesystem, plus
// a process whose AS has one heap page mapped at address 0 for user-buffer
// arguments to land in.
func newTestKernel(t *testing.T) (*Kernel, *proc.Process) {
	t.Helper()
	d := block.NewMemDisk(200)
	super := fs.MakeSuper(200, 32)
	if errno := super.Write(d); errno != 0 {
		t.Fatalf("Super.Write: errno %d", errno)
	}
	cache, errno := fs.NewCache(d, super)
	if errno != 0 {
		t.Fatalf("NewCache: errno %d", errno)
	}
	tree := fs.NewTree(cache, super)
	op := cache.BeginOp(context.Background())
	cache.ReserveSystemBlocks(op)
	if errno := tree.InitRoot(op); errno != 0 {
		t.Fatalf("InitRoot: errno %d", errno)
	}
	cache.EndOp(op)

	phys := mem.NewPhysmem(256)
	fdTable := fd.NewTable(64)
	procs := proc.NewTable(fdTable, cache, tree)
	sched := proc.NewScheduler(1)
	socks := sock.NewTable()

	k := &Kernel{
		Phys:  phys,
		Slabs: mem.NewAllocator(phys),
		Cache: cache,
		Tree:  tree,
		Files: fdTable,
		Socks: socks,
		Procs: procs,
		Sched: sched,
	}

	as := vm.NewAS(phys, cache, tree)
	if _, errno := as.Sbrk(2 * defs.PageSize); errno != 0 {
		t.Fatalf("Sbrk: errno %d", errno)
	}
	p := procs.New(nil, as)
	// Fault in the heap page so CopyInto/CopyIn have somewhere to land.
	if fatal := as.Fault(0, true); fatal {
		t.Fatal("heap fault should not be fatal")
	}
	return k, p
}

// putPathAt writes a NUL-terminated path string into p's heap at va.
func putPathAt(t *testing.T, p *proc.Process, va uintptr, path string) {
	t.Helper()
	b := append([]byte(path), 0)
	if !p.AS.CopyInto(va, b) {
		t.Fatalf("CopyInto path %q at %#x failed", path, va)
	}
}

const (
	pathBuf = 0
	dataBuf = 0x800
	auxBuf  = 0xc00
)

// cwdFD carries AtFDCwd's negative dirfd through a uintptr register slot the
// same way a real register file would: two's-complement bit pattern, not a
// constant conversion (which the negative-into-unsigned range check rejects
// at compile time).
var cwdFD = func() uintptr {
	v := int(AtFDCwd)
	return uintptr(v)
}()

func TestOpenatCreateWriteCloseThenReopenRead(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/hello.txt")

	r, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: OCreate | ORdWr})
	if errno != 0 {
		t.Fatalf("openat create: errno %d", errno)
	}
	fdno := int(r)

	content := []byte("payload")
	if !p.AS.CopyInto(dataBuf, content) {
		t.Fatal("CopyInto content failed")
	}
	n, errno := k.call(ctx, p, SysWrite, Args{A0: uintptr(fdno), A1: dataBuf, A2: uintptr(len(content))})
	if errno != 0 || int(n) != len(content) {
		t.Fatalf("write = %d,%d, want %d,0", n, errno, len(content))
	}

	if _, errno := k.call(ctx, p, SysClose, Args{A0: uintptr(fdno)}); errno != 0 {
		t.Fatalf("close: errno %d", errno)
	}

	r, errno = k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: ORdOnly})
	if errno != 0 {
		t.Fatalf("openat reopen: errno %d", errno)
	}
	fdno = int(r)

	n, errno = k.call(ctx, p, SysRead, Args{A0: uintptr(fdno), A1: auxBuf, A2: uintptr(len(content))})
	if errno != 0 || int(n) != len(content) {
		t.Fatalf("read = %d,%d, want %d,0", n, errno, len(content))
	}
	got, ok := p.AS.CopyIn(auxBuf, len(content))
	if !ok || string(got) != string(content) {
		t.Fatalf("read-back content = %q,%v, want %q,true", got, ok, content)
	}
}

func TestOpenatMissingWithoutCreateReturnsENOENT(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/nope.txt")
	if _, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: ORdOnly}); errno != -defs.ENOENT {
		t.Fatalf("openat missing = errno %d, want -ENOENT", errno)
	}
}

func TestReadWriteOnBadFdReturnsEBADF(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	if _, errno := k.call(ctx, p, SysRead, Args{A0: 5, A1: dataBuf, A2: 4}); errno != -defs.EBADF {
		t.Fatalf("read on closed fd = errno %d, want -EBADF", errno)
	}
	if _, errno := k.call(ctx, p, SysWrite, Args{A0: 5, A1: dataBuf, A2: 4}); errno != -defs.EBADF {
		t.Fatalf("write on closed fd = errno %d, want -EBADF", errno)
	}
}

func TestUnlinkatRemovesDirentAndFreesInode(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/gone.txt")

	r, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: OCreate | ORdWr})
	if errno != 0 {
		t.Fatalf("openat create: errno %d", errno)
	}
	if _, errno := k.call(ctx, p, SysFstat, Args{A0: uintptr(r), A1: auxBuf}); errno != 0 {
		t.Fatalf("fstat: errno %d", errno)
	}
	raw, ok := p.AS.CopyIn(auxBuf, 8)
	if !ok {
		t.Fatal("CopyIn stat buf failed")
	}
	ino := int(leU64(raw))
	k.call(ctx, p, SysClose, Args{A0: uintptr(r)})

	if _, errno := k.call(ctx, p, SysUnlinkat, Args{A0: cwdFD, A1: pathBuf}); errno != 0 {
		t.Fatalf("unlinkat: errno %d", errno)
	}
	if _, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: ORdOnly}); errno != -defs.ENOENT {
		t.Fatalf("openat after unlink = errno %d, want -ENOENT", errno)
	}

	freed := k.Tree.Get(ino)
	k.Tree.Lock(ctx, freed)
	typ := freed.Type()
	k.Tree.Unlock(freed)
	if typ != fs.TInvalid {
		t.Fatalf("inode %d type after unlink = %v, want TInvalid (freed)", ino, typ)
	}
}

func TestMkdiratThenChdir(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/sub")

	if _, errno := k.call(ctx, p, SysMkdirat, Args{A0: cwdFD, A1: pathBuf}); errno != 0 {
		t.Fatalf("mkdirat: errno %d", errno)
	}
	if _, errno := k.call(ctx, p, SysChdir, Args{A0: pathBuf}); errno != 0 {
		t.Fatalf("chdir: errno %d", errno)
	}
	if p.Cwd == fs.RootInode {
		t.Fatal("chdir should have changed p.Cwd away from root")
	}
}

func TestChdirOnFileReturnsENOTDIR(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/afile")
	r, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: OCreate | ORdWr})
	if errno != 0 {
		t.Fatalf("openat create: errno %d", errno)
	}
	k.call(ctx, p, SysClose, Args{A0: uintptr(r)})

	if _, errno := k.call(ctx, p, SysChdir, Args{A0: pathBuf}); errno != -defs.ENOTDIR {
		t.Fatalf("chdir on a file = errno %d, want -ENOTDIR", errno)
	}
}

func TestFstatReportsSize(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	putPathAt(t, p, pathBuf, "/sized")
	r, errno := k.call(ctx, p, SysOpenat, Args{A0: cwdFD, A1: pathBuf, A2: OCreate | ORdWr})
	if errno != 0 {
		t.Fatalf("openat create: errno %d", errno)
	}
	fdno := uintptr(r)
	content := []byte("12345")
	p.AS.CopyInto(dataBuf, content)
	if _, errno := k.call(ctx, p, SysWrite, Args{A0: fdno, A1: dataBuf, A2: uintptr(len(content))}); errno != 0 {
		t.Fatalf("write: errno %d", errno)
	}

	if _, errno := k.call(ctx, p, SysFstat, Args{A0: fdno, A1: auxBuf}); errno != 0 {
		t.Fatalf("fstat: errno %d", errno)
	}
	raw, ok := p.AS.CopyIn(auxBuf, 24)
	if !ok {
		t.Fatal("CopyIn stat buf failed")
	}
	size := leU64(raw[16:])
	if size != uint64(len(content)) {
		t.Fatalf("stat size = %d, want %d", size, len(content))
	}
}

func TestPipe2ReturnsUsableReadWriteEnds(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()

	if _, errno := k.call(ctx, p, SysPipe2, Args{A0: auxBuf}); errno != 0 {
		t.Fatalf("pipe2: errno %d", errno)
	}
	raw, ok := p.AS.CopyIn(auxBuf, 8)
	if !ok {
		t.Fatal("CopyIn fds failed")
	}
	rfd := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24
	wfd := int(raw[4]) | int(raw[5])<<8 | int(raw[6])<<16 | int(raw[7])<<24

	msg := []byte("ping")
	p.AS.CopyInto(dataBuf, msg)
	n, errno := k.call(ctx, p, SysWrite, Args{A0: uintptr(wfd), A1: dataBuf, A2: uintptr(len(msg))})
	if errno != 0 || int(n) != len(msg) {
		t.Fatalf("pipe write = %d,%d, want %d,0", n, errno, len(msg))
	}
	n, errno = k.call(ctx, p, SysRead, Args{A0: uintptr(rfd), A1: dataBuf + 0x100, A2: uintptr(len(msg))})
	if errno != 0 || int(n) != len(msg) {
		t.Fatalf("pipe read = %d,%d, want %d,0", n, errno, len(msg))
	}
	got, _ := p.AS.CopyIn(dataBuf+0x100, len(msg))
	if string(got) != string(msg) {
		t.Fatalf("pipe round trip = %q, want %q", got, msg)
	}
}

func TestForkCreatesChildAndDupEnqueues(t *testing.T) {
	k, p := newTestKernel(t)
	r, errno := k.call(context.Background(), p, SysFork, Args{})
	if errno != 0 {
		t.Fatalf("fork: errno %d", errno)
	}
	childPid := proc.Pid(r)
	if k.Procs.Get(childPid) == nil {
		t.Fatal("forked child should be registered in the process table")
	}
	depths := k.Sched.QueueDepths()
	if depths[0] != 1 {
		t.Fatalf("QueueDepths()[0] = %d, want 1 (the enqueued child)", depths[0])
	}
}

func TestExitThenWaitReapsChild(t *testing.T) {
	k, p := newTestKernel(t)
	ctx := context.Background()
	r, errno := k.call(ctx, p, SysFork, Args{})
	if errno != 0 {
		t.Fatalf("fork: errno %d", errno)
	}
	child := k.Procs.Get(proc.Pid(r))

	if _, errno := k.call(ctx, child, SysExit, Args{A0: 9}); errno != 0 {
		t.Fatalf("exit: errno %d", errno)
	}
	pid, errno := k.call(ctx, p, SysWait, Args{A0: auxBuf})
	if errno != 0 || proc.Pid(pid) != child.Pid {
		t.Fatalf("wait = %d,%d, want %d,0", pid, errno, child.Pid)
	}
	raw, ok := p.AS.CopyIn(auxBuf, 4)
	status := int32(raw[0]) | int32(raw[1])<<8 | int32(raw[2])<<16 | int32(raw[3])<<24
	if !ok || status != 9 {
		t.Fatalf("wait status buf = %v (decoded %d), want 9", raw, status)
	}
}

func TestWaitWithNoChildrenReturnsECHILD(t *testing.T) {
	k, p := newTestKernel(t)
	if _, errno := k.call(context.Background(), p, SysWait, Args{A0: 0}); errno != -defs.ECHILD {
		t.Fatalf("wait with no children = errno %d, want -ECHILD", errno)
	}
}

func TestKillUnknownPidReturnsEINVAL(t *testing.T) {
	k, p := newTestKernel(t)
	if _, errno := k.call(context.Background(), p, SysKill, Args{A0: 99999}); errno != -defs.EINVAL {
		t.Fatalf("kill unknown pid = errno %d, want -EINVAL", errno)
	}
}

func TestKillMarksTargetKilled(t *testing.T) {
	k, p := newTestKernel(t)
	r, errno := k.call(context.Background(), p, SysFork, Args{})
	if errno != 0 {
		t.Fatalf("fork: errno %d", errno)
	}
	child := k.Procs.Get(proc.Pid(r))
	if _, errno := k.call(context.Background(), p, SysKill, Args{A0: uintptr(r)}); errno != 0 {
		t.Fatalf("kill: errno %d", errno)
	}
	if !child.Killed() {
		t.Fatal("target process should be Killed() after SysKill")
	}
}

func TestSbrkGrowsHeap(t *testing.T) {
	k, p := newTestKernel(t)
	old, errno := k.call(context.Background(), p, SysSbrk, Args{A0: uintptr(defs.PageSize)})
	if errno != 0 {
		t.Fatalf("sbrk: errno %d", errno)
	}
	if old != 2*defs.PageSize {
		t.Fatalf("sbrk old break = %d, want %d (set up by newTestKernel)", old, 2*defs.PageSize)
	}
}

func TestMmapIsUnimplemented(t *testing.T) {
	k, p := newTestKernel(t)
	if _, errno := k.call(context.Background(), p, SysMmap, Args{}); errno != -defs.ENOSYS {
		t.Fatalf("mmap = errno %d, want -ENOSYS", errno)
	}
}

func TestIoctlIsUnimplemented(t *testing.T) {
	k, p := newTestKernel(t)
	if _, errno := k.call(context.Background(), p, SysIoctl, Args{}); errno != -defs.ENOSYS {
		t.Fatalf("ioctl = errno %d, want -ENOSYS", errno)
	}
}

func TestDispatchConvertsErrnoToNegativeOne(t *testing.T) {
	k, p := newTestKernel(t)
	if r := k.Dispatch(context.Background(), p, SysRead, Args{A0: 5}); r != -1 {
		t.Fatalf("Dispatch on bad fd = %d, want -1", r)
	}
}
