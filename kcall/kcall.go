// Package kcall implements the syscall ABI dispatch of spec.md §6,
// grounded on original_source/src/kernel/syscall.c and sysfile.c for the
// argument shapes and on the teacher's Fd_t (biscuit/src/fd/fd.go) for the
// open-flags vocabulary. The real ABI (syscall number in register 8,
// arguments in registers 0-5, a validated user pointer per argument) is
// modeled with ordinary Go parameters plus vm.AS.UserReadable/
// UserWriteable instead of literal register files, since this is a
// hosted simulator, not a trap handler (spec.md §1 scopes out trap
// vectors).
package kcall

import (
	"context"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/execve"
	"github.com/aarch64kit/armos/fd"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/mem"
	"github.com/aarch64kit/armos/pipe"
	"github.com/aarch64kit/armos/proc"
	"github.com/aarch64kit/armos/sock"
)

// Open flags (spec.md §6: "openat with O_CREAT|O_RDONLY|O_WRONLY|O_RDWR").
const (
	ORdOnly = 0x0
	OWrOnly = 0x1
	ORdWr   = 0x2
	OCreate = 0x40
)

// AtFDCwd is the only supported dirfd (spec.md §6).
const AtFDCwd = -100

// Num is a syscall number; the concrete values are this kernel's own
// table, not a real architecture's ABI (spec.md §1 scopes out the trap
// vector that would make that distinction matter).
type Num int

const (
	SysIoctl Num = iota
	SysMmap
	SysMunmap
	SysDup
	SysRead
	SysWrite
	SysWritev
	SysClose
	SysFstat
	SysNewfstatat
	SysOpenat
	SysUnlinkat
	SysMkdirat
	SysMknodat
	SysChdir
	SysPipe2
	SysFork
	SysExec
	SysExit
	SysWait
	SysKill
	SysSbrk
)

// Kernel bundles every subsystem a syscall might touch.
type Kernel struct {
	Phys  *mem.Physmem
	Slabs *mem.Allocator
	Cache *fs.Cache
	Tree  *fs.Tree
	Files *fd.Table
	Socks *sock.Table
	Procs *proc.Table
	Sched *proc.Scheduler
}

// Args is the register file: arg[0..5] per spec.md §6; the syscall number
// is passed separately as num.
type Args struct {
	A0, A1, A2, A3, A4, A5 uintptr
}

// Dispatch executes one syscall on behalf of p, returning the register-0
// result. Internal Errno failures are converted to -1, the single-error
// contract's syscall-boundary behavior (spec.md §7).
func (k *Kernel) Dispatch(ctx context.Context, p *proc.Process, num Num, a Args) int64 {
	r, errno := k.call(ctx, p, num, a)
	if errno != 0 {
		return -1
	}
	return r
}

func (k *Kernel) call(ctx context.Context, p *proc.Process, num Num, a Args) (int64, defs.Errno) {
	switch num {
	case SysIoctl:
		return 0, -defs.ENOSYS
	case SysDup:
		return k.dup(p, int(a.A0))
	case SysRead:
		return k.read(ctx, p, int(a.A0), a.A1, int(a.A2))
	case SysWrite:
		return k.write(ctx, p, int(a.A0), a.A1, int(a.A2))
	case SysWritev:
		return k.writev(ctx, p, int(a.A0), a.A1, int(a.A2))
	case SysClose:
		return k.close(p, int(a.A0))
	case SysFstat:
		return k.fstat(p, int(a.A0), a.A1)
	case SysNewfstatat:
		return k.newfstatat(ctx, p, int(a.A0), a.A1, a.A2)
	case SysOpenat:
		return k.openat(ctx, p, int(a.A0), a.A1, int(a.A2), int(a.A3))
	case SysUnlinkat:
		return k.unlinkat(ctx, p, int(a.A0), a.A1)
	case SysMkdirat:
		return k.mknodat(ctx, p, int(a.A0), a.A1, fs.TDir)
	case SysMknodat:
		return k.mknodat(ctx, p, int(a.A0), a.A1, fs.TFile)
	case SysChdir:
		return k.chdir(ctx, p, a.A0)
	case SysPipe2:
		return k.pipe2(p, a.A0)
	case SysFork:
		return k.fork(p)
	case SysExec:
		return k.exec(p, a.A0, a.A1, a.A2)
	case SysExit:
		return k.exit(p, int(a.A0))
	case SysWait:
		return k.wait(ctx, p, a.A0)
	case SysKill:
		return k.kill(p, int(a.A0))
	case SysSbrk:
		return k.sbrk(p, int64(a.A0))
	case SysMmap:
		return k.mmap(p, a.A0, int64(a.A1), int(a.A2))
	case SysMunmap:
		return k.munmap(p, a.A0, int64(a.A1))
	}
	return 0, -defs.ENOSYS
}

func (k *Kernel) dup(p *proc.Process, fdno int) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	n, errno := p.AllocFd(k.Files.Dup(f))
	if errno != 0 {
		return 0, errno
	}
	return int64(n), 0
}

// readUserBuf validates and copies in a user buffer described by (va, n).
func readUserBuf(p *proc.Process, va uintptr, n int) ([]byte, defs.Errno) {
	if n < 0 {
		return nil, -defs.EINVAL
	}
	if n == 0 {
		return nil, 0
	}
	buf, ok := p.AS.CopyIn(va, n)
	if !ok {
		return nil, -defs.EFAULT
	}
	return buf, 0
}

func (k *Kernel) read(ctx context.Context, p *proc.Process, fdno int, va uintptr, n int) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	if n < 0 {
		return 0, -defs.EINVAL
	}
	if !p.AS.UserWriteable(va, n) {
		return 0, -defs.EFAULT
	}
	tmp := make([]byte, n)
	got, errno := k.Files.Read(ctx, k.Cache, k.Tree, f, tmp)
	if errno != 0 {
		return 0, errno
	}
	if got > 0 && !p.AS.CopyInto(va, tmp[:got]) {
		return 0, -defs.EFAULT
	}
	return int64(got), 0
}

func (k *Kernel) write(ctx context.Context, p *proc.Process, fdno int, va uintptr, n int) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	buf, errno := readUserBuf(p, va, n)
	if errno != 0 {
		return 0, errno
	}
	written, errno := k.Files.Write(ctx, k.Cache, k.Tree, f, buf)
	return int64(written), errno
}

// writev writes len(iov) buffers in order, stopping at the first short
// write (spec.md §6 writev).
func (k *Kernel) writev(ctx context.Context, p *proc.Process, fdno int, iovVa uintptr, iovcnt int) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	if iovcnt < 0 || iovcnt > 1024 {
		return 0, -defs.EINVAL
	}
	raw, ok := p.AS.CopyIn(iovVa, iovcnt*16)
	if !ok {
		return 0, -defs.EFAULT
	}
	var total int64
	for i := 0; i < iovcnt; i++ {
		base := leU64(raw[i*16:])
		length := leU64(raw[i*16+8:])
		buf, errno := readUserBuf(p, uintptr(base), int(length))
		if errno != 0 {
			return total, errno
		}
		n, errno := k.Files.Write(ctx, k.Cache, k.Tree, f, buf)
		total += int64(n)
		if errno != 0 || n != len(buf) {
			return total, errno
		}
	}
	return total, 0
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (k *Kernel) close(p *proc.Process, fdno int) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	k.Files.Close(k.Cache, k.Tree, f)
	p.ClearFd(fdno)
	return 0, 0
}

func (k *Kernel) fstat(p *proc.Process, fdno int, va uintptr) (int64, defs.Errno) {
	f := p.Fd2File(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	st, errno := k.Files.Stat(k.Tree, f)
	if errno != 0 {
		return 0, errno
	}
	var raw [24]byte
	putU64(raw[0:], st.Ino)
	putU32(raw[8:], st.Mode)
	putU16(raw[12:], st.NumLinks)
	putU64(raw[16:], st.Size)
	if !p.AS.CopyInto(va, raw[:]) {
		return 0, -defs.EFAULT
	}
	return 0, 0
}

// newfstatat resolves dirfd+path to an inode and stats it directly,
// distinct from fstat's already-open-fd path (spec.md §6: AT_FDCWD is the
// only supported dirfd).
func (k *Kernel) newfstatat(ctx context.Context, p *proc.Process, dirfd int, pathVa, statVa uintptr) (int64, defs.Errno) {
	if dirfd != AtFDCwd {
		return 0, -defs.EINVAL
	}
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}
	ip, _, errno := k.Tree.Namex(ctx, path, false, p.Cwd)
	if errno != 0 {
		return 0, errno
	}
	if !k.Tree.Lock(ctx, ip) {
		k.Tree.Put(nil, ip)
		return 0, -defs.EINTR
	}
	st := ip.Stat()
	k.Tree.Unlock(ip)
	k.Tree.Put(nil, ip)

	var raw [24]byte
	putU64(raw[0:], st.Ino)
	putU32(raw[8:], st.Mode)
	putU16(raw[12:], st.NumLinks)
	putU64(raw[16:], st.Size)
	if !p.AS.CopyInto(statVa, raw[:]) {
		return 0, -defs.EFAULT
	}
	return 0, 0
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// readUserString copies in a NUL-terminated user string up to a generous
// cap, used for path and argv/envp arguments.
func readUserString(p *proc.Process, va uintptr) (string, defs.Errno) {
	const maxPath = 1024
	buf, ok := p.AS.CopyIn(va, maxPath)
	if !ok {
		// retry smaller: the section may end before maxPath bytes.
		for n := maxPath / 2; n >= 16; n /= 2 {
			if b, ok := p.AS.CopyIn(va, n); ok {
				buf = b
				break
			}
		}
		if buf == nil {
			return "", -defs.EFAULT
		}
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", -defs.ENAMETOOLONG
}

func (k *Kernel) openat(ctx context.Context, p *proc.Process, dirfd int, pathVa uintptr, flags, mode int) (int64, defs.Errno) {
	if dirfd != AtFDCwd {
		return 0, -defs.EINVAL
	}
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}

	ip, _, errno := k.Tree.Namex(ctx, path, false, p.Cwd)
	if errno != 0 {
		if flags&OCreate == 0 {
			return 0, errno
		}
		dir, name, errno := k.Tree.Namex(ctx, path, true, p.Cwd)
		if errno != 0 {
			return 0, errno
		}
		op := k.Cache.BeginOp(ctx)
		if op == nil {
			k.Tree.Put(nil, dir)
			return 0, -defs.EINTR
		}
		ip, errno = k.Tree.MkNod(op, dir, name, fs.TFile)
		k.Cache.EndOp(op)
		k.Tree.Put(nil, dir)
		if errno != 0 {
			return 0, errno
		}
	}

	readable := flags&OWrOnly == 0
	writable := flags&OWrOnly != 0 || flags&ORdWr != 0
	f := k.Files.Alloc()
	if f == nil {
		k.Tree.Put(nil, ip)
		return 0, -defs.ENFILE
	}
	f.MakeInode(ip, readable, writable)
	n, errno := p.AllocFd(f)
	if errno != 0 {
		k.Files.Close(k.Cache, k.Tree, f)
		return 0, errno
	}
	return int64(n), 0
}

func (k *Kernel) unlinkat(ctx context.Context, p *proc.Process, dirfd int, pathVa uintptr) (int64, defs.Errno) {
	if dirfd != AtFDCwd {
		return 0, -defs.EINVAL
	}
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}
	dir, name, errno := k.Tree.Namex(ctx, path, true, p.Cwd)
	if errno != 0 {
		return 0, errno
	}
	if !k.Tree.Lock(ctx, dir) {
		k.Tree.Put(nil, dir)
		return 0, -defs.EINTR
	}
	ino, idx, found := k.Tree.Lookup(dir, name)
	if !found {
		k.Tree.Unlock(dir)
		k.Tree.Put(nil, dir)
		return 0, -defs.ENOENT
	}
	op := k.Cache.BeginOp(ctx)
	if op == nil {
		k.Tree.Unlock(dir)
		k.Tree.Put(nil, dir)
		return 0, -defs.EINTR
	}
	k.Tree.Remove(op, dir, idx)
	k.Cache.EndOp(op)
	k.Tree.Unlock(dir)
	k.Tree.Put(nil, dir)

	child := k.Tree.Get(ino)
	if !k.Tree.Lock(ctx, child) {
		k.Tree.Put(nil, child)
		return 0, -defs.EINTR
	}
	op = k.Cache.BeginOp(ctx)
	if op == nil {
		k.Tree.Unlock(child)
		k.Tree.Put(nil, child)
		return 0, -defs.EINTR
	}
	k.Tree.DecLink(op, child)
	k.Cache.EndOp(op)
	k.Tree.Unlock(child)

	op = k.Cache.BeginOp(ctx)
	if op == nil {
		return 0, -defs.EINTR
	}
	k.Tree.Put(op, child)
	k.Cache.EndOp(op)
	return 0, 0
}

func (k *Kernel) mknodat(ctx context.Context, p *proc.Process, dirfd int, pathVa uintptr, typ fs.InodeType) (int64, defs.Errno) {
	if dirfd != AtFDCwd {
		return 0, -defs.EINVAL
	}
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}
	dir, name, errno := k.Tree.Namex(ctx, path, true, p.Cwd)
	if errno != 0 {
		return 0, errno
	}
	op := k.Cache.BeginOp(ctx)
	if op == nil {
		k.Tree.Put(nil, dir)
		return 0, -defs.EINTR
	}
	ip, errno := k.Tree.MkNod(op, dir, name, typ)
	k.Cache.EndOp(op)
	k.Tree.Put(nil, dir)
	if errno != 0 {
		return 0, errno
	}
	k.Tree.Put(nil, ip)
	return 0, 0
}

func (k *Kernel) chdir(ctx context.Context, p *proc.Process, pathVa uintptr) (int64, defs.Errno) {
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}
	ip, _, errno := k.Tree.Namex(ctx, path, false, p.Cwd)
	if errno != 0 {
		return 0, errno
	}
	if !k.Tree.Lock(ctx, ip) {
		k.Tree.Put(nil, ip)
		return 0, -defs.EINTR
	}
	isDir := ip.Type() == fs.TDir
	k.Tree.Unlock(ip)
	no := ip.No
	k.Tree.Put(nil, ip)
	if !isDir {
		return 0, -defs.ENOTDIR
	}
	p.Cwd = no
	return 0, 0
}

func (k *Kernel) pipe2(p *proc.Process, fdsVa uintptr) (int64, defs.Errno) {
	pp := pipe.New(k.Slabs)
	if pp == nil {
		return 0, -defs.ENOMEM
	}
	rf := k.Files.Alloc()
	wf := k.Files.Alloc()
	if rf == nil || wf == nil {
		return 0, -defs.ENFILE
	}
	rf.MakePipe(pp, true, false)
	wf.MakePipe(pp, false, true)
	rn, errno := p.AllocFd(rf)
	if errno != 0 {
		k.Files.Close(k.Cache, k.Tree, rf)
		k.Files.Close(k.Cache, k.Tree, wf)
		return 0, errno
	}
	wn, errno := p.AllocFd(wf)
	if errno != 0 {
		k.Files.Close(k.Cache, k.Tree, wf)
		p.ClearFd(rn)
		return 0, errno
	}
	var raw [8]byte
	putU32(raw[0:], uint32(rn))
	putU32(raw[4:], uint32(wn))
	if !p.AS.CopyInto(fdsVa, raw[:]) {
		return 0, -defs.EFAULT
	}
	return 0, 0
}

func (k *Kernel) fork(p *proc.Process) (int64, defs.Errno) {
	child := k.Procs.Fork(p)
	k.Sched.Enqueue(child)
	return int64(child.Pid), 0
}

func (k *Kernel) exec(p *proc.Process, pathVa, argvVa, envpVa uintptr) (int64, defs.Errno) {
	path, errno := readUserString(p, pathVa)
	if errno != 0 {
		return 0, errno
	}
	argv, errno := readUserStrVec(p, argvVa)
	if errno != 0 {
		return 0, errno
	}
	envp, errno := readUserStrVec(p, envpVa)
	if errno != 0 {
		return 0, errno
	}

	as, entry, errno := execve.Load(k.Phys, k.Cache, k.Tree, path, argv, envp, p.Cwd)
	if errno != 0 {
		return 0, errno
	}
	if p.AS != nil {
		p.AS.FreeSections()
	}
	p.AS = as
	return int64(entry), 0
}

// readUserStrVec reads a NULL-terminated array of 8-byte user string
// pointers (argv/envp).
func readUserStrVec(p *proc.Process, va uintptr) ([]string, defs.Errno) {
	if va == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; ; i++ {
		raw, ok := p.AS.CopyIn(va+uintptr(i*8), 8)
		if !ok {
			return nil, -defs.EFAULT
		}
		ptr := leU64(raw)
		if ptr == 0 {
			break
		}
		s, errno := readUserString(p, uintptr(ptr))
		if errno != 0 {
			return nil, errno
		}
		out = append(out, s)
		if len(out) > 256 {
			return nil, -defs.E2BIG
		}
	}
	return out, 0
}

func (k *Kernel) exit(p *proc.Process, code int) (int64, defs.Errno) {
	k.Procs.Exit(p, code)
	return 0, 0
}

func (k *Kernel) wait(ctx context.Context, p *proc.Process, statusVa uintptr) (int64, defs.Errno) {
	pid, status, errno := k.Procs.Wait(ctx, p)
	if errno != 0 {
		return 0, errno
	}
	if statusVa != 0 {
		var raw [4]byte
		putU32(raw[:], uint32(status))
		if !p.AS.CopyInto(statusVa, raw[:]) {
			return 0, -defs.EFAULT
		}
	}
	return int64(pid), 0
}

func (k *Kernel) kill(p *proc.Process, pid int) (int64, defs.Errno) {
	target := k.Procs.Get(proc.Pid(pid))
	if target == nil {
		return 0, -defs.EINVAL
	}
	target.Kill()
	return 0, 0
}

func (k *Kernel) sbrk(p *proc.Process, delta int64) (int64, defs.Errno) {
	old, errno := p.AS.Sbrk(delta)
	return int64(old), errno
}

func (k *Kernel) mmap(p *proc.Process, va uintptr, length int64, prot int) (int64, defs.Errno) {
	return 0, -defs.ENOSYS
}

func (k *Kernel) munmap(p *proc.Process, va uintptr, length int64) (int64, defs.Errno) {
	errno := p.AS.Munmap(va, length)
	return 0, errno
}
