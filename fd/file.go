// Package fd implements the generic open-file abstraction and global file
// table of spec.md §4.5/§6, grounded on original_source/src/fs/file.c
// (file_alloc/file_dup/file_close/file_read/file_write) and the teacher's
// Fd_t/Cwd_t style (biscuit/src/fd/fd.go) for the capability-set dispatch
// idiom (spec.md §9: "dynamic dispatch ... model as a small capability
// set"). Per-process open-file tables (NOFILE slots, fdalloc/fd2file) live
// in package proc, which depends on fd — not the reverse.
package fd

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/console"
	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/pipe"
	"github.com/aarch64kit/armos/sock"
)

// Kind tags which backing resource a File wraps (original_source's
// FD_NONE/FD_PIPE/FD_INODE/FD_SOCKET, plus a device kind for the console).
type Kind int

const (
	None Kind = iota
	InodeFile
	PipeFile
	SocketFile
	DeviceFile
)

// File is one entry of the global table: a reference-counted handle onto an
// inode, pipe, socket, or device, with its own read/write permissions and
// (for inodes) a cursor offset — original_source's struct file.
type File struct {
	mu       sync.Mutex
	ref      int
	kind     Kind
	readable bool
	writable bool

	Inode     *fs.Inode
	off       int64
	Pipe      *pipe.Pipe
	Sock      *sock.Socket
	sockTable *sock.Table
	Console   *console.Console
}

// Table is the global file table (original_source's static struct ftable),
// a fixed-size arena scanned linearly on alloc.
type Table struct {
	mu    sync.Mutex
	files []File
}

// NewTable allocates a table with room for n simultaneously open files.
func NewTable(n int) *Table {
	return &Table{files: make([]File, n)}
}

// Alloc returns a fresh, ref==1 File slot, or nil if the table is full
// (file_alloc).
func (t *Table) Alloc() *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.files {
		f := &t.files[i]
		if f.ref == 0 && f.kind == None {
			f.ref = 1
			return f
		}
	}
	return nil
}

// Dup increments f's reference count (file_dup).
func (t *Table) Dup(f *File) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.ref++
	return f
}

// Close decrements f's reference count, releasing its backing resource when
// it reaches zero (file_close). c and tr let an inode close run its final
// Put inside a transaction of its own.
func (t *Table) Close(c *fs.Cache, tr *fs.Tree, f *File) {
	t.mu.Lock()
	f.ref--
	last := f.ref <= 0
	t.mu.Unlock()
	if !last {
		return
	}

	switch f.kind {
	case PipeFile:
		f.Pipe.Close(f.writable)
	case InodeFile:
		if f.Inode != nil {
			op := c.BeginOp(context.Background())
			if op != nil {
				tr.Put(op, f.Inode)
				c.EndOp(op)
			}
		}
	case SocketFile:
		if f.sockTable != nil {
			f.sockTable.Close(f.Sock)
		}
	}
	f.kind = None
	f.Inode = nil
	f.off = 0
	f.Pipe = nil
	f.Sock = nil
	f.sockTable = nil
	f.Console = nil
	f.readable = false
	f.writable = false
}

// Ref reports f's current reference count, for the universal invariant
// "f.refcount > 0 ⇔ f is referenced by some table" (spec.md §8).
func (t *Table) Ref(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return f.ref
}

// MakeInode initializes a freshly Alloc'd File as an inode-backed file.
func (f *File) MakeInode(ip *fs.Inode, readable, writable bool) {
	f.kind = InodeFile
	f.Inode = ip
	f.readable, f.writable = readable, writable
}

// MakePipe initializes f as one end of a pipe.
func (f *File) MakePipe(p *pipe.Pipe, readable, writable bool) {
	f.kind = PipeFile
	f.Pipe = p
	f.readable, f.writable = readable, writable
}

// MakeSocket initializes f as a socket handle bound to table t, which Write
// needs to locate the connected peer's receive ring (sock.Table.Send).
func (f *File) MakeSocket(t *sock.Table, sk *sock.Socket) {
	f.kind = SocketFile
	f.Sock = sk
	f.sockTable = t
	f.readable, f.writable = true, true
}

// MakeConsole initializes f as the console device.
func (f *File) MakeConsole(c *console.Console, readable, writable bool) {
	f.kind = DeviceFile
	f.Console = c
	f.readable, f.writable = readable, writable
}

// Stat fills st from f's backing inode (file_stat); non-inode files fail.
func (t *Table) Stat(tr *fs.Tree, f *File) (fs.Stat, defs.Errno) {
	if f.kind != InodeFile {
		return fs.Stat{}, -defs.EINVAL
	}
	ctx := context.Background()
	tr.Lock(ctx, f.Inode)
	st := f.Inode.Stat()
	tr.Unlock(f.Inode)
	return st, 0
}

// Read dispatches to the backing resource's read operation (file_read),
// advancing the cursor for inode-backed files.
func (t *Table) Read(ctx context.Context, c *fs.Cache, tr *fs.Tree, f *File, dst []byte) (int, defs.Errno) {
	if !f.readable || f.kind == None {
		return 0, -defs.EBADF
	}
	switch f.kind {
	case InodeFile:
		if !tr.Lock(ctx, f.Inode) {
			return 0, -defs.EINTR
		}
		n := tr.Read(f.Inode, dst, int(f.off), len(dst))
		f.off += int64(n)
		tr.Unlock(f.Inode)
		return n, 0
	case PipeFile:
		return f.Pipe.Read(ctx, dst)
	case SocketFile:
		return f.Sock.Recv(ctx, dst)
	case DeviceFile:
		return f.Console.Read(ctx, dst)
	}
	return 0, -defs.EBADF
}

// opBudgetBytes mirrors original_source/src/fs/file.c's
// "OP_MAX_NUM_BLOCKS * BLOCK_SIZE / 2" chunking of large inode writes, so a
// single write never exceeds one transaction's log budget.
const opBudgetBytes = defs.OpMaxNumBlocks * defs.BlockSize / 2

// Write dispatches to the backing resource's write operation (file_write),
// chunking inode writes across transactions exactly as the source does.
func (t *Table) Write(ctx context.Context, c *fs.Cache, tr *fs.Tree, f *File, src []byte) (int, defs.Errno) {
	if !f.writable || f.kind == None {
		return 0, -defs.EBADF
	}
	switch f.kind {
	case InodeFile:
		want := len(src)
		if int64(want)+f.off > defs.MaxFileBytes {
			want = defs.MaxFileBytes - int(f.off)
		}
		if want <= 0 {
			return 0, 0
		}
		written := 0
		for written < want {
			chunk := want - written
			if chunk > opBudgetBytes {
				chunk = opBudgetBytes
			}
			op := c.BeginOp(ctx)
			if op == nil {
				return written, -defs.EINTR
			}
			if !tr.Lock(ctx, f.Inode) {
				c.EndOp(op)
				return written, -defs.EINTR
			}
			n := tr.Write(op, f.Inode, src[written:written+chunk], int(f.off), chunk)
			tr.Unlock(f.Inode)
			c.EndOp(op)
			if n != chunk {
				return written, -defs.EIO
			}
			f.off += int64(chunk)
			written += chunk
		}
		return written, 0
	case PipeFile:
		return f.Pipe.Write(ctx, src)
	case SocketFile:
		return f.sockTable.Send(ctx, f.Sock, src)
	case DeviceFile:
		return f.Console.Write(src), 0
	}
	return 0, -defs.EBADF
}
