// Package pipe implements the bounded ring-buffer byte stream of spec.md
// §4.5, grounded on original_source/src/fs/pipe.c (pipeAlloc/pipeRead/
// pipeWrite/pipeClose), adapted from semaphore+spinlock to a mutex plus
// broadcast channels the way the rest of this repo models alertable waits.
package pipe

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/mem"
)

// Size is PIPESIZE in original_source/src/fs/pipe.c.
const Size = 512

// Pipe is the bounded ring buffer of spec.md §3, shared by a read end and a
// write end (fd.File wraps a *Pipe with readable/writable flags the way
// original_source's File does). Its backing buffer is a
// sub-page object carved out of mem.Allocator rather than an embedded Go
// array, so every pipe's bytes live in simulated physical memory like any
// other kernel object (spec.md §4.1).
type Pipe struct {
	mu     sync.Mutex
	slabs  *mem.Allocator
	handle mem.Handle
	data   []byte
	nread  uint64
	nwrite uint64

	readOpen  bool
	writeOpen bool

	rchange chan struct{} // broadcast: data became available to read
	wchange chan struct{} // broadcast: space became available to write
}

// New allocates a pipe with both ends open (pipeAlloc), carving its ring
// buffer out of slabs. Returns nil if slabs is out of physical memory.
func New(slabs *mem.Allocator) *Pipe {
	data, h, ok := slabs.Alloc(Size)
	if !ok {
		return nil
	}
	return &Pipe{
		slabs:     slabs,
		handle:    h,
		data:      data,
		readOpen:  true,
		writeOpen: true,
		rchange:   make(chan struct{}),
		wchange:   make(chan struct{}),
	}
}

func (p *Pipe) broadcastR() { close(p.rchange); p.rchange = make(chan struct{}) }
func (p *Pipe) broadcastW() { close(p.wchange); p.wchange = make(chan struct{}) }

// Close closes the read end (writable == false) or the write end (writable
// == true), matching pipeClose's parameter naming in original_source
// ("writable" there names which end closed, the caller's own end). Once
// both ends are closed, the backing buffer is returned to slabs.
func (p *Pipe) Close(writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writable {
		p.writeOpen = false
		p.broadcastR()
	} else {
		p.readOpen = false
		p.broadcastW()
	}
	if !p.readOpen && !p.writeOpen && p.data != nil {
		p.slabs.Free(p.handle)
		p.data = nil
	}
}

// Write copies n bytes from src into the pipe, blocking while the ring is
// full and the read end remains open; returns the count written and, on a
// broken pipe, -EPIPE (spec.md §4.5, pipeWrite).
func (p *Pipe) Write(ctx context.Context, src []byte) (int, defs.Errno) {
	p.mu.Lock()
	if !p.writeOpen {
		p.mu.Unlock()
		return 0, -defs.EPIPE
	}

	written := 0
	for written < len(src) {
		if !p.readOpen {
			p.mu.Unlock()
			return written, -defs.EPIPE
		}
		if p.nwrite-p.nread >= Size {
			p.broadcastR()
			wait := p.wchange
			p.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return written, 0
			}
			p.mu.Lock()
			continue
		}
		p.data[p.nwrite%Size] = src[written]
		p.nwrite++
		written++
	}
	p.broadcastR()
	p.mu.Unlock()
	return written, 0
}

// Read copies up to len(dst) bytes into dst, blocking until data is
// available or the write end closes; returns 0 once the pipe is drained
// and the write end is closed (spec.md §8: "returns 0 on read after
// draining"), or -EPIPE if the read end itself has already been closed.
func (p *Pipe) Read(ctx context.Context, dst []byte) (int, defs.Errno) {
	p.mu.Lock()
	if !p.readOpen {
		p.mu.Unlock()
		return 0, -defs.EPIPE
	}

	for p.nwrite == p.nread && p.writeOpen {
		wait := p.rchange
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, -defs.EINTR
		}
		p.mu.Lock()
	}

	n := 0
	for n < len(dst) {
		if p.nwrite == p.nread {
			break
		}
		dst[n] = p.data[p.nread%Size]
		p.nread++
		n++
	}
	p.broadcastW()
	p.mu.Unlock()
	return n, 0
}
