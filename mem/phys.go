// Package mem implements the physical frame table and slab allocator of
// spec.md §4.1, grounded on the teacher's mem package
// (biscuit/src/mem/mem.go, biscuit/src/mem/dmap.go). Real MMU register
// programming, TLB shootdown, and the direct-map trick the teacher uses to
// reach physical memory from x86_64 are out of this spec's scope (§1); here
// a physical frame is simply an index into a simulated RAM arena, and a
// Frame is the []byte slice view of it. vm.PageTable builds on top of
// Physmem the same way the teacher's Vm_t builds on top of Physmem_t.
package mem

import (
	"sync"

	"github.com/aarch64kit/armos/defs"
)

// Pa is a physical frame number (not a byte address): frame i covers bytes
// [i*PageSize, (i+1)*PageSize) of the simulated RAM arena.
type Pa uint32

// Frame is the byte-addressable view of one physical page.
type Frame = []byte

const pageSize = defs.PageSize

// frame holds the teacher's Physpg_t equivalent: just a reference count.
// Counts reach zero exactly when the frame returns to the free list
// (spec.md §3 frame table invariant).
type frame struct {
	refcnt int32
	nexti  uint32 // next free frame index, or noNext
}

const noNext = ^uint32(0)

// Physmem is the global physical frame allocator, mirroring the teacher's
// global mem.Physmem instance (SPEC_FULL.md "Global singletons").
type Physmem struct {
	mu     sync.Mutex
	ram    []byte // backing arena, len == nframes*pageSize
	frames []frame
	freei  uint32
	freelen int32

	zeroPa Pa
}

// NewPhysmem allocates a simulated RAM arena of nframes pages and populates
// the LIFO free list, matching Phys_init's "reserve N pages" behavior
// (mem/mem.go:Phys_init). Frame 0 is reserved as the read-only zero page
// with infinite effective lifetime (spec.md §3).
func NewPhysmem(nframes int) *Physmem {
	if nframes < 2 {
		panic("NewPhysmem: need at least a zero page and one free page")
	}
	p := &Physmem{
		ram:    make([]byte, nframes*pageSize),
		frames: make([]frame, nframes),
	}
	// frame 0: the zero page, refcount pinned at 1 forever.
	p.frames[0].refcnt = 1
	p.zeroPa = 0

	p.freei = noNext
	p.freelen = 0
	for i := nframes - 1; i >= 1; i-- {
		p.frames[i].nexti = p.freei
		p.freei = uint32(i)
		p.freelen++
	}
	return p
}

// ZeroPage returns the physical frame number of the shared read-only zero
// page (spec.md §3, §4.1 "Get-zero-page").
func (p *Physmem) ZeroPage() Pa { return p.zeroPa }

// Dmap returns the byte slice backing physical frame pa, analogous to the
// teacher's Physmem_t.Dmap direct-map accessor.
func (p *Physmem) Dmap(pa Pa) Frame {
	off := int(pa) * pageSize
	return p.ram[off : off+pageSize]
}

// AllocPage removes a page from the free list and zeroes it, mirroring
// Refpg_new. Its refcount starts at zero: the caller must Refup or treat the
// returned frame as transiently owned until mapped.
func (p *Physmem) AllocPage() (Pa, Frame, bool) {
	return p.allocPage(true)
}

// AllocPageNoZero is Refpg_new_nozero: used when the caller immediately
// overwrites the page (e.g. COW copy source).
func (p *Physmem) AllocPageNoZero() (Pa, Frame, bool) {
	return p.allocPage(false)
}

func (p *Physmem) allocPage(zero bool) (Pa, Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == noNext {
		return 0, nil, false
	}
	idx := p.freei
	p.freei = p.frames[idx].nexti
	p.freelen--
	if p.frames[idx].refcnt != 0 {
		panic("allocating a page with nonzero refcount")
	}
	p.frames[idx].refcnt = 0
	pa := Pa(idx)
	fr := p.Dmap(pa)
	if zero {
		for i := range fr {
			fr[i] = 0
		}
	}
	return pa, fr, true
}

// Refup increments a frame's reference count (shared mapping creation, e.g.
// fork's copy-on-write sharing in vm).
func (p *Physmem) Refup(pa Pa) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[pa].refcnt++
}

// Refcnt reports the current reference count of a frame.
func (p *Physmem) Refcnt(pa Pa) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.frames[pa].refcnt)
}

// Refdown decrements a frame's reference count and returns it to the free
// list when it reaches zero, returning true in that case. The zero page
// (refcount pinned at 1, spec.md §3) can never be freed this way.
func (p *Physmem) Refdown(pa Pa) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pa == p.zeroPa {
		panic("refdown on the zero page")
	}
	f := &p.frames[pa]
	f.refcnt--
	if f.refcnt < 0 {
		panic("negative refcount")
	}
	if f.refcnt == 0 {
		f.nexti = p.freei
		p.freei = uint32(pa)
		p.freelen++
		return true
	}
	return false
}

// FreePages reports the number of frames on the free list, used by tests
// asserting the kalloc/kfree round-trip invariant (spec.md §8).
func (p *Physmem) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.freelen)
}
