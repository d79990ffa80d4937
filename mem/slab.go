package mem

import (
	"container/list"
	"sync"
)

// Slab-class granularity: objects are rounded up to the nearest multiple of
// 8 bytes (spec.md §4.1: "groups objects of size ⌈n/8⌉·8"), grounded on the
// size-class idiom in cloudfly-readgo/runtime/msize.go adapted to a simple
// arithmetic rounding instead of a precomputed class table, since the
// teacher's own mem package has no slab allocator to draw from directly.
const slabAlign = 8

// slabHeader is one page-sized slab: a run of same-size objects carved out
// of a single physical frame, with its own free list and live count.
type slabHeader struct {
	objSize  int
	pa       Pa
	base     Frame
	free     []int // offsets of free objects within base, LIFO
	live     int
	elem     *list.Element // this slab's node in its class's slab list
}

// slabClass is every slab currently backing a given object size.
type slabClass struct {
	objSize int
	slabs   *list.List // *slabHeader, most-recently-freed-into at front
}

// Allocator is the small-object allocator of spec.md §4.1, built directly on
// top of Physmem for its page supply. A single mutex serializes every
// caller, matching "not a performance target".
type Allocator struct {
	mu      sync.Mutex
	phys    *Physmem
	classes map[int]*slabClass
	// owner maps a live object's address back to the physical page and
	// slabHeader that own it, so Free can locate its slab in O(1).
	owner map[uintptrKey]*slabHeader
}

// uintptrKey avoids importing unsafe here: an object's identity for the
// owner map is (Pa, offset), not a real pointer, since allocated objects are
// returned as byte slices into the simulated RAM arena.
type uintptrKey struct {
	pa  Pa
	off int
}

// Handle identifies a live slab allocation well enough to Free it later,
// since callers only hold the returned []byte and have no pointer identity
// to hand back.
type Handle struct {
	pa  Pa
	off int
}

func NewAllocator(phys *Physmem) *Allocator {
	return &Allocator{
		phys:    phys,
		classes: make(map[int]*slabClass),
		owner:   make(map[uintptrKey]*slabHeader),
	}
}

func classSize(n int) int {
	if n <= 0 {
		n = 1
	}
	return ((n + slabAlign - 1) / slabAlign) * slabAlign
}

// Alloc carves an n_bytes object out of any slab of the matching class with
// a free slot, falling back to a freshly-acquired page when every slab in
// the class is full (spec.md §4.1 "misses acquire a fresh page and carve
// it"). Returns a nil slice on physical memory exhaustion; the returned
// Handle is only valid when ok is true and must be passed back to Free.
func (a *Allocator) Alloc(n int) (obj []byte, h Handle, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sz := classSize(n)
	cl := a.classes[sz]
	if cl == nil {
		cl = &slabClass{objSize: sz, slabs: list.New()}
		a.classes[sz] = cl
	}

	for e := cl.slabs.Front(); e != nil; e = e.Next() {
		sh := e.Value.(*slabHeader)
		if len(sh.free) > 0 {
			return a.carve(cl, sh)
		}
	}

	sh := a.newSlab(sz)
	if sh == nil {
		return nil, Handle{}, false
	}
	sh.elem = cl.slabs.PushFront(sh)
	return a.carve(cl, sh)
}

func (a *Allocator) newSlab(objSize int) *slabHeader {
	pa, base, ok := a.phys.AllocPageNoZero()
	if !ok {
		return nil
	}
	a.phys.Refup(pa)
	n := len(base) / objSize
	free := make([]int, n)
	for i := 0; i < n; i++ {
		free[i] = i * objSize
	}
	return &slabHeader{objSize: objSize, pa: pa, base: base, free: free}
}

func (a *Allocator) carve(cl *slabClass, sh *slabHeader) ([]byte, Handle, bool) {
	off := sh.free[len(sh.free)-1]
	sh.free = sh.free[:len(sh.free)-1]
	sh.live++
	a.owner[uintptrKey{sh.pa, off}] = sh
	return sh.base[off : off+sh.objSize], Handle{pa: sh.pa, off: off}, true
}

// Free returns h — a handle previously returned by Alloc — to its slab's
// free list, releasing the backing page to Physmem once the slab is empty
// (spec.md §4.1: "...is returned to the page allocator when empty").
func (a *Allocator) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := uintptrKey{h.pa, h.off}
	sh, ok := a.owner[key]
	if !ok {
		panic("mem.Allocator.Free: not a live allocation")
	}
	delete(a.owner, key)
	sh.free = append(sh.free, h.off)
	sh.live--
	cl := a.classes[sh.objSize]
	if sh.live > 0 {
		cl.slabs.MoveToFront(sh.elem)
		return
	}

	cl.slabs.Remove(sh.elem)
	a.phys.Refdown(h.pa)
}
