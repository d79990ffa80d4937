package vm

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/mem"
)

// Kind tags a section's behavior, spec.md §3/§4.4.
type Kind int

const (
	Heap Kind = iota
	UserStack
	Data
	Text
	MmapPrivate
	MmapShared
)

// Section is a contiguous, kind-tagged range of virtual address space
// (spec.md GLOSSARY). TEXT and MMAP sections carry a backing file
// reference through which their content is demand-loaded; DATA sections are
// filled at exec time and keep no backing reference.
type Section struct {
	Kind  Kind
	Begin uintptr
	End   uintptr

	// Backing is the inode TEXT/MMAP sections read from; nil for HEAP,
	// USER_STACK and DATA.
	Backing     *fs.Inode
	FileOff     int64
	FileSize    int64 // p_filesz for TEXT; mapped region length for MMAP
	textLoaded  bool  // TEXT is demand-loaded once for the whole section
}

// AS is one process's address space: pgdir plus section list (spec.md §3
// pgdir, §4.4 "page table and virtual memory").
type AS struct {
	mu       sync.Mutex
	Pgdir    *PageTable
	Sections []*Section

	phys  *mem.Physmem
	cache *fs.Cache
	tree  *fs.Tree
}

// NewAS installs an empty HEAP section [0,0) (spec.md §4.4 pgdir_init).
func NewAS(phys *mem.Physmem, cache *fs.Cache, tree *fs.Tree) *AS {
	as := &AS{Pgdir: NewPageTable(), phys: phys, cache: cache, tree: tree}
	as.Sections = append(as.Sections, &Section{Kind: Heap, Begin: 0, End: 0})
	return as
}

func (as *AS) heap() *Section {
	for _, s := range as.Sections {
		if s.Kind == Heap {
			return s
		}
	}
	return nil
}

func (as *AS) findSection(addr uintptr) *Section {
	for _, s := range as.Sections {
		if addr >= s.Begin && addr < s.End {
			return s
		}
	}
	return nil
}

// Sbrk adjusts the HEAP section's end by delta bytes (a page multiple),
// returning the previous end. Growth is lazy; shrinkage unmaps and frees
// immediately (spec.md §4.4 sbrk).
func (as *AS) Sbrk(delta int64) (uintptr, defs.Errno) {
	if delta%defs.PageSize != 0 {
		return 0, -defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	h := as.heap()
	old := h.End
	if delta == 0 {
		return old, 0
	}
	newEnd := uintptr(int64(h.End) + delta)
	if delta < 0 {
		as.unmapFreeRange(newEnd, h.End)
	}
	h.End = newEnd
	return old, 0
}

func (as *AS) unmapFreeRange(lo, hi uintptr) {
	for va := pageRound(lo); va < hi; va += defs.PageSize {
		pte := as.Pgdir.GetPTE(va, false)
		if pte == nil || !pte.Present {
			continue
		}
		as.phys.Refdown(pte.Pa)
		as.Pgdir.Unmap(va)
	}
}

// Fault handles a page fault at addr (spec.md §4.4's table). writeFault
// distinguishes a permission (write-to-RO) fault from a translation fault.
// Returns true if the fault is fatal and the process must exit(-1).
func (as *AS) Fault(addr uintptr, writeFault bool) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	s := as.findSection(addr)
	if s == nil {
		return true
	}

	pte := as.Pgdir.GetPTE(addr, false)
	mapped := pte != nil && pte.Present

	switch s.Kind {
	case Heap, UserStack, Data:
		if !mapped {
			if !writeFault && (s.Kind == UserStack || s.Kind == Data) {
				return true // pre-mapped sections: translation fault is fatal
			}
			pa, _, ok := as.phys.AllocPage()
			if !ok {
				return true
			}
			as.phys.Refup(pa)
			as.Pgdir.Vmmap(pageRound(addr), pa, true, true)
			return false
		}
		if !writeFault {
			return false
		}
		return as.cow(addr, pte)

	case Text:
		if !writeFault {
			if !s.textLoaded {
				as.loadText(s)
			}
			return false
		}
		return true // text is RO: writes are fatal

	case MmapPrivate, MmapShared:
		if !mapped {
			as.mapOneMmapPage(s, addr)
			return false
		}
		if !writeFault {
			return false
		}
		if s.Kind == MmapShared {
			pte.Write = true
			return false
		}
		if as.phys.Refcnt(pte.Pa) > 1 {
			return as.cow(addr, pte)
		}
		pte.Write = true
		return false
	}
	return true
}

// cow copies the page behind pte into a fresh frame, maps it RW, and drops
// the old reference (spec.md §4.4 COW cell of the fault table). The shared
// zero page is never released this way.
func (as *AS) cow(addr uintptr, pte *PTE) bool {
	newPa, newFrame, ok := as.phys.AllocPageNoZero()
	if !ok {
		return true
	}
	copy(newFrame, as.phys.Dmap(pte.Pa))
	as.phys.Refup(newPa)
	old := pte.Pa
	if old != as.phys.ZeroPage() {
		as.phys.Refdown(old)
	}
	as.Pgdir.Vmmap(pageRound(addr), newPa, true, true)
	return false
}

// loadText reads the whole TEXT section's file contents into freshly
// allocated pages, maps them RO, once (spec.md §4.4).
func (as *AS) loadText(s *Section) {
	ctx := context.Background()
	as.tree.Lock(ctx, s.Backing)

	for va := s.Begin; va < s.End; va += defs.PageSize {
		pa, frame, ok := as.phys.AllocPage()
		if !ok {
			as.tree.Unlock(s.Backing)
			return
		}
		as.phys.Refup(pa)
		fileEnd := s.FileOff + s.FileSize
		pageOff := int64(va - s.Begin)
		readOff := s.FileOff + pageOff
		if readOff < fileEnd {
			n := fileEnd - readOff
			if n > defs.PageSize {
				n = defs.PageSize
			}
			as.tree.Read(s.Backing, frame[:n], int(readOff), int(n))
		}
		as.Pgdir.Vmmap(va, pa, false, true)
	}
	as.tree.Unlock(s.Backing)
	s.textLoaded = true
	as.tree.Put(nil, s.Backing)
	s.Backing = nil
}

// mapOneMmapPage maps the single page containing addr for an MMAP_PRIVATE
// or MMAP_SHARED section, reading the overlap with the backing file and
// zero-filling the rest (spec.md §4.4).
func (as *AS) mapOneMmapPage(s *Section, addr uintptr) {
	va := pageRound(addr)
	pa, frame, ok := as.phys.AllocPageNoZero()
	if !ok {
		return
	}
	for i := range frame {
		frame[i] = 0
	}
	as.phys.Refup(pa)

	fileEnd := s.FileOff + s.FileSize
	pageOff := int64(va - s.Begin)
	readOff := s.FileOff + pageOff
	if readOff < fileEnd {
		n := fileEnd - readOff
		if n > defs.PageSize {
			n = defs.PageSize
		}
		ctx := context.Background()
		as.tree.Lock(ctx, s.Backing)
		as.tree.Read(s.Backing, frame[:n], int(readOff), int(n))
		as.tree.Unlock(s.Backing)
	}
	as.Pgdir.Vmmap(va, pa, false, true)
}

// Munmap targets the exact begin of an existing MMAP section (spec.md
// §4.4 munmap).
func (as *AS) Munmap(begin uintptr, length int64) defs.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	var s *Section
	idxFound := -1
	for i, sec := range as.Sections {
		if sec.Begin == begin && (sec.Kind == MmapPrivate || sec.Kind == MmapShared) {
			s, idxFound = sec, i
			break
		}
	}
	if s == nil {
		return -defs.EINVAL
	}

	end := begin + uintptr(length)
	whole := end >= s.End

	as.flushRange(s, begin, end)
	as.unmapFreeRange(begin, end)

	if whole {
		if s.Backing != nil {
			ctx := context.Background()
			as.tree.Lock(ctx, s.Backing)
			as.tree.Unlock(s.Backing)
			op := as.cache.BeginOp(ctx)
			as.tree.Put(op, s.Backing)
			as.cache.EndOp(op)
		}
		as.Sections = append(as.Sections[:idxFound], as.Sections[idxFound+1:]...)
	} else {
		s.Begin = end
	}
	return 0
}

// flushRange writes every mapped page of an MMAP_SHARED section s within
// [lo,hi) back to the file; pages of a private mapping are never written.
func (as *AS) flushRange(s *Section, lo, hi uintptr) {
	if s.Backing == nil {
		return
	}
	ctx := context.Background()
	for va := pageRound(lo); va < hi; va += defs.PageSize {
		pte := as.Pgdir.GetPTE(va, false)
		if pte == nil || !pte.Present {
			continue
		}
		if s.Kind != MmapShared {
			// Private mappings never write back to the file (spec.md §8:
			// "munmap of a private mapping never produces writes").
			continue
		}
		off := s.FileOff + int64(va-s.Begin)
		as.tree.Lock(ctx, s.Backing)
		op := as.cache.BeginOp(ctx)
		as.tree.Write(op, s.Backing, as.phys.Dmap(pte.Pa), int(off), defs.PageSize)
		as.cache.EndOp(op)
		as.tree.Unlock(s.Backing)
	}
}

// FreeSections writes MMAP_SHARED pages back to their file (see
// flushRange), then unmaps and frees every section's pages (spec.md §4.4
// free_sections), used by exit/exec.
func (as *AS) FreeSections() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, s := range as.Sections {
		if s.Kind == MmapShared || s.Kind == MmapPrivate {
			as.flushRange(s, s.Begin, s.End)
		}
		as.unmapFreeRangeLocked(s.Begin, s.End)
	}
	as.Sections = nil
}

func (as *AS) unmapFreeRangeLocked(lo, hi uintptr) {
	for va := pageRound(lo); va < hi; va += defs.PageSize {
		pte := as.Pgdir.GetPTE(va, false)
		if pte == nil || !pte.Present {
			continue
		}
		as.phys.Refdown(pte.Pa)
		as.Pgdir.Unmap(va)
	}
}

// Fork duplicates the section list, taking an extra reference on each
// section's backing inode so parent and child each release their own, and,
// for every mapped page in the parent, makes both parent and child PTEs
// read-only, sharing the frame and bumping its refcount (spec.md §4.4
// fork/COW).
func (as *AS) Fork() *AS {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AS{Pgdir: NewPageTable(), phys: as.phys, cache: as.cache, tree: as.tree}
	for _, s := range as.Sections {
		cp := *s
		if cp.Backing != nil {
			as.tree.Get(cp.Backing.No)
		}
		child.Sections = append(child.Sections, &cp)
	}

	as.Pgdir.Walk(func(va uintptr, pte *PTE) {
		pte.Write = false
		as.phys.Refup(pte.Pa)
		child.Pgdir.Vmmap(va, pte.Pa, false, pte.User)
	})
	return child
}

// ZeroPage exposes the shared, refcount-pinned zero frame for demand-zero
// BSS mappings (execve's DATA section loader).
func (as *AS) ZeroPage() mem.Pa { return as.phys.ZeroPage() }

// AllocPageForExec allocates and refs a fresh physical page outside the
// fault path, for the exec loader, which maps PT_LOAD pages directly.
func (as *AS) AllocPageForExec() (mem.Pa, mem.Frame, bool) {
	pa, frame, ok := as.phys.AllocPage()
	if !ok {
		return 0, nil, false
	}
	as.phys.Refup(pa)
	return pa, frame, true
}

// CopyOut writes src into the already-mapped pages starting at virtual
// address va, crossing page boundaries as needed. Used by the exec loader
// to pack argv/envp onto the freshly built user stack.
func (as *AS) CopyOut(va uint64, src []byte) bool {
	for len(src) > 0 {
		pte := as.Pgdir.GetPTE(uintptr(va), false)
		if pte == nil || !pte.Present {
			return false
		}
		frame := as.phys.Dmap(pte.Pa)
		off := int(va) & (defs.PageSize - 1)
		n := copy(frame[off:], src)
		src = src[n:]
		va += uint64(n)
	}
	return true
}

// UserReadable reports whether [va, va+n) lies entirely within one
// section (spec.md §6 user_readable).
func (as *AS) UserReadable(va uintptr, n int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := as.findSection(va)
	return s != nil && va+uintptr(n) <= s.End
}

// UserWriteable reports whether [va, va+n) lies entirely within one
// non-TEXT section (spec.md §6 user_writeable: TEXT is never
// user-writeable).
func (as *AS) UserWriteable(va uintptr, n int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := as.findSection(va)
	return s != nil && s.Kind != Text && va+uintptr(n) <= s.End
}

// CopyIn reads n bytes starting at user address va, demand-faulting any
// unmapped page along the way. Used by the syscall layer to read a
// validated user buffer into kernel space.
func (as *AS) CopyIn(va uintptr, n int) ([]byte, bool) {
	if !as.UserReadable(va, n) {
		return nil, false
	}
	out := make([]byte, n)
	got := 0
	for got < n {
		cur := va + uintptr(got)
		if pte := as.Pgdir.GetPTE(cur, false); pte == nil || !pte.Present {
			if as.Fault(cur, false) {
				return nil, false
			}
		}
		pte := as.Pgdir.GetPTE(cur, false)
		frame := as.phys.Dmap(pte.Pa)
		off := int(cur) & (defs.PageSize - 1)
		c := copy(out[got:], frame[off:])
		if c == 0 {
			return nil, false
		}
		got += c
	}
	return out, true
}

// CopyInto writes src to user address va, demand-faulting any unmapped
// (or copy-on-write) page along the way.
func (as *AS) CopyInto(va uintptr, src []byte) bool {
	if !as.UserWriteable(va, len(src)) {
		return false
	}
	wrote := 0
	for wrote < len(src) {
		cur := va + uintptr(wrote)
		pte := as.Pgdir.GetPTE(cur, false)
		if pte == nil || !pte.Present || !pte.Write {
			if as.Fault(cur, true) {
				return false
			}
			pte = as.Pgdir.GetPTE(cur, false)
		}
		frame := as.phys.Dmap(pte.Pa)
		off := int(cur) & (defs.PageSize - 1)
		c := copy(frame[off:], src[wrote:])
		if c == 0 {
			return false
		}
		wrote += c
	}
	return true
}
