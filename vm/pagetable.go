// Package vm implements the 4-level page table, section-based address
// space, and page-fault handler of spec.md §4.4, grounded on
// original_source/src/kernel/paging.c and paging.h, and on the teacher's
// Vm_t address space (biscuit/src/vm/as.go) for the COW/page-fault shape.
// Real MMU register programming (TTBR0, TLB invalidation instructions) is
// out of scope per spec.md §1; PageTable models the get_pte/vmmap contract
// with a native tree of Go structs rather than walking simulated physical
// RAM, since nothing downstream needs the table's own bytes to be
// physically addressable — see DESIGN.md.
package vm

import (
	"github.com/aarch64kit/armos/mem"
)

// Bits per level of VA = [L0|L1|L2|L3|offset], spec.md §4.4.
const (
	pageShift  = 12
	levelBits  = 9
	levelSize  = 1 << levelBits
	levelMask  = levelSize - 1
)

// PTE is one leaf page-table entry: K2P(ka)|flags in spec.md's phrasing,
// represented directly as (frame, flags) instead of a packed integer.
type PTE struct {
	Pa      mem.Pa
	Present bool
	Write   bool
	User    bool
}

type l3table struct{ e [levelSize]PTE }
type l2table struct{ e [levelSize]*l3table }
type l1table struct{ e [levelSize]*l2table }

// PageTable is the root of one process's page tables (pgdir in spec.md).
type PageTable struct {
	l0 [levelSize]*l1table
}

func NewPageTable() *PageTable { return &PageTable{} }

func idx(va uintptr) (i0, i1, i2, i3 int) {
	i3 = int((va >> pageShift) & levelMask)
	i2 = int((va >> (pageShift + levelBits)) & levelMask)
	i1 = int((va >> (pageShift + 2*levelBits)) & levelMask)
	i0 = int((va >> (pageShift + 3*levelBits)) & levelMask)
	return
}

// GetPTE walks pgdir for va, allocating interior tables on demand if alloc
// is set, returning the leaf entry's address (spec.md §4.4 get_pte).
func (pt *PageTable) GetPTE(va uintptr, alloc bool) *PTE {
	i0, i1, i2, i3 := idx(va)
	l1 := pt.l0[i0]
	if l1 == nil {
		if !alloc {
			return nil
		}
		l1 = &l1table{}
		pt.l0[i0] = l1
	}
	l2 := l1.e[i1]
	if l2 == nil {
		if !alloc {
			return nil
		}
		l2 = &l2table{}
		l1.e[i1] = l2
	}
	l3 := l2.e[i2]
	if l3 == nil {
		if !alloc {
			return nil
		}
		l3 = &l3table{}
		l2.e[i2] = l3
	}
	return &l3.e[i3]
}

// Vmmap stores pa|flags in the leaf PTE for va, allocating interior tables
// as needed (spec.md §4.4 vmmap). TLB invalidation is a no-op here: there
// is no real TLB in the hosted simulator.
func (pt *PageTable) Vmmap(va uintptr, pa mem.Pa, write, user bool) {
	pte := pt.GetPTE(va, true)
	*pte = PTE{Pa: pa, Present: true, Write: write, User: user}
}

// Unmap clears the leaf PTE for va, if present.
func (pt *PageTable) Unmap(va uintptr) {
	pte := pt.GetPTE(va, false)
	if pte != nil {
		*pte = PTE{}
	}
}

func pageRound(va uintptr) uintptr { return va &^ (1<<pageShift - 1) }

// Walk calls f for every present leaf entry; AS.Fork uses it for the COW
// copy.
func (pt *PageTable) Walk(f func(va uintptr, pte *PTE)) {
	for i0, l1 := range pt.l0 {
		if l1 == nil {
			continue
		}
		for i1, l2 := range l1.e {
			if l2 == nil {
				continue
			}
			for i2, l3 := range l2.e {
				if l3 == nil {
					continue
				}
				for i3 := range l3.e {
					pte := &l3.e[i3]
					if !pte.Present {
						continue
					}
					va := uintptr(i0)<<(pageShift+3*levelBits) |
						uintptr(i1)<<(pageShift+2*levelBits) |
						uintptr(i2)<<(pageShift+levelBits) |
						uintptr(i3)<<pageShift
					f(va, pte)
				}
			}
		}
	}
}
