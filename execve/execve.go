// Package execve implements the ELF64 program loader of spec.md §4.6,
// grounded on original_source/src/kernel/exec.c (program-header walk,
// heap placement, user stack layout) and on the teacher's Vm_t section
// list (biscuit/src/vm/as.go) for how TEXT/DATA sections carry a backing
// file pointer.
package execve

import (
	"context"
	"debug/elf"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fs"
	"github.com/aarch64kit/armos/mem"
	"github.com/aarch64kit/armos/vm"
)

// Fixed user address-space layout (spec.md §4.6). There is no real MMU
// here, so these just need to fit in the 48-bit VA space vm.PageTable
// indexes (4 levels × 9 bits + 12-bit offset).
const (
	TopUserStack  = 0x7f0000000000
	UserStackSize = 8 * defs.PageSize
	reservedSize  = 16
)

func pageBase(va uint64) uint64 { return va &^ (defs.PageSize - 1) }

// Load parses the ELF64 binary at path, builds a fresh address space from
// its PT_LOAD headers plus a HEAP and USER_STACK section, eagerly writes
// the packed argv/envp stack, and returns the new AS and the entry point
// (elr). On any failure the partially built AS is discarded and the
// caller's existing address space is untouched (spec.md §4.6: "the
// caller's pgdir is freed and replaced" only "on success").
func Load(phys *mem.Physmem, cache *fs.Cache, tree *fs.Tree, path string, argv, envp []string, cwd int) (*vm.AS, uint64, defs.Errno) {
	ctx := context.Background()
	node, _, errno := tree.Namex(ctx, path, false, cwd)
	if errno != 0 {
		return nil, 0, errno
	}

	tree.Lock(ctx, node)
	var ident [elf.EI_NIDENT]byte
	if n := tree.Read(node, ident[:], 0, len(ident)); n != len(ident) {
		tree.Unlock(node)
		return nil, 0, -defs.ENOEXEC
	}
	if string(ident[:len(elf.ELFMAG)]) != elf.ELFMAG || ident[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		tree.Unlock(node)
		return nil, 0, -defs.ENOEXEC
	}

	var hdr elf.Header64
	if !readStruct(tree, node, 0, &hdr) {
		tree.Unlock(node)
		return nil, 0, -defs.ENOEXEC
	}
	if int(hdr.Phentsize) != phdr64Size {
		tree.Unlock(node)
		return nil, 0, -defs.ENOEXEC
	}

	as := vm.NewAS(phys, cache, tree)
	var topOfSections uint64

	for i := 0; i < int(hdr.Phnum); i++ {
		var ph elf.Prog64
		if !readStruct(tree, node, int64(hdr.Phoff)+int64(i)*int64(phdr64Size), &ph) {
			tree.Unlock(node)
			return nil, 0, -defs.ENOEXEC
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		top := ph.Vaddr + ph.Memsz
		if top > topOfSections {
			topOfSections = top
		}

		flags := elf.ProgFlag(ph.Flags)
		switch {
		case flags&elf.PF_X != 0:
			as.Sections = append(as.Sections, &vm.Section{
				Kind:     vm.Text,
				Begin:    uintptr(ph.Vaddr),
				End:      uintptr(ph.Vaddr + ph.Filesz),
				Backing:  node,
				FileOff:  int64(ph.Off),
				FileSize: int64(ph.Filesz),
			})
		case flags&elf.PF_W != 0:
			if errno := loadData(as, tree, node, ph); errno != 0 {
				tree.Unlock(node)
				return nil, 0, errno
			}
		default:
			tree.Unlock(node)
			return nil, 0, -defs.ENOEXEC
		}
	}
	tree.Unlock(node)

	heapBegin := pageBase(topOfSections) + defs.PageSize
	for _, s := range as.Sections {
		if s.Kind == vm.Heap {
			s.Begin, s.End = uintptr(heapBegin), uintptr(heapBegin)
		}
	}

	stackBegin := uint64(TopUserStack - UserStackSize)
	for va := stackBegin; va < TopUserStack; va += defs.PageSize {
		pa, _, ok := phys.AllocPage()
		if !ok {
			return nil, 0, -defs.ENOMEM
		}
		phys.Refup(pa)
		as.Pgdir.Vmmap(uintptr(va), pa, true, true)
	}
	as.Sections = append(as.Sections, &vm.Section{Kind: vm.UserStack, Begin: uintptr(stackBegin), End: uintptr(TopUserStack)})

	if _, errno := packStack(as, stackBegin, argv, envp); errno != 0 {
		return nil, 0, errno
	}

	return as, hdr.Entry, 0
}

// loadData eagerly reads [p_vaddr, p_vaddr+p_filesz) and demand-zero maps
// the BSS tail [p_vaddr+p_filesz, p_vaddr+p_memsz) to the shared zero page
// read-only (spec.md §4.6 DATA section).
func loadData(as *vm.AS, tree *fs.Tree, node *fs.Inode, ph elf.Prog64) defs.Errno {
	fsz, off, va := ph.Filesz, ph.Off, ph.Vaddr
	for fsz > 0 {
		pageLeft := uint64(defs.PageSize) - (va & (defs.PageSize - 1))
		n := fsz
		if n > pageLeft {
			n = pageLeft
		}
		pa, frame, ok := as.AllocPageForExec()
		if !ok {
			return -defs.ENOMEM
		}
		got := tree.Read(node, frame[va&(defs.PageSize-1):va&(defs.PageSize-1)+n], int(off), int(n))
		if uint64(got) != n {
			return -defs.EIO
		}
		as.Pgdir.Vmmap(uintptr(pageBase(va)), pa, true, true)
		fsz -= n
		off += n
		va += n
	}
	if va&(defs.PageSize-1) != 0 {
		va = pageBase(va) + defs.PageSize
	}
	if ph.Memsz > va-ph.Vaddr {
		bssEnd := ph.Vaddr + ph.Memsz
		for va < bssEnd {
			as.Pgdir.Vmmap(uintptr(pageBase(va)), as.ZeroPage(), false, true)
			va += defs.PageSize
		}
	}
	as.Sections = append(as.Sections, &vm.Section{Kind: vm.Data, Begin: uintptr(ph.Vaddr), End: uintptr(ph.Vaddr + ph.Memsz)})
	return 0
}

const phdr64Size = 56 // sizeof(Elf64_Phdr)

func readStruct(tree *fs.Tree, node *fs.Inode, off int64, out interface{}) bool {
	var n int
	switch p := out.(type) {
	case *elf.Header64:
		var raw [64]byte
		n = tree.Read(node, raw[:], int(off), len(raw))
		if n != len(raw) {
			return false
		}
		decodeHeader64(raw[:], p)
		return true
	case *elf.Prog64:
		var raw [phdr64Size]byte
		n = tree.Read(node, raw[:], int(off), len(raw))
		if n != len(raw) {
			return false
		}
		decodeProg64(raw[:], p)
		return true
	}
	return false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}
func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func decodeHeader64(b []byte, h *elf.Header64) {
	copy(h.Ident[:], b[:16])
	h.Type = le16(b[16:])
	h.Machine = le16(b[18:])
	h.Version = le32(b[20:])
	h.Entry = le64(b[24:])
	h.Phoff = le64(b[32:])
	h.Shoff = le64(b[40:])
	h.Flags = le32(b[48:])
	h.Ehsize = le16(b[52:])
	h.Phentsize = le16(b[54:])
	h.Phnum = le16(b[56:])
	h.Shentsize = le16(b[58:])
	h.Shnum = le16(b[60:])
	h.Shstrndx = le16(b[62:])
}

func decodeProg64(b []byte, p *elf.Prog64) {
	p.Type = le32(b[0:])
	p.Flags = le32(b[4:])
	p.Off = le64(b[8:])
	p.Vaddr = le64(b[16:])
	p.Paddr = le64(b[24:])
	p.Filesz = le64(b[32:])
	p.Memsz = le64(b[40:])
	p.Align = le64(b[48:])
}

// packStack writes argc/argv/envp onto the freshly mapped user stack,
// high to low (spec.md §4.6), returning the final 16-byte-aligned sp
// (pointing at argc).
func packStack(as *vm.AS, stackBegin uint64, argv, envp []string) (uint64, defs.Errno) {
	argLen, envLen := 0, 0
	for _, s := range argv {
		argLen += len(s) + 1
	}
	for _, s := range envp {
		envLen += len(s) + 1
	}
	strTot := uint64(argLen + envLen)
	ptrTot := uint64((2 + len(argv) + len(envp) + 1) * 8)

	contentStart := uint64(TopUserStack) - reservedSize - strTot
	argcStart := (contentStart - ptrTot) &^ 0xf
	if argcStart < stackBegin {
		return 0, -defs.E2BIG
	}

	writeAt := func(va uint64, b []byte) bool {
		return as.CopyOut(va, b)
	}

	argvStart := argcStart + 8
	content := contentStart
	for _, s := range argv {
		b := append([]byte(s), 0)
		if !writeAt(content, b) || !writeAt(argvStart, u64bytes(content)) {
			return 0, -defs.EFAULT
		}
		content += uint64(len(b))
		argvStart += 8
	}
	if !writeAt(argvStart, u64bytes(0)) {
		return 0, -defs.EFAULT
	}
	argvStart += 8
	for _, s := range envp {
		b := append([]byte(s), 0)
		if !writeAt(content, b) || !writeAt(argvStart, u64bytes(content)) {
			return 0, -defs.EFAULT
		}
		content += uint64(len(b))
		argvStart += 8
	}
	if !writeAt(argvStart, u64bytes(0)) {
		return 0, -defs.EFAULT
	}

	sp := argcStart
	if !writeAt(sp, u64bytes(uint64(len(argv)))) {
		return 0, -defs.EFAULT
	}
	return sp, 0
}

func u64bytes(v uint64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
}
