// Package fs implements the block cache, write-ahead log, inode layer and
// path resolver of spec.md §4.2–§4.3, grounded on the teacher's fs package
// (biscuit/src/fs/blk.go, super.go) and on the C original
// (original_source/src/fs/cache.c, inode.c) for the exact cache/log/inode
// algorithms the teacher's retrieved files don't cover.
package fs

import (
	"encoding/binary"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
)

// Super is the on-disk superblock, published at block 0 (spec.md §6: "layout
// [superblock | inode blocks | log header | log area | bitmap blocks | data
// blocks]"). Field accessors follow the teacher's fieldr/fieldw pattern
// (fs/super.go) rather than exporting raw struct fields directly, so every
// read/write goes through one choke point that can be extended (e.g. the
// orphan-map fields below, carried from the teacher but unused by this
// layout — see DESIGN.md).
type Super struct {
	raw [defs.BlockSize]byte
}

const (
	superOffNumBlocks    = 0
	superOffNumInodes    = 4
	superOffInodeStart   = 8
	superOffLogStart     = 12
	superOffBitmapStart  = 16
	superOffDataStart    = 20
	superOffOrphanBlock  = 24 // Iorphanblock: reserved, see DESIGN.md
	superOffOrphanLen    = 28 // Iorphanlen: reserved, see DESIGN.md
)

func (s *Super) fieldr(off int) uint32 { return binary.LittleEndian.Uint32(s.raw[off:]) }
func (s *Super) fieldw(off int, v uint32) { binary.LittleEndian.PutUint32(s.raw[off:], v) }

func (s *Super) NumBlocks() int   { return int(s.fieldr(superOffNumBlocks)) }
func (s *Super) NumInodes() int   { return int(s.fieldr(superOffNumInodes)) }
func (s *Super) InodeStart() int  { return int(s.fieldr(superOffInodeStart)) }
func (s *Super) LogStart() int    { return int(s.fieldr(superOffLogStart)) }
func (s *Super) BitmapStart() int { return int(s.fieldr(superOffBitmapStart)) }
func (s *Super) DataStart() int   { return int(s.fieldr(superOffDataStart)) }

// Iorphanblock/Iorphanlen are carried from the teacher's Superblock_t fields
// of the same name though this layout has no orphan map yet; reserved for a
// future orphan-inode GC pass, see SUPPLEMENTED FEATURES in SPEC_FULL.md.
func (s *Super) Iorphanblock() int { return int(s.fieldr(superOffOrphanBlock)) }
func (s *Super) Iorphanlen() int   { return int(s.fieldr(superOffOrphanLen)) }

func (s *Super) SetIorphan(block, length int) {
	s.fieldw(superOffOrphanBlock, uint32(block))
	s.fieldw(superOffOrphanLen, uint32(length))
}

// InodesPerBlock is BLOCK_SIZE / sizeof(entry), spec.md §6's "sized so
// BLOCK_SIZE / sizeof(entry) is a small power of two" — inodeEntrySize is 64
// bytes (2+2+2+2+4+12*4+4), so 512/64 == 8.
const InodesPerBlock = defs.BlockSize / inodeEntrySize

// BitsPerBlock is the number of free/used bits one bitmap block can track.
const BitsPerBlock = defs.BlockSize * 8

// MakeSuper lays out a fresh filesystem geometry for mkfs given a total
// block count and inode count, mirroring the teacher's mkfs tool
// (mkfs/mkfs.go) generalized to parametrized sizes instead of hardcoded
// constants (SPEC_FULL.md domain-stack note on cmd/mkfs).
func MakeSuper(numBlocks, numInodes int) *Super {
	s := &Super{}
	inodeBlocks := (numInodes + InodesPerBlock - 1) / InodesPerBlock
	inodeStart := 1 // block 0 is the superblock itself
	logStart := inodeStart + inodeBlocks
	logBlocks := 1 + defs.LogMaxSize // header + log area
	bitmapStart := logStart + logBlocks
	bitmapBlocks := (numBlocks + BitsPerBlock - 1) / BitsPerBlock
	dataStart := bitmapStart + bitmapBlocks

	s.fieldw(superOffNumBlocks, uint32(numBlocks))
	s.fieldw(superOffNumInodes, uint32(numInodes))
	s.fieldw(superOffInodeStart, uint32(inodeStart))
	s.fieldw(superOffLogStart, uint32(logStart))
	s.fieldw(superOffBitmapStart, uint32(bitmapStart))
	s.fieldw(superOffDataStart, uint32(dataStart))
	s.SetIorphan(0, 0)
	return s
}

// ReadSuper loads the superblock from block 0 of disk d.
func ReadSuper(d block.Disk) (*Super, defs.Errno) {
	s := &Super{}
	if errno := d.ReadBlock(0, s.raw[:]); errno != 0 {
		return nil, errno
	}
	return s, 0
}

// Write persists the superblock to block 0.
func (s *Super) Write(d block.Disk) defs.Errno {
	return d.WriteBlock(0, s.raw[:])
}
