// Package block models the external SD block device collaborator of
// spec.md §6, grounded on the teacher's Disk_i interface and request/ack
// plumbing (fs/blk.go: Disk_i, Bdev_req_t, Bdevcmd_t). The real driver
// (DMA rings, interrupt completion) is out of scope per spec.md §1; Disk
// is implemented here as a synchronous in-process collaborator so fs can
// issue read_block/write_block exactly as §6 specifies without booting real
// hardware.
package block

import (
	"fmt"
	"os"
	"sync"

	"github.com/aarch64kit/armos/defs"
)

// Cmd mirrors the teacher's Bdevcmd_t (fs/blk.go).
type Cmd int

const (
	Read Cmd = iota
	Write
	Flush
)

// Disk is the external block device primitive spec.md §6 requires:
// read_block/write_block, addressed by a fixed-size 512-byte block number.
type Disk interface {
	ReadBlock(no int, dst []byte) defs.Errno
	WriteBlock(no int, src []byte) defs.Errno
	NumBlocks() int
	Stats() string
}

// MemDisk is an in-memory Disk, the direct analogue of a RAM-backed test
// double: every example repo with a Disk_i tests against one rather than
// real hardware (fs/blk.go's Disk_i is implemented by a simulated driver in
// the teacher's own tests).
type MemDisk struct {
	mu     sync.Mutex
	blocks [][]byte
	reads  int
	writes int
}

func NewMemDisk(nblocks int) *MemDisk {
	d := &MemDisk{blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, defs.BlockSize)
	}
	return d
}

func (d *MemDisk) NumBlocks() int { return len(d.blocks) }

func (d *MemDisk) ReadBlock(no int, dst []byte) defs.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if no < 0 || no >= len(d.blocks) {
		return -defs.EINVAL
	}
	copy(dst, d.blocks[no])
	d.reads++
	return 0
}

func (d *MemDisk) WriteBlock(no int, src []byte) defs.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if no < 0 || no >= len(d.blocks) {
		return -defs.EINVAL
	}
	copy(d.blocks[no], src)
	d.writes++
	return 0
}

func (d *MemDisk) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("memdisk: %d blocks, %d reads, %d writes", len(d.blocks), d.reads, d.writes)
}

// FileDisk is a Disk backed by a regular OS file, used by cmd/mkfs to build
// a persistent disk image and by cmd/kernel to boot from one. Grounded on
// the same Disk_i contract; the teacher itself has no file-backed
// implementation in the retrieved pack (its driver talks to real virtio), so
// this is supplemented from the interface shape alone plus ordinary os.File
// usage, matching the teacher's un-exotic I/O style elsewhere (no io/fs
// abstraction, bare *os.File).
type FileDisk struct {
	mu     sync.Mutex
	f      *os.File
	nblk   int
	reads  int
	writes int
}

// OpenFileDisk opens or creates path and ensures it is at least nblocks
// blocks long, zero-filling any extension.
func OpenFileDisk(path string, nblocks int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	want := int64(nblocks) * defs.BlockSize
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDisk{f: f, nblk: nblocks}, nil
}

func (d *FileDisk) NumBlocks() int { return d.nblk }

func (d *FileDisk) ReadBlock(no int, dst []byte) defs.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if no < 0 || no >= d.nblk {
		return -defs.EINVAL
	}
	if _, err := d.f.ReadAt(dst[:defs.BlockSize], int64(no)*defs.BlockSize); err != nil {
		return -defs.EIO
	}
	d.reads++
	return 0
}

func (d *FileDisk) WriteBlock(no int, src []byte) defs.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if no < 0 || no >= d.nblk {
		return -defs.EINVAL
	}
	if _, err := d.f.WriteAt(src[:defs.BlockSize], int64(no)*defs.BlockSize); err != nil {
		return -defs.EIO
	}
	d.writes++
	return 0
}

func (d *FileDisk) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("filedisk: %d blocks, %d reads, %d writes", d.nblk, d.reads, d.writes)
}

func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}
