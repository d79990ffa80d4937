package block

import (
	"path/filepath"
	"testing"

	"github.com/aarch64kit/armos/defs"
)

func TestMemDiskReadWriteRoundTrip(t *testing.T) {
	d := NewMemDisk(4)
	src := make([]byte, defs.BlockSize)
	for i := range src {
		src[i] = byte(i)
	}
	if errno := d.WriteBlock(1, src); errno != 0 {
		t.Fatalf("WriteBlock: errno %d", errno)
	}
	dst := make([]byte, defs.BlockSize)
	if errno := d.ReadBlock(1, dst); errno != 0 {
		t.Fatalf("ReadBlock: errno %d", errno)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %d, want %d", i, dst[i], src[i])
		}
	}
}

func TestMemDiskOutOfRange(t *testing.T) {
	d := NewMemDisk(2)
	buf := make([]byte, defs.BlockSize)
	if errno := d.ReadBlock(-1, buf); errno != -defs.EINVAL {
		t.Fatalf("ReadBlock(-1) = %d, want -EINVAL", errno)
	}
	if errno := d.ReadBlock(2, buf); errno != -defs.EINVAL {
		t.Fatalf("ReadBlock(nblocks) = %d, want -EINVAL", errno)
	}
	if errno := d.WriteBlock(2, buf); errno != -defs.EINVAL {
		t.Fatalf("WriteBlock(nblocks) = %d, want -EINVAL", errno)
	}
}

func TestFileDiskZeroExtendsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")

	d, err := OpenFileDisk(path, 4)
	if err != nil {
		t.Fatalf("OpenFileDisk: %v", err)
	}
	zero := make([]byte, defs.BlockSize)
	read := make([]byte, defs.BlockSize)
	if errno := d.ReadBlock(3, read); errno != 0 {
		t.Fatalf("ReadBlock: errno %d", errno)
	}
	for i := range zero {
		if read[i] != 0 {
			t.Fatalf("freshly extended block not zero at byte %d", i)
		}
	}

	payload := []byte("hello disk")
	copy(read, payload)
	if errno := d.WriteBlock(2, read); errno != 0 {
		t.Fatalf("WriteBlock: errno %d", errno)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen with the same nblocks: the written block must still be there,
	// since OpenFileDisk only extends the file and never truncates it.
	d2, err := OpenFileDisk(path, 4)
	if err != nil {
		t.Fatalf("re-OpenFileDisk: %v", err)
	}
	defer d2.Close()
	got := make([]byte, defs.BlockSize)
	if errno := d2.ReadBlock(2, got); errno != 0 {
		t.Fatalf("ReadBlock after reopen: errno %d", errno)
	}
	if string(got[:len(payload)]) != string(payload) {
		t.Fatalf("payload not persisted across reopen: got %q", got[:len(payload)])
	}
}

func TestFileDiskOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	d, err := OpenFileDisk(path, 2)
	if err != nil {
		t.Fatalf("OpenFileDisk: %v", err)
	}
	defer d.Close()
	buf := make([]byte, defs.BlockSize)
	if errno := d.ReadBlock(2, buf); errno != -defs.EINVAL {
		t.Fatalf("ReadBlock(nblocks) = %d, want -EINVAL", errno)
	}
}
