package fs

import (
	"context"
	"testing"

	"github.com/aarch64kit/armos/block"
)

// newTestFS builds a fresh in-memory filesystem: 200 blocks is enough room
// for the superblock, four inode blocks (32 inodes at 8 per block), the
// 31-block log (header plus area), one bitmap block, and plenty of data
// blocks.
func newTestFS(t *testing.T) (*block.MemDisk, *Super, *Cache) {
	t.Helper()
	d := block.NewMemDisk(200)
	super := MakeSuper(200, 32)
	if errno := super.Write(d); errno != 0 {
		t.Fatalf("Super.Write: errno %d", errno)
	}
	cache, errno := NewCache(d, super)
	if errno != 0 {
		t.Fatalf("NewCache: errno %d", errno)
	}
	op := cache.BeginOp(context.Background())
	cache.ReserveSystemBlocks(op)
	cache.EndOp(op)
	return d, super, cache
}
