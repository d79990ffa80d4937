package fs

import (
	"context"
	"testing"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
)

func TestCacheAcquireHitMiss(t *testing.T) {
	_, super, cache := newTestFS(t)
	ctx := context.Background()

	// newTestFS's formatting transaction has already gone through the
	// cache, so count only what the two Acquires below add.
	hits0, misses0 := cache.Hits(), cache.Misses()

	b1 := cache.Acquire(ctx, super.DataStart())
	cache.Release(b1)
	if got := cache.Misses() - misses0; got != 1 {
		t.Fatalf("misses added by first Acquire = %d, want 1", got)
	}

	b2 := cache.Acquire(ctx, super.DataStart())
	cache.Release(b2)
	if got := cache.Hits() - hits0; got != 1 {
		t.Fatalf("hits added by repeat Acquire = %d, want 1", got)
	}
	if got := cache.Misses() - misses0; got != 1 {
		t.Fatalf("misses added after repeat Acquire = %d, want still 1", got)
	}
}

func TestCacheAllocFreeReusesFirstClearBit(t *testing.T) {
	_, _, cache := newTestFS(t)
	ctx := context.Background()

	op := cache.BeginOp(ctx)
	first, errno := cache.Alloc(op)
	if errno != 0 {
		t.Fatalf("Alloc: errno %d", errno)
	}
	second, errno := cache.Alloc(op)
	if errno != 0 {
		t.Fatalf("Alloc: errno %d", errno)
	}
	if second != first+1 {
		t.Fatalf("second alloc = %d, want %d (first clear bit after first)", second, first+1)
	}
	cache.Free(op, first)
	cache.EndOp(op)

	op = cache.BeginOp(ctx)
	third, errno := cache.Alloc(op)
	if errno != 0 {
		t.Fatalf("Alloc: errno %d", errno)
	}
	cache.EndOp(op)
	if third != first {
		t.Fatalf("Alloc after Free = %d, want %d (freed bit reused)", third, first)
	}
}

func TestCacheBeginEndOpCommits(t *testing.T) {
	_, super, cache := newTestFS(t)
	ctx := context.Background()
	before := cache.LogCommits()

	op := cache.BeginOp(ctx)
	blk := cache.Acquire(ctx, super.DataStart())
	blk.Data[0] = 0x7a
	cache.Sync(op, blk)
	cache.Release(blk)
	cache.EndOp(op)

	if got := cache.LogCommits(); got != before+1 {
		t.Fatalf("LogCommits() after EndOp = %d, want %d", got, before+1)
	}

	got := cache.Acquire(ctx, super.DataStart())
	defer cache.Release(got)
	if got.Data[0] != 0x7a {
		t.Fatalf("committed byte = %#x, want 0x7a", got.Data[0])
	}
}

func TestCacheAllocExhaustionReturnsENOSPC(t *testing.T) {
	nblocks := 40
	d := block.NewMemDisk(nblocks)
	super := MakeSuper(nblocks, 8)
	if errno := super.Write(d); errno != 0 {
		t.Fatalf("Super.Write: errno %d", errno)
	}
	cache, errno := NewCache(d, super)
	if errno != 0 {
		t.Fatalf("NewCache: errno %d", errno)
	}
	ctx := context.Background()
	op := cache.BeginOp(ctx)
	cache.ReserveSystemBlocks(op)
	available := super.NumBlocks() - super.DataStart()
	for i := 0; i < available; i++ {
		if _, errno := cache.Alloc(op); errno != 0 {
			t.Fatalf("Alloc %d: errno %d, want 0 (data region not yet exhausted)", i, errno)
		}
	}
	if _, errno := cache.Alloc(op); errno != -defs.ENOSPC {
		t.Fatalf("Alloc past the data region = errno %d, want -ENOSPC", errno)
	}
	cache.EndOp(op)
}
