package fs

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
)

// EvictionThreshold is the cache size above which Release starts evicting
// unreferenced, unpinned blocks from the LRU tail (spec.md §4.2).
const EvictionThreshold = 64

// Block is a cached copy of one on-disk block, grounded on the teacher's
// Bdev_block_t (fs/blk.go) and the C Block struct's fields
// (original_source/src/fs/cache.c's init_block). The sleep lock is a
// capacity-1 token channel rather than sync.Mutex, so Acquire can select
// against ctx.Done() without leaking a goroutine blocked forever on Lock()
// — the "alertable wait" of spec.md §9.
type Block struct {
	No     int
	Data   [defs.BlockSize]byte
	ref    int
	pinned bool
	valid  bool
	lock   chan struct{}
	elem   *list.Element
}

func newBlock(no int) *Block {
	b := &Block{No: no, lock: make(chan struct{}, 1)}
	b.lock <- struct{}{}
	return b
}

func (b *Block) lockWait(ctx context.Context) bool {
	select {
	case <-b.lock:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Block) unlock() { b.lock <- struct{}{} }

// Pinned reports whether b is currently part of the in-flight log transaction
// (spec.md §9: pinned is an eviction guard independent of ref).
func (b *Block) Pinned() bool { return b.pinned }

// Cache is the block cache of spec.md §4.2, grounded on
// original_source/src/fs/cache.c (cache_acquire/cache_release) for the exact
// hit/miss/eviction algorithm, using container/list for the LRU the same way
// the teacher's BlkList_t wraps list.List (fs/blk.go).
type Cache struct {
	disk  block.Disk
	super *Super

	mu      sync.Mutex
	lru     *list.List // *Block, front == most-recently-used
	byBlock map[int]*list.Element

	log *wal

	hits, misses int64 // spec.md §8 observability: statsexport's cache_hits/_misses
}

// NewCache wires a Cache to its disk and superblock, performing log recovery
// immediately (spec.md §4.2 "Recovery at mount"), matching init_bcache's
// read_header/_write_log_area_back/write_header sequence.
func NewCache(d block.Disk, super *Super) (*Cache, defs.Errno) {
	c := &Cache{
		disk:    d,
		super:   super,
		lru:     list.New(),
		byBlock: make(map[int]*list.Element),
	}
	l, errno := openLog(d, super)
	if errno != 0 {
		return nil, errno
	}
	c.log = l
	return c, 0
}

// Acquire returns a block in the "acquired" state with its lock held and
// valid == true, promoting a cache hit to the LRU front or, on a miss,
// allocating an entry and issuing a synchronous read (spec.md §4.2). ctx
// cancellation models an alertable wait: Acquire returns nil if ctx is
// cancelled before the lock is obtained.
func (c *Cache) Acquire(ctx context.Context, no int) *Block {
	c.mu.Lock()
	if e, ok := c.byBlock[no]; ok {
		b := e.Value.(*Block)
		b.ref++
		c.lru.MoveToFront(e)
		c.mu.Unlock()
		atomic.AddInt64(&c.hits, 1)
		if !b.lockWait(ctx) {
			return nil
		}
		return b
	}
	c.mu.Unlock()
	atomic.AddInt64(&c.misses, 1)

	// Miss: read before publishing the block, matching cache_acquire's
	// order (original_source/src/fs/cache.c) — the entry is only inserted
	// into the shared list/map after device_read completes, so concurrent
	// Acquires for the same block_no cannot observe a half-read buffer.
	b := newBlock(no)
	if errno := c.disk.ReadBlock(no, b.Data[:]); errno != 0 {
		panic("fs.Cache.Acquire: disk read failed")
	}
	b.valid = true
	b.ref++

	c.mu.Lock()
	if e, ok := c.byBlock[no]; ok {
		// Lost the race to a concurrent miss; use its entry instead.
		existing := e.Value.(*Block)
		existing.ref++
		c.lru.MoveToFront(e)
		c.mu.Unlock()
		if !existing.lockWait(ctx) {
			return nil
		}
		return existing
	}
	e := c.lru.PushFront(b)
	b.elem = e
	c.byBlock[no] = e
	c.mu.Unlock()

	if !b.lockWait(ctx) {
		return nil
	}
	return b
}

// Release drops b's lock, decrements its refcount, and — if the cache has
// grown past EvictionThreshold — walks the LRU tail evicting unreferenced,
// unpinned blocks (spec.md §4.2, original_source cache_release).
func (c *Cache) Release(b *Block) {
	c.mu.Lock()
	b.ref--
	if c.lru.Len() > EvictionThreshold {
		for e := c.lru.Back(); e != nil; {
			cand := e.Value.(*Block)
			prev := e.Prev()
			if cand.ref == 0 && !cand.pinned {
				c.lru.Remove(e)
				delete(c.byBlock, cand.No)
			}
			if c.lru.Len() <= EvictionThreshold {
				break
			}
			e = prev
		}
	}
	c.mu.Unlock()
	b.unlock()
}

// BeginOp brackets a logical filesystem operation (spec.md §4.2), blocking
// until the log has room for another OP_MAX_NUM_BLOCKS budget and no commit
// is in progress. Returns nil if ctx is cancelled first; callers must check
// for that before passing the result to Sync/EndOp.
func (c *Cache) BeginOp(ctx context.Context) *OpCtx {
	return c.log.beginOp(ctx)
}

// Sync records that block b's current contents must reach disk atomically
// with the rest of op's writes (spec.md §4.2). Passing a nil op writes
// through immediately, used only for bootstrap.
func (c *Cache) Sync(op *OpCtx, b *Block) {
	if op == nil {
		if errno := c.disk.WriteBlock(b.No, b.Data[:]); errno != 0 {
			panic("fs.Cache.Sync: disk write failed")
		}
		return
	}
	c.log.sync(c, op, b)
}

// EndOp closes out op, committing the transaction if op was the last
// running operation (spec.md §4.2).
func (c *Cache) EndOp(op *OpCtx) {
	c.log.endOp(c, op)
}

// Alloc scans the bitmap for the first clear bit, marks it used, zeroes the
// backing data block, and journals both (spec.md §4.2, cache_alloc).
func (c *Cache) Alloc(op *OpCtx) (int, defs.Errno) {
	nbitmap := (c.super.NumBlocks() + BitsPerBlock - 1) / BitsPerBlock
	for bi := 0; bi < nbitmap; bi++ {
		bm := c.Acquire(context.Background(), c.super.BitmapStart()+bi)
		for i := 0; i < defs.BlockSize; i++ {
			if bm.Data[i] == 0xff {
				continue
			}
			bno := bi*BitsPerBlock + 8*i
			var m byte = 1
			for m&bm.Data[i] != 0 {
				m <<= 1
				bno++
			}
			if bno >= c.super.NumBlocks() {
				c.Release(bm)
				return 0, -defs.ENOSPC
			}
			bm.Data[i] |= m
			c.Sync(op, bm)
			c.Release(bm)

			alloc := c.Acquire(context.Background(), bno)
			for j := range alloc.Data {
				alloc.Data[j] = 0
			}
			c.Sync(op, alloc)
			c.Release(alloc)
			return bno, 0
		}
		c.Release(bm)
	}
	return 0, -defs.ENOSPC
}

// ReserveSystemBlocks marks every block before the data region (superblock,
// inode blocks, log area, bitmap blocks) as allocated in the free bitmap, so
// Alloc never hands out a block mkfs has already claimed for metadata.
// Callers format a fresh image by running this once, inside the same
// transaction as InitRoot.
func (c *Cache) ReserveSystemBlocks(op *OpCtx) {
	for bno := 0; bno < c.super.DataStart(); bno++ {
		bi := bno / BitsPerBlock
		loc := bno % BitsPerBlock
		bm := c.Acquire(context.Background(), c.super.BitmapStart()+bi)
		bm.Data[loc/8] |= 1 << uint(loc%8)
		c.Sync(op, bm)
		c.Release(bm)
	}
}

// Free clears bno's bitmap bit and journals the change (spec.md §4.2,
// cache_free).
func (c *Cache) Free(op *OpCtx, bno int) {
	bi := bno / BitsPerBlock
	loc := bno % BitsPerBlock
	bm := c.Acquire(context.Background(), c.super.BitmapStart()+bi)
	bm.Data[loc/8] &^= 1 << uint(loc%8)
	c.Sync(op, bm)
	c.Release(bm)
}

// unpin clears the pinned flag on the cached entry for block no, if it is
// still resident, allowing it to be evicted again (spec.md §4.2 step 3).
func (c *Cache) unpin(no int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byBlock[no]; ok {
		e.Value.(*Block).pinned = false
	}
}

// NumCached reports the current LRU occupancy, used by statsexport.
func (c *Cache) NumCached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Hits and Misses report cumulative Acquire outcomes, used by statsexport.
func (c *Cache) Hits() int64   { return atomic.LoadInt64(&c.hits) }
func (c *Cache) Misses() int64 { return atomic.LoadInt64(&c.misses) }

// LogCommits reports the cumulative number of completed log commits, used
// by statsexport.
func (c *Cache) LogCommits() int64 { return atomic.LoadInt64(&c.log.commits) }
