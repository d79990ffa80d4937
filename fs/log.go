package fs

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
)

// logHeader is the on-disk log header (spec.md §6: "4-byte num_blocks
// followed by LOG_MAX_SIZE × 4-byte block numbers, padded to one block").
type logHeader struct {
	numBlocks int
	blockNo   [defs.LogMaxSize]int
}

func (h *logHeader) encode() [defs.BlockSize]byte {
	var raw [defs.BlockSize]byte
	binary.LittleEndian.PutUint32(raw[0:], uint32(h.numBlocks))
	for i := 0; i < defs.LogMaxSize; i++ {
		binary.LittleEndian.PutUint32(raw[4+4*i:], uint32(h.blockNo[i]))
	}
	return raw
}

func decodeLogHeader(raw [defs.BlockSize]byte) logHeader {
	var h logHeader
	h.numBlocks = int(binary.LittleEndian.Uint32(raw[0:]))
	for i := 0; i < defs.LogMaxSize; i++ {
		h.blockNo[i] = int(binary.LittleEndian.Uint32(raw[4+4*i:]))
	}
	return h
}

// OpCtx is the opaque transaction context spec.md §4.2 passes to
// sync/end_op, tracking the operation's remaining log budget (rm in
// original_source/src/fs/cache.c).
type OpCtx struct {
	rm int
}

// wal is the write-ahead log, grounded on original_source/src/fs/cache.c's
// log struct and cache_begin_op/cache_sync/cache_end_op, adapted to
// channel-based waiting instead of semaphores+condvars.
type wal struct {
	disk  block.Disk
	super *Super

	mu          sync.Mutex
	header      logHeader
	committing  bool
	used        int
	numRunning  int
	usedChange  chan struct{} // broadcast: closed+replaced each time
	checkpointed chan struct{} // broadcast: closed+replaced on each commit

	commits int64 // spec.md §8 observability: statsexport's log_commits_total
}

// openLog performs spec.md §4.2's mount-time recovery: read the header; if
// num_blocks > 0, replay (idempotent) then persist an empty header.
func openLog(d block.Disk, super *Super) (*wal, defs.Errno) {
	l := &wal{disk: d, super: super, usedChange: make(chan struct{}), checkpointed: make(chan struct{})}

	var raw [defs.BlockSize]byte
	if errno := d.ReadBlock(super.LogStart(), raw[:]); errno != 0 {
		return nil, errno
	}
	l.header = decodeLogHeader(raw)
	if l.header.numBlocks > 0 {
		l.writeLogAreaBack()
	}
	if errno := l.writeHeader(); errno != 0 {
		return nil, errno
	}
	return l, 0
}

func (l *wal) writeHeader() defs.Errno {
	raw := l.header.encode()
	return l.disk.WriteBlock(l.super.LogStart(), raw[:])
}

// writeLogAreaBack replays the staged log entries to their home locations
// (spec.md §4.2 step 3-4; original_source's _write_log_area_back).
func (l *wal) writeLogAreaBack() {
	var buf [defs.BlockSize]byte
	for i := 0; i < l.header.numBlocks; i++ {
		if errno := l.disk.ReadBlock(l.super.LogStart()+1+i, buf[:]); errno != 0 {
			panic("fs.wal: log area read failed during replay")
		}
		if errno := l.disk.WriteBlock(l.header.blockNo[i], buf[:]); errno != 0 {
			panic("fs.wal: home-location write failed during replay")
		}
	}
	l.header.numBlocks = 0
}

// beginOp blocks until the log has room for OP_MAX_NUM_BLOCKS more and no
// commit is in progress, then charges the budget (spec.md §4.2,
// cache_begin_op). Returns nil if ctx is cancelled before budget frees up;
// a nil op was never counted in used/numRunning, so callers must check for
// it and bail out before calling Sync/EndOp.
func (l *wal) beginOp(ctx context.Context) *OpCtx {
	for {
		l.mu.Lock()
		full := l.used+defs.OpMaxNumBlocks > defs.LogMaxSize || l.committing
		if !full {
			l.used += defs.OpMaxNumBlocks
			l.numRunning++
			l.mu.Unlock()
			return &OpCtx{rm: defs.OpMaxNumBlocks}
		}
		wait := l.usedChange
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *wal) broadcastUsedChange() {
	close(l.usedChange)
	l.usedChange = make(chan struct{})
}

func (l *wal) broadcastCheckpointed() {
	close(l.checkpointed)
	l.checkpointed = make(chan struct{})
}

// sync records block b's number in the in-memory header (spec.md §4.2): a
// nil op means write-through, handled by Cache.Sync before calling here.
func (l *wal) sync(c *Cache, op *OpCtx, b *Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.header.numBlocks; i++ {
		if l.header.blockNo[i] == b.No {
			return
		}
	}
	if op.rm == 0 {
		panic("fs.wal.sync: log budget exhausted")
	}
	b.pinned = true
	l.header.blockNo[l.header.numBlocks] = b.No
	l.header.numBlocks++
	op.rm--
}

// endOp decrements the running-operation count. The last operation out
// performs the commit; every caller — last or not — blocks until that
// commit finishes, so EndOp returning is always a crash-consistency
// guarantee for the blocks it synced (spec.md §8 invariant 4), matching
// original_source's cache_end_op waiting on log.checkpointed even on the
// non-committing path.
func (l *wal) endOp(c *Cache, op *OpCtx) {
	l.mu.Lock()
	l.numRunning--
	if l.committing {
		panic("fs.wal.endOp: commit already in progress")
	}
	last := l.numRunning == 0
	if !last {
		l.used -= op.rm
		l.broadcastUsedChange()
		wait := l.checkpointed
		l.mu.Unlock()
		<-wait
		return
	}
	l.committing = true
	l.mu.Unlock()

	l.commit(c)

	l.mu.Lock()
	l.used = 0
	l.committing = false
	l.broadcastUsedChange()
	l.broadcastCheckpointed()
	l.mu.Unlock()
}

// commit runs the four-step protocol of spec.md §4.2: stage every pending
// block into the log area, persist the header (the commit point), copy
// staged blocks to their home locations and unpin, then discard the header.
func (l *wal) commit(c *Cache) {
	pending := append([]int(nil), l.header.blockNo[:l.header.numBlocks]...)

	var buf [defs.BlockSize]byte
	for i, no := range pending {
		from := c.Acquire(context.Background(), no)
		buf = from.Data
		c.Release(from)
		if errno := l.disk.WriteBlock(l.super.LogStart()+1+i, buf[:]); errno != 0 {
			panic("fs.wal.commit: log area write failed")
		}
	}

	// Step 2: persist the header — this is the commit point.
	if errno := l.writeHeader(); errno != 0 {
		panic("fs.wal.commit: header write failed")
	}

	// Step 3: copy staged blocks to their home locations and unpin.
	l.writeLogAreaBack()
	for _, no := range pending {
		c.unpin(no)
	}

	// Step 4: discard — persist an empty header.
	if errno := l.writeHeader(); errno != 0 {
		panic("fs.wal.commit: discard header write failed")
	}
	atomic.AddInt64(&l.commits, 1)
}
