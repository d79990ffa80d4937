package fs

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
)

// TestOpenLogReplaysPendingCommitOnReopen simulates a crash that happens
// after the commit point (the header persisted with pending entries) but
// before the log area was copied back to home locations, then verifies that
// re-opening the log (as mount-time recovery does) replays it.
func TestOpenLogReplaysPendingCommitOnReopen(t *testing.T) {
	nblocks := 50
	d := block.NewMemDisk(nblocks)
	super := MakeSuper(nblocks, 8)
	if errno := super.Write(d); errno != 0 {
		t.Fatalf("Super.Write: errno %d", errno)
	}

	l, errno := openLog(d, super)
	if errno != 0 {
		t.Fatalf("openLog: errno %d", errno)
	}
	if l.header.numBlocks != 0 {
		t.Fatalf("fresh header numBlocks = %d, want 0", l.header.numBlocks)
	}

	homeBno := super.DataStart()
	var payload [defs.BlockSize]byte
	for i := range payload {
		payload[i] = byte(i)
	}
	if errno := d.WriteBlock(super.LogStart()+1, payload[:]); errno != 0 {
		t.Fatalf("stage payload into log area: errno %d", errno)
	}
	l.header.numBlocks = 1
	l.header.blockNo[0] = homeBno
	if errno := l.writeHeader(); errno != 0 {
		t.Fatalf("writeHeader: errno %d", errno)
	}

	var stale [defs.BlockSize]byte
	for i := range stale {
		stale[i] = 0xee
	}
	if errno := d.WriteBlock(homeBno, stale[:]); errno != 0 {
		t.Fatalf("seed stale home block: errno %d", errno)
	}

	l2, errno := openLog(d, super)
	if errno != 0 {
		t.Fatalf("re-openLog (recovery): errno %d", errno)
	}
	if l2.header.numBlocks != 0 {
		t.Fatalf("header after recovery numBlocks = %d, want 0 (discarded)", l2.header.numBlocks)
	}

	var got [defs.BlockSize]byte
	if errno := d.ReadBlock(homeBno, got[:]); errno != 0 {
		t.Fatalf("ReadBlock(home): errno %d", errno)
	}
	if !bytes.Equal(got[:], payload[:]) {
		t.Fatal("recovery did not replay the staged payload to its home block")
	}
}

func TestBeginOpBlocksUntilBudgetFrees(t *testing.T) {
	_, _, cache := newTestFS(t)
	ctx := context.Background()

	// defs.LogMaxSize / defs.OpMaxNumBlocks ops exactly exhaust the log
	// budget; one more must block until some op ends.
	n := defs.LogMaxSize / defs.OpMaxNumBlocks
	held := make([]*OpCtx, n)
	for i := range held {
		held[i] = cache.BeginOp(ctx)
	}

	result := make(chan *OpCtx, 1)
	go func() {
		result <- cache.BeginOp(ctx)
	}()

	select {
	case <-result:
		t.Fatal("BeginOp returned before any budget freed")
	case <-time.After(20 * time.Millisecond):
	}

	// EndOp on a non-last operation broadcasts the budget change before it
	// blocks waiting for the eventual commit, so run it in the background:
	// it only returns once every other operation (including the one we're
	// about to admit) has also ended and triggered the commit.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.EndOp(held[0])
	}()

	var newOp *OpCtx
	select {
	case newOp = <-result:
	case <-time.After(time.Second):
		t.Fatal("BeginOp never woke after EndOp freed budget")
	}

	for _, op := range held[1:] {
		wg.Add(1)
		op := op
		go func() {
			defer wg.Done()
			cache.EndOp(op)
		}()
	}
	cache.EndOp(newOp) // the last operation out triggers the commit
	wg.Wait()
}
