package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/mem"
)

func newTestPipe(t *testing.T) *Pipe {
	t.Helper()
	p := New(mem.NewAllocator(mem.NewPhysmem(16)))
	if p == nil {
		t.Fatal("New: out of slab memory")
	}
	return p
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPipe(t)
	ctx := context.Background()

	n, errno := p.Write(ctx, []byte("hello"))
	if errno != 0 || n != 5 {
		t.Fatalf("Write: n=%d errno=%d, want n=5 errno=0", n, errno)
	}

	buf := make([]byte, 5)
	n, errno = p.Read(ctx, buf)
	if errno != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read: n=%d errno=%d buf=%q, want n=5 errno=0 buf=hello", n, errno, buf)
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := newTestPipe(t)
	ctx := context.Background()
	result := make(chan int, 1)

	go func() {
		buf := make([]byte, 3)
		n, _ := p.Read(ctx, buf)
		result <- n
	}()

	select {
	case <-result:
		t.Fatal("Read returned before any Write")
	case <-time.After(20 * time.Millisecond):
	}

	p.Write(ctx, []byte("hi!"))
	select {
	case n := <-result:
		if n != 3 {
			t.Fatalf("Read returned n=%d, want 3", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Read never woke after Write")
	}
}

func TestReadReturnsZeroOnDrainedClosedPipe(t *testing.T) {
	p := newTestPipe(t)
	ctx := context.Background()
	p.Write(ctx, []byte("x"))
	p.Close(true) // close the write end

	buf := make([]byte, 1)
	n, errno := p.Read(ctx, buf)
	if errno != 0 || n != 1 {
		t.Fatalf("first drain read: n=%d errno=%d, want n=1 errno=0", n, errno)
	}

	n, errno = p.Read(ctx, buf)
	if errno != 0 || n != 0 {
		t.Fatalf("post-drain read: n=%d errno=%d, want n=0 errno=0 (EOF)", n, errno)
	}
}

func TestWriteToClosedReadEndReturnsEPIPE(t *testing.T) {
	p := newTestPipe(t)
	p.Close(false) // close the read end
	_, errno := p.Write(context.Background(), []byte("x"))
	if errno != -defs.EPIPE {
		t.Fatalf("Write after reader closed = errno %d, want -EPIPE", errno)
	}
}

func TestReadFromClosedReadEndReturnsEPIPE(t *testing.T) {
	p := newTestPipe(t)
	p.Close(false)
	_, errno := p.Read(context.Background(), make([]byte, 1))
	if errno != -defs.EPIPE {
		t.Fatalf("Read on a pipe whose own read end is closed = errno %d, want -EPIPE", errno)
	}
}

func TestWriteBlocksWhenFullThenDrains(t *testing.T) {
	p := newTestPipe(t)
	ctx := context.Background()

	big := make([]byte, Size)
	n, errno := p.Write(ctx, big)
	if errno != 0 || n != Size {
		t.Fatalf("filling Write: n=%d errno=%d", n, errno)
	}

	done := make(chan struct{})
	go func() {
		n, errno := p.Write(ctx, []byte("more"))
		if errno != 0 || n != 4 {
			t.Errorf("blocked Write: n=%d errno=%d, want n=4 errno=0", n, errno)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Write on a full pipe returned before any Read drained it")
	case <-time.After(20 * time.Millisecond):
	}

	buf := make([]byte, 4)
	p.Read(ctx, buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked Write never woke after Read freed space")
	}
}

func TestReadInterruptedByContext(t *testing.T) {
	p := newTestPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, errno := p.Read(ctx, make([]byte, 1))
	if errno != -defs.EINTR {
		t.Fatalf("Read with a cancelled ctx = errno %d, want -EINTR", errno)
	}
}
