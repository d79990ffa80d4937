package sock

import (
	"context"
	"testing"
	"time"

	"github.com/aarch64kit/armos/defs"
)

func TestBindExplicitPortAndDuplicateReturnsEADDRINUSE(t *testing.T) {
	tbl := NewTable()
	a := New(Dgram)
	if errno := tbl.Bind(a, 100); errno != 0 {
		t.Fatalf("Bind: errno %d", errno)
	}
	b := New(Dgram)
	if errno := tbl.Bind(b, 100); errno != -defs.EADDRINUSE {
		t.Fatalf("Bind duplicate port = errno %d, want -EADDRINUSE", errno)
	}
}

func TestBindAutoAssignsFirstFreePort(t *testing.T) {
	tbl := NewTable()
	a := New(Dgram)
	if errno := tbl.Bind(a, -1); errno != 0 {
		t.Fatalf("Bind: errno %d", errno)
	}
	b := New(Dgram)
	if errno := tbl.Bind(b, -1); errno != 0 {
		t.Fatalf("Bind: errno %d", errno)
	}
	if a.port == b.port {
		t.Fatalf("auto-assigned ports collided: %d == %d", a.port, b.port)
	}
}

func TestConnectToNonListenerReturnsENOTCONN(t *testing.T) {
	tbl := NewTable()
	srv := New(Dgram)
	tbl.Bind(srv, 200)
	// srv never calls Listen.
	cli := New(Dgram)
	tbl.Bind(cli, -1)
	if errno := tbl.Connect(cli, 200); errno != -defs.ENOTCONN {
		t.Fatalf("Connect to a non-listening port = errno %d, want -ENOTCONN", errno)
	}
}

func TestConnectToUnknownPortReturnsENOTCONN(t *testing.T) {
	tbl := NewTable()
	cli := New(Dgram)
	tbl.Bind(cli, -1)
	if errno := tbl.Connect(cli, 9999); errno != -defs.ENOTCONN {
		t.Fatalf("Connect to an unbound port = errno %d, want -ENOTCONN", errno)
	}
}

func TestStreamConnectReturnsENOSYS(t *testing.T) {
	tbl := NewTable()
	cli := New(Stream)
	if errno := tbl.Connect(cli, 0); errno != -defs.ENOSYS {
		t.Fatalf("SOCK_STREAM Connect = errno %d, want -ENOSYS", errno)
	}
}

func TestAcceptOnNonListeningSocketReturnsEINVAL(t *testing.T) {
	tbl := NewTable()
	sk := New(Dgram)
	if _, errno := tbl.Accept(context.Background(), sk); errno != -defs.EINVAL {
		t.Fatalf("Accept without Listen = errno %d, want -EINVAL", errno)
	}
}

func TestConnectAcceptThenSendRecvRoundTrip(t *testing.T) {
	tbl := NewTable()
	srv := New(Dgram)
	tbl.Bind(srv, -1)
	srv.Listen()

	cli := New(Dgram)
	tbl.Bind(cli, -1)

	connectErrno := make(chan defs.Errno, 1)
	go func() { connectErrno <- tbl.Connect(cli, srv.port) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	accepted, errno := tbl.Accept(ctx, srv)
	if errno != 0 {
		t.Fatalf("Accept: errno %d", errno)
	}
	if accepted.connectedPort != cli.port {
		t.Fatalf("accepted socket connectedPort = %d, want %d", accepted.connectedPort, cli.port)
	}

	select {
	case errno := <-connectErrno:
		if errno != 0 {
			t.Fatalf("Connect: errno %d", errno)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect never returned after Accept")
	}

	// cli connected to srv's port, but Send writes to the peer found at
	// sk.connectedPort — wire cli to talk to the accepted server socket.
	cli.connectedPort = accepted.port

	n, errno := tbl.Send(ctx, cli, []byte("hello"))
	if errno != 0 || n != 5 {
		t.Fatalf("Send = %d,%d, want 5,0", n, errno)
	}
	dst := make([]byte, 5)
	n, errno = accepted.Recv(ctx, dst)
	if errno != 0 || n != 5 || string(dst) != "hello" {
		t.Fatalf("Recv = %q,%d,%d, want \"hello\",5,0", dst[:n], n, errno)
	}
}

func TestSendWithoutConnectReturnsENOTCONN(t *testing.T) {
	tbl := NewTable()
	sk := New(Dgram)
	tbl.Bind(sk, -1)
	if _, errno := tbl.Send(context.Background(), sk, []byte("x")); errno != -defs.ENOTCONN {
		t.Fatalf("Send unconnected = errno %d, want -ENOTCONN", errno)
	}
}

func TestRecvBlocksUntilDataArrives(t *testing.T) {
	sk := New(Dgram)
	done := make(chan struct{})
	dst := make([]byte, 3)
	go func() {
		n, errno := sk.Recv(context.Background(), dst)
		if errno != 0 || n != 3 {
			t.Errorf("Recv = %d,%d, want 3,0", n, errno)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any data was written")
	case <-time.After(20 * time.Millisecond):
	}

	sk.bufWrite(context.Background(), []byte("abc"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv never woke after bufWrite")
	}
}

func TestBufWriteBlocksWhenRingFullThenDrainsOnRead(t *testing.T) {
	sk := New(Dgram)
	full := make([]byte, recvBufSize)
	n, errno := sk.bufWrite(context.Background(), full)
	if errno != 0 || n != recvBufSize {
		t.Fatalf("fill bufWrite = %d,%d, want %d,0", n, errno, recvBufSize)
	}

	writeDone := make(chan struct{})
	go func() {
		sk.bufWrite(context.Background(), []byte("more"))
		close(writeDone)
	}()

	select {
	case <-writeDone:
		t.Fatal("bufWrite on a full ring should block")
	case <-time.After(20 * time.Millisecond):
	}

	drained := make([]byte, 4)
	sk.bufRead(context.Background(), drained)

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("bufWrite never woke after the ring was drained")
	}
}

func TestRecvFromAndSendToAreUnimplemented(t *testing.T) {
	sk := New(Dgram)
	if _, _, errno := sk.RecvFrom(context.Background(), nil); errno != -defs.ENOSYS {
		t.Fatalf("RecvFrom = errno %d, want -ENOSYS", errno)
	}
	tbl := NewTable()
	if _, errno := tbl.SendTo(context.Background(), sk, nil, 0); errno != -defs.ENOSYS {
		t.Fatalf("SendTo = errno %d, want -ENOSYS", errno)
	}
}

func TestCloseReleasesPortForReuse(t *testing.T) {
	tbl := NewTable()
	sk := New(Dgram)
	tbl.Bind(sk, 42)
	tbl.Close(sk)

	other := New(Dgram)
	if errno := tbl.Bind(other, 42); errno != 0 {
		t.Fatalf("Bind after Close = errno %d, want 0 (port freed)", errno)
	}
}

func TestCloseWakesPeerBlockedInRecv(t *testing.T) {
	tbl := NewTable()
	a := New(Dgram)
	tbl.Bind(a, -1)
	b := New(Dgram)
	tbl.Bind(b, -1)
	a.connectedPort = b.port
	b.connectedPort = a.port

	done := make(chan defs.Errno, 1)
	go func() {
		_, errno := b.Recv(context.Background(), make([]byte, 1))
		done <- errno
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before the peer closed")
	case <-time.After(20 * time.Millisecond):
	}

	tbl.Close(a)

	select {
	case errno := <-done:
		if errno != -defs.ENOTCONN {
			t.Fatalf("Recv after peer Close = errno %d, want -ENOTCONN", errno)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv never woke after the peer closed")
	}
}

func TestCloseWakesPeerBlockedInSend(t *testing.T) {
	tbl := NewTable()
	a := New(Dgram)
	tbl.Bind(a, -1)
	b := New(Dgram)
	tbl.Bind(b, -1)
	a.connectedPort = b.port
	b.connectedPort = a.port

	// Fill b's ring so a subsequent Send from a blocks on it.
	full := make([]byte, recvBufSize)
	if n, errno := b.bufWrite(context.Background(), full); errno != 0 || n != recvBufSize {
		t.Fatalf("fill bufWrite = %d,%d, want %d,0", n, errno, recvBufSize)
	}

	done := make(chan defs.Errno, 1)
	go func() {
		_, errno := tbl.Send(context.Background(), a, []byte("more"))
		done <- errno
	}()

	select {
	case <-done:
		t.Fatal("Send returned before the peer closed")
	case <-time.After(20 * time.Millisecond):
	}

	tbl.Close(b)

	select {
	case errno := <-done:
		if errno != -defs.ENOTCONN {
			t.Fatalf("Send after peer Close = errno %d, want -ENOTCONN", errno)
		}
	case <-time.After(time.Second):
		t.Fatal("Send never woke after the peer closed")
	}
}
