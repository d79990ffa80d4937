// Package sock implements the loopback AF_INET/SOCK_DGRAM socket of
// spec.md §4.7, grounded on original_source/src/common/socket.c. Only
// SOCK_DGRAM loopback send/recv is implemented; recvfrom, sendto, and
// SOCK_STREAM connect return -ENOSYS, matching the original's own stub
// bodies (spec.md §9 Open Question resolutions).
package sock

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/defs"
)

const numPorts = 1 << 16

// recvBufSize bounds a socket's receive ring, standing in for the
// original's page-backed socket_rcvbuf (common/socket.c:init_buf).
const recvBufSize = 4096

// Type mirrors BSD SOCK_* constants; only SOCK_DGRAM is functional.
type Type int

const (
	Dgram  Type = 2
	Stream Type = 1
)

// Socket is one loopback endpoint. send() on one socket copies directly
// into its peer's recv ring (common/socket.c:send — "simulate loopback
// socket" by writing into aim_sk->fp->sbuf), not its own send buffer.
type Socket struct {
	typ  Type
	port int
	connectedPort int
	listening bool

	mu          sync.Mutex
	recv        [recvBufSize]byte
	r, w        uint64
	rchange     chan struct{}
	wchange     chan struct{}
	peerClosed  bool // set when the connected peer has torn down (spec.md §4.7 closesocket)

	backlog chan *Socket
}

// Table is the global port table (common/socket.c's port2socket array),
// sized 1<<16 the same way, but a Go map since most ports are never used.
type Table struct {
	mu    sync.Mutex
	byPort map[int]*Socket
}

func NewTable() *Table {
	return &Table{byPort: make(map[int]*Socket)}
}

// New allocates a socket of the given type, unconnected and unbound.
func New(typ Type) *Socket {
	return &Socket{
		typ:     typ,
		port:    -1,
		connectedPort: -1,
		rchange: make(chan struct{}),
		wchange: make(chan struct{}),
		backlog: make(chan *Socket),
	}
}

// Bind assigns sk a port: wantPort if >= 0 and free, else the first free
// port (common/socket.c:alloc_port).
func (t *Table) Bind(sk *Socket, wantPort int) defs.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wantPort >= 0 {
		if _, used := t.byPort[wantPort]; used {
			return -defs.EADDRINUSE
		}
		t.byPort[wantPort] = sk
		sk.port = wantPort
		return 0
	}
	for p := 0; p < numPorts; p++ {
		if _, used := t.byPort[p]; !used {
			t.byPort[p] = sk
			sk.port = p
			return 0
		}
	}
	return -defs.EADDRINUSE
}

// Listen marks sk as accepting incoming DGRAM "connections" (spec.md §4.7
// models a connectionless accept the same way the original's accept()
// handles both SOCK_STREAM and SOCK_DGRAM).
func (sk *Socket) Listen() { sk.listening = true }

// Connect (SOCK_DGRAM only) registers sk with the listener at port p and
// blocks until accepted, mirroring common/socket.c:connect's DGRAM branch
// (queue_push + wait_for_connect) — unalertable in the original, modeled
// here as a send on the listener's unbuffered backlog channel that completes
// only when Accept takes it, with no ctx escape, since a
// connect that can be killed mid-handshake has no defined recovery in the
// source.
func (t *Table) Connect(sk *Socket, port int) defs.Errno {
	if sk.typ != Dgram {
		return -defs.ENOSYS // SOCK_STREAM connect: unimplemented, spec.md §9
	}
	t.mu.Lock()
	peer, ok := t.byPort[port]
	t.mu.Unlock()
	if !ok || !peer.listening {
		return -defs.ENOTCONN
	}
	sk.connectedPort = port
	peer.backlog <- sk
	return 0
}

// Accept blocks until a peer connects, returning the new server-side
// socket bound to its own fresh port and connected back to the peer
// (common/socket.c:accept).
func (t *Table) Accept(ctx context.Context, sk *Socket) (*Socket, defs.Errno) {
	if !sk.listening {
		return nil, -defs.EINVAL
	}
	select {
	case peer := <-sk.backlog:
		newSk := New(sk.typ)
		if errno := t.Bind(newSk, -1); errno != 0 {
			return nil, errno
		}
		newSk.connectedPort = peer.port
		return newSk, 0
	case <-ctx.Done():
		return nil, -defs.EINTR
	}
}

// Send copies src into the connected peer's receive ring (common/socket.c:
// send's loopback simulation), blocking while the peer's ring is full.
func (t *Table) Send(ctx context.Context, sk *Socket, src []byte) (int, defs.Errno) {
	if sk.connectedPort < 0 {
		return 0, -defs.ENOTCONN
	}
	t.mu.Lock()
	peer, ok := t.byPort[sk.connectedPort]
	t.mu.Unlock()
	if !ok {
		return 0, -defs.ENOTCONN
	}
	return peer.bufWrite(ctx, src)
}

// Recv reads up to len(dst) bytes from sk's own receive ring
// (common/socket.c:recv → buf_read(... false)).
func (sk *Socket) Recv(ctx context.Context, dst []byte) (int, defs.Errno) {
	return sk.bufRead(ctx, dst)
}

func (sk *Socket) bufRead(ctx context.Context, dst []byte) (int, defs.Errno) {
	sk.mu.Lock()
	for sk.w == sk.r {
		if sk.peerClosed {
			sk.mu.Unlock()
			return 0, -defs.ENOTCONN
		}
		wait := sk.rchange
		sk.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, -defs.EINTR
		}
		sk.mu.Lock()
	}
	n := 0
	for n < len(dst) {
		if sk.w == sk.r {
			break
		}
		dst[n] = sk.recv[sk.r%recvBufSize]
		sk.r++
		n++
	}
	close(sk.wchange)
	sk.wchange = make(chan struct{})
	sk.mu.Unlock()
	return n, 0
}

func (sk *Socket) bufWrite(ctx context.Context, src []byte) (int, defs.Errno) {
	sk.mu.Lock()
	n := 0
	for n < len(src) {
		if sk.peerClosed {
			sk.mu.Unlock()
			return n, -defs.ENOTCONN
		}
		if sk.w-sk.r >= recvBufSize {
			close(sk.rchange)
			sk.rchange = make(chan struct{})
			wait := sk.wchange
			sk.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return n, 0
			}
			sk.mu.Lock()
			continue
		}
		sk.recv[sk.w%recvBufSize] = src[n]
		sk.w++
		n++
	}
	close(sk.rchange)
	sk.rchange = make(chan struct{})
	sk.mu.Unlock()
	return n, 0
}

// RecvFrom and SendTo are unimplemented stubs: the original's own
// recvfrom/sendto bodies are TODO with no defined semantics (spec.md §9).
func (sk *Socket) RecvFrom(context.Context, []byte) (int, int, defs.Errno) {
	return 0, 0, -defs.ENOSYS
}

func (t *Table) SendTo(context.Context, *Socket, []byte, int) (int, defs.Errno) {
	return 0, -defs.ENOSYS
}

// Close releases sk's port and wakes anyone blocked on sk's rings, then
// notifies sk's connected peer (if any) the same way (spec.md §4.7:
// "closesocket notifies the peer... and tears down port, rings, and file
// entry"; common/socket.c's closesocket posts the peer's wait_for_exit).
// Without this, a Send blocked writing into sk's (now-abandoned) ring, or a
// Recv on the peer waiting for data sk will never send, blocks forever.
func (t *Table) Close(sk *Socket) {
	markClosed(sk)

	t.mu.Lock()
	if sk.port >= 0 {
		delete(t.byPort, sk.port)
	}
	var peer *Socket
	if sk.connectedPort >= 0 {
		peer = t.byPort[sk.connectedPort]
	}
	t.mu.Unlock()

	if peer != nil {
		markClosed(peer)
	}
}

// markClosed flags sk so its blocked bufRead/bufWrite callers return
// -ENOTCONN instead of waiting indefinitely, and wakes any already waiting.
func markClosed(sk *Socket) {
	sk.mu.Lock()
	sk.peerClosed = true
	close(sk.rchange)
	sk.rchange = make(chan struct{})
	close(sk.wchange)
	sk.wchange = make(chan struct{})
	sk.mu.Unlock()
}
