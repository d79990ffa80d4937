// Package console implements the UART-backed tty device of spec.md §6,
// grounded on original_source/src/kernel/console.c (console_intr/
// console_read/console_write). The UART itself is an external primitive
// per spec.md §1 (driver/uart.h put_char/get_char); here it is the small
// UART interface below, so tests can record the emitted bytes with a fake.
package console

import (
	"context"
	"sync"

	"github.com/aarch64kit/armos/defs"
)

// inputBufSize is INPUT_BUF in original_source/src/kernel/console.c.
const inputBufSize = 128

const ctrlD = 'D' - '@'
const ctrlU = 'U' - '@'
const ctrlH = 'H' - '@'
const del = 0x7f

// UART is the external device primitive spec.md §1 assumes (put_char);
// Console.Intr drives the read side from externally-delivered bytes
// instead of a real interrupt handler.
type UART interface {
	PutChar(byte)
}

// Console is the line-disciplined console device of spec.md §6: writes
// emit straight to the UART; reads accumulate a canonically-edited line
// into a bounded ring that silently drops on overflow.
type Console struct {
	uart UART

	mu    sync.Mutex
	buf   [inputBufSize]byte
	r, w, e uint64
	readable chan struct{}
}

func New(uart UART) *Console {
	return &Console{uart: uart, readable: make(chan struct{})}
}

func (c *Console) broadcast() { close(c.readable); c.readable = make(chan struct{}) }

// Write emits n bytes straight to the UART (console_write).
func (c *Console) Write(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range buf {
		c.uart.PutChar(b)
	}
	return len(buf)
}

// Read copies up to len(dst) bytes of line-buffered input into dst,
// stopping at a newline or ^D, blocking if nothing has been typed yet
// (console_read). ctx cancellation models the alertable wait.
func (c *Console) Read(ctx context.Context, dst []byte) (int, defs.Errno) {
	n := len(dst)
	i := n
	c.mu.Lock()
	for i > 0 {
		for c.r == c.w {
			wait := c.readable
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return 0, -defs.EINTR
			}
			c.mu.Lock()
		}
		c.r = (c.r + 1) % inputBufSize
		ch := c.buf[c.r]
		if ch == ctrlD {
			if i < n {
				c.r = (c.r - 1 + inputBufSize) % inputBufSize
			}
			break
		}
		dst[n-i] = ch
		i--
		if ch == '\n' {
			break
		}
	}
	c.mu.Unlock()
	return n - i, 0
}

// Intr feeds one externally-received byte through canonical line editing:
// \r -> \n, ^H/DEL erase one byte, ^U erases to the last newline, overflow
// silently drops (console_intr, generalized from the original's DEL-only
// erase to also accept ^H per spec.md §6).
func (c *Console) Intr(ch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch == '\r' {
		ch = '\n'
	}
	switch {
	case ch == del || ch == ctrlH:
		if c.e != c.w {
			c.e = (c.e - 1 + inputBufSize) % inputBufSize
			c.uart.PutChar('\b')
			c.uart.PutChar(' ')
			c.uart.PutChar('\b')
		}
	case ch == ctrlU:
		for c.e != c.w && c.buf[c.e] != '\n' {
			c.e = (c.e - 1 + inputBufSize) % inputBufSize
			c.uart.PutChar('\b')
			c.uart.PutChar(' ')
			c.uart.PutChar('\b')
		}
	default:
		if (c.e+1)%inputBufSize == c.r {
			return // input ring full: silently drop
		}
		c.e = (c.e + 1) % inputBufSize
		c.buf[c.e] = ch
		c.uart.PutChar(ch)
		if ch == '\n' || ch == ctrlD {
			c.w = c.e
			c.broadcast()
		}
	}
}
