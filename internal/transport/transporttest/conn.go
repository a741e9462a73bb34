// Package transporttest provides an in-memory transport.Conn. Test use only.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/echorelay/internal/transport"
)

type inbound struct {
	frame transport.Frame
	err   error
}

// Conn is an in-memory transport.Conn. Frames pushed with Deliver are
// returned by Receive; frames passed to Send are recorded and can be awaited
// with Next.
type Conn struct {
	mu          sync.Mutex
	state       transport.State
	addr        string
	sendErr     error
	sent        []transport.Frame
	closeCalls  int
	closeCode   int
	closeReason string

	incoming chan inbound
	sentCh   chan transport.Frame
	closed   chan struct{}
}

// NewConn returns an open Conn.
func NewConn(addr string) *Conn {
	return &Conn{
		state:    transport.StateOpen,
		addr:     addr,
		incoming: make(chan inbound, 64),
		sentCh:   make(chan transport.Frame, 1024),
		closed:   make(chan struct{}),
	}
}

// Deliver queues a frame for Receive.
func (c *Conn) Deliver(frame transport.Frame) {
	c.incoming <- inbound{frame: frame}
}

// DeliverText queues a text frame for Receive.
func (c *Conn) DeliverText(payload string) {
	c.Deliver(transport.Text([]byte(payload)))
}

// Fail makes the next Receive return err.
func (c *Conn) Fail(err error) {
	c.incoming <- inbound{err: err}
}

// SetState forces the observable state.
func (c *Conn) SetState(state transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// SetSendError makes every later Send fail with err.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Receive implements transport.Conn.
func (c *Conn) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case in := <-c.incoming:
		return in.frame, in.err
	case <-c.closed:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, frame transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != transport.StateOpen {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, frame)
	c.mu.Unlock()

	c.sentCh <- frame
	return nil
}

// Close implements transport.Conn. Only the first call is recorded as the
// close status.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCalls++
	if c.closeCalls > 1 {
		return nil
	}
	c.closeCode = code
	c.closeReason = reason
	c.state = transport.StateClosed
	close(c.closed)
	return nil
}

// State implements transport.Conn.
func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// Sent returns a copy of every frame sent so far.
func (c *Conn) Sent() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Frame(nil), c.sent...)
}

// Next waits up to timeout for the next sent frame.
func (c *Conn) Next(timeout time.Duration) (transport.Frame, bool) {
	select {
	case frame := <-c.sentCh:
		return frame, true
	case <-time.After(timeout):
		return transport.Frame{}, false
	}
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// CloseStatus returns the status of the first Close call and how many times
// Close was called.
func (c *Conn) CloseStatus() (code int, reason string, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCalls
}
