// Package transport adapts gorilla/websocket connections to the Conn contract,
// running a single write pump per connection and keep-alive pings.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxCloseReasonBytes = 123

// Options tunes deadlines and buffering of a WSConn.
type Options struct {
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
}

// DefaultOptions mirrors the keep-alive timings the server has always used.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 4096,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		SendBuffer:     256,
	}
}

func (o Options) sanitize() Options {
	def := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	return o
}

type outbound struct {
	frame  Frame
	result chan error
}

// WSConn is a Conn backed by a gorilla/websocket connection. Reads happen on
// the caller's goroutine; all data writes go through one write pump.
type WSConn struct {
	conn      *websocket.Conn
	addr      string
	opts      Options
	logger    zerolog.Logger
	state     atomic.Int32
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded connection, marks it open and starts its write
// pump.
func NewWSConn(conn *websocket.Conn, opts Options, logger zerolog.Logger) *WSConn {
	opts = opts.sanitize()
	c := &WSConn{
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		opts:   opts,
		logger: logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		send:   make(chan outbound, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	c.setupReadConnection()
	c.state.Store(int32(StateOpen))
	go c.writePump()
	return c
}

// State reports the connection's lifecycle state.
func (c *WSConn) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer address captured at upgrade time.
func (c *WSConn) RemoteAddr() string {
	return c.addr
}

// setupReadConnection configures the read limit, read deadlines and the pong
// and close handlers. Close frames are surfaced through Receive so the
// caller decides how to answer them.
func (c *WSConn) setupReadConnection() {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	c.conn.SetCloseHandler(func(int, string) error {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		return nil
	})
}

// Receive blocks until the next frame arrives. A peer close handshake is
// returned as a FrameClose frame with a nil error. The context is only
// checked before reading; a blocked read is released by Close.
func (c *WSConn) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return Frame{Kind: FrameClose, CloseCode: closeErr.Code, CloseReason: closeErr.Text}, nil
		}
		if c.State() != StateOpen {
			return Frame{}, errors.Join(ErrClosed, err)
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			c.logger.Warn().Int64("max_message_size", c.opts.MaxMessageSize).Msg("message exceeded maximum size")
		}
		return Frame{}, err
	}

	switch messageType {
	case websocket.BinaryMessage:
		return Frame{Kind: FrameBinary, Payload: payload}, nil
	default:
		return Frame{Kind: FrameText, Payload: payload}, nil
	}
}

// Send queues a frame for the write pump and waits until it has been
// written, the connection closes or ctx is done.
func (c *WSConn) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != StateOpen {
		return ErrClosed
	}

	out := outbound{frame: frame, result: make(chan error, 1)}
	select {
	case c.send <- out:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame with the given status and reason and tears down
// the network connection. Calls after the first are no-ops.
func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)

		deadline := time.Now().Add(c.opts.WriteWait)
		if werr := c.conn.WriteControl(websocket.CloseMessage, closePayload(code, reason), deadline); werr != nil && !IsExpectedCloseError(werr) {
			err = werr
		}
		if cerr := c.conn.Close(); cerr != nil && !IsExpectedCloseError(cerr) && err == nil {
			err = cerr
		}
		c.state.Store(int32(StateClosed))
	})
	return err
}

// abort drops the connection without a close handshake after a write
// failure. The blocked reader observes the error and deregisters.
func (c *WSConn) abort() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if err := c.conn.Close(); err != nil && !IsExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("closing connection after write failure")
		}
	})
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *WSConn) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case out := <-c.send:
		err := c.writeFrame(out.frame)
		out.result <- err
		if err != nil {
			if !IsExpectedCloseError(err) {
				c.logger.Warn().Err(err).Msg("write failed")
			}
			c.abort()
			return false
		}
		return true
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return false
	}
}

func (c *WSConn) writeFrame(frame Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}

	switch frame.Kind {
	case FrameBinary:
		return c.conn.WriteMessage(websocket.BinaryMessage, frame.Payload)
	case FrameClose:
		return c.conn.WriteMessage(websocket.CloseMessage, closePayload(frame.CloseCode, frame.CloseReason))
	default:
		return c.writeTextMessage(frame.Payload)
	}
}

func (c *WSConn) writeTextMessage(payload []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// handlePing sends a control ping to keep the connection alive.
func (c *WSConn) handlePing() bool {
	deadline := time.Now().Add(c.opts.WriteWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		if !IsExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("writing ping")
		}
		c.abort()
		return false
	}
	return true
}

// closePayload builds a close frame body. Codes that must never appear on the
// wire (1005, 1006, 1015) produce an empty body.
func closePayload(code int, reason string) []byte {
	switch {
	case code < 1000, code == CloseNoStatusReceived, code == CloseAbnormalClosure, code == websocket.CloseTLSHandshake:
		return []byte{}
	}
	if len(reason) > maxCloseReasonBytes {
		reason = strings.ToValidUTF8(reason[:maxCloseReasonBytes], "")
	}
	return websocket.FormatCloseMessage(code, reason)
}
