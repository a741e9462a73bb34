// Package client is a Go client for the relay's multiplexed hub endpoint. It
// performs the handshake, correlates completions and stream items with their
// invocations and dispatches server-initiated invocations such as
// OnBroadcast to registered callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/protocol"
)

const (
	targetEcho      = "EchoWithJsonFormat"
	targetReverse   = "Reverse"
	targetBroadcast = "OnBroadcast"

	streamBuffer = 64
)

var (
	// ErrClosed is returned for calls on a client whose connection has ended.
	ErrClosed = errors.New("client: connection closed")
	// ErrHandshake reports a handshake the server refused or never answered.
	ErrHandshake = errors.New("client: handshake failed")
)

// RemoteError is a completion error sent by the server.
type RemoteError struct {
	InvocationID string
	Message      string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Options configures Dial.
type Options struct {
	// Origin is sent as the Origin header; the server rejects upgrades
	// without an allowed origin.
	Origin           string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	Dialer           *websocket.Dialer
	Logger           zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type completion struct {
	result json.RawMessage
	err    error
}

type call struct {
	items   chan json.RawMessage
	result  chan completion
	stopped <-chan struct{}
}

// Client is a connected hub client. It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64
	// pings counts our own pings whose echo has not come back yet.
	pings atomic.Int64

	mu       sync.Mutex
	pending  map[string]*call
	handlers map[string][]func([]json.RawMessage)

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to url, which must point at the hub endpoint, and completes
// the handshake.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := opts.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "client").Logger(),
		pending:  make(map[string]*call),
		handlers: make(map[string][]func([]json.RawMessage)),
		done:     make(chan struct{}),
	}

	rest, err := c.handshake()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, record := range rest {
		c.handleRecord(record)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake() ([][]byte, error) {
	req, err := protocol.Encode(protocol.HandshakeRequest{Protocol: protocol.Name, Version: protocol.Version})
	if err != nil {
		return nil, err
	}
	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return nil, err
	}
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	records, err := protocol.Split(payload)
	if err == nil && len(records) == 0 {
		err = protocol.ErrIncomplete
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}
	return records[1:], nil
}

// On registers fn for server-initiated invocations of target.
func (c *Client) On(target string, fn func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = append(c.handlers[target], fn)
}

// OnBroadcast registers fn for admin broadcasts.
func (c *Client) OnBroadcast(fn func(message string)) {
	c.On(targetBroadcast, func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		var message string
		if err := json.Unmarshal(args[0], &message); err != nil {
			c.logger.Warn().Err(err).Msg("decoding broadcast")
			return
		}
		fn(message)
	})
}

// Invoke calls target and waits for its completion result.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	id := c.newInvocationID()
	msg, err := protocol.NewInvocation(id, target, args...)
	if err != nil {
		return nil, err
	}

	cl := &call{result: make(chan completion, 1)}
	if err := c.start(id, cl, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-cl.result:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Echo invokes EchoWithJsonFormat and returns the server's reply.
func (c *Client) Echo(ctx context.Context, message string) (string, error) {
	raw, err := c.Invoke(ctx, targetEcho, message)
	if err != nil {
		return "", err
	}
	var reply string
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode echo reply: %w", err)
	}
	return reply, nil
}

// Stream starts a streaming invocation of target.
func (c *Client) Stream(ctx context.Context, target string, args ...any) (*Stream, error) {
	id := c.newInvocationID()
	msg, err := protocol.NewStreamInvocation(id, target, args...)
	if err != nil {
		return nil, err
	}

	s := &Stream{id: id, client: c, items: make(chan json.RawMessage), done: make(chan struct{})}
	cl := &call{
		items:   make(chan json.RawMessage, streamBuffer),
		result:  make(chan completion, 1),
		stopped: s.done,
	}
	if err := c.start(id, cl, msg); err != nil {
		return nil, err
	}
	go s.run(ctx, cl)
	return s, nil
}

// Reverse streams the characters of message in reverse order.
func (c *Client) Reverse(ctx context.Context, message string) (*Stream, error) {
	return c.Stream(ctx, targetReverse, message)
}

// Ping sends a keep-alive record. The server echoes it, and the echo is
// consumed without a reply.
func (c *Client) Ping() error {
	c.pings.Add(1)
	if err := c.write(protocol.Ping()); err != nil {
		c.pings.Add(-1)
		return err
	}
	return nil
}

// ownPingEcho reports whether an inbound ping is the echo of one we sent.
func (c *Client) ownPingEcho() bool {
	for {
		n := c.pings.Load()
		if n <= 0 {
			return false
		}
		if c.pings.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after a
// normal closure.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close performs the close handshake and waits up to the write wait for the
// server to answer before dropping the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		_ = c.conn.Close()
		<-c.done
		return nil
	}

	select {
	case <-c.done:
	case <-time.After(c.opts.WriteWait):
		_ = c.conn.Close()
		<-c.done
	}
	return nil
}

func (c *Client) newInvocationID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) start(id string, cl *call, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.closedErr()
	default:
	}
	c.pending[id] = cl
	c.mu.Unlock()

	if err := c.write(payload); err != nil {
		c.forget(id)
		return err
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return errors.Join(ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() { c.finish(loopErr) }()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				loopErr = err
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		records, err := protocol.Split(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		for _, record := range records {
			if c.handleRecord(record) {
				return
			}
		}
	}
}

// handleRecord returns true when the server asked to close.
func (c *Client) handleRecord(record []byte) bool {
	msg, err := protocol.Decode(record)
	if err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed record")
		return false
	}

	switch msg.Type {
	case protocol.TypeStreamItem:
		c.deliverItem(msg)
	case protocol.TypeCompletion:
		c.complete(msg)
	case protocol.TypeInvocation:
		c.mu.Lock()
		handlers := append(([]func([]json.RawMessage))(nil), c.handlers[msg.Target]...)
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.logger.Debug().Str("target", msg.Target).Msg("no handler for invocation")
		}
		for _, fn := range handlers {
			fn(msg.Arguments)
		}
	case protocol.TypePing:
		if c.ownPingEcho() {
			break
		}
		if err := c.write(protocol.Frame(record)); err != nil {
			c.logger.Debug().Err(err).Msg("ping reply failed")
		}
	case protocol.TypeClose:
		c.logger.Debug().Str("error", msg.Error).Msg("server requested close")
		return true
	}
	return false
}

func (c *Client) deliverItem(msg protocol.Message) {
	c.mu.Lock()
	cl, ok := c.pending[msg.InvocationID]
	c.mu.Unlock()
	if !ok || cl.items == nil {
		return
	}
	select {
	case cl.items <- msg.Item:
	case <-cl.stopped:
	case <-c.done:
	}
}

func (c *Client) complete(msg protocol.Message) {
	c.mu.Lock()
	cl, ok := c.pending[msg.InvocationID]
	delete(c.pending, msg.InvocationID)
	c.mu.Unlock()
	if !ok {
		return
	}

	res := completion{result: msg.Result}
	if msg.Error != "" {
		res.err = &RemoteError{InvocationID: msg.InvocationID, Message: msg.Error}
	}
	if cl.items != nil {
		close(cl.items)
	}
	cl.result <- res
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = make(map[string]*call)
		close(c.done)
		c.mu.Unlock()

		_ = c.conn.Close()
		for _, cl := range pending {
			if cl.items != nil {
				close(cl.items)
			}
			cl.result <- completion{err: c.closedErr()}
		}
	})
}

// Stream is an in-flight streaming invocation.
type Stream struct {
	id     string
	client *Client
	items  chan json.RawMessage
	done   chan struct{}
	err    error
	once   sync.Once
}

// Items yields the stream's items and is closed when the stream completes,
// fails or is cancelled.
func (s *Stream) Items() <-chan json.RawMessage {
	return s.items
}

// Err returns the stream's failure once Items is closed. A cancelled stream
// reports context.Canceled.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Cancel asks the server to stop the stream. No completion follows, so Items
// is closed immediately.
func (s *Stream) Cancel() error {
	payload, err := protocol.Encode(protocol.Message{Type: protocol.TypeCancelInvocation, InvocationID: s.id})
	if err != nil {
		return err
	}
	s.client.forget(s.id)
	err = s.client.write(payload)
	s.stop(context.Canceled)
	return err
}

func (s *Stream) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Stream) run(ctx context.Context, cl *call) {
	defer close(s.items)

	for {
		select {
		case item, ok := <-cl.items:
			if !ok {
				res := <-cl.result
				s.stop(res.err)
				return
			}
			select {
			case s.items <- item:
			case <-s.done:
				return
			case <-ctx.Done():
				s.stop(ctx.Err())
				_ = s.Cancel()
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop(ctx.Err())
			_ = s.Cancel()
			return
		}
	}
}
