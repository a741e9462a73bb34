package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/protocol"
	"github.com/Tyrowin/echorelay/internal/transport"
)

// streamSession is the state of one in-flight streaming invocation. It is
// owned by the connection's dispatcher and never outlives it.
type streamSession struct {
	invocationID string
	connID       string
	target       string
	cancel       context.CancelFunc
}

// connection is the dispatcher state of one registered connection.
type connection struct {
	d       *Dispatcher
	id      string
	conn    transport.Conn
	logger  zerolog.Logger
	caller  Caller
	limiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*streamSession
	wg      sync.WaitGroup
}

func newConnection(parent context.Context, d *Dispatcher, id string, conn transport.Conn, logger zerolog.Logger) *connection {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With().Str("conn_id", id).Logger()
	return &connection{
		d:       d,
		id:      id,
		conn:    conn,
		logger:  logger,
		caller:  Caller{ID: id, Conn: conn, Logger: logger},
		limiter: newRateLimiter(d.opts.RateLimit, d.clock),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*streamSession),
	}
}

func (c *connection) remove(code int, reason string) {
	c.d.registry.RemoveConn(c.id, c.conn, code, reason)
}

func (c *connection) mode() string {
	return c.d.opts.Mode.String()
}

func (c *connection) serve(pending [][]byte) error {
	c.d.metrics.ConnectionOpened(c.mode())
	c.logger.Debug().Int("total", c.d.registry.Count()).Msg("connection registered")

	if err := c.d.hub.OnConnect(c.ctx, c.caller); err != nil {
		c.remove(transport.CloseInternalServerErr, "connect rejected")
		err = fmt.Errorf("on connect: %w", err)
		c.shutdown(err)
		return err
	}

	var err error
	stop := false
	for _, record := range pending {
		if stop, err = c.handleRecord(record); stop || err != nil {
			break
		}
	}
	if !stop && err == nil {
		err = c.receiveLoop()
	}

	c.shutdown(err)
	return err
}

// shutdown cancels every stream, waits for their goroutines and runs the
// disconnect hook. The registry entry is gone by the time the hook runs.
func (c *connection) shutdown(cause error) {
	c.remove(transport.CloseNormalClosure, "connection closed")
	c.cancel()
	c.wg.Wait()

	c.d.hub.OnDisconnect(context.WithoutCancel(c.ctx), c.caller, cause)
	c.d.metrics.ConnectionClosed(c.mode())
	c.logger.Debug().Int("total", c.d.registry.Count()).Msg("connection deregistered")
}

// receiveLoop blocks on the next frame and handles it before receiving the
// following one. It returns nil on a close handshake or server-side removal.
func (c *connection) receiveLoop() error {
	for {
		frame, err := c.conn.Receive(c.ctx)
		if err != nil {
			return c.receiveFailed(err)
		}
		c.d.metrics.MessageReceived(c.mode(), frame.Kind.String())

		switch frame.Kind {
		case transport.FrameBinary:
			continue
		case transport.FrameClose:
			c.logger.Debug().Int("code", frame.CloseCode).Str("reason", frame.CloseReason).Msg("close requested by peer")
			c.remove(frame.CloseCode, frame.CloseReason)
			return nil
		default:
			stop, err := c.handleText(frame.Payload)
			if stop || err != nil {
				return err
			}
		}
	}
}

func (c *connection) receiveFailed(err error) error {
	if errors.Is(err, transport.ErrClosed) || c.ctx.Err() != nil {
		// Removed by the server (shutdown, failed broadcast, admin) or the
		// parent context is gone.
		c.remove(transport.CloseGoingAway, "server closing")
		return nil
	}
	c.logger.Warn().Err(err).Msg("transport fault")
	c.remove(transport.CloseInternalServerErr, "transport fault")
	return fmt.Errorf("receive: %w", err)
}

func (c *connection) handleText(payload []byte) (bool, error) {
	if c.d.opts.Mode == ModeRaw {
		return c.handleRaw(payload)
	}

	records, err := protocol.Split(payload)
	if err != nil {
		return c.malformed(err)
	}
	for _, record := range records {
		if stop, err := c.handleRecord(record); stop || err != nil {
			return stop, err
		}
	}
	return false, nil
}

func (c *connection) handleRaw(payload []byte) (bool, error) {
	if !c.limiter.allow() {
		c.d.metrics.RateLimitHit()
		c.logger.Warn().Msg("rate limit exceeded; discarding message")
		return false, nil
	}

	reply, err := c.invoke(c.ctx, InboundMessage{Kind: KindText, Text: string(payload)})
	if err != nil {
		c.logger.Error().Err(err).Msg("handler failed")
		c.remove(transport.CloseInternalServerErr, "handler failure")
		return true, err
	}

	if reply.Stream != nil {
		c.startStream(c.ctx, func() {}, "", "", reply.Stream)
		return false, nil
	}
	if reply.Value == nil {
		return false, nil
	}

	text, err := rawText(reply.Value)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding reply")
		return false, nil
	}
	if err := c.sendFrame(c.ctx, transport.Text(text)); err != nil {
		return c.sendFailed(err)
	}
	return false, nil
}

func (c *connection) handleRecord(record []byte) (bool, error) {
	msg, err := protocol.Decode(record)
	if err != nil {
		return c.malformed(err)
	}

	switch msg.Type {
	case protocol.TypePing:
		if err := c.sendFrame(c.ctx, transport.Text(protocol.Frame(record))); err != nil {
			return c.sendFailed(err)
		}
		return false, nil
	case protocol.TypeInvocation, protocol.TypeStreamInvocation:
		return c.handleInvocation(msg)
	case protocol.TypeCancelInvocation:
		c.cancelStream(msg.InvocationID)
		return false, nil
	case protocol.TypeClose:
		c.logger.Debug().Str("error", msg.Error).Msg("close message received")
		c.remove(transport.CloseNormalClosure, "client requested close")
		return true, nil
	default:
		c.logger.Debug().Stringer("type", msg.Type).Msg("ignoring message")
		return false, nil
	}
}

func (c *connection) handleInvocation(msg protocol.Message) (bool, error) {
	id := msg.InvocationID
	if !c.limiter.allow() {
		c.d.metrics.RateLimitHit()
		c.logger.Warn().Str("target", msg.Target).Msg("rate limit exceeded; rejecting invocation")
		if id == "" {
			return false, nil
		}
		return c.sendMessage(protocol.NewCompletionError(id, "rate limit exceeded"))
	}

	kind := KindInvocation
	if msg.Type == protocol.TypeStreamInvocation {
		kind = KindStreamInvocation
	}

	invCtx, cancel := context.WithCancel(c.ctx)
	reply, err := c.invoke(invCtx, InboundMessage{
		Kind:         kind,
		InvocationID: id,
		Target:       msg.Target,
		Arguments:    msg.Arguments,
	})
	if err != nil {
		cancel()
		c.d.metrics.Invocation(targetLabel(msg.Target), "error")
		c.logger.Warn().Err(err).Str("target", msg.Target).Msg("invocation failed")
		if id == "" {
			return false, nil
		}
		return c.sendMessage(protocol.NewCompletionError(id, err.Error()))
	}

	if reply.Stream != nil {
		if id == "" {
			cancel()
			c.logger.Warn().Str("target", msg.Target).Msg("stream requested without invocation id")
			return false, nil
		}
		if !c.startStream(invCtx, cancel, id, msg.Target, reply.Stream) {
			return c.sendMessage(protocol.NewCompletionError(id, "invocation id already in use"))
		}
		return false, nil
	}

	cancel()
	c.d.metrics.Invocation(targetLabel(msg.Target), "ok")
	if id == "" {
		return false, nil
	}
	completion, err := protocol.NewCompletion(id, reply.Value)
	if err != nil {
		c.logger.Error().Err(err).Str("target", msg.Target).Msg("encoding result")
		completion = protocol.NewCompletionError(id, "result could not be encoded")
	}
	return c.sendMessage(completion)
}

// invoke calls the hub and turns a panic into an error confined to this
// connection.
func (c *connection) invoke(ctx context.Context, msg InboundMessage) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("target", msg.Target).Msg("recovered from handler panic")
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.d.hub.OnMessage(ctx, c.caller, msg)
}

// startStream drains items on a separate goroutine so the receive loop can
// keep going. An empty invocation id means raw mode: items are sent as plain
// text frames and no completion follows. It returns false when id already
// names a running stream.
func (c *connection) startStream(ctx context.Context, cancel context.CancelFunc, id, target string, items <-chan any) bool {
	session := &streamSession{invocationID: id, connID: c.id, target: target, cancel: cancel}

	if id != "" {
		c.mu.Lock()
		if _, exists := c.streams[id]; exists {
			c.mu.Unlock()
			cancel()
			return false
		}
		c.streams[id] = session
		c.mu.Unlock()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.endStream(session)
		c.drainStream(ctx, session, items)
	}()
	return true
}

func (c *connection) drainStream(ctx context.Context, session *streamSession, items <-chan any) {
	logger := c.logger.With().Str("invocation_id", session.invocationID).Str("target", session.target).Logger()

	for {
		select {
		case item, ok := <-items:
			if !ok {
				if ctx.Err() != nil {
					c.d.metrics.Invocation(targetLabel(session.target), "cancelled")
					logger.Debug().Msg("stream cancelled")
					return
				}
				c.completeStream(ctx, session, logger)
				return
			}
			if err := c.sendStreamItem(ctx, session, item); err != nil {
				if !transport.IsExpectedCloseError(err) && !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("sending stream item")
				}
				return
			}
			c.d.metrics.StreamItem()
		case <-ctx.Done():
			c.d.metrics.Invocation(targetLabel(session.target), "cancelled")
			logger.Debug().Msg("stream cancelled")
			return
		}
	}
}

func (c *connection) sendStreamItem(ctx context.Context, session *streamSession, item any) error {
	if session.invocationID == "" {
		text, err := rawText(item)
		if err != nil {
			return err
		}
		return c.sendFrame(ctx, transport.Text(text))
	}

	msg, err := protocol.NewStreamItem(session.invocationID, item)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

func (c *connection) completeStream(ctx context.Context, session *streamSession, logger zerolog.Logger) {
	c.d.metrics.Invocation(targetLabel(session.target), "ok")
	if session.invocationID == "" {
		return
	}
	completion, err := protocol.NewCompletion(session.invocationID, nil)
	if err != nil {
		logger.Error().Err(err).Msg("encoding stream completion")
		return
	}
	if err := c.write(ctx, completion); err != nil && !transport.IsExpectedCloseError(err) {
		logger.Warn().Err(err).Msg("sending stream completion")
	}
}

func (c *connection) endStream(session *streamSession) {
	session.cancel()
	if session.invocationID == "" {
		return
	}
	c.mu.Lock()
	if c.streams[session.invocationID] == session {
		delete(c.streams, session.invocationID)
	}
	c.mu.Unlock()
}

func (c *connection) cancelStream(invocationID string) {
	c.mu.Lock()
	session, ok := c.streams[invocationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("invocation_id", invocationID).Msg("cancel for unknown stream")
		return
	}
	c.logger.Debug().Str("invocation_id", invocationID).Msg("stream cancelled by peer")
	session.cancel()
}

func (c *connection) malformed(err error) (bool, error) {
	c.logger.Warn().Err(err).Msg("malformed payload")
	c.remove(transport.CloseInvalidFramePayloadData, "malformed payload")
	return true, err
}

func (c *connection) sendMessage(msg protocol.Message) (bool, error) {
	if err := c.write(c.ctx, msg); err != nil {
		return c.sendFailed(err)
	}
	return false, nil
}

func (c *connection) write(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.sendFrame(ctx, transport.Text(payload))
}

func (c *connection) sendFrame(ctx context.Context, frame transport.Frame) error {
	sendCtx, cancel := context.WithTimeout(ctx, c.d.opts.SendTimeout)
	defer cancel()
	return c.conn.Send(sendCtx, frame)
}

func (c *connection) sendFailed(err error) (bool, error) {
	if errors.Is(err, transport.ErrClosed) || c.ctx.Err() != nil {
		c.remove(transport.CloseGoingAway, "server closing")
		return true, nil
	}
	c.logger.Warn().Err(err).Msg("send failed")
	c.remove(transport.CloseInternalServerErr, "transport fault")
	return true, fmt.Errorf("send: %w", err)
}

func rawText(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return json.Marshal(v)
	}
}
