package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/metrics"
	"github.com/Tyrowin/echorelay/internal/protocol"
	"github.com/Tyrowin/echorelay/internal/registry"
	"github.com/Tyrowin/echorelay/internal/transport"
)

const maxIDAttempts = 3

var (
	// ErrDuplicateID is returned when a connection asks for an id that is
	// already registered.
	ErrDuplicateID = errors.New("connection id already registered")
	// ErrHandshake is returned when the sub-protocol handshake fails.
	ErrHandshake = errors.New("handshake failed")
	// ErrHandlerPanic wraps a panic recovered from a hub callback.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Mode selects how text frames are interpreted.
type Mode int

const (
	// ModeRaw treats every text frame as the payload of the single echo
	// operation.
	ModeRaw Mode = iota
	// ModeHub speaks the multiplexed JSON hub protocol.
	ModeHub
)

func (m Mode) String() string {
	if m == ModeHub {
		return "hub"
	}
	return "raw"
}

// Options configures a Dispatcher.
type Options struct {
	Mode             Mode
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	RateLimit        RateLimit
}

// DefaultOptions returns hub mode with the default timeouts and limits.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeHub,
		HandshakeTimeout: 15 * time.Second,
		SendTimeout:      10 * time.Second,
		RateLimit: RateLimit{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithClock sets the clock used for rate limiting.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithIDGenerator replaces the generator used for connections that do not
// request an id.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// Dispatcher serves connections for one mode and registry.
type Dispatcher struct {
	registry *registry.Registry
	hub      Hub
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	newID    func() string
}

// New creates a Dispatcher registering its connections in reg and routing
// their messages to hub.
func New(reg *registry.Registry, hub Hub, opts Options, options ...Option) *Dispatcher {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}

	d := &Dispatcher{
		registry: reg,
		hub:      hub,
		opts:     opts,
		logger:   zerolog.Nop(),
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
	}
	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Str("mode", opts.Mode.String()).Logger()
	return d
}

// Mode reports the dispatcher's mode.
func (d *Dispatcher) Mode() Mode {
	return d.opts.Mode
}

// Serve runs the connection until it closes. In hub mode the handshake is
// completed before the connection is registered. requestedID is used as the
// connection id when non-empty; otherwise a UUID is generated.
//
// Serve returns nil when the connection ends by a close handshake or a
// server-side removal, and the cause otherwise. Failures never affect other
// connections.
func (d *Dispatcher) Serve(ctx context.Context, conn transport.Conn, requestedID string) error {
	logger := d.logger.With().Str("remote_addr", conn.RemoteAddr()).Logger()

	var pending [][]byte
	if d.opts.Mode == ModeHub {
		rest, err := d.handshake(ctx, conn, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("handshake rejected")
			d.metrics.ConnectionRejected(d.opts.Mode.String(), "handshake")
			return err
		}
		pending = rest
	}

	id, err := d.register(conn, requestedID)
	if err != nil {
		logger.Warn().Err(err).Str("requested_id", requestedID).Msg("registration rejected")
		if cerr := conn.Close(transport.ClosePolicyViolation, "connection id already in use"); cerr != nil && !transport.IsExpectedCloseError(cerr) {
			logger.Warn().Err(cerr).Msg("closing rejected connection")
		}
		d.metrics.ConnectionRejected(d.opts.Mode.String(), "duplicate_id")
		return err
	}

	c := newConnection(ctx, d, id, conn, logger)
	return c.serve(pending)
}

func (d *Dispatcher) register(conn transport.Conn, requestedID string) (string, error) {
	if requestedID != "" {
		if !d.registry.Add(requestedID, conn) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, requestedID)
		}
		return requestedID, nil
	}

	for i := 0; i < maxIDAttempts; i++ {
		id := d.newID()
		if d.registry.Add(id, conn) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no unique id after %d attempts", ErrDuplicateID, maxIDAttempts)
}

type receiveResult struct {
	frame transport.Frame
	err   error
}

// handshake reads the first frame, which must start with a handshake
// request, and acknowledges it. Records following the request in the same
// frame are returned for normal processing.
func (d *Dispatcher) handshake(ctx context.Context, conn transport.Conn, logger zerolog.Logger) ([][]byte, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	results := make(chan receiveResult, 1)
	go func() {
		frame, err := conn.Receive(hsCtx)
		results <- receiveResult{frame: frame, err: err}
	}()

	var res receiveResult
	select {
	case res = <-results:
	case <-hsCtx.Done():
		d.closeUnregistered(conn, logger, transport.ClosePolicyViolation, "handshake timeout")
		<-results
		return nil, fmt.Errorf("%w: %v", ErrHandshake, hsCtx.Err())
	}

	if res.err != nil {
		d.closeUnregistered(conn, logger, transport.CloseInternalServerErr, "transport fault")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, res.err)
	}

	switch res.frame.Kind {
	case transport.FrameClose:
		d.closeUnregistered(conn, logger, res.frame.CloseCode, res.frame.CloseReason)
		return nil, fmt.Errorf("%w: closed by peer", ErrHandshake)
	case transport.FrameBinary:
		d.closeUnregistered(conn, logger, transport.CloseProtocolError, "binary handshake not supported")
		return nil, fmt.Errorf("%w: binary frame", ErrHandshake)
	}

	records, err := protocol.Split(res.frame.Payload)
	if err == nil && len(records) == 0 {
		err = protocol.ErrIncomplete
	}
	if err != nil {
		d.closeUnregistered(conn, logger, transport.CloseInvalidFramePayloadData, "malformed handshake")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	req, err := protocol.DecodeHandshake(records[0])
	if err != nil {
		d.closeUnregistered(conn, logger, transport.CloseInvalidFramePayloadData, "malformed handshake")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if verr := req.Validate(); verr != nil {
		if resp, err := protocol.Encode(protocol.HandshakeResponse{Error: verr.Error()}); err == nil {
			if err := d.sendUnregistered(ctx, conn, resp); err != nil {
				logger.Debug().Err(err).Msg("sending handshake error")
			}
		}
		d.closeUnregistered(conn, logger, transport.ClosePolicyViolation, "unsupported protocol")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, verr)
	}

	ack, err := protocol.Encode(protocol.HandshakeResponse{})
	if err != nil {
		return nil, err
	}
	if err := d.sendUnregistered(ctx, conn, ack); err != nil {
		d.closeUnregistered(conn, logger, transport.CloseInternalServerErr, "transport fault")
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	logger.Debug().Str("protocol", req.Protocol).Int("version", req.Version).Msg("handshake completed")
	return records[1:], nil
}

func (d *Dispatcher) sendUnregistered(ctx context.Context, conn transport.Conn, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return conn.Send(sendCtx, transport.Text(payload))
}

func (d *Dispatcher) closeUnregistered(conn transport.Conn, logger zerolog.Logger, code int, reason string) {
	if err := conn.Close(code, reason); err != nil && !transport.IsExpectedCloseError(err) {
		logger.Warn().Err(err).Msg("closing connection")
	}
}
