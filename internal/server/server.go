package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/broadcast"
	"github.com/Tyrowin/echorelay/internal/config"
	"github.com/Tyrowin/echorelay/internal/dispatch"
	"github.com/Tyrowin/echorelay/internal/metrics"
	"github.com/Tyrowin/echorelay/internal/registry"
	"github.com/Tyrowin/echorelay/internal/transport"
)

// Option customises a Server.
type Option func(*Server)

// WithClock sets the clock used for stream pacing and rate limiting.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPrometheus registers the relay's collectors on reg and serves reg on
// /metrics instead of a private registry.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.promRegistry = reg
		}
	}
}

// endpoint is one WebSocket mode with its own registry, dispatcher and
// fan-out, so raw and hub connections never see each other's frames.
type endpoint struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	fanout     *broadcast.Fanout
}

// Server is the relay's HTTP front: it upgrades WebSocket requests, hands
// connections to the dispatchers and serves the admin and health pages.
type Server struct {
	cfg          config.Config
	logger       zerolog.Logger
	clock        clockwork.Clock
	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	origins      *originPolicy
	upgrader     websocket.Upgrader
	groups       *broadcast.Groups
	history      *History
	hub          endpoint
	raw          endpoint
	handler      http.Handler
	httpServer   *http.Server
	startTime    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// connMu orders conns.Add against the Wait in Shutdown.
	connMu  sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

// New builds a Server from cfg. cfg is expected to be sanitized.
func New(cfg config.Config, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		clock:   clockwork.NewRealClock(),
		groups:  broadcast.NewGroups(),
		history: &History{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promRegistry == nil {
		s.promRegistry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.promRegistry)
	s.origins = newOriginPolicy(cfg.AllowedOrigins, cfg.AllowAllOrigins, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	echo := dispatch.NewEchoHub(s.clock, cfg.Hub.StreamDelay)
	var hub dispatch.Hub = echo
	if cfg.Hub.Variant == config.HubGroup {
		hub = dispatch.NewGroupHub(echo, s.groups, cfg.Hub.Group)
	}

	s.hub = s.newEndpoint(dispatch.ModeHub, hub)
	s.raw = s.newEndpoint(dispatch.ModeRaw, echo)
	s.handler = s.routes()
	s.httpServer = CreateServer(cfg.Port, s.handler)
	return s
}

func (s *Server) newEndpoint(mode dispatch.Mode, hub dispatch.Hub) endpoint {
	reg := registry.New(s.logger.With().Str("registry", mode.String()).Logger())
	opts := dispatch.DefaultOptions()
	opts.Mode = mode
	opts.RateLimit = dispatch.RateLimit{
		Burst:          s.cfg.RateLimit.Burst,
		RefillInterval: s.cfg.RateLimit.RefillInterval,
	}
	d := dispatch.New(reg, hub, opts,
		dispatch.WithLogger(s.logger),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithClock(s.clock),
	)
	return endpoint{
		registry:   reg,
		dispatcher: d,
		fanout:     broadcast.NewFanout(reg, s.logger, s.metrics, broadcast.DefaultSendTimeout),
	}
}

// CreateServer creates an HTTP server with the timeouts used in production.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the router serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// History returns the admin broadcast history.
func (s *Server) History() *History {
	return s.history
}

// ConnectionCount returns the number of registered hub and raw connections.
func (s *Server) ConnectionCount() (hub, raw int) {
	return s.hub.registry.Count(), s.raw.registry.Count()
}

// ListenAndServe listens on the configured port. It returns nil once
// Shutdown has been called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.startTime = time.Now()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every WebSocket connection with
// a going-away status and waits for their dispatchers to finish or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	hubClosed := s.hub.registry.CloseAll("server shutting down")
	rawClosed := s.raw.registry.CloseAll("server shutting down")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Int("hub", hubClosed).Int("raw", rawClosed).Msg("shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown timed out waiting for connections")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// trackConn counts a new connection unless Shutdown has started.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

// shuttingDown reports whether Shutdown has started.
func (s *Server) shuttingDown() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closing
}

// serveConn wraps an upgraded connection and runs its dispatcher until it
// ends. It blocks.
func (s *Server) serveConn(ep endpoint, conn *websocket.Conn, requestedID string) {
	if !s.trackConn() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(transport.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer s.conns.Done()

	wsConn := transport.NewWSConn(conn, transport.Options{MaxMessageSize: s.cfg.MaxMessageSize}, s.logger)
	// Connections that register after CloseAll ran are closed here.
	stop := context.AfterFunc(s.ctx, func() {
		_ = wsConn.Close(transport.CloseGoingAway, "server shutting down")
	})
	defer stop()

	if err := ep.dispatcher.Serve(s.ctx, wsConn, requestedID); err != nil {
		s.logger.Debug().Err(err).Str("mode", ep.dispatcher.Mode().String()).Msg("connection ended with error")
	}
}
