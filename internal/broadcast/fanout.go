// Package broadcast sends one frame independently to many registered
// connections and keeps named groups of connection ids.
package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/metrics"
	"github.com/Tyrowin/echorelay/internal/registry"
	"github.com/Tyrowin/echorelay/internal/transport"
)

// DefaultSendTimeout bounds a single per-connection send.
const DefaultSendTimeout = 10 * time.Second

// Fanout performs best-effort broadcasts over a registry.
type Fanout struct {
	registry    *registry.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
}

// NewFanout creates a Fanout over reg. A non-positive sendTimeout selects
// DefaultSendTimeout.
func NewFanout(reg *registry.Registry, logger zerolog.Logger, m *metrics.Metrics, sendTimeout time.Duration) *Fanout {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Fanout{
		registry:    reg,
		logger:      logger.With().Str("component", "broadcast").Logger(),
		metrics:     m,
		sendTimeout: sendTimeout,
	}
}

// BroadcastAll sends frame to every open connection of a registry snapshot.
// Connections that are not open are skipped silently and a failed send does
// not stop the remaining ones. It returns the outcome of the last attempted
// send, false when nothing was attempted.
func (f *Fanout) BroadcastAll(ctx context.Context, frame transport.Frame) bool {
	entries := f.registry.All()
	f.logger.Debug().Int("targets", len(entries)).Msg("broadcasting to all connections")
	return f.sendEach(ctx, entries, frame)
}

// BroadcastTo is BroadcastAll restricted to ids. Ids that are not registered
// are skipped.
func (f *Fanout) BroadcastTo(ctx context.Context, ids []string, frame transport.Frame) bool {
	entries := make([]registry.Entry, 0, len(ids))
	for _, id := range ids {
		conn, ok := f.registry.Get(id)
		if !ok {
			continue
		}
		entries = append(entries, registry.Entry{ID: id, Conn: conn})
	}
	f.logger.Debug().Int("requested", len(ids)).Int("targets", len(entries)).Msg("broadcasting to connections")
	return f.sendEach(ctx, entries, frame)
}

// BroadcastGroup sends frame to every member of group.
func (f *Fanout) BroadcastGroup(ctx context.Context, groups *Groups, group string, frame transport.Frame) bool {
	return f.BroadcastTo(ctx, groups.Members(group), frame)
}

func (f *Fanout) sendEach(ctx context.Context, entries []registry.Entry, frame transport.Frame) bool {
	last := false
	delivered, failed := 0, 0

	for _, entry := range entries {
		if entry.Conn.State() != transport.StateOpen {
			continue
		}
		last = f.send(ctx, entry, frame)
		if last {
			delivered++
		} else {
			failed++
		}
	}

	if failed > 0 {
		f.logger.Warn().Int("delivered", delivered).Int("failed", failed).Msg("broadcast finished with failures")
	} else {
		f.logger.Debug().Int("delivered", delivered).Msg("broadcast finished")
	}
	return last
}

func (f *Fanout) send(ctx context.Context, entry registry.Entry, frame transport.Frame) bool {
	sendCtx, cancel := context.WithTimeout(ctx, f.sendTimeout)
	defer cancel()

	if err := entry.Conn.Send(sendCtx, frame); err != nil {
		f.logger.Warn().Err(err).Str("conn_id", entry.ID).Msg("broadcast send failed")
		f.metrics.BroadcastSend(false)
		return false
	}
	f.metrics.BroadcastSend(true)
	return true
}
