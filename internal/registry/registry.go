// Package registry tracks live connections by identity so the dispatcher can
// register and deregister them and the fan-out can enumerate targets.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/transport"
)

// Entry is one (id, connection) pair of a registry snapshot.
type Entry struct {
	ID   string
	Conn transport.Conn
}

// Registry is a concurrent mapping from connection id to connection handle.
// It holds non-owning references: the transport creates connections and the
// registry only closes them when they are removed.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]transport.Conn
	logger zerolog.Logger
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]transport.Conn),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Add inserts conn under id if no entry exists for id yet. It returns false
// when id is already taken; the existing mapping is left untouched.
func (r *Registry) Add(id string, conn transport.Conn) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[id] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug().Str("conn_id", id).Int("total", count).Msg("connection added")
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// IDOf performs a reverse lookup of the id a connection is registered under.
func (r *Registry) IDOf(conn transport.Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.conns {
		if c == conn {
			return id, true
		}
	}
	return "", false
}

// Remove deregisters id and closes its connection with a normal closure
// status and reason. It returns false, without closing anything, when id is
// not registered.
func (r *Registry) Remove(id, reason string) bool {
	return r.RemoveWithCode(id, transport.CloseNormalClosure, reason)
}

// RemoveWithCode is Remove with an explicit close status.
func (r *Registry) RemoveWithCode(id string, code int, reason string) bool {
	return r.remove(id, nil, code, reason)
}

// RemoveConn is RemoveWithCode restricted to the case where id is still bound
// to conn. A connection tearing itself down uses it so it never evicts a
// newer connection that reused its id.
func (r *Registry) RemoveConn(id string, conn transport.Conn, code int, reason string) bool {
	return r.remove(id, conn, code, reason)
}

func (r *Registry) remove(id string, want transport.Conn, code int, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || (want != nil && conn != want) {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	// Close outside the lock; a slow close handshake must not stall other
	// registry callers.
	if err := conn.Close(code, reason); err != nil && !transport.IsExpectedCloseError(err) {
		r.logger.Warn().Err(err).Str("conn_id", id).Msg("closing removed connection")
	}
	r.logger.Debug().Str("conn_id", id).Int("code", code).Str("reason", reason).Int("total", count).Msg("connection removed")
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a point-in-time snapshot of every registered connection.
// Mutations after the call are not reflected in the returned slice.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.conns))
	for id, conn := range r.conns {
		entries = append(entries, Entry{ID: id, Conn: conn})
	}
	return entries
}

// CloseAll removes and closes every registered connection and returns how
// many were closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]transport.Conn)
	r.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(transport.CloseGoingAway, reason); err != nil && !transport.IsExpectedCloseError(err) {
			r.logger.Warn().Err(err).Str("conn_id", id).Msg("closing connection during shutdown")
		}
	}
	r.logger.Info().Int("closed", len(conns)).Msg("closed all connections")
	return len(conns)
}
