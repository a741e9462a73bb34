package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/config"
)

// originPolicy validates the Origin header of WebSocket upgrade requests
// against the configured allow-list.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

func newOriginPolicy(origins []string, allowAll bool, logger zerolog.Logger) *originPolicy {
	normalized, wildcard := config.NormalizeOrigins(origins)
	p := &originPolicy{
		allowAll: allowAll || wildcard,
		allowed:  make(map[string]struct{}, len(normalized)),
		logger:   logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

// isAllowed reports whether r carries an Origin on the allow-list. Requests
// without an Origin header are rejected.
func (p *originPolicy) isAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}

	origin, ok := config.NormalizeOrigin(header)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[origin]
	return exists
}

func (p *originPolicy) check(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}
	p.logger.Warn().Str("origin", r.Header.Get("Origin")).Str("remote_addr", r.RemoteAddr).Msg("blocked WebSocket connection from disallowed origin")
	return false
}
