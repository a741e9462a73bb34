// Package dispatch implements a token bucket rate limiter for per-connection
// throttling that protects the handlers from abusive clients.
package dispatch

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimit allows Burst messages per RefillInterval on one connection. A
// non-positive Burst disables limiting.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

type rateLimiter struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func newRateLimiter(cfg RateLimit, clock clockwork.Clock) *rateLimiter {
	if cfg.Burst <= 0 {
		return nil
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(cfg.Burst) / interval.Seconds())
	return &rateLimiter{
		limiter: rate.NewLimiter(limit, cfg.Burst),
		clock:   clock,
	}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.AllowN(rl.clock.Now(), 1)
}
