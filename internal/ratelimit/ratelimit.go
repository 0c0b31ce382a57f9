// Package ratelimit provides a per-provider token-bucket guard
// (golang.org/x/time/rate): Guard keeps one limiter per provider name
// and Allow reports whether a call to that provider fits its rate. The
// balancer and dispatcher do not consult it.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Guard tracks one token bucket per provider name.
type Guard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewGuard builds a Guard where every provider gets its own bucket with
// the given steady-state rate and burst. A non-positive rps disables
// limiting entirely (Allow always returns true).
func NewGuard(rps float64, burst int) *Guard {
	return &Guard{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether provider may be dispatched to right now,
// consuming one token if so.
func (g *Guard) Allow(provider string) bool {
	if g.rps <= 0 {
		return true
	}
	g.mu.Lock()
	l, ok := g.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.rps), g.burst)
		g.limiters[provider] = l
	}
	g.mu.Unlock()
	return l.Allow()
}
