// Package rategate implements the per-user publish throttle spec.md §4.8
// names: 10 publishes/minute/user. The one-per-5-seconds wallet
// derivation window is enforced inside internal/walletkey, which does not
// use this package. It is built on
// golang.org/x/time/rate, the token-bucket limiter the broader example
// pack depends on for this exact purpose, rather than a hand-rolled
// sliding window.
package rategate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKeyLimiter rate-limits independently per key (e.g. per user ID),
// lazily creating a token bucket the first time a key is seen and
// evicting idle buckets so memory does not grow unbounded.
type PerKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewPerKeyLimiter returns a limiter allowing `burst` events and then
// refilling at `rate.Limit(events/per)`.
func NewPerKeyLimiter(events int, per time.Duration, burst int) *PerKeyLimiter {
	return &PerKeyLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Every(per / time.Duration(events)),
		burst:    burst,
		idleTTL:  10 * per,
	}
}

// Allow reports whether an event for key is permitted right now.
func (p *PerKeyLimiter) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked()
	e, ok := p.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.limiters[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter.Allow()
}

func (p *PerKeyLimiter) evictLocked() {
	cutoff := time.Now().Add(-p.idleTTL)
	for k, e := range p.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(p.limiters, k)
		}
	}
}
