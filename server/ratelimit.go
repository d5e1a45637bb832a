package server

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const limiterTTL = 10 * time.Minute

type clientLimiter struct {
	rl       *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle buckets are
// pruned so the map stays bounded under address churn.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*clientLimiter

	limit rate.Limit
	burst int

	lastPrune time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters:  make(map[uint64]*clientLimiter),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastPrune: time.Now(),
	}
}

// Allow reports whether ip may proceed. Loopback clients are exempt.
func (r *rateLimiter) Allow(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() {
		return true
	}

	key := xxhash.Sum64String(ip.String())
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastPrune) > limiterTTL {
		for k, l := range r.limiters {
			if now.Sub(l.lastSeen) > limiterTTL {
				delete(r.limiters, k)
			}
		}
		r.lastPrune = now
	}

	l, ok := r.limiters[key]
	if !ok {
		l = &clientLimiter{rl: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = l
	}
	l.lastSeen = now

	return l.rl.Allow()
}
