package router

import (
	"sync"
	"time"
)

// rateLimiter is a token-bucket limiter keyed by bot ID. Each bot's bucket
// holds up to limit tokens and refills continuously at limit tokens per
// window, so a short burst is absorbed but a drained bot cannot exceed the
// configured rate.
type rateLimiter struct {
	mu      sync.Mutex
	limit   float64
	refill  float64 // tokens per second
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   float64(limit),
		refill:  float64(limit) / window.Seconds(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether the bot may deliver another update. It is safe for
// concurrent use from multiple goroutines.
func (r *rateLimiter) Allow(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[botID]
	if !ok {
		b = &bucket{tokens: r.limit, last: now}
		r.buckets[botID] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * r.refill
	b.last = now
	if b.tokens > r.limit {
		b.tokens = r.limit
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
