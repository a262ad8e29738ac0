package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from senders rotating ids.
	maxTrackedKeys = 4096

	// limiterIdleTTL is how long an untouched key is kept.
	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter applies a per-key token bucket (requests per minute,
// with a burst of the same size). A zero rpm disables limiting.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewWebhookRateLimiter creates a bounded per-key limiter.
func NewWebhookRateLimiter(rpm int) *WebhookRateLimiter {
	r := &WebhookRateLimiter{
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
	if rpm > 0 {
		r.limit = rate.Every(time.Minute / time.Duration(rpm))
		r.burst = rpm
	}
	return r
}

// Allow returns true if the key is within rate limits.
func (r *WebhookRateLimiter) Allow(key string) bool {
	if r == nil || r.burst == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.pruneLocked(now)
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (r *WebhookRateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= limiterIdleTTL {
			delete(r.entries, k)
		}
	}
	// Hard eviction if still at cap
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}
