package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterKey struct {
	ip     string
	bucket string
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-(client IP, endpoint) request budget before any
// cryptographic or database work happens. Contract: each (ip, bucket) pair
// gets a token bucket refilled at limit/window with burst = limit, so the
// budget is a sustained rate, not a hard per-window cap: a cold key starts
// with a full bucket and can spend up to burst + refill (about twice the
// configured limit) across its first window, then settles at limit/window.
// The full initial burst is intentional so a fleet reactivating after a
// server restart is not penalized. Idle entries are garbage collected after
// an hour. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[limiterKey]*limiterEntry
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter builds a limiter registry over the given window.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[limiterKey]*limiterEntry),
		window:  window,
		now:     time.Now,
	}
}

// Allow reports whether one more request from ip on bucket fits the budget
// of limit requests per window.
func (r *RateLimiter) Allow(ip, bucket string, limit int) bool {
	r.mu.Lock()
	key := limiterKey{ip: ip, bucket: bucket}
	entry, ok := r.entries[key]
	if !ok {
		perSecond := rate.Limit(float64(limit) / r.window.Seconds())
		entry = &limiterEntry{limiter: rate.NewLimiter(perSecond, limit)}
		r.entries[key] = entry
	}
	entry.lastSeen = r.now()
	r.mu.Unlock()

	return entry.limiter.Allow()
}

// Sweep drops limiters idle for more than an hour.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-time.Hour)
	for key, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(r.entries, key)
		}
	}
}
