// Package ratelimit implements the per-principal request budget as a lazy
// token bucket. Buckets are keyed by the raw bearer token; principals
// without a configured budget bypass the limiter entirely.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is a hint for how long the caller should wait before the
	// bucket holds a whole token again. Only set when Allowed is false.
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillPerMs float64
	lastRefill time.Time
}

// Limiter holds one token bucket per key. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow checks and consumes one token from the bucket for key.
// requestsPerMinute <= 0 means the key has no budget and is always admitted.
// A bucket starts full (capacity = requestsPerMinute) and refills
// continuously at requestsPerMinute/60000 tokens per millisecond.
func (l *Limiter) Allow(key string, requestsPerMinute int) Decision {
	if requestsPerMinute <= 0 || key == "" {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	capacity := float64(requestsPerMinute)
	refill := capacity / 60_000.0
	if !ok {
		b = &bucket{tokens: capacity, capacity: capacity, refillPerMs: refill, lastRefill: now}
		l.buckets[key] = b
	} else if b.capacity != capacity {
		// Config reload changed the budget; keep the current fill level
		// clamped to the new capacity.
		b.capacity = capacity
		b.refillPerMs = refill
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}

	elapsedMs := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMs > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsedMs*b.refillPerMs)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	deficitMs := (1 - b.tokens) / b.refillPerMs
	return Decision{
		Allowed:    false,
		RetryAfter: time.Duration(math.Ceil(deficitMs)) * time.Millisecond,
	}
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle for longer than maxIdle. Called opportunistically
// by the owner; buckets recreate full on next use, which only ever favors
// the caller.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
