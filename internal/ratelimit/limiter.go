// Package ratelimit implements the token-bucket admission control described
// in spec.md §4.6. New; styled after the teacher's terse single-file
// components (internal/engine/logbroker.go) — a small mutex-guarded struct
// with no external locking.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/neurovisor/control-plane/internal/metrics"
)

// ErrThrottled is returned when the bucket has no tokens left.
var ErrThrottled = errors.New("ratelimit: throttled")

// Defaults (spec.md §4.6).
const (
	DefaultCapacity   = 100
	DefaultRefillRate = 50 // tokens per second
)

// Limiter is a token bucket with lazy refill. Each accepted call consumes
// one token; a depleted bucket fails immediately with ErrThrottled — there
// is no queueing (spec.md §4.6).
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// New constructs a Limiter with capacity tokens, refilling at refillRate
// tokens per second, starting full.
func New(capacity, refillRate float64) *Limiter {
	return &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available, refilling lazily based on elapsed
// wall-clock time since the last call. Returns ErrThrottled if none remain.
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now

	l.tokens += elapsed * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}

	if l.tokens < 1 {
		metrics.RateLimiterThrottledTotal.Inc()
		return ErrThrottled
	}

	l.tokens--
	return nil
}
