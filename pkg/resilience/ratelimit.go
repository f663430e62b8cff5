package resilience

import (
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Each call to Allow
// consumes one token; tokens refill at refillRate per second up to capacity.
// The token count never goes negative and calls are never queued: a caller
// without a token is rejected immediately.
//
// One bucket guards one endpoint. State lives for the process lifetime and is
// reset only by Reset or restart.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	last       time.Time

	// now is swapped in tests to drive time deterministically.
	now func() time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills
// at refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	b := &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		now:        time.Now,
	}
	b.last = b.now()
	return b
}

// Allow consumes one token if available and reports whether the call may
// proceed.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns a snapshot of the current token count. Intended for
// dashboards; the value may be stale by the time it is read.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// Reset refills the bucket to capacity. Administrative use only.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.capacity
	b.last = b.now()
}

// refill credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}
