package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(clock *fakeClock, capacity int, refillRate float64) *TokenBucket {
	b := NewTokenBucket(capacity, refillRate)
	b.now = clock.now
	b.last = clock.now()
	return b
}

func TestTokenBucket_StartsFull(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(clock, 5, 1)

	for i := range 5 {
		assert.True(t, b.Allow(), "call %d should pass", i+1)
	}
	assert.False(t, b.Allow())
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(clock, 5, 1)

	for range 5 {
		require.True(t, b.Allow())
	}
	require.False(t, b.Allow())

	clock.advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestTokenBucket_RefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(clock, 5, 10)

	clock.advance(time.Hour)
	assert.InDelta(t, 5, b.Tokens(), 0.001)
}

func TestTokenBucket_PartialTokensDoNotAdmit(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(clock, 1, 1)

	require.True(t, b.Allow())
	clock.advance(500 * time.Millisecond)
	assert.False(t, b.Allow())
	clock.advance(500 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestTokenBucket_Reset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(clock, 3, 0.1)

	for range 3 {
		require.True(t, b.Allow())
	}
	require.False(t, b.Allow())

	b.Reset()
	assert.InDelta(t, 3, b.Tokens(), 0.001)
	assert.True(t, b.Allow())
}
