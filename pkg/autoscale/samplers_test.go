package autoscale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRate_RatePerSecond(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRequestRate()
	r.now = func() time.Time { return now }
	r.since = now

	for range 30 {
		r.Observe()
	}
	now = now.Add(2 * time.Second)

	rate, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 15, rate, 0.001)
}

func TestRequestRate_SampleResetsWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRequestRate()
	r.now = func() time.Time { return now }
	r.since = now

	for range 10 {
		r.Observe()
	}
	now = now.Add(time.Second)

	rate, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10, rate, 0.001)

	now = now.Add(time.Second)
	rate, err = r.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestRequestRate_ZeroElapsed(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRequestRate()
	r.now = func() time.Time { return now }
	r.since = now

	r.Observe()
	rate, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestGoroutineCount_Positive(t *testing.T) {
	s := GoroutineCount()

	n, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n, 0.0)
}
