package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

var errBoom = errors.New("boom")

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{MaxAttempts: attempts, Backoff: ConstantBackoff(0)}
}

// --- Tests ---

func TestPolicy_NoStagesPassesThrough(t *testing.T) {
	p := New(Config{Name: "plain"})

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RateLimitRejectsWithoutInvoking(t *testing.T) {
	p := New(Config{
		Name:      "limited",
		RateLimit: &RateLimitConfig{Capacity: 1, RefillRate: 0.001},
	})

	calls := 0
	op := func(context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, p.Do(context.Background(), op))
	err := p.Do(context.Background(), op)

	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, calls)
}

func TestPolicy_CircuitOpenRejectsWithoutInvoking(t *testing.T) {
	p := New(Config{
		Name:    "guarded",
		Breaker: &BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute},
	})

	calls := 0
	op := func(context.Context) error {
		calls++
		return errBoom
	}

	require.ErrorIs(t, p.Do(context.Background(), op), errBoom)
	require.Equal(t, StateOpen, p.Breaker().State())

	err := p.Do(context.Background(), op)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetriesCollapseToOneCircuitOutcome(t *testing.T) {
	p := New(Config{
		Name:      "retrying",
		Breaker:   &BreakerConfig{FailureThreshold: 2, OpenDuration: time.Minute},
		Retry:     fastRetry(3),
		Retryable: RetryOn(errBoom),
	})

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	// Three failed attempts are one circuit failure, below the threshold.
	assert.Equal(t, StateClosed, p.Breaker().State())
}

func TestPolicy_NonRetryableErrorDoesNotTripCircuit(t *testing.T) {
	p := New(Config{
		Name:      "answered",
		Breaker:   &BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute},
		Retry:     fastRetry(3),
		Retryable: RetryOn(errBoom),
	})

	denied := errors.New("constraint violation")
	for range 5 {
		err := p.Do(context.Background(), func(context.Context) error { return denied })
		require.ErrorIs(t, err, denied)
	}

	assert.Equal(t, StateClosed, p.Breaker().State())
}

func TestPolicy_TimeoutFreesCaller(t *testing.T) {
	p := New(Config{Name: "slow", Timeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		<-release // simulate work that outlives cancellation
		return nil
	})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPolicy_TimeoutRetriedWhenRetryable(t *testing.T) {
	p := New(Config{
		Name:      "slow-retry",
		Timeout:   10 * time.Millisecond,
		Retry:     fastRetry(3),
		Retryable: RetryOn(ErrTimeout),
	})

	var calls int32
	err := p.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPolicy_CallerCancellationIsNotTimeout(t *testing.T) {
	p := New(Config{Name: "cancelled", Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPolicy_CancelledProbeLeavesCircuitHalfOpen(t *testing.T) {
	p := New(Config{
		Name:    "probed",
		Breaker: &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: time.Minute},
	})
	clock := newFakeClock()
	p.breaker.now = clock.now

	require.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return errBoom }), errBoom)
	require.Equal(t, StateOpen, p.Breaker().State())

	clock.advance(time.Minute)

	// The client goes away mid-probe; that is no evidence of recovery.
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, p.Breaker().State())
}

func TestExecute_ReturnsValue(t *testing.T) {
	p := New(Config{Name: "typed"})

	got, err := Execute(context.Background(), p, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestExecute_ZeroValueOnError(t *testing.T) {
	p := New(Config{Name: "typed"})

	got, err := Execute(context.Background(), p, func(context.Context) (string, error) {
		return "partial", errBoom
	})

	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, got)
}

func TestExecuteFallback_UsedOnFailure(t *testing.T) {
	p := New(Config{Name: "degraded"})

	got, err := ExecuteFallback(context.Background(), p,
		func(context.Context) ([]string, error) { return nil, errBoom },
		func(_ context.Context, cause error) ([]string, error) {
			require.ErrorIs(t, cause, errBoom)
			return []string{}, nil
		})

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExecuteFallback_SkippedOnSuccess(t *testing.T) {
	p := New(Config{Name: "healthy"})

	got, err := ExecuteFallback(context.Background(), p,
		func(context.Context) (string, error) { return "primary", nil },
		func(context.Context, error) (string, error) { return "fallback", nil })

	require.NoError(t, err)
	assert.Equal(t, "primary", got)
}
