package resilience

import (
	"context"
	"time"
)

// BackoffFunc returns the delay before the given retry attempt. The first
// retry passes attempt=1.
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits the same delay between every attempt.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the base delay on every attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base << (attempt - 1)
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

// RetryConfig tunes the retry stage of a policy.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// Backoff computes the delay before each retry. Defaults to 100ms
	// exponential capped at 5s.
	Backoff BackoffFunc
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff(100*time.Millisecond, 5*time.Second)
	}
	return c
}

// retrier runs an operation up to MaxAttempts times. Attempts for one logical
// operation are strictly sequential; caller cancellation aborts the loop
// before the next attempt starts but never rolls back a completed attempt.
type retrier struct {
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetrier(cfg RetryConfig) *retrier {
	return &retrier{cfg: cfg.withDefaults(), sleep: sleepCtx}
}

// do invokes op until it succeeds, fails non-retryably, or attempts run out.
// A permanently failing retryable op is invoked exactly MaxAttempts times and
// the result is an *ExhaustedError wrapping the last cause. Non-retryable
// errors propagate immediately without consuming further attempts.
func (r *retrier) do(ctx context.Context, op func(ctx context.Context) error, retryable Classifier) error {
	var last error
	for attempt := 1; ; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if retryable == nil || !retryable(last) {
			return last
		}
		if attempt >= r.cfg.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: last}
		}
		if err := r.sleep(ctx, r.cfg.Backoff(attempt)); err != nil {
			return err
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
