// Package resilience provides composable guards for fallible operations:
// token-bucket rate limiting, a circuit breaker, per-attempt timeouts, and
// bounded retry with backoff. A Policy applies them in a fixed order around
// any operation:
//
//	rate limit → circuit admission → deadline-bounded attempt(s) → circuit outcome
//
// Every guard's state is owned by the Policy instance, one per guarded
// endpoint. Nothing in this package is a process-wide singleton.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config assembles the optional stages of a policy. A nil stage is skipped.
type Config struct {
	// Name identifies the guarded endpoint in logs and metrics.
	Name string
	// RateLimit configures the token bucket, nil to disable.
	RateLimit *RateLimitConfig
	// Breaker configures the circuit breaker, nil to disable.
	Breaker *BreakerConfig
	// Timeout bounds each attempt, zero to disable.
	Timeout time.Duration
	// Retry configures the retry stage, nil to disable. Write operations
	// that are not idempotent must leave this nil.
	Retry *RetryConfig
	// Retryable classifies errors for the retry stage and for circuit
	// failure accounting. When nil, no error is considered retryable and
	// every error counts as a circuit failure.
	Retryable Classifier
	// Logger receives state transition logs. Nil for silent operation.
	Logger *zap.Logger
}

// RateLimitConfig tunes the token bucket stage.
type RateLimitConfig struct {
	Capacity   int
	RefillRate float64
}

// Policy wraps operations with the configured resilience stages. It is safe
// for concurrent use; the shared limiter and breaker state are serialized
// internally.
type Policy struct {
	name      string
	bucket    *TokenBucket
	breaker   *Breaker
	timeout   time.Duration
	retrier   *retrier
	retryable Classifier
	lg        *zap.Logger

	rejections  metric.Int64Counter
	transitions metric.Int64Counter
	attrs       metric.MeasurementOption
}

// New builds a policy from cfg.
func New(cfg Config) *Policy {
	p := &Policy{
		name:      cfg.Name,
		timeout:   cfg.Timeout,
		retryable: cfg.Retryable,
		lg:        cfg.Logger,
	}
	if p.lg == nil {
		p.lg = zap.NewNop()
	}
	if cfg.RateLimit != nil {
		p.bucket = NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	}
	if cfg.Retry != nil {
		p.retrier = newRetrier(*cfg.Retry)
	}

	meter := otel.Meter("github.com/mkraev/ordergrid/pkg/resilience")
	p.rejections, _ = meter.Int64Counter("resilience.rejections",
		metric.WithDescription("Calls rejected before the operation was invoked"))
	p.transitions, _ = meter.Int64Counter("resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	p.attrs = metric.WithAttributes(attribute.String("policy", p.name))

	if cfg.Breaker != nil {
		p.breaker = NewBreaker(*cfg.Breaker)
		p.breaker.OnTransition(func(from, to State) {
			p.lg.Info("circuit state changed",
				zap.String("policy", p.name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			p.transitions.Add(context.Background(), 1,
				p.attrs,
				metric.WithAttributes(attribute.String("to", to.String())))
		})
	}
	return p
}

// Breaker exposes the underlying circuit breaker for health probes and
// administrative reset. Returns nil when the stage is disabled.
func (p *Policy) Breaker() *Breaker { return p.breaker }

// Do runs op through the policy stages. It fails with exactly one of
// ErrRateLimited, ErrCircuitOpen, ErrTimeout, *ExhaustedError, or the
// operation's own error.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.bucket != nil && !p.bucket.Allow() {
		p.rejections.Add(ctx, 1, p.attrs, metric.WithAttributes(attribute.String("reason", "rate_limited")))
		return errors.Wrap(ErrRateLimited, p.name)
	}
	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			p.rejections.Add(ctx, 1, p.attrs, metric.WithAttributes(attribute.String("reason", "circuit_open")))
			return errors.Wrap(err, p.name)
		}
	}

	run := func(ctx context.Context) error { return p.attempt(ctx, op) }

	var err error
	if p.retrier != nil {
		err = p.retrier.do(ctx, run, p.retryable)
	} else {
		err = run(ctx)
	}

	p.record(ctx, err)
	return err
}

// record reports the final outcome to the breaker. Policy-internal retries
// have already collapsed into a single outcome here, so the breaker is not
// flapped by individual attempts. A caller cancellation is neutral: the
// dependency was never observed to answer or fail, so a half-open probe cut
// short by a client disconnect must not close the circuit. Otherwise only
// transient errors count as circuit failures: a constraint or validation
// error means the dependency answered, which is not a reason to isolate it.
func (p *Policy) record(ctx context.Context, err error) {
	if p.breaker == nil {
		return
	}
	if err == nil {
		p.breaker.RecordSuccess()
		return
	}
	if cause := ctx.Err(); cause != nil && errors.Is(err, cause) {
		return
	}
	var exhausted *ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		p.breaker.RecordFailure()
	case p.retryable != nil && p.retryable(err):
		p.breaker.RecordFailure()
	case p.retryable == nil:
		p.breaker.RecordFailure()
	default:
		p.breaker.RecordSuccess()
	}
}

// attempt runs op once under the configured deadline. The operation executes
// in its own goroutine so the caller resumes immediately when the deadline
// fires; the operation's cancellation is best-effort through its context and
// a late result is discarded.
func (p *Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(actx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && actx.Err() != nil && ctx.Err() == nil {
			return errors.Wrap(ErrTimeout, p.name)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; not a policy timeout.
			return ctx.Err()
		}
		return errors.Wrap(ErrTimeout, p.name)
	}
}

// Execute runs op through policy p and returns its result. The result slot
// is atomic because a timed-out attempt keeps running in the background and
// may publish its value while a later attempt is already in flight.
func Execute[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	type box struct{ v T }
	var out atomic.Pointer[box]

	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out.Store(&box{v: v})
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if b := out.Load(); b != nil {
		return b.v, nil
	}
	var zero T
	return zero, nil
}

// ExecuteFallback runs op through policy p and degrades to the fallback
// result when the primary path fails for any reason. The triggering error is
// passed to the fallback and only the fallback's own error can surface.
func ExecuteFallback[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) (T, error)) (T, error) {
	out, err := Execute(ctx, p, op)
	if err == nil {
		return out, nil
	}
	return fallback(ctx, err)
}
