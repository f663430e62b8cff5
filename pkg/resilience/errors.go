package resilience

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors produced by the policy stages. Each failed Execute call
// surfaces exactly one of these (or the operation's own error).
var (
	// ErrRateLimited is returned when the token bucket has no permit for the
	// call. The call is rejected immediately, never queued.
	ErrRateLimited = errors.New("rate limited")
	// ErrCircuitOpen is returned while the circuit breaker is open. The
	// wrapped operation is not invoked.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTimeout is returned when an attempt exceeds the configured deadline.
	// The in-flight operation is cancelled best-effort and its eventual
	// result discarded.
	ErrTimeout = errors.New("operation timed out")
)

// ExhaustedError is returned after the retry stage has used up all attempts.
// It wraps the error from the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classifier reports whether an error is retryable. Errors it rejects
// propagate immediately without consuming a retry attempt, and do not count
// as circuit breaker failures.
type Classifier func(error) bool

// RetryOn builds a Classifier matching any of the given sentinel errors.
// ErrTimeout is almost always among them; constraint and validation errors
// never should be.
func RetryOn(targets ...error) Classifier {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
