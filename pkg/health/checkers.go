package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"

	"github.com/mkraev/ordergrid/pkg/resilience"
)

// GoroutineCountCheck returns a CheckFunc that reports unhealthy when the
// number of goroutines exceeds the given threshold. Useful as a liveness
// check to detect goroutine leaks.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// BreakerCheck returns a CheckFunc that reports unhealthy while the circuit
// breaker is open. Wiring it as a readiness check takes the instance out of
// rotation while its critical dependency is being isolated.
func BreakerCheck(name string, b *resilience.Breaker) CheckFunc {
	return func(_ context.Context) error {
		if s := b.State(); s == resilience.StateOpen {
			return errors.Errorf("circuit %s is open", name)
		}
		return nil
	}
}
