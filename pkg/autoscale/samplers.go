package autoscale

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// RequestRate is a Sampler reporting requests per second since the previous
// sample. Request handlers feed it through Observe; the loop drains it once
// per tick.
type RequestRate struct {
	mu    sync.Mutex
	hits  int64
	since time.Time

	now func() time.Time
}

// NewRequestRate creates an empty request-rate sampler.
func NewRequestRate() *RequestRate {
	r := &RequestRate{now: time.Now}
	r.since = r.now()
	return r
}

// Observe records one handled request.
func (r *RequestRate) Observe() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

// Sample returns the request rate per second since the last call and resets
// the window.
func (r *RequestRate) Sample(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.since).Seconds()
	hits := r.hits
	r.hits = 0
	r.since = now

	if elapsed <= 0 {
		return 0, nil
	}
	return float64(hits) / elapsed, nil
}

// GoroutineCount is a Sampler reporting the current goroutine count. Useful
// as a cheap proxy for in-flight work when no request counter is wired.
func GoroutineCount() Sampler {
	return SamplerFunc(func(context.Context) (float64, error) {
		return float64(runtime.NumGoroutine()), nil
	})
}
