package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int32

const (
	// StateClosed lets all calls through and counts failures.
	StateClosed State = iota
	// StateOpen rejects all calls until the open duration elapses.
	StateOpen
	// StateHalfOpen lets probe calls through; successes close the circuit,
	// a single failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that closes the circuit.
	SuccessThreshold int
	// OpenDuration is how long the circuit stays open before admitting a
	// probe call.
	OpenDuration time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	return c
}

// Breaker is a circuit breaker guarding a single endpoint. All state
// transitions happen under one mutex, so they are totally ordered and
// concurrent failure reports cannot double-transition the circuit.
//
// Breakers are created per guarded endpoint and injected where needed; the
// package keeps no process-wide registry.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	// onTransition, when set, is invoked after a state change with the lock
	// released. Used for logging and metrics.
	onTransition func(from, to State)

	now func() time.Time
}

// NewBreaker creates a closed breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// OnTransition registers a hook called after every state change. Must be set
// before the breaker is shared between goroutines.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.onTransition = fn
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen without the operation being invoked; once the open duration
// has elapsed it transitions to half-open and admits the call as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			notify := b.transition(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return nil
		}
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			notify = b.transition(StateClosed)
		}
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens the circuit.
		notify = b.transition(StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns a snapshot of the current state. The value may be stale for
// dashboard readers; decisions are made only inside Allow/Record*.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed. Administrative use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transition(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	notify()
}

// transition moves the breaker to next and returns the hook invocation to run
// after the lock is released. Caller must hold b.mu.
func (b *Breaker) transition(next State) func() {
	from := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	if next == StateOpen {
		b.openedAt = b.now()
	}
	if b.onTransition == nil {
		return func() {}
	}
	fn := b.onTransition
	return func() { fn(from, next) }
}
