// Package autoscale implements a periodic load-sampling loop that emits
// advisory scaling decisions to an external orchestrator. The loop observes
// an aggregated load metric, never the request path itself, and runs as a
// single goroutine decoupled from request handling.
package autoscale

import "context"

// Direction of a scaling decision.
type Direction int

const (
	// NoChange means the sampled load is inside the configured band, or the
	// loop is in its cooldown window.
	NoChange Direction = iota
	// ScaleOut requests additional replicas.
	ScaleOut
	// ScaleIn requests fewer replicas.
	ScaleIn
)

func (d Direction) String() string {
	switch d {
	case ScaleOut:
		return "scale-out"
	case ScaleIn:
		return "scale-in"
	}
	return "no-change"
}

// Decision is produced at most once per sampling tick and consumed
// immediately; it is never stored.
type Decision struct {
	Direction Direction
	// Delta is the replica count change magnitude, always positive.
	// Direction carries the sign.
	Delta int
	// Load is the sampled value the decision was derived from.
	Load float64
}

// Sampler supplies the load metric, pulled once per tick. Implementations
// must be cheap and must not block on the request path.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (float64, error)

func (f SamplerFunc) Sample(ctx context.Context) (float64, error) { return f(ctx) }

// Orchestrator receives scaling commands. Scaling is advisory: the loop logs
// and drops the decision when a call fails.
type Orchestrator interface {
	ScaleService(ctx context.Context, service string, delta int) error
}
