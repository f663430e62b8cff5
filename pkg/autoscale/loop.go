package autoscale

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config tunes the sampling loop.
type Config struct {
	// Service is the name passed to the orchestrator.
	Service string
	// Interval between samples.
	Interval time.Duration
	// ScaleOutThreshold: load above it emits a scale-out decision.
	ScaleOutThreshold float64
	// ScaleInThreshold: load below it emits a scale-in decision.
	ScaleInThreshold float64
	// CooldownTicks is the number of ticks after an emitted decision during
	// which no further decision is emitted. This is the hysteresis that
	// keeps a noisy metric from flapping replicas in and out.
	CooldownTicks int
	// MaxStep caps the scale-out magnitude per decision.
	MaxStep int
	// Logger, nil for silent operation.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.MaxStep <= 0 {
		c.MaxStep = 4
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Loop samples load at a fixed interval and emits at most one scaling
// decision per tick, with cooldown hysteresis between decisions. It owns no
// replicas itself; all effect goes through the Orchestrator.
type Loop struct {
	cfg     Config
	sampler Sampler
	orch    Orchestrator
	lg      *zap.Logger

	// cooldown counts remaining ticks before the next decision may be
	// emitted. Touched only by the single Run goroutine.
	cooldown int

	decisions metric.Int64Counter
	loadHist  metric.Float64Histogram
}

// New creates a loop from cfg.
func New(cfg Config, sampler Sampler, orch Orchestrator) *Loop {
	cfg = cfg.withDefaults()

	meter := otel.Meter("github.com/mkraev/ordergrid/pkg/autoscale")
	decisions, _ := meter.Int64Counter("autoscale.decisions",
		metric.WithDescription("Scaling decisions emitted"))
	loadHist, _ := meter.Float64Histogram("autoscale.load",
		metric.WithDescription("Sampled load values"))

	return &Loop{
		cfg:       cfg,
		sampler:   sampler,
		orch:      orch,
		lg:        cfg.Logger,
		decisions: decisions,
		loadHist:  loadHist,
	}
}

// Run executes the loop until ctx is cancelled. It always returns ctx.Err();
// sampling and orchestrator failures are logged and never abort the loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick performs one sampling round and returns the decision it arrived at.
// Called from the single Run goroutine only.
func (l *Loop) tick(ctx context.Context) Decision {
	load, err := l.sampler.Sample(ctx)
	if err != nil {
		l.lg.Warn("load sample failed", zap.Error(err))
		return Decision{}
	}
	l.loadHist.Record(ctx, load)

	if l.cooldown > 0 {
		l.cooldown--
		return Decision{Load: load}
	}

	d := l.decide(load)
	if d.Direction == NoChange {
		return d
	}

	l.cooldown = l.cfg.CooldownTicks
	l.emit(ctx, d)
	return d
}

// decide derives a decision from the sampled load. Magnitude for scale-out
// grows with how far the load overshoots the threshold; scale-in always
// steps down by one replica.
func (l *Loop) decide(load float64) Decision {
	switch {
	case load > l.cfg.ScaleOutThreshold:
		delta := int(math.Ceil(load/l.cfg.ScaleOutThreshold)) - 1
		if delta < 1 {
			delta = 1
		}
		if delta > l.cfg.MaxStep {
			delta = l.cfg.MaxStep
		}
		return Decision{Direction: ScaleOut, Delta: delta, Load: load}
	case load < l.cfg.ScaleInThreshold:
		return Decision{Direction: ScaleIn, Delta: 1, Load: load}
	}
	return Decision{Load: load}
}

// emit forwards the decision to the orchestrator. Failures are logged and
// the decision is dropped; scaling is advisory.
func (l *Loop) emit(ctx context.Context, d Decision) {
	delta := d.Delta
	if d.Direction == ScaleIn {
		delta = -delta
	}

	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", l.cfg.Service),
		attribute.String("direction", d.Direction.String()),
	))
	l.lg.Info("scaling decision",
		zap.String("service", l.cfg.Service),
		zap.Stringer("direction", d.Direction),
		zap.Int("delta", delta),
		zap.Float64("load", d.Load))

	if err := l.orch.ScaleService(ctx, l.cfg.Service, delta); err != nil {
		l.lg.Warn("orchestrator rejected scaling decision",
			zap.String("service", l.cfg.Service),
			zap.Error(err))
	}
}
