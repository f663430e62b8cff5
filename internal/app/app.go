package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkraev/ordergrid/internal/client/orchestrator"
	"github.com/mkraev/ordergrid/internal/client/product"
	"github.com/mkraev/ordergrid/internal/domain/order"
	"github.com/mkraev/ordergrid/internal/handler"
	"github.com/mkraev/ordergrid/internal/storage/memory"
	"github.com/mkraev/ordergrid/internal/storage/postgres"
	"github.com/mkraev/ordergrid/pkg/autoscale"
	"github.com/mkraev/ordergrid/pkg/health"
	"github.com/mkraev/ordergrid/pkg/httpmiddleware"
	"github.com/mkraev/ordergrid/pkg/resilience"
)

// Run creates all dependencies, starts the HTTP server and the autoscale
// loop, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Backend))

	healthSvc := health.New()

	// Order repository: backend chosen once, at construction.
	repo, cleanup, err := newRepository(ctx, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer cleanup()

	// Downstream product service client.
	productClient, err := product.NewClient(cfg.ProductServiceURL)
	if err != nil {
		return err
	}
	healthSvc.AddCheck(health.Readiness, "product-service", 5*time.Second, productClient.Healthy)

	// One resilience policy per outbound dependency. The storage write
	// policy deliberately carries no retry stage: placing an order is not
	// idempotent at the repository level.
	storageRetryable := resilience.RetryOn(resilience.ErrTimeout, order.ErrUnavailable)
	readPolicy := newPolicy("storage-read", cfg.Resilience.Storage, storageRetryable, true, lg)
	writePolicy := newPolicy("storage-write", cfg.Resilience.Storage, storageRetryable, false, lg)
	productPolicy := newPolicy("product-lookup", cfg.Resilience.Product,
		resilience.RetryOn(resilience.ErrTimeout, product.ErrUnavailable), true, lg)

	healthSvc.AddCheck(health.Readiness, "storage-circuit", time.Second,
		health.BreakerCheck("storage-read", readPolicy.Breaker()))

	// Domain service.
	orderSvc := order.NewService(
		order.ServiceConfig{DegradedReads: true},
		repo,
		productSource{c: productClient},
		readPolicy, writePolicy, productPolicy,
		lg.Named("orders"),
	)

	// Autoscaling signal loop, fed by the request middleware.
	loadSampler := autoscale.NewRequestRate()
	scaler := autoscale.New(autoscale.Config{
		Service:           cfg.Autoscale.Service,
		Interval:          cfg.Autoscale.Interval,
		ScaleOutThreshold: cfg.Autoscale.ScaleOutThreshold,
		ScaleInThreshold:  cfg.Autoscale.ScaleInThreshold,
		CooldownTicks:     cfg.Autoscale.CooldownTicks,
		MaxStep:           cfg.Autoscale.MaxStep,
		Logger:            lg.Named("autoscale"),
	}, loadSampler, newOrchestrator(cfg, lg))

	// HTTP surface.
	h := handler.New(orderSvc)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Capacity:   cfg.RateLimit.Capacity,
				RefillRate: cfg.RateLimit.RefillRate,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.ObserveLoad(loadSampler),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.AddCheck(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)
	defer healthSvc.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Autoscale.Enabled {
		g.Go(func() error {
			if err := scaler.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// newRepository selects the storage backend. The returned cleanup closes the
// connection pool when one was opened.
func newRepository(ctx context.Context, cfg *Config, healthSvc *health.Health) (order.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.NewOrderRepository(), func() {}, nil
	case "postgres":
	default:
		return nil, nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	pool, err := postgres.NewPool(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}

	healthSvc.AddCheck(health.Readiness, "postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	return postgres.NewOrderRepository(pool), pool.Close, nil
}

// newPolicy builds a resilience policy from config. Retry is attached only
// for idempotent paths.
func newPolicy(name string, cfg PolicyConfig, retryable resilience.Classifier, withRetry bool, lg *zap.Logger) *resilience.Policy {
	pc := resilience.Config{
		Name: name,
		Breaker: &resilience.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			OpenDuration:     cfg.OpenDuration,
		},
		Timeout:   cfg.Timeout,
		Retryable: retryable,
		Logger:    lg.Named("resilience"),
	}
	if withRetry {
		pc.Retry = &resilience.RetryConfig{MaxAttempts: cfg.MaxAttempts}
	}
	if cfg.RateCapacity > 0 && cfg.RateRefill > 0 {
		pc.RateLimit = &resilience.RateLimitConfig{
			Capacity:   cfg.RateCapacity,
			RefillRate: cfg.RateRefill,
		}
	}
	return resilience.New(pc)
}

// newOrchestrator returns the configured scaling client, or a logging stub
// when no orchestrator URL is set.
func newOrchestrator(cfg *Config, lg *zap.Logger) autoscale.Orchestrator {
	if cfg.OrchestratorURL == "" {
		return orchestrator.NewNop(lg.Named("autoscale"))
	}
	c, err := orchestrator.NewClient(cfg.OrchestratorURL)
	if err != nil {
		lg.Warn("invalid orchestrator URL, scaling decisions will only be logged", zap.Error(err))
		return orchestrator.NewNop(lg.Named("autoscale"))
	}
	return c
}

// productSource adapts the product HTTP client to the domain port, mapping
// client errors into the domain taxonomy.
type productSource struct {
	c *product.Client
}

func (s productSource) GetProduct(ctx context.Context, id string) (order.ProductInfo, error) {
	p, err := s.c.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return order.ProductInfo{}, &order.UnknownProductError{ProductID: id}
		}
		return order.ProductInfo{}, err
	}
	return order.ProductInfo{ID: p.ID, Price: p.Price}, nil
}
