package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERGRID_ prefix), flags, or YAML config files.
type Config struct {
	Addr              string `default:"0.0.0.0:8080" usage:"API server listen address"`
	ProductServiceURL string `usage:"Base URL of the downstream product service" flag:"product-service-url"`
	OrchestratorURL   string `default:"" usage:"Base URL of the orchestrator scaling API (empty: log decisions only)" flag:"orchestrator-url"`
	Storage           StorageConfig
	RateLimit         RateLimitConfig
	Resilience        ResilienceConfig
	Autoscale         AutoscaleConfig
	Graceful          GracefulConfig
}

// StorageConfig selects and configures the order storage backend. The
// backend is fixed at startup; switching engines never requires caller
// changes because everything goes through the repository interface.
type StorageConfig struct {
	Backend     string `default:"postgres" usage:"Order storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERGRID_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
}

// RateLimitConfig controls the per-client HTTP token bucket.
type RateLimitConfig struct {
	Capacity   int     `default:"100" usage:"Burst size per client"`
	RefillRate float64 `default:"50"  usage:"Tokens per second per client" flag:"refill-rate"`
}

// ResilienceConfig carries one policy block per outbound dependency.
type ResilienceConfig struct {
	Storage PolicyConfig
	Product PolicyConfig
}

// PolicyConfig tunes a single resilience policy.
type PolicyConfig struct {
	Timeout          time.Duration `default:"2s"  usage:"Per-attempt deadline"`
	MaxAttempts      int           `default:"3"   usage:"Total attempts for retryable reads" flag:"max-attempts"`
	FailureThreshold int           `default:"5"   usage:"Consecutive failures before the circuit opens" flag:"failure-threshold"`
	SuccessThreshold int           `default:"2"   usage:"Consecutive successes before the circuit closes" flag:"success-threshold"`
	OpenDuration     time.Duration `default:"30s" usage:"How long the circuit stays open" flag:"open-duration"`
	RateCapacity     int           `default:"0"   usage:"Endpoint token bucket capacity (0 disables)" flag:"rate-capacity"`
	RateRefill       float64       `default:"0"   usage:"Endpoint token bucket refill per second" flag:"rate-refill"`
}

// AutoscaleConfig tunes the load sampling loop.
type AutoscaleConfig struct {
	Enabled           bool          `default:"true" usage:"Run the autoscale signal loop"`
	Service           string        `default:"order-service" usage:"Service name reported to the orchestrator"`
	Interval          time.Duration `default:"15s" usage:"Sampling interval"`
	ScaleOutThreshold float64       `default:"50"  usage:"Requests/second above which to scale out" flag:"scale-out-threshold"`
	ScaleInThreshold  float64       `default:"5"   usage:"Requests/second below which to scale in" flag:"scale-in-threshold"`
	CooldownTicks     int           `default:"2"   usage:"Ticks without decisions after each decision" flag:"cooldown-ticks"`
	MaxStep           int           `default:"4"   usage:"Maximum replicas added per decision" flag:"max-step"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERGRID",
		Files:     []string{"config.yaml", "/etc/ordergrid/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			return nil, errors.New("database URL is required: set ORDERGRID_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case "memory":
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.ProductServiceURL == "" {
		return nil, errors.New("product service URL is required: set ORDERGRID_PRODUCT_SERVICE_URL")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and PORT
// to the application's ORDERGRID_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Storage.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
