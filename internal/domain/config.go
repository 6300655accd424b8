package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Core engine configuration
	Fusion      FusionConfig      `json:"fusion"`
	Correlation CorrelationConfig `json:"correlation"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// FusionConfig holds the weight table, risk band thresholds, and the
// band-to-action policy mapping. All of it is operator configuration:
// scoring logic never hard-codes these values.
type FusionConfig struct {
	// Weights maps module name to fusion weight. Must cover the full
	// module set, be non-negative, and sum to 1.0.
	Weights map[string]float64 `json:"weights"`

	// Bands are ordered lower boundaries, strictly increasing, first
	// entry at 0. A score falls into the highest band whose Min <= score.
	Bands []BandThreshold `json:"bands"`

	// Actions maps each risk band to a recommended action.
	Actions map[RiskBand]Action `json:"actions"`
}

// BandThreshold is one entry of the monotonic band table.
type BandThreshold struct {
	Band RiskBand `json:"band"`
	Min  float64  `json:"min"`
}

// CorrelationConfig holds campaign graph tuning.
type CorrelationConfig struct {
	// Window is the edge TTL: an edge not refreshed within the window
	// is excluded from component computation.
	Window time.Duration `json:"window"`

	// FuzzyDistance is the maximum edit distance (after homoglyph
	// folding) at which two domains are treated as the same entity.
	FuzzyDistance int `json:"fuzzyDistance"`

	// DetectorTimeout bounds each registered detector invocation.
	DetectorTimeout time.Duration `json:"detectorTimeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// weightTolerance is the float tolerance for the weight-sum check.
const weightTolerance = 1e-6

// DefaultConfig returns a default configuration for Community tier.
// Fusion weights and band thresholds are the shipped detection policy;
// operators override them per deployment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Fusion: FusionConfig{
			Weights: map[string]float64{
				ModuleCredential:    0.30,
				ModuleMalware:       0.25,
				ModuleAIText:        0.20,
				ModuleEmailPhishing: 0.15,
				ModuleURL:           0.07,
				ModuleInjection:     0.03,
			},
			Bands: []BandThreshold{
				{Band: BandLow, Min: 0},
				{Band: BandMedium, Min: 21},
				{Band: BandHigh, Min: 51},
				{Band: BandCritical, Min: 76},
			},
			Actions: map[RiskBand]Action{
				BandCritical: ActionBlock,
				BandHigh:     ActionEscalate,
				BandMedium:   ActionWarn,
				BandLow:      ActionVerify,
			},
		},
		Correlation: CorrelationConfig{
			Window:          72 * time.Hour,
			FuzzyDistance:   2,
			DetectorTimeout: 5 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the configuration. A failure here is fatal at startup:
// the engine refuses to serve with undefined fusion semantics.
func (c *Config) Validate() error {
	if err := c.Fusion.Validate(); err != nil {
		return fmt.Errorf("fusion config: %w", err)
	}
	if err := c.Correlation.Validate(); err != nil {
		return fmt.Errorf("correlation config: %w", err)
	}
	return nil
}

// Validate checks weights, bands, and the action mapping.
func (f *FusionConfig) Validate() error {
	if len(f.Weights) == 0 {
		return fmt.Errorf("weight table is empty")
	}
	var sum float64
	for module, w := range f.Weights {
		if w < 0 {
			return fmt.Errorf("weight for module %q is negative: %f", module, w)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight for module %q is not finite", module)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0 over the full module set, got %f", sum)
	}

	if len(f.Bands) == 0 {
		return fmt.Errorf("band table is empty")
	}
	if f.Bands[0].Min != 0 {
		return fmt.Errorf("first band threshold must be 0, got %f", f.Bands[0].Min)
	}
	for i := 1; i < len(f.Bands); i++ {
		if f.Bands[i].Min <= f.Bands[i-1].Min {
			return fmt.Errorf("band thresholds must be strictly increasing: %f after %f",
				f.Bands[i].Min, f.Bands[i-1].Min)
		}
		if f.Bands[i].Band.Rank() <= f.Bands[i-1].Band.Rank() {
			return fmt.Errorf("band severity must increase with thresholds: %s after %s",
				f.Bands[i].Band, f.Bands[i-1].Band)
		}
	}

	for _, bt := range f.Bands {
		if _, ok := f.Actions[bt.Band]; !ok {
			return fmt.Errorf("no action configured for band %s", bt.Band)
		}
	}
	return nil
}

// Validate checks the correlation settings.
func (c *CorrelationConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("correlation window must be positive, got %s", c.Window)
	}
	if c.FuzzyDistance < 0 {
		return fmt.Errorf("fuzzy distance must be non-negative, got %d", c.FuzzyDistance)
	}
	if c.DetectorTimeout <= 0 {
		return fmt.Errorf("detector timeout must be positive, got %s", c.DetectorTimeout)
	}
	return nil
}
