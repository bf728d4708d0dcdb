package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository  RepositoryConfig  `json:"repository"`
	Redis       RedisConfig       `json:"redis"`
	ResultCache ResultCacheConfig `json:"resultCache"`
	EventBus    EventBusConfig    `json:"eventBus"`

	// Remote collaborators
	RemoteConfig  RemoteConfigSettings  `json:"remoteConfig"`
	ModelRegistry ModelRegistrySettings `json:"modelRegistry"`

	// Decision parameters
	Risk      RiskConfig      `json:"risk"`
	Recommend RecommendConfig `json:"recommend"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RemoteConfigSettings locates the remote configuration service.
type RemoteConfigSettings struct {
	// BaseURL of the config service; rules come from {BaseURL}/risk-rules,
	// scoring weights from {BaseURL}/configs/{WeightsKey}.
	BaseURL    string        `json:"baseUrl"`
	WeightsKey string        `json:"weightsKey"`
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
}

// ModelRegistrySettings locates the model registry.
type ModelRegistrySettings struct {
	// BaseURL of the registry; the active artifact comes from
	// {BaseURL}/model-registry/active?name={ModelName}.
	BaseURL   string        `json:"baseUrl"`
	ModelName string        `json:"modelName"`
	Interval  time.Duration `json:"interval"`
	Timeout   time.Duration `json:"timeout"`
}

// RiskConfig names every threshold and window the risk evaluator uses.
// The source hardcoded several variants of these; they are configuration
// here so deployments pick one deliberately.
type RiskConfig struct {
	Thresholds RiskThresholds `json:"thresholds"`

	// Feature windows
	HourlyPurchaseWindow time.Duration `json:"hourlyPurchaseWindow"`
	VelocityWindow       time.Duration `json:"velocityWindow"`
	RepeatPurchaseWindow time.Duration `json:"repeatPurchaseWindow"`
	NewAccountAge        time.Duration `json:"newAccountAge"`

	// Fallback rule parameters
	HighAmount            int64 `json:"highAmount"`
	MediumAmount          int64 `json:"mediumAmount"`
	VelocityPurchaseLimit int64 `json:"velocityPurchaseLimit"`
	HourlyPurchaseLimit   int64 `json:"hourlyPurchaseLimit"`
	VelocityCartLimit     int64 `json:"velocityCartLimit"`
	RepeatPurchaseLimit   int64 `json:"repeatPurchaseLimit"`
}

// RecommendConfig holds recommendation scoring parameters.
type RecommendConfig struct {
	TopK           int           `json:"topK"`
	TrendingWindow time.Duration `json:"trendingWindow"`
	AffinityWindow time.Duration `json:"affinityWindow"`
	TrendingCap    float64       `json:"trendingCap"`
	CandidateLimit int           `json:"candidateLimit"`
	ReasonScoreCut float64       `json:"reasonScoreCut"`
	ReasonTrendCut float64       `json:"reasonTrendCut"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the default single-node configuration:
// SQLite store, channel bus, no Redis.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Enabled: false,
		},
		ResultCache: ResultCacheConfig{
			DistributedTTL:    60 * time.Second,
			LocalTTL:          30 * time.Second,
			LocalMaxSize:      10000,
			DownProbeInterval: 5 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		RemoteConfig: RemoteConfigSettings{
			WeightsKey: "scoring-weights",
			Interval:   60 * time.Second,
			Timeout:    5 * time.Second,
		},
		ModelRegistry: ModelRegistrySettings{
			ModelName: "recommendation-ranker",
			Interval:  60 * time.Second,
			Timeout:   5 * time.Second,
		},
		Risk: RiskConfig{
			Thresholds: RiskThresholds{
				Block:     70,
				Challenge: 40,
			},
			HourlyPurchaseWindow:  time.Hour,
			VelocityWindow:        2 * time.Minute,
			RepeatPurchaseWindow:  3 * time.Minute,
			NewAccountAge:         7 * 24 * time.Hour,
			HighAmount:            200000,
			MediumAmount:          50000,
			VelocityPurchaseLimit: 3,
			HourlyPurchaseLimit:   3,
			VelocityCartLimit:     5,
			RepeatPurchaseLimit:   2,
		},
		Recommend: RecommendConfig{
			TopK:           6,
			TrendingWindow: 24 * time.Hour,
			AffinityWindow: 7 * 24 * time.Hour,
			TrendingCap:    50,
			CandidateLimit: 500,
			ReasonScoreCut: 70,
			ReasonTrendCut: 0.5,
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

// DistributedConfig returns a configuration for multi-node deployments:
// PostgreSQL store, Redis result cache and trending, NATS bus.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Redis = RedisConfig{
		Addr:    "localhost:6379",
		Enabled: true,
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
