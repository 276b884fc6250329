package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultZips is the southeast Michigan ZIP set used when no region is configured.
var DefaultZips = []string{
	"48009", "48084", "48301", "48067", "48306", "48304", "48302", "48226",
	"48201", "48362", "48363", "48360", "48359", "48348", "48346", "48350",
}

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Refresh    RefreshConfig     `yaml:"refresh" mapstructure:"refresh"`
	Merge      MergeConfig       `yaml:"merge" mapstructure:"merge"`
	Scoring    ScoringConfig     `yaml:"scoring" mapstructure:"scoring"`
	Connectors []ConnectorConfig `yaml:"connectors" mapstructure:"connectors"`
	Retry      RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Redis      RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Temporal   TemporalConfig    `yaml:"temporal" mapstructure:"temporal"`
	Metrics    MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Geocode    GeocodeConfig     `yaml:"geocode" mapstructure:"geocode"`
	Outbox     OutboxConfig      `yaml:"outbox" mapstructure:"outbox"`
}

// StoreConfig configures the lead store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// APIKey, when set, is required in X-API-Key on mutating routes.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// RegionConfig names a ZIP set.
type RegionConfig struct {
	Name string   `yaml:"name" mapstructure:"name"`
	Zips []string `yaml:"zips" mapstructure:"zips"`
}

// RefreshConfig configures the refresh orchestrator.
type RefreshConfig struct {
	Regions                 []RegionConfig `yaml:"regions" mapstructure:"regions"`
	MaxConcurrentConnectors int            `yaml:"max_concurrent_connectors" mapstructure:"max_concurrent_connectors"`
	ConnectorTimeoutSecs    int            `yaml:"connector_timeout_secs" mapstructure:"connector_timeout_secs"`
	RetentionDays           int            `yaml:"retention_days" mapstructure:"retention_days"`
	AllowedPropertyTypes    []string       `yaml:"allowed_property_types" mapstructure:"allowed_property_types"`
}

// MergeConfig configures dedup and conflict resolution.
type MergeConfig struct {
	ProviderPriority    []string `yaml:"provider_priority" mapstructure:"provider_priority"`
	SimilarityThreshold float64  `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	GeoCutoffMeters     float64  `yaml:"geo_cutoff_meters" mapstructure:"geo_cutoff_meters"`
}

// ScoringConfig configures the strategy registry.
type ScoringConfig struct {
	ConfigPath string   `yaml:"config_path" mapstructure:"config_path"`
	Strategies []string `yaml:"strategies" mapstructure:"strategies"`
}

// ConnectorConfig configures one provider connector.
type ConnectorConfig struct {
	Name     string            `yaml:"name" mapstructure:"name"`
	Type     string            `yaml:"type" mapstructure:"type"`
	Disabled bool              `yaml:"disabled" mapstructure:"disabled"`
	Path     string            `yaml:"path" mapstructure:"path"`
	BaseURL  string            `yaml:"base_url" mapstructure:"base_url"`
	Token    string            `yaml:"token" mapstructure:"token"`
	Format   string            `yaml:"format" mapstructure:"format"`
	Columns  map[string]string `yaml:"columns" mapstructure:"columns"`
	PageSize int               `yaml:"page_size" mapstructure:"page_size"`
	RateRPS  float64           `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// RetryConfig configures retries of transient connector failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-connector circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RedisConfig configures the optional top-leads cache.
type RedisConfig struct {
	Addr       string `yaml:"addr" mapstructure:"addr"`
	Password   string `yaml:"password" mapstructure:"password"`
	DB         int    `yaml:"db" mapstructure:"db"`
	TTLSeconds int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// TemporalConfig configures the scheduled refresh worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	Cron      string `yaml:"cron" mapstructure:"cron"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MonitoringConfig configures refresh health alerts.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours          int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	ConflictBacklogThreshold int     `yaml:"conflict_backlog_threshold" mapstructure:"conflict_backlog_threshold"`
}

// GeocodeConfig configures coordinate lookup for records without a location.
type GeocodeConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	GoogleAPIKey string  `yaml:"google_api_key" mapstructure:"google_api_key"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OutboxConfig configures webhook delivery of lead workflow events.
type OutboxConfig struct {
	BatchSize            int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts          int `yaml:"max_attempts" mapstructure:"max_attempts"`
	DisableAfter         int `yaml:"disable_after" mapstructure:"disable_after"`
	DispatchIntervalSecs int `yaml:"dispatch_interval_secs" mapstructure:"dispatch_interval_secs"`
	TimeoutSecs          int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "leads.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.api_key", "")
	v.SetDefault("refresh.max_concurrent_connectors", 4)
	v.SetDefault("refresh.connector_timeout_secs", 300)
	v.SetDefault("refresh.retention_days", 30)
	v.SetDefault("merge.similarity_threshold", 0.92)
	v.SetDefault("merge.geo_cutoff_meters", 25.0)
	v.SetDefault("scoring.strategies", []string{"rental", "flip"})
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("redis.ttl_seconds", 300)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "lead-refresh")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.conflict_backlog_threshold", 100)
	v.SetDefault("geocode.rate_limit", 10.0)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("outbox.disable_after", 20)
	v.SetDefault("outbox.dispatch_interval_secs", 0)
	v.SetDefault("outbox.timeout_secs", 20)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Refresh.Regions) == 0 {
		cfg.Refresh.Regions = []RegionConfig{{Name: "se-michigan", Zips: append([]string(nil), DefaultZips...)}}
	}

	return &cfg, nil
}

// Region returns the configured region by name.
func (c *Config) Region(name string) (RegionConfig, bool) {
	for _, r := range c.Refresh.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return RegionConfig{}, false
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Refresh.MaxConcurrentConnectors <= 0 {
		return eris.Errorf("config: refresh.max_concurrent_connectors must be positive, got %d", c.Refresh.MaxConcurrentConnectors)
	}
	if c.Refresh.ConnectorTimeoutSecs <= 0 {
		return eris.Errorf("config: refresh.connector_timeout_secs must be positive, got %d", c.Refresh.ConnectorTimeoutSecs)
	}
	if c.Refresh.RetentionDays < 0 {
		return eris.Errorf("config: refresh.retention_days must not be negative, got %d", c.Refresh.RetentionDays)
	}
	if c.Merge.SimilarityThreshold <= 0 || c.Merge.SimilarityThreshold > 1 {
		return eris.Errorf("config: merge.similarity_threshold must be in (0,1], got %.2f", c.Merge.SimilarityThreshold)
	}
	if c.Merge.GeoCutoffMeters < 0 {
		return eris.Errorf("config: merge.geo_cutoff_meters must not be negative, got %.1f", c.Merge.GeoCutoffMeters)
	}
	if c.Outbox.MaxAttempts < 0 || c.Outbox.DisableAfter < 0 || c.Outbox.DispatchIntervalSecs < 0 {
		return eris.New("config: outbox settings must not be negative")
	}
	seen := make(map[string]bool, len(c.Refresh.Regions))
	for _, r := range c.Refresh.Regions {
		if r.Name == "" {
			return eris.New("config: region name is required")
		}
		if seen[r.Name] {
			return eris.Errorf("config: duplicate region %q", r.Name)
		}
		seen[r.Name] = true
	}
	names := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if cc.Name == "" {
			return eris.New("config: connector name is required")
		}
		if names[cc.Name] {
			return eris.Errorf("config: duplicate connector %q", cc.Name)
		}
		names[cc.Name] = true
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
