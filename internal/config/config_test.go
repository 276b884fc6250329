package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Refresh.MaxConcurrentConnectors)
	assert.Equal(t, 300, cfg.Refresh.ConnectorTimeoutSecs)
	assert.Equal(t, 30, cfg.Refresh.RetentionDays)
	assert.InDelta(t, 0.92, cfg.Merge.SimilarityThreshold, 0.001)
	assert.InDelta(t, 25.0, cfg.Merge.GeoCutoffMeters, 0.001)
	assert.Equal(t, []string{"rental", "flip"}, cfg.Scoring.Strategies)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "lead-refresh", cfg.Temporal.TaskQueue)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 48, cfg.Monitoring.StaleAfterHours)
	assert.False(t, cfg.Geocode.Enabled)
	assert.InDelta(t, 10.0, cfg.Geocode.RateLimit, 0.001)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 20, cfg.Outbox.DisableAfter)
	assert.Zero(t, cfg.Outbox.DispatchIntervalSecs)

	require.Len(t, cfg.Refresh.Regions, 1)
	assert.Equal(t, "se-michigan", cfg.Refresh.Regions[0].Name)
	assert.Contains(t, cfg.Refresh.Regions[0].Zips, "48009")
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
refresh:
  regions:
    - name: birmingham
      zips: ["48009"]
merge:
  provider_priority: [reso, county_feed, stub]
connectors:
  - name: stub
    type: stub_json
    enabled: true
    path: ./data
  - name: county_feed
    type: feed
    enabled: true
    base_url: ftp://ftp.example.com/sales.csv
    format: csv
    columns:
      address: ADDR
      price: PRICE
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"reso", "county_feed", "stub"}, cfg.Merge.ProviderPriority)

	r, ok := cfg.Region("birmingham")
	require.True(t, ok)
	assert.Equal(t, []string{"48009"}, r.Zips)
	_, ok = cfg.Region("se-michigan")
	assert.False(t, ok)

	require.Len(t, cfg.Connectors, 2)
	assert.Equal(t, "stub_json", cfg.Connectors[0].Type)
	assert.Equal(t, "PRICE", cfg.Connectors[1].Columns["price"])
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Refresh.MaxConcurrentConnectors)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("LEADS_STORE_DRIVER", "postgres")
	t.Setenv("LEADS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("LEADS_SERVER_PORT", "3000")
	t.Setenv("LEADS_MERGE_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("LEADS_SERVER_API_KEY", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)
	assert.InDelta(t, 0.8, cfg.Merge.SimilarityThreshold, 0.001)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "memory"},
		Refresh: RefreshConfig{MaxConcurrentConnectors: 4, ConnectorTimeoutSecs: 60, RetentionDays: 30, Regions: []RegionConfig{{Name: "se-michigan", Zips: DefaultZips}}},
		Merge:   MergeConfig{SimilarityThreshold: 0.9, GeoCutoffMeters: 25},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown store driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "database_url"},
		{"postgres with url", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DatabaseURL = "postgres://x" }, ""},
		{"zero concurrency", func(c *Config) { c.Refresh.MaxConcurrentConnectors = 0 }, "max_concurrent_connectors"},
		{"zero timeout", func(c *Config) { c.Refresh.ConnectorTimeoutSecs = 0 }, "connector_timeout_secs"},
		{"negative retention", func(c *Config) { c.Refresh.RetentionDays = -1 }, "retention_days"},
		{"threshold zero", func(c *Config) { c.Merge.SimilarityThreshold = 0 }, "similarity_threshold"},
		{"threshold above one", func(c *Config) { c.Merge.SimilarityThreshold = 1.2 }, "similarity_threshold"},
		{"negative geo cutoff", func(c *Config) { c.Merge.GeoCutoffMeters = -5 }, "geo_cutoff_meters"},
		{"negative outbox attempts", func(c *Config) { c.Outbox.MaxAttempts = -1 }, "outbox"},
		{"duplicate region", func(c *Config) {
			c.Refresh.Regions = append(c.Refresh.Regions, RegionConfig{Name: "se-michigan"})
		}, "duplicate region"},
		{"unnamed connector", func(c *Config) { c.Connectors = []ConnectorConfig{{Type: "feed"}} }, "connector name"},
		{"duplicate connector", func(c *Config) {
			c.Connectors = []ConnectorConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate connector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
