package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/config"
	"github.com/sells-group/leads-cli/internal/connector"
	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/normalize"
	"github.com/sells-group/leads-cli/internal/outbox"
	"github.com/sells-group/leads-cli/internal/outcome"
	"github.com/sells-group/leads-cli/internal/query"
	"github.com/sells-group/leads-cli/internal/refresh"
	"github.com/sells-group/leads-cli/internal/resilience"
	"github.com/sells-group/leads-cli/internal/scoring"
	"github.com/sells-group/leads-cli/internal/store"
	"github.com/sells-group/leads-cli/pkg/geocode"
)

// engineEnv holds the store and every component wired on top of it, as
// needed by the refresh/top/serve/worker commands.
type engineEnv struct {
	Store        store.LeadStore
	Scorer       *scoring.Engine
	Merger       *merge.Engine
	Orchestrator *refresh.Orchestrator
	Queries      *query.Service
	Outcomes     *outcome.Service
	Dispatcher   *outbox.Dispatcher
	Metrics      *metrics.Recorder
	cache        *query.RedisCache
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if err := e.cache.Close(); err != nil {
		zap.L().Warn("close redis cache", zap.Error(err))
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine validates config, opens the store and builds the pipeline.
// Callers should defer env.Close().
func initEngine(ctx context.Context, c *config.Config) (*engineEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	scorer, err := scoring.Load(c.Scoring)
	if err != nil {
		return nil, eris.Wrap(err, "load scoring strategies")
	}
	connectors, err := connector.Build(c.Connectors, resilience.RetryFromConfig(c.Retry))
	if err != nil {
		return nil, eris.Wrap(err, "build connectors")
	}
	if len(connectors.Names()) == 0 {
		zap.L().Warn("no connectors configured, refresh cycles will fetch nothing")
	}

	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, Scorer: scorer, Metrics: metrics.New()}

	cache, err := query.NewRedisCache(ctx, c.Redis)
	if err != nil {
		// the cache is optional; queries fall through to the store
		zap.L().Warn("redis cache unavailable, continuing without it", zap.Error(err))
	}
	env.cache = cache

	opts := []query.Option{query.WithMetrics(env.Metrics)}
	if cache != nil {
		opts = append(opts, query.WithCache(cache))
		zap.L().Info("query cache enabled", zap.String("addr", c.Redis.Addr))
	}
	env.Queries = query.NewService(st, scorer, opts...)

	env.Merger = merge.NewEngine(st, merge.Config{
		ProviderPriority:    c.Merge.ProviderPriority,
		SimilarityThreshold: c.Merge.SimilarityThreshold,
		GeoCutoffMeters:     c.Merge.GeoCutoffMeters,
	})
	deps := refresh.Deps{
		Store:      st,
		Connectors: connectors,
		Normalizer: normalize.New(c.Refresh.AllowedPropertyTypes),
		Merger:     env.Merger,
		Scorer:     scorer,
		Breakers:   resilience.NewBreakers(resilience.CircuitFromConfig(c.Circuit)),
		Metrics:    env.Metrics,
		Cache:      env.Queries,
	}
	if geo := newGeocoder(c.Geocode); geo != nil {
		deps.Geocoder = geo
	}
	env.Orchestrator = refresh.New(deps, refresh.ConfigFrom(c))
	env.Outcomes = outcome.New(env.Merger, st, env.Queries)
	env.Dispatcher = outbox.NewDispatcher(st, outbox.Config{
		BatchSize:    c.Outbox.BatchSize,
		MaxAttempts:  c.Outbox.MaxAttempts,
		DisableAfter: c.Outbox.DisableAfter,
		Timeout:      time.Duration(c.Outbox.TimeoutSecs) * time.Second,
		Retry:        resilience.RetryFromConfig(c.Retry),
	}, env.Metrics)

	zap.L().Debug("engine initialized",
		zap.Strings("connectors", connectors.Names()),
		zap.Strings("strategies", scorer.Names()),
		zap.Strings("regions", env.Orchestrator.Regions()),
	)
	return env, nil
}

// newGeocoder returns nil when geocoding is disabled.
func newGeocoder(c config.GeocodeConfig) *geocode.Client {
	if !c.Enabled {
		return nil
	}
	opts := []geocode.Option{
		geocode.WithHTTPClient(&http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}),
	}
	if c.RateLimit > 0 {
		opts = append(opts, geocode.WithRateLimit(c.RateLimit))
	}
	if c.GoogleAPIKey != "" {
		opts = append(opts, geocode.WithGoogleAPIKey(c.GoogleAPIKey))
	}
	zap.L().Info("geocoding enabled", zap.Bool("google_fallback", c.GoogleAPIKey != ""))
	return geocode.NewClient(opts...)
}
