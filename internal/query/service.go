// Package query serves ranked lead lists from the lead store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

// Strategies reports which strategy names exist.
type Strategies interface {
	Has(name string) bool
}

// Service answers top-leads queries. It only reads from the store and never
// waits on a refresh.
type Service struct {
	store      store.LeadStore
	strategies Strategies
	cache      Cache
	metrics    *metrics.Recorder
	log        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches results in c.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMetrics records query latency and cache hits.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a query service.
func NewService(st store.LeadStore, strategies Strategies, opts ...Option) *Service {
	s := &Service{
		store:      st,
		strategies: strategies,
		log:        zap.L().With(zap.String("component", "query")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TopLeads returns up to q.Limit leads ordered by score desc, last merge
// desc, then ID. Limit defaults to store.DefaultTopLimit and is capped at
// store.MaxTopLimit.
func (s *Service) TopLeads(ctx context.Context, q store.TopQuery) ([]model.LeadSummary, error) {
	q.Strategy = strings.TrimSpace(q.Strategy)
	q.Zip = strings.TrimSpace(q.Zip)
	if q.Strategy == "" {
		return nil, eris.New("query: strategy is required")
	}
	if s.strategies != nil && !s.strategies.Has(q.Strategy) {
		return nil, &model.UnknownStrategyError{Name: q.Strategy}
	}
	if q.Limit < 0 {
		return nil, eris.Errorf("query: limit must be positive, got %d", q.Limit)
	}
	q.Limit = store.ClampLimit(q.Limit)

	start := time.Now()
	defer func() { s.metrics.QueryObserved(q.Strategy, time.Since(start)) }()

	key := cacheKey(q)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err != nil {
			s.log.Warn("cache read failed", zap.Error(err))
		} else if ok {
			var out []model.LeadSummary
			if err := json.Unmarshal(raw, &out); err == nil {
				s.metrics.CacheLookup(true)
				return out, nil
			}
		}
		s.metrics.CacheLookup(false)
	}

	out, err := s.store.QueryTop(ctx, q)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.LeadSummary{}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, raw); err != nil {
				s.log.Warn("cache write failed", zap.Error(err))
			}
		}
	}
	return out, nil
}

// Lead returns one canonical lead.
func (s *Service) Lead(ctx context.Context, id string) (*model.CanonicalLead, error) {
	return s.store.Get(ctx, id)
}

// ScoreHistory returns superseded scores for a lead, newest first.
func (s *Service) ScoreHistory(ctx context.Context, id, strategy string, limit int) ([]model.StrategyScore, error) {
	if s.strategies != nil && !s.strategies.Has(strategy) {
		return nil, &model.UnknownStrategyError{Name: strategy}
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ScoreHistory(ctx, id, strategy, limit)
}

// Invalidate drops cached results.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx)
}

func cacheKey(q store.TopQuery) string {
	maxPrice := "-"
	if q.MaxPrice != nil {
		maxPrice = fmt.Sprintf("%g", *q.MaxPrice)
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s|%t", q.Strategy, q.Region, q.Zip, q.Limit, maxPrice, q.IncludeStale)
}
