// Package refresh runs per-region ingestion cycles: fetch from every
// connector, normalize, merge, score and mark leads that stopped appearing.
package refresh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leads-cli/internal/config"
	"github.com/sells-group/leads-cli/internal/connector"
	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/normalize"
	"github.com/sells-group/leads-cli/internal/resilience"
	"github.com/sells-group/leads-cli/internal/scoring"
	"github.com/sells-group/leads-cli/internal/store"
)

// SkipOutOfRegion is the skip reason for records whose ZIP is outside the region.
const SkipOutOfRegion = "out_of_region"

// SkipMergeError is the skip reason for records the merge step rejected.
const SkipMergeError = "merge_error"

// Invalidator drops cached query results after leads change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Geocoder fills coordinates for records that arrive without them.
type Geocoder interface {
	Locate(ctx context.Context, addr model.Address) (*model.Location, error)
}

// Config controls one orchestrator.
type Config struct {
	Regions          []model.Region
	MaxConcurrent    int
	ConnectorTimeout time.Duration
	Retention        time.Duration
	// LockTimeout lets a new cycle take over a region whose running record
	// is older than this, e.g. after a crash.
	LockTimeout time.Duration
	Strategies  []string
}

// ConfigFrom maps application config onto orchestrator config.
func ConfigFrom(c *config.Config) Config {
	regions := make([]model.Region, 0, len(c.Refresh.Regions))
	for _, r := range c.Refresh.Regions {
		regions = append(regions, model.Region{Name: r.Name, Zips: append([]string(nil), r.Zips...)})
	}
	timeout := time.Duration(c.Refresh.ConnectorTimeoutSecs) * time.Second
	return Config{
		Regions:          regions,
		MaxConcurrent:    c.Refresh.MaxConcurrentConnectors,
		ConnectorTimeout: timeout,
		Retention:        time.Duration(c.Refresh.RetentionDays) * 24 * time.Hour,
		LockTimeout:      2*timeout + time.Hour,
		Strategies:       c.Scoring.Strategies,
	}
}

// Deps are the components a cycle drives.
type Deps struct {
	Store      store.LeadStore
	Connectors *connector.Registry
	Normalizer *normalize.Normalizer
	Merger     *merge.Engine
	Scorer     *scoring.Engine
	Breakers   *resilience.Breakers
	Metrics    *metrics.Recorder
	Cache      Invalidator
	Geocoder   Geocoder
}

// Orchestrator runs refresh cycles. Cycles for different regions may run
// concurrently; a region runs at most one cycle at a time.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	regions map[string]model.Region
	now     func() time.Time
	log     *zap.Logger
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ConnectorTimeout <= 0 {
		cfg.ConnectorTimeout = 5 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2*cfg.ConnectorTimeout + time.Hour
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(nil)
	}
	regions := make(map[string]model.Region, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[r.Name] = r
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		regions: regions,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "refresh")),
	}
}

// Region returns a configured region.
func (o *Orchestrator) Region(name string) (model.Region, error) {
	r, ok := o.regions[name]
	if !ok {
		return model.Region{}, eris.Wrapf(model.ErrNotFound, "refresh: unknown region %q", name)
	}
	return r, nil
}

// Regions returns the configured region names in order.
func (o *Orchestrator) Regions() []string {
	names := make([]string, 0, len(o.regions))
	for n := range o.regions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// JobState returns the region's job-state record.
func (o *Orchestrator) JobState(ctx context.Context, region string) (*model.JobState, error) {
	if _, err := o.Region(region); err != nil {
		return nil, err
	}
	return o.deps.Store.JobState(ctx, region)
}

// Refresh runs one cycle for region. A region that is already running is
// rejected with model.ErrRefreshInProgress. Connector failures are reported
// in the result; only store unavailability fails the cycle, and cancellation
// keeps whatever was merged before it.
func (o *Orchestrator) Refresh(ctx context.Context, regionName string) (*model.JobResult, error) {
	region, err := o.Region(regionName)
	if err != nil {
		return nil, err
	}

	started := o.now().UTC()
	runID := uuid.NewString()
	job := model.JobState{Region: region.Name, State: model.RefreshRunning, RunID: runID, StartedAt: &started}
	if err := o.deps.Store.AcquireRegion(ctx, job, started.Add(-o.cfg.LockTimeout)); err != nil {
		if errors.Is(err, model.ErrRefreshInProgress) {
			o.log.Warn("refresh rejected, region busy", zap.String("region", region.Name))
		}
		return nil, err
	}

	log := o.log.With(zap.String("region", region.Name), zap.String("run_id", runID))
	log.Info("refresh started")

	res := &model.JobResult{
		RunID:            runID,
		Region:           region.Name,
		FailedConnectors: []model.ConnectorFailure{},
		StartedAt:        started,
	}
	cyc := newCycle()
	fatal := o.fanOut(ctx, region, cyc, log)

	res.Stats = cyc.stats
	res.SkipReasons = cyc.skips
	res.FailedConnectors = append(res.FailedConnectors, cyc.failures...)
	sort.Slice(res.FailedConnectors, func(i, j int) bool {
		return res.FailedConnectors[i].Connector < res.FailedConnectors[j].Connector
	})

	// bookkeeping after the cycle must survive a cancelled caller
	bctx := context.WithoutCancel(ctx)

	var retErr error
	switch {
	case fatal != nil:
		res.Status = model.JobFailed
		res.Error = fatal.Error()
		retErr = fatal
	case ctx.Err() != nil:
		res.Status = model.JobCancelled
		res.Error = ctx.Err().Error()
		retErr = ctx.Err()
	case len(res.FailedConnectors) > 0:
		res.Status = model.JobPartiallyFailed
	default:
		res.Status = model.JobCompleted
	}

	if res.Status == model.JobCompleted || res.Status == model.JobPartiallyFailed {
		if err := o.finish(bctx, region, cyc, res, log); err != nil {
			res.Status = model.JobFailed
			res.Error = err.Error()
			retErr = err
		}
	}
	if res.Stats.Created+res.Stats.Updated+res.Stats.Revived+res.Stats.MarkedStale > 0 && o.deps.Cache != nil {
		if err := o.deps.Cache.Invalidate(bctx); err != nil {
			log.Warn("query cache invalidation failed", zap.Error(err))
		}
	}

	res.FinishedAt = o.now().UTC()
	if err := o.deps.Store.ReleaseRegion(bctx, res); err != nil {
		log.Error("release region failed", zap.Error(err))
		if retErr == nil {
			retErr = err
		}
	}

	elapsed := res.FinishedAt.Sub(started)
	o.deps.Metrics.RefreshFinished(region.Name, string(res.Status), elapsed)
	for name, cb := range o.deps.Breakers.States() {
		o.deps.Metrics.CircuitState(name, int(cb))
	}

	log.Info("refresh finished",
		zap.String("status", string(res.Status)),
		zap.Int("fetched", res.Stats.Fetched),
		zap.Int("created", res.Stats.Created),
		zap.Int("updated", res.Stats.Updated),
		zap.Int("conflicts", res.Stats.Conflicts),
		zap.Int("skipped", res.Stats.Skipped),
		zap.Int("failed_connectors", len(res.FailedConnectors)),
		zap.Duration("elapsed", elapsed),
	)
	return res, retErr
}

// finish refreshes last-seen times and, after a complete cycle, marks leads
// unseen past the retention window stale.
func (o *Orchestrator) finish(ctx context.Context, region model.Region, cyc *cycle, res *model.JobResult, log *zap.Logger) error {
	revived, err := o.deps.Store.Touch(ctx, cyc.seenIDs(), res.StartedAt)
	if err != nil {
		return eris.Wrap(err, "refresh: touch seen leads")
	}
	res.Stats.Revived = revived
	if res.Status != model.JobCompleted || o.cfg.Retention <= 0 {
		return nil
	}
	n, err := o.deps.Store.MarkStale(ctx, region.Name, res.StartedAt.Add(-o.cfg.Retention))
	if err != nil {
		return eris.Wrap(err, "refresh: mark stale")
	}
	res.Stats.MarkedStale = n
	o.deps.Metrics.MarkedStale(region.Name, n)
	if n > 0 {
		log.Info("leads marked stale", zap.Int("count", n))
	}
	return nil
}

// fanOut runs every connector concurrently and returns the first store
// failure, which cancels the remaining connectors.
func (o *Orchestrator) fanOut(ctx context.Context, region model.Region, cyc *cycle, log *zap.Logger) error {
	conns := o.deps.Connectors.All()
	if len(conns) == 0 {
		log.Warn("no connectors configured")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)

	for _, c := range conns {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			st, failure, fatal := o.runConnector(gctx, c, region)
			cyc.add(st, failure)
			o.recordMetrics(c.Name(), st, failure)
			if failure != nil {
				log.Error("connector failed", zap.String("connector", c.Name()), zap.String("reason", failure.Reason))
			}
			return fatal
		})
	}
	return g.Wait()
}

func (o *Orchestrator) recordMetrics(name string, st *connStats, failure *model.ConnectorFailure) {
	m := o.deps.Metrics
	m.Record(name, "fetched", st.Fetched)
	m.Record(name, "created", st.Created)
	m.Record(name, "updated", st.Updated)
	m.Record(name, "unchanged", st.Unchanged)
	m.Record(name, "conflict", st.Conflicts)
	m.Record(name, "skipped", st.Skipped)
	if failure != nil {
		m.ConnectorFailed(name)
	}
}

// runConnector drains one connector under its circuit breaker and timeout.
// It returns the connector's stats, a failure when the connector itself
// failed, and a non-nil error only when the store became unavailable.
func (o *Orchestrator) runConnector(ctx context.Context, c connector.Connector, region model.Region) (*connStats, *model.ConnectorFailure, error) {
	st := newConnStats()
	apply := func(_ context.Context, lead *model.CanonicalLead) (bool, error) {
		if o.deps.Scorer == nil {
			return false, nil
		}
		out, err := o.deps.Scorer.ScoreAll(lead, o.cfg.Strategies)
		st.Scored += out.Scored
		st.ScoreSkipped += out.Skipped
		return out.Changed, err
	}

	var fatal error
	err := o.deps.Breakers.For(c.Name()).Execute(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectorTimeout)
		defer cancel()

		records, errs := c.Fetch(cctx, region)
		for rec := range records {
			if err := o.process(cctx, rec, region, st, apply); err != nil {
				fatal = err
				cancel()
				break
			}
		}
		// let the connector observe cancellation and close its channels
		for range records {
		}
		fetchErr := <-errs

		switch {
		case fatal != nil:
			return nil
		case fetchErr != nil:
			return fetchErr
		case errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return eris.Wrapf(cctx.Err(), "refresh: connector %s timed out", c.Name())
		}
		return nil
	})

	if fatal != nil {
		return st, nil, fatal
	}
	if err != nil && ctx.Err() == nil {
		return st, &model.ConnectorFailure{Connector: c.Name(), Reason: err.Error()}, nil
	}
	return st, nil, nil
}

// process normalizes, filters and merges one record. It returns an error
// only when the store is unavailable.
func (o *Orchestrator) process(ctx context.Context, rec model.RawRecord, region model.Region, st *connStats, apply merge.ApplyFunc) error {
	st.Fetched++
	norm, err := o.deps.Normalizer.Normalize(rec)
	if err != nil {
		st.skip(normalize.SkipReason(err))
		o.log.Debug("record skipped",
			zap.String("provider", rec.Provider),
			zap.String("source_ref", rec.SourceRef),
			zap.Error(err),
		)
		return nil
	}
	st.Normalized++
	if !region.HasZip(norm.Address.Zip) {
		st.skip(SkipOutOfRegion)
		return nil
	}
	norm.Region = region.Name
	if norm.Location == nil && o.deps.Geocoder != nil {
		o.locate(ctx, &norm)
	}

	result, err := o.deps.Merger.Merge(ctx, norm, apply)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
		st.skip(SkipMergeError)
		o.log.Warn("merge failed",
			zap.String("provider", norm.Provider),
			zap.String("source_ref", norm.SourceRef),
			zap.Error(err),
		)
		return nil
	}

	switch {
	case result.Kind == model.MergePendingConflict:
		st.Conflicts++
	case result.Created:
		st.Created++
	case result.Changed:
		st.Updated++
	default:
		st.Unchanged++
	}
	if result.Lead != nil {
		st.seen[result.Lead.ID] = struct{}{}
	}
	return nil
}

// connStats is owned by one connector goroutine.
type connStats struct {
	model.JobStats
	skips map[string]int
	seen  map[string]struct{}
}

func newConnStats() *connStats {
	return &connStats{skips: make(map[string]int), seen: make(map[string]struct{})}
}

func (s *connStats) skip(reason string) {
	s.Skipped++
	s.skips[reason]++
}

// cycle merges per-connector results.
type cycle struct {
	mu       sync.Mutex
	stats    model.JobStats
	skips    map[string]int
	seen     map[string]struct{}
	failures []model.ConnectorFailure
}

func newCycle() *cycle {
	return &cycle{skips: make(map[string]int), seen: make(map[string]struct{})}
}

func (c *cycle) add(st *connStats, failure *model.ConnectorFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Add(st.JobStats)
	for k, v := range st.skips {
		c.skips[k] += v
	}
	for id := range st.seen {
		c.seen[id] = struct{}{}
	}
	if failure != nil {
		c.failures = append(c.failures, *failure)
	}
}

func (c *cycle) seenIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.seen))
	for id := range c.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// locate geocodes a record in place. Lookup failures leave the record
// without a location; merging falls back to address similarity.
func (o *Orchestrator) locate(ctx context.Context, rec *model.NormalizedRecord) {
	loc, err := o.deps.Geocoder.Locate(ctx, rec.Address)
	switch {
	case err != nil:
		o.deps.Metrics.Geocoded("error")
		o.log.Debug("geocode failed",
			zap.String("provider", rec.Provider),
			zap.String("source_ref", rec.SourceRef),
			zap.Error(err),
		)
	case loc == nil:
		o.deps.Metrics.Geocoded("unmatched")
	default:
		o.deps.Metrics.Geocoded("matched")
		rec.Location = loc
	}
}
