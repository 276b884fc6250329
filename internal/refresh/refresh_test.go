package refresh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/connector"
	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/normalize"
	"github.com/sells-group/leads-cli/internal/resilience"
	"github.com/sells-group/leads-cli/internal/scoring"
	"github.com/sells-group/leads-cli/internal/store"
)

var metro = model.Region{Name: "metro", Zips: []string{"48009", "48084"}}

type fakeConnector struct {
	name    string
	records []model.RawRecord
	err     error
	block   bool
	onBlock func()
	calls   atomic.Int32
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Fetch(ctx context.Context, _ model.Region) (<-chan model.RawRecord, <-chan error) {
	f.calls.Add(1)
	out := make(chan model.RawRecord)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, r := range f.records {
			select {
			case out <- r:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if f.block {
			if f.onBlock != nil {
				f.onBlock()
			}
			<-ctx.Done()
			errc <- ctx.Err()
			return
		}
		if f.err != nil {
			errc <- f.err
		}
	}()
	return out, errc
}

type countingCache struct{ n atomic.Int32 }

func (c *countingCache) Invalidate(context.Context) error {
	c.n.Add(1)
	return nil
}

type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) Upsert(context.Context, *model.CanonicalLead) error {
	return errors.New("connection refused")
}

func raw(provider, ref, line, zip string, price float64) model.RawRecord {
	return model.RawRecord{
		Provider:  provider,
		SourceRef: ref,
		FetchedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			"addressLine1": line,
			"city":         "Birmingham",
			"state":        "MI",
			"zipCode":      zip,
			"price":        price,
			"rentEstimate": 1500.0,
			"bedrooms":     3.0,
		},
	}
}

type harness struct {
	orch  *Orchestrator
	store store.LeadStore
	cache *countingCache
	score *scoring.Engine
}

func newHarness(t *testing.T, st store.LeadStore, cfg Config, conns ...connector.Connector) *harness {
	t.Helper()
	reg := connector.NewRegistry()
	for _, c := range conns {
		require.NoError(t, reg.Register(c))
	}
	scorer := scoring.NewEngine()
	require.NoError(t, scorer.Configure([]string{scoring.StrategyRental, scoring.StrategyFlip}, nil))
	cache := &countingCache{}
	if cfg.Regions == nil {
		cfg.Regions = []model.Region{metro}
	}
	orch := New(Deps{
		Store:      st,
		Connectors: reg,
		Normalizer: normalize.New([]string{normalize.TypeSingleFamily, normalize.TypeCondo}),
		Merger:     merge.NewEngine(st, merge.Config{}),
		Scorer:     scorer,
		Metrics:    metrics.New(),
		Cache:      cache,
	}, cfg)
	return &harness{orch: orch, store: st, cache: cache, score: scorer}
}

func TestRefresh_Completed(t *testing.T) {
	ctx := context.Background()
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
		raw("mls", "m2", "2 Oak Ave", "48084", 150000),
	}}
	county := &fakeConnector{name: "county", records: []model.RawRecord{
		raw("county", "c1", "1 Main Street", "48009", 195000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls, county)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Status)
	assert.Empty(t, res.FailedConnectors)
	assert.Equal(t, 3, res.Stats.Fetched)
	assert.Equal(t, 2, res.Stats.Created)
	assert.Equal(t, 1, res.Stats.Updated)
	assert.Equal(t, 6, res.Stats.Scored)
	assert.Equal(t, int32(1), h.cache.n.Load())

	top, err := h.store.QueryTop(ctx, store.TopQuery{Zip: "48009", Strategy: scoring.StrategyRental})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "1 MAIN ST", top[0].Address.Line)

	job, err := h.orch.JobState(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.RefreshIdle, job.State)
	require.NotNil(t, job.LastResult)
	assert.Equal(t, res.RunID, job.LastResult.RunID)

	runs, err := h.store.ListRuns(ctx, "metro", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRefresh_Idempotent(t *testing.T) {
	ctx := context.Background()
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
		raw("mls", "m2", "2 Oak Ave", "48084", 150000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)

	_, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	first, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Created)
	assert.Equal(t, 0, res.Stats.Updated)
	assert.Equal(t, 2, res.Stats.Unchanged)
	assert.Equal(t, int32(1), h.cache.n.Load())

	second, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Scores, second[i].Scores)
		assert.Equal(t, first[i].Provenance, second[i].Provenance)
	}
}

func TestRefresh_PartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	good := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
	}}
	bad := &fakeConnector{name: "county", records: []model.RawRecord{
		raw("county", "c1", "9 Elm Rd", "48084", 120000),
	}, err: errors.New("feed truncated")}
	st := store.NewMemory()

	old := &model.CanonicalLead{
		ID: "old", Region: "metro", IdentityKey: "addr:old",
		Address:    model.Address{Line: "5 GONE ST", City: "BIRMINGHAM", State: "MI", Zip: "48009"},
		LastSeenAt: time.Now().Add(-90 * 24 * time.Hour),
	}
	require.NoError(t, st.Upsert(ctx, old))

	h := newHarness(t, st, Config{Retention: 30 * 24 * time.Hour}, good, bad)
	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobPartiallyFailed, res.Status)
	require.Len(t, res.FailedConnectors, 1)
	assert.Equal(t, "county", res.FailedConnectors[0].Connector)
	assert.Contains(t, res.FailedConnectors[0].Reason, "feed truncated")
	assert.Equal(t, 2, res.Stats.Created)

	// stale marking waits for a complete cycle
	got, err := st.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, got.Stale)
	assert.Equal(t, 0, res.Stats.MarkedStale)
}

func TestRefresh_MarksStaleAfterCompletedCycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	old := &model.CanonicalLead{
		ID: "old", Region: "metro", IdentityKey: "addr:old",
		Address:    model.Address{Line: "5 GONE ST", City: "BIRMINGHAM", State: "MI", Zip: "48009"},
		LastSeenAt: time.Now().Add(-90 * 24 * time.Hour),
	}
	require.NoError(t, st.Upsert(ctx, old))

	mls := &fakeConnector{name: "mls", records: []model.RawRecord{raw("mls", "m1", "1 Main St", "48009", 200000)}}
	h := newHarness(t, st, Config{Retention: 30 * 24 * time.Hour}, mls)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Status)
	assert.Equal(t, 1, res.Stats.MarkedStale)

	got, err := st.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, got.Stale)

	leads, err := st.ListByZip(ctx, "48009")
	require.NoError(t, err)
	for _, l := range leads {
		if l.ID != "old" {
			assert.False(t, l.Stale)
		}
	}
}

func TestRefresh_RevivedLeadInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)

	_, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	require.Equal(t, int32(1), h.cache.n.Load())

	n, err := h.store.MarkStale(ctx, "metro", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// same observation again: nothing merges, but the lead comes back
	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Created)
	assert.Equal(t, 0, res.Stats.Updated)
	assert.Equal(t, 1, res.Stats.Unchanged)
	assert.Equal(t, 1, res.Stats.Revived)
	assert.Equal(t, int32(2), h.cache.n.Load())

	leads, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.False(t, leads[0].Stale)
}

type feedOpener struct{ data []byte }

func (o *feedOpener) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func TestRefresh_UnchangedFeedIsUnchanged(t *testing.T) {
	ctx := context.Background()
	opener := &feedOpener{data: []byte("apn,address,city,state,zip,price\n" +
		"P1,1 Main St,Birmingham,MI,48009,200000\n" +
		"P2,2 Oak Ave,Birmingham,MI,48084,150000\n")}
	feed := connector.NewFeed("county", "/data/county.csv", "", nil, opener)
	h := newHarness(t, store.NewMemory(), Config{}, feed)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	require.Equal(t, 2, res.Stats.Created)

	res, err = h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Created)
	assert.Equal(t, 0, res.Stats.Updated)
	assert.Equal(t, 2, res.Stats.Unchanged)

	leads, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)
	for _, l := range leads {
		assert.Len(t, l.Provenance, 1)
	}
}

func TestRefresh_SkipReasons(t *testing.T) {
	ctx := context.Background()
	outside := raw("mls", "m2", "7 Far Rd", "49503", 100000)
	badZip := raw("mls", "m3", "8 Near Rd", "48009", 100000)
	badZip.Fields["zipCode"] = "4"
	land := raw("mls", "m4", "9 Lot Ln", "48009", 50000)
	land.Fields["propertyType"] = "Land"

	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000), outside, badZip, land,
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Status)
	assert.Equal(t, 4, res.Stats.Fetched)
	assert.Equal(t, 1, res.Stats.Created)
	assert.Equal(t, 3, res.Stats.Skipped)
	assert.Equal(t, 1, res.SkipReasons[SkipOutOfRegion])
	assert.Equal(t, 1, res.SkipReasons["invalid::zip"])
	assert.Equal(t, 1, res.SkipReasons[normalize.TypeDropReason(normalize.PropertyType("Land"))])
}

func TestRefresh_InProgressRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()
	require.NoError(t, st.AcquireRegion(ctx, model.JobState{
		Region: "metro", State: model.RefreshRunning, RunID: "other", StartedAt: &now,
	}, time.Time{}))

	mls := &fakeConnector{name: "mls"}
	h := newHarness(t, st, Config{}, mls)

	_, err := h.orch.Refresh(ctx, "metro")
	assert.True(t, errors.Is(err, model.ErrRefreshInProgress))
	assert.Equal(t, int32(0), mls.calls.Load())
}

func TestRefresh_UnknownRegion(t *testing.T) {
	h := newHarness(t, store.NewMemory(), Config{})
	_, err := h.orch.Refresh(context.Background(), "nowhere")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, []string{"metro"}, h.orch.Regions())
}

func TestRefresh_StoreUnavailableFailsCycle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	st := unavailableStore{MemoryStore: mem}
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
	}}
	h := newHarness(t, st, Config{}, mls)

	res, err := h.orch.Refresh(ctx, "metro")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	require.NotNil(t, res)
	assert.Equal(t, model.JobFailed, res.Status)
	assert.Empty(t, res.FailedConnectors)

	job, err := mem.JobState(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.RefreshIdle, job.State)
	assert.Equal(t, model.JobFailed, job.LastResult.Status)
}

func TestRefresh_CancelledKeepsMergedLeads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	slow := &fakeConnector{
		name:    "mls",
		records: []model.RawRecord{raw("mls", "m1", "1 Main St", "48009", 200000)},
		block:   true,
	}
	h := newHarness(t, st, Config{}, slow)

	merged := make(chan struct{})
	slow.onBlock = func() {
		assert.Eventually(t, func() bool {
			leads, _ := st.ListByZip(context.Background(), "48009")
			return len(leads) == 1
		}, time.Second, 5*time.Millisecond)
		close(merged)
		cancel()
	}

	res, err := h.orch.Refresh(ctx, "metro")
	<-merged
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.JobCancelled, res.Status)
	assert.Empty(t, res.FailedConnectors)

	leads, err := st.ListByZip(context.Background(), "48009")
	require.NoError(t, err)
	assert.Len(t, leads, 1)

	job, err := st.JobState(context.Background(), "metro")
	require.NoError(t, err)
	assert.Equal(t, model.RefreshIdle, job.State)
}

func TestRefresh_ConnectorTimeout(t *testing.T) {
	ctx := context.Background()
	slow := &fakeConnector{name: "slow", block: true}
	fast := &fakeConnector{name: "fast", records: []model.RawRecord{raw("fast", "f1", "1 Main St", "48009", 200000)}}
	h := newHarness(t, store.NewMemory(), Config{ConnectorTimeout: 50 * time.Millisecond}, slow, fast)

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobPartiallyFailed, res.Status)
	require.Len(t, res.FailedConnectors, 1)
	assert.Equal(t, "slow", res.FailedConnectors[0].Connector)
	assert.Equal(t, 1, res.Stats.Created)
}

func TestRefresh_OpenCircuitSkipsConnector(t *testing.T) {
	ctx := context.Background()
	bad := &fakeConnector{name: "county", err: errors.New("503")}
	reg := connector.NewRegistry()
	require.NoError(t, reg.Register(bad))
	st := store.NewMemory()
	orch := New(Deps{
		Store:      st,
		Connectors: reg,
		Merger:     merge.NewEngine(st, merge.Config{}),
		Breakers: resilience.NewBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			ResetTimeout:     time.Hour,
		}),
	}, Config{Regions: []model.Region{metro}})

	res, err := orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobPartiallyFailed, res.Status)

	res, err = orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	require.Len(t, res.FailedConnectors, 1)
	assert.Contains(t, res.FailedConnectors[0].Reason, "circuit breaker is open")
	assert.Equal(t, int32(1), bad.calls.Load())
}

func TestRescore_AfterSwap(t *testing.T) {
	ctx := context.Background()
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
		raw("mls", "m2", "2 Oak Ave", "48084", 150000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)
	_, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	invalidations := h.cache.n.Load()

	stats, err := h.orch.Rescore(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 2, stats.Unchanged)

	h.score.Swap(scoring.NewRental(scoring.StrategyParams{Version: "rental-v2"}), nil)
	stats, err = h.orch.Rescore(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, invalidations+1, h.cache.n.Load())

	leads, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)
	for _, l := range leads {
		assert.Equal(t, "rental-v2", l.Scores[scoring.StrategyRental].Version)
	}

	history, err := h.store.ScoreHistory(ctx, leads[0].ID, scoring.StrategyRental, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRescore_HoldsRegion(t *testing.T) {
	ctx := context.Background()
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)
	_, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.store.AcquireRegion(ctx, model.JobState{
		Region: "metro", State: model.RefreshRunning, RunID: "running-refresh", StartedAt: &now,
	}, time.Time{}))

	_, err = h.orch.Rescore(ctx, "metro")
	assert.ErrorIs(t, err, model.ErrRefreshInProgress)

	js, err := h.store.JobState(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, "running-refresh", js.RunID)

	require.NoError(t, h.store.UnlockRegion(ctx, "metro", "running-refresh"))
	_, err = h.orch.Rescore(ctx, "metro")
	require.NoError(t, err)

	// the region is free again and no run was recorded for the rescore
	js, err = h.store.JobState(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.RefreshIdle, js.State)
	runs, err := h.store.ListRuns(ctx, "metro", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
}

type fakeGeocoder struct {
	locs  map[string]model.Location
	calls atomic.Int32
}

func (g *fakeGeocoder) Locate(_ context.Context, addr model.Address) (*model.Location, error) {
	g.calls.Add(1)
	if addr.Zip == "48084" {
		return nil, errors.New("geocoder unavailable")
	}
	loc, ok := g.locs[addr.Line]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func TestRefresh_GeocodesRecordsWithoutLocation(t *testing.T) {
	ctx := context.Background()
	located := raw("mls", "m3", "3 Elm St", "48009", 180000)
	located.Fields["latitude"] = 42.5
	located.Fields["longitude"] = -83.2
	mls := &fakeConnector{name: "mls", records: []model.RawRecord{
		raw("mls", "m1", "1 Main St", "48009", 200000),
		raw("mls", "m2", "2 Oak Ave", "48084", 150000),
		located,
		raw("mls", "m4", "4 Pine St", "48009", 170000),
	}}
	h := newHarness(t, store.NewMemory(), Config{}, mls)
	geo := &fakeGeocoder{locs: map[string]model.Location{"1 MAIN ST": {Lat: 42.547, Lon: -83.211}}}
	h.orch.deps.Geocoder = geo

	res, err := h.orch.Refresh(ctx, "metro")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Status)
	assert.Equal(t, 4, res.Stats.Created)
	assert.Equal(t, int32(3), geo.calls.Load())

	leads, err := h.store.ListByRegion(ctx, "metro")
	require.NoError(t, err)
	byLine := make(map[string]*model.CanonicalLead)
	for _, l := range leads {
		byLine[l.Address.Line] = l
	}
	require.NotNil(t, byLine["1 MAIN ST"].Location)
	assert.InDelta(t, 42.547, byLine["1 MAIN ST"].Location.Lat, 0.0001)
	assert.Nil(t, byLine["2 OAK AVE"].Location)
	assert.Nil(t, byLine["4 PINE ST"].Location)
	require.NotNil(t, byLine["3 ELM ST"].Location)
	assert.InDelta(t, 42.5, byLine["3 ELM ST"].Location.Lat, 0.0001)
}
