package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/config"
	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type strategySet map[string]bool

func (s strategySet) Has(name string) bool { return s[name] }

var known = strategySet{"rental": true, "flip": true}

func lead(id, zip string, score float64, merged time.Time) *model.CanonicalLead {
	price := 100000.0
	return &model.CanonicalLead{
		ID:           id,
		IdentityKey:  "addr:" + id,
		Keys:         []string{"addr:" + id},
		Region:       "metro",
		Address:      model.Address{Line: "1 " + id + " ST", City: "BIRMINGHAM", State: "MI", Zip: zip},
		Attributes:   model.Attributes{Price: &price},
		LastMergedAt: merged,
		LastSeenAt:   merged,
		Scores: map[string]model.StrategyScore{
			"rental": {LeadID: id, Strategy: "rental", Version: "v1", Score: score, InputHash: "h", ComputedAt: merged},
		},
	}
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		zip := "48009"
		if i%4 == 0 {
			zip = "48084"
		}
		l := lead(fmt.Sprintf("L%02d", i), zip, float64(i%7)*10, t0.Add(time.Duration(i%3)*time.Hour))
		require.NoError(t, st.Upsert(ctx, l))
	}
	return st
}

func TestTopLeads_ZipStrategyLimit(t *testing.T) {
	svc := NewService(seeded(t), known)

	got, err := svc.TopLeads(context.Background(), store.TopQuery{Zip: "48009", Strategy: "rental", Limit: 25})
	require.NoError(t, err)
	assert.Len(t, got, 25)
	for _, s := range got {
		assert.Equal(t, "48009", s.Address.Zip)
	}
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Score > got[j].Score }))
	for i := 1; i < len(got); i++ {
		a, b := got[i-1], got[i]
		if a.Score == b.Score {
			if a.LastMerged.Equal(b.LastMerged) {
				assert.Less(t, a.ID, b.ID)
			} else {
				assert.True(t, a.LastMerged.After(b.LastMerged))
			}
		}
	}
}

func TestTopLeads_Deterministic(t *testing.T) {
	svc := NewService(seeded(t), known)
	q := store.TopQuery{Region: "metro", Strategy: "rental", Limit: 200}
	first, err := svc.TopLeads(context.Background(), q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := svc.TopLeads(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Len(t, first, 40)
}

func TestTopLeads_Validation(t *testing.T) {
	svc := NewService(store.NewMemory(), known)
	ctx := context.Background()

	_, err := svc.TopLeads(ctx, store.TopQuery{Zip: "48009"})
	assert.Error(t, err)

	_, err = svc.TopLeads(ctx, store.TopQuery{Zip: "48009", Strategy: "wholesale"})
	var use *model.UnknownStrategyError
	assert.True(t, errors.As(err, &use))

	_, err = svc.TopLeads(ctx, store.TopQuery{Zip: "48009", Strategy: "rental", Limit: -1})
	assert.Error(t, err)

	got, err := svc.TopLeads(ctx, store.TopQuery{Zip: "48009", Strategy: "rental"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTopLeads_LimitDefaults(t *testing.T) {
	svc := NewService(seeded(t), known)
	got, err := svc.TopLeads(context.Background(), store.TopQuery{Region: "metro", Strategy: "rental"})
	require.NoError(t, err)
	assert.Len(t, got, store.DefaultTopLimit)
}

func TestScoreHistory(t *testing.T) {
	st := seeded(t)
	svc := NewService(st, known)
	ctx := context.Background()

	_, err := svc.ScoreHistory(ctx, "missing", "rental", 10)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = svc.ScoreHistory(ctx, "L01", "wholesale", 10)
	var use *model.UnknownStrategyError
	assert.True(t, errors.As(err, &use))

	l, err := svc.Lead(ctx, "L01")
	require.NoError(t, err)
	s := l.Scores["rental"]
	s.Version = "v2"
	s.Score = 99
	l.Scores["rental"] = s
	require.NoError(t, st.Upsert(ctx, l))

	hist, err := svc.ScoreHistory(ctx, "L01", "rental", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "v1", hist[0].Version)
}

// fakeRedis keeps values in a map and answers with go-redis result helpers.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	fail error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: make(map[string]string)} }

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStatusResult("", f.fail)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewIntResult(0, f.fail)
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

// countingStore counts QueryTop calls.
type countingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (c *countingStore) QueryTop(ctx context.Context, q store.TopQuery) ([]model.LeadSummary, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MemoryStore.QueryTop(ctx, q)
}

func TestTopLeads_RedisCache(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: seeded(t)}
	rec := metrics.New()
	svc := NewService(st, known, WithCache(newRedisCache(newFakeRedis(), time.Minute)), WithMetrics(rec))
	q := store.TopQuery{Zip: "48009", Strategy: "rental", Limit: 10}

	first, err := svc.TopLeads(ctx, q)
	require.NoError(t, err)
	second, err := svc.TopLeads(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, st.calls)

	require.NoError(t, st.Upsert(ctx, lead("TOP", "48009", 100, t0)))
	stale, err := svc.TopLeads(ctx, q)
	require.NoError(t, err)
	assert.NotEqual(t, "TOP", stale[0].ID)

	require.NoError(t, svc.Invalidate(ctx))
	fresh, err := svc.TopLeads(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "TOP", fresh[0].ID)
	assert.Equal(t, 2, st.calls)
}

func TestTopLeads_CacheFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	fr.fail = errors.New("connection reset")
	svc := NewService(seeded(t), known, WithCache(newRedisCache(fr, 0)))

	got, err := svc.TopLeads(ctx, store.TopQuery{Zip: "48009", Strategy: "rental", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Error(t, svc.Invalidate(ctx))
}

func TestCacheKey(t *testing.T) {
	price := 150000.0
	a := cacheKey(store.TopQuery{Zip: "48009", Strategy: "rental", Limit: 25})
	b := cacheKey(store.TopQuery{Zip: "48009", Strategy: "rental", Limit: 25, MaxPrice: &price})
	c := cacheKey(store.TopQuery{Zip: "48009", Strategy: "flip", Limit: 25})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "rental||48009|25|150000|false", b)
}

func TestNewRedisCache_Disabled(t *testing.T) {
	c, err := NewRedisCache(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, c.Close())
}
