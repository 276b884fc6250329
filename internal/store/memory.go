package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/leads-cli/internal/model"
)

// MemoryStore keeps everything in process. Reads are lock-free; writes are
// serialized so multi-map updates stay consistent.
type MemoryStore struct {
	mu        sync.Mutex
	leads     sync.Map // id -> *model.CanonicalLead
	keys      sync.Map // identity key -> lead id
	conflicts sync.Map // id -> *model.MergeConflict
	history   map[string][]model.StrategyScore
	jobs      map[string]model.JobState
	runs      map[string][]model.JobResult
	outbox    []*model.OutboxEvent
	webhooks  map[string]model.Webhook
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		history:  make(map[string][]model.StrategyScore),
		jobs:     make(map[string]model.JobState),
		runs:     make(map[string][]model.JobResult),
		webhooks: make(map[string]model.Webhook),
	}
}

// Upsert implements LeadStore.
func (s *MemoryStore) Upsert(_ context.Context, lead *model.CanonicalLead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := lead.Clone()
	var prev *model.CanonicalLead
	if v, ok := s.leads.Load(lead.ID); ok {
		prev = v.(*model.CanonicalLead)
	}
	for _, old := range supersededScores(prev, next) {
		hk := historyKey(lead.ID, old.Strategy)
		s.history[hk] = append(s.history[hk], old)
	}
	s.leads.Store(lead.ID, next)
	for _, k := range next.Keys {
		s.keys.LoadOrStore(k, next.ID)
	}
	return nil
}

// Get implements LeadStore.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.CanonicalLead, error) {
	v, ok := s.leads.Load(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	return v.(*model.CanonicalLead).Clone(), nil
}

// LookupKeys implements LeadStore.
func (s *MemoryStore) LookupKeys(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.keys.Load(k); ok {
			out[k] = v.(string)
		}
	}
	return out, nil
}

// ListByZip implements LeadStore.
func (s *MemoryStore) ListByZip(_ context.Context, zip string) ([]*model.CanonicalLead, error) {
	return s.filter(func(l *model.CanonicalLead) bool { return l.Address.Zip == zip }), nil
}

// ListByRegion implements LeadStore.
func (s *MemoryStore) ListByRegion(_ context.Context, region string) ([]*model.CanonicalLead, error) {
	return s.filter(func(l *model.CanonicalLead) bool { return l.Region == region }), nil
}

func (s *MemoryStore) filter(keep func(*model.CanonicalLead) bool) []*model.CanonicalLead {
	var out []*model.CanonicalLead
	s.leads.Range(func(_, v any) bool {
		l := v.(*model.CanonicalLead)
		if keep(l) {
			out = append(out, l.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryTop implements LeadStore.
func (s *MemoryStore) QueryTop(_ context.Context, q TopQuery) ([]model.LeadSummary, error) {
	var out []model.LeadSummary
	s.leads.Range(func(_, v any) bool {
		l := v.(*model.CanonicalLead)
		if matchesTop(l, q) {
			out = append(out, l.Summary(q.Strategy))
		}
		return true
	})
	SortSummaries(out)
	if limit := ClampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Touch implements LeadStore.
func (s *MemoryStore) Touch(_ context.Context, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revived := 0
	for _, id := range ids {
		v, ok := s.leads.Load(id)
		if !ok {
			continue
		}
		l := v.(*model.CanonicalLead).Clone()
		if l.Stale {
			revived++
		}
		l.LastSeenAt = at.UTC()
		l.Stale = false
		s.leads.Store(id, l)
	}
	return revived, nil
}

// MarkStale implements LeadStore.
func (s *MemoryStore) MarkStale(_ context.Context, region string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.leads.Range(func(k, v any) bool {
		l := v.(*model.CanonicalLead)
		if l.Region != region || l.Stale || !l.LastSeenAt.Before(cutoff) {
			return true
		}
		c := l.Clone()
		c.Stale = true
		s.leads.Store(k, c)
		n++
		return true
	})
	return n, nil
}

// ScoreHistory implements LeadStore.
func (s *MemoryStore) ScoreHistory(_ context.Context, leadID, strategy string, limit int) ([]model.StrategyScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[historyKey(leadID, strategy)]
	out := make([]model.StrategyScore, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveConflict implements LeadStore.
func (s *MemoryStore) SaveConflict(_ context.Context, c *model.MergeConflict) error {
	cp := *c
	cp.CandidateLeadIDs = append([]string(nil), c.CandidateLeadIDs...)
	s.conflicts.Store(c.ID, &cp)
	return nil
}

// GetConflict implements LeadStore.
func (s *MemoryStore) GetConflict(_ context.Context, id string) (*model.MergeConflict, error) {
	v, ok := s.conflicts.Load(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *v.(*model.MergeConflict)
	cp.CandidateLeadIDs = append([]string(nil), cp.CandidateLeadIDs...)
	return &cp, nil
}

// ListConflicts implements LeadStore.
func (s *MemoryStore) ListConflicts(_ context.Context, filter ConflictFilter) ([]model.MergeConflict, error) {
	var out []model.MergeConflict
	s.conflicts.Range(func(_, v any) bool {
		c := v.(*model.MergeConflict)
		if filter.Status == "" || c.Status == filter.Status {
			out = append(out, *c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AcquireRegion implements LeadStore.
func (s *MemoryStore) AcquireRegion(_ context.Context, job model.JobState, abandonedBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.Region]
	if ok && cur.State == model.RefreshRunning && cur.StartedAt != nil && !cur.StartedAt.Before(abandonedBefore) {
		return model.ErrRefreshInProgress
	}
	job.State = model.RefreshRunning
	if ok {
		job.LastResult = cur.LastResult
	}
	s.jobs[job.Region] = job
	return nil
}

// ReleaseRegion implements LeadStore.
func (s *MemoryStore) ReleaseRegion(_ context.Context, result *model.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := *result
	s.jobs[result.Region] = model.JobState{Region: result.Region, State: model.RefreshIdle, LastResult: &res}
	s.runs[result.Region] = append(s.runs[result.Region], res)
	return nil
}

// UnlockRegion implements LeadStore.
func (s *MemoryStore) UnlockRegion(_ context.Context, region, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[region]
	if !ok || cur.State != model.RefreshRunning || cur.RunID != runID {
		return nil
	}
	s.jobs[region] = model.JobState{Region: region, State: model.RefreshIdle, LastResult: cur.LastResult}
	return nil
}

// JobState implements LeadStore.
func (s *MemoryStore) JobState(_ context.Context, region string) (*model.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[region]
	if !ok {
		return &model.JobState{Region: region, State: model.RefreshIdle}, nil
	}
	return &js, nil
}

// ListRuns implements LeadStore.
func (s *MemoryStore) ListRuns(_ context.Context, region string, limit int) ([]model.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[region]
	out := make([]model.JobResult, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping implements LeadStore.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Migrate implements LeadStore.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close implements LeadStore.
func (s *MemoryStore) Close() error { return nil }

func historyKey(leadID, strategy string) string {
	return leadID + "\x1f" + strategy
}

// EnqueueEvent implements OutboxStore.
func (s *MemoryStore) EnqueueEvent(_ context.Context, ev *model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.outbox = append(s.outbox, &cp)
	return nil
}

// SaveEvent implements OutboxStore.
func (s *MemoryStore) SaveEvent(_ context.Context, ev *model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.outbox {
		if cur.ID == ev.ID {
			cp := *ev
			s.outbox[i] = &cp
			return nil
		}
	}
	return model.ErrNotFound
}

// ListEvents implements OutboxStore.
func (s *MemoryStore) ListEvents(_ context.Context, filter OutboxFilter) ([]model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxEvent
	for _, ev := range s.outbox {
		if !matchesOutbox(ev, filter) {
			continue
		}
		out = append(out, *ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveWebhook implements OutboxStore.
func (s *MemoryStore) SaveWebhook(_ context.Context, w *model.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.Name] = *w
	return nil
}

// GetWebhook implements OutboxStore.
func (s *MemoryStore) GetWebhook(_ context.Context, name string) (*model.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[name]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &w, nil
}

// ListWebhooks implements OutboxStore.
func (s *MemoryStore) ListWebhooks(_ context.Context, enabledOnly bool) ([]model.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		if enabledOnly && !w.Enabled {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
