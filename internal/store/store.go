// Package store persists canonical leads, scores, merge conflicts,
// per-region refresh job state and the webhook outbox.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/leads-cli/internal/model"
)

// Query limits for top-leads requests.
const (
	DefaultTopLimit = 25
	MaxTopLimit     = 200
)

// TopQuery selects the highest-scoring leads for a strategy.
type TopQuery struct {
	Region       string   `json:"region,omitempty"`
	Zip          string   `json:"zip,omitempty"`
	Strategy     string   `json:"strategy"`
	Limit        int      `json:"limit,omitempty"`
	MaxPrice     *float64 `json:"max_price,omitempty"`
	IncludeStale bool     `json:"include_stale,omitempty"`
}

// ConflictFilter specifies criteria for listing merge conflicts.
type ConflictFilter struct {
	Status model.ConflictStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// OutboxFilter selects outbox events. MaxAttempts of zero means no limit.
type OutboxFilter struct {
	Status      model.OutboxStatus `json:"status,omitempty"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

// OutboxStore keeps outbox events and the webhooks they are delivered to.
// Events list oldest first.
type OutboxStore interface {
	EnqueueEvent(ctx context.Context, ev *model.OutboxEvent) error
	SaveEvent(ctx context.Context, ev *model.OutboxEvent) error
	ListEvents(ctx context.Context, filter OutboxFilter) ([]model.OutboxEvent, error)

	SaveWebhook(ctx context.Context, w *model.Webhook) error
	GetWebhook(ctx context.Context, name string) (*model.Webhook, error)
	ListWebhooks(ctx context.Context, enabledOnly bool) ([]model.Webhook, error)
}

// LeadStore defines the persistence interface for the lead engine.
// Not-found lookups return model.ErrNotFound.
type LeadStore interface {
	// Leads
	Upsert(ctx context.Context, lead *model.CanonicalLead) error
	Get(ctx context.Context, id string) (*model.CanonicalLead, error)
	LookupKeys(ctx context.Context, keys []string) (map[string]string, error)
	ListByZip(ctx context.Context, zip string) ([]*model.CanonicalLead, error)
	ListByRegion(ctx context.Context, region string) ([]*model.CanonicalLead, error)
	QueryTop(ctx context.Context, q TopQuery) ([]model.LeadSummary, error)
	// Touch records ids as seen at at and clears their stale flag. It
	// returns how many of them were stale before the call.
	Touch(ctx context.Context, ids []string, at time.Time) (int, error)
	MarkStale(ctx context.Context, region string, cutoff time.Time) (int, error)
	ScoreHistory(ctx context.Context, leadID, strategy string, limit int) ([]model.StrategyScore, error)

	// Conflicts
	SaveConflict(ctx context.Context, c *model.MergeConflict) error
	GetConflict(ctx context.Context, id string) (*model.MergeConflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.MergeConflict, error)

	// Refresh jobs
	AcquireRegion(ctx context.Context, job model.JobState, abandonedBefore time.Time) error
	ReleaseRegion(ctx context.Context, result *model.JobResult) error
	// UnlockRegion sets a region held by runID idle without recording a run.
	UnlockRegion(ctx context.Context, region, runID string) error
	JobState(ctx context.Context, region string) (*model.JobState, error)
	ListRuns(ctx context.Context, region string, limit int) ([]model.JobResult, error)

	OutboxStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ClampLimit applies the top-leads default and ceiling.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultTopLimit
	}
	if limit > MaxTopLimit {
		return MaxTopLimit
	}
	return limit
}

// matchesTop reports whether a lead passes the query filters.
func matchesTop(l *model.CanonicalLead, q TopQuery) bool {
	if _, ok := l.Scores[q.Strategy]; !ok {
		return false
	}
	if q.Region != "" && l.Region != q.Region {
		return false
	}
	if q.Zip != "" && l.Address.Zip != q.Zip {
		return false
	}
	if !q.IncludeStale && l.Stale {
		return false
	}
	if q.MaxPrice != nil && (l.Attributes.Price == nil || *l.Attributes.Price > *q.MaxPrice) {
		return false
	}
	return true
}

func matchesOutbox(ev *model.OutboxEvent, f OutboxFilter) bool {
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return f.MaxAttempts <= 0 || ev.Attempts < f.MaxAttempts
}

// SortSummaries orders by score desc, then most recently merged, then ID.
func SortSummaries(out []model.LeadSummary) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastMerged.Equal(b.LastMerged) {
			return a.LastMerged.After(b.LastMerged)
		}
		return a.ID < b.ID
	})
}

// supersededScores returns prior scores that next replaces with a different
// version or input.
func supersededScores(prev, next *model.CanonicalLead) []model.StrategyScore {
	if prev == nil {
		return nil
	}
	var out []model.StrategyScore
	for name, old := range prev.Scores {
		cur, ok := next.Scores[name]
		if !ok {
			continue
		}
		if cur.InputHash != old.InputHash || cur.Version != old.Version {
			out = append(out, old)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func sortedScoreNames(scores map[string]model.StrategyScore) []string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
