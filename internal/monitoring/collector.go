package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

// maxRunsPerRegion bounds how much run history one collection reads.
const maxRunsPerRegion = 500

// RegionHealth summarizes one region's refresh runs within the lookback window.
type RegionHealth struct {
	Region          string     `json:"region"`
	Runs            int        `json:"runs"`
	Completed       int        `json:"completed"`
	PartiallyFailed int        `json:"partially_failed"`
	Failed          int        `json:"failed"`
	Cancelled       int        `json:"cancelled"`
	FailRate        float64    `json:"fail_rate"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	Running         bool       `json:"running"`
}

// MetricsSnapshot holds a point-in-time view of refresh health.
type MetricsSnapshot struct {
	Regions          []RegionHealth `json:"regions"`
	PendingConflicts int            `json:"pending_conflicts"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the subset of store.LeadStore the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, region string, limit int) ([]model.JobResult, error)
	JobState(ctx context.Context, region string) (*model.JobState, error)
	ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]model.MergeConflict, error)
}

// Collector gathers refresh health from the lead store.
type Collector struct {
	store   RunSource
	regions []string
	now     func() time.Time
}

// NewCollector creates a collector for the given regions.
func NewCollector(st RunSource, regions []string) *Collector {
	return &Collector{store: st, regions: regions, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	for _, region := range c.regions {
		h := RegionHealth{Region: region}

		runs, err := c.store.ListRuns(ctx, region, maxRunsPerRegion)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list runs for %s", region)
		}
		for _, r := range runs {
			// a success outside the window still counts as the last success
			if r.Status == model.JobCompleted || r.Status == model.JobPartiallyFailed {
				if h.LastSuccessAt == nil || r.FinishedAt.After(*h.LastSuccessAt) {
					at := r.FinishedAt
					h.LastSuccessAt = &at
				}
			}
			if r.StartedAt.Before(cutoff) {
				continue
			}
			h.Runs++
			switch r.Status {
			case model.JobCompleted:
				h.Completed++
			case model.JobPartiallyFailed:
				h.PartiallyFailed++
			case model.JobFailed:
				h.Failed++
			case model.JobCancelled:
				h.Cancelled++
			}
		}
		if finished := h.Completed + h.PartiallyFailed + h.Failed; finished > 0 {
			h.FailRate = float64(h.Failed+h.PartiallyFailed) / float64(finished)
		}

		state, err := c.store.JobState(ctx, region)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: job state for %s", region)
		}
		h.Running = state.State == model.RefreshRunning

		snap.Regions = append(snap.Regions, h)
	}

	pending, err := c.store.ListConflicts(ctx, store.ConflictFilter{Status: model.ConflictPending})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending conflicts")
	}
	snap.PendingConflicts = len(pending)

	return snap, nil
}
