package refresh

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
)

// Rescore re-runs the configured strategies over every lead in a region.
// Leads whose inputs and model versions are unchanged keep their scores; run
// it after swapping a model to move the region onto the new version. It holds
// the region like a refresh does, so a region mid-refresh is rejected with
// model.ErrRefreshInProgress.
func (o *Orchestrator) Rescore(ctx context.Context, regionName string) (model.JobStats, error) {
	var stats model.JobStats
	region, err := o.Region(regionName)
	if err != nil {
		return stats, err
	}
	if o.deps.Scorer == nil {
		return stats, eris.New("refresh: no scoring engine configured")
	}

	started := o.now().UTC()
	holder := "rescore-" + uuid.NewString()
	job := model.JobState{Region: region.Name, State: model.RefreshRunning, RunID: holder, StartedAt: &started}
	if err := o.deps.Store.AcquireRegion(ctx, job, started.Add(-o.cfg.LockTimeout)); err != nil {
		if errors.Is(err, model.ErrRefreshInProgress) {
			o.log.Warn("rescore rejected, region busy", zap.String("region", region.Name))
		}
		return stats, err
	}
	defer func() {
		if err := o.deps.Store.UnlockRegion(context.WithoutCancel(ctx), region.Name, holder); err != nil {
			o.log.Error("unlock region failed", zap.String("region", region.Name), zap.Error(err))
		}
	}()

	leads, err := o.deps.Store.ListByRegion(ctx, region.Name)
	if err != nil {
		return stats, err
	}
	apply := func(_ context.Context, lead *model.CanonicalLead) (bool, error) {
		out, err := o.deps.Scorer.ScoreAll(lead, o.cfg.Strategies)
		stats.Scored += out.Scored
		stats.ScoreSkipped += out.Skipped
		return out.Changed, err
	}

	for _, l := range leads {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		_, changed, err := o.deps.Merger.Update(ctx, l.ID, apply)
		if err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				return stats, err
			}
			o.log.Warn("rescore failed", zap.String("lead_id", l.ID), zap.Error(err))
			continue
		}
		if changed {
			stats.Updated++
		} else {
			stats.Unchanged++
		}
	}

	if stats.Updated > 0 && o.deps.Cache != nil {
		if err := o.deps.Cache.Invalidate(ctx); err != nil {
			o.log.Warn("query cache invalidation failed", zap.Error(err))
		}
	}
	o.log.Info("rescore finished",
		zap.String("region", region.Name),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("score_skipped", stats.ScoreSkipped),
	)
	return stats, nil
}
