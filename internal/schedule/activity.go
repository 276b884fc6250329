package schedule

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
)

// Refresher runs one refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context, region string) (*model.JobResult, error)
}

// Activities are the Temporal activities backing RefreshWorkflow.
type Activities struct {
	Refresher Refresher
}

// RefreshRegion runs a cycle for region. Failed cycles return an error so the
// workflow retries them; busy and unknown regions are not retried.
func (a *Activities) RefreshRegion(ctx context.Context, region string) (RegionOutcome, error) {
	log := zap.L().With(zap.String("component", "schedule"), zap.String("region", region))

	res, err := a.Refresher.Refresh(ctx, region)
	switch {
	case errors.Is(err, model.ErrRefreshInProgress):
		return RegionOutcome{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInProgress, err)
	case errors.Is(err, model.ErrNotFound):
		return RegionOutcome{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownRegion, err)
	case err != nil:
		log.Error("scheduled refresh failed", zap.Error(err))
		return RegionOutcome{}, err
	}

	out := RegionOutcome{Region: res.Region, Status: string(res.Status), RunID: res.RunID}
	for _, f := range res.FailedConnectors {
		out.FailedConnectors = append(out.FailedConnectors, f.Connector)
	}
	log.Info("scheduled refresh finished", zap.String("status", out.Status), zap.String("run_id", out.RunID))
	return out, nil
}
