// Package schedule runs region refreshes as Temporal workflows so they can be
// triggered on a cron schedule and retried when the lead store is down.
package schedule

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const defaultActivityTimeout = time.Hour

// Error types reported by RefreshRegion. Neither is retried.
const (
	ErrTypeInProgress    = "RefreshInProgress"
	ErrTypeUnknownRegion = "UnknownRegion"
)

// RefreshInput selects the regions one workflow run refreshes.
type RefreshInput struct {
	Regions         []string      `json:"regions"`
	ActivityTimeout time.Duration `json:"activity_timeout,omitempty"`
}

// RegionOutcome is the result of refreshing one region.
type RegionOutcome struct {
	Region           string   `json:"region"`
	Status           string   `json:"status"`
	RunID            string   `json:"run_id,omitempty"`
	FailedConnectors []string `json:"failed_connectors,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// RefreshOutput collects per-region outcomes in input order.
type RefreshOutput struct {
	Outcomes []RegionOutcome `json:"outcomes"`
}

// StatusSkipped marks a region that was busy or unknown.
const StatusSkipped = "skipped"

// RefreshWorkflow refreshes every input region in parallel. A failing region
// does not fail the workflow; its outcome carries the error.
func RefreshWorkflow(ctx workflow.Context, in RefreshInput) (RefreshOutput, error) {
	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeInProgress, ErrTypeUnknownRegion},
		},
	})
	log := workflow.GetLogger(ctx)

	var a *Activities
	futures := make([]workflow.Future, len(in.Regions))
	for i, region := range in.Regions {
		futures[i] = workflow.ExecuteActivity(ctx, a.RefreshRegion, region)
	}

	out := RefreshOutput{Outcomes: make([]RegionOutcome, len(in.Regions))}
	for i, f := range futures {
		outcome := RegionOutcome{Region: in.Regions[i]}
		if err := f.Get(ctx, &outcome); err != nil {
			outcome = RegionOutcome{Region: in.Regions[i], Status: "failed", Error: err.Error()}
			var appErr *temporal.ApplicationError
			if errors.As(err, &appErr) {
				switch appErr.Type() {
				case ErrTypeInProgress, ErrTypeUnknownRegion:
					outcome.Status = StatusSkipped
				}
			}
			log.Warn("region refresh did not complete", "region", in.Regions[i], "error", err)
		}
		out.Outcomes[i] = outcome
	}
	return out, nil
}
