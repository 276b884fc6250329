package schedule

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/config"
)

// CronWorkflowID identifies the recurring refresh workflow.
const CronWorkflowID = "lead-refresh-cron"

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{s: zap.L().With(zap.String("component", "temporal")).Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// Register adds the refresh workflow and activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(RefreshWorkflow)
	w.RegisterActivity(acts)
}

// NewWorker creates a worker on the configured task queue.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Start launches RefreshWorkflow. With a cron expression configured it starts
// (or reattaches to) the recurring workflow; otherwise it runs once.
func Start(ctx context.Context, c client.Client, cfg config.TemporalConfig, in RefreshInput) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:        "lead-refresh-" + time.Now().UTC().Format("20060102T150405"),
		TaskQueue: cfg.TaskQueue,
	}
	if cfg.Cron != "" {
		opts.ID = CronWorkflowID
		opts.CronSchedule = cfg.Cron
	}
	run, err := c.ExecuteWorkflow(ctx, opts, RefreshWorkflow, in)
	if err != nil {
		return nil, eris.Wrap(err, "schedule: start refresh workflow")
	}
	return run, nil
}

// zapLogger adapts zap to the Temporal SDK logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
