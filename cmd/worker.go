package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/schedule"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for scheduled refreshes",
	Long:  "Polls the refresh task queue and runs RefreshWorkflow. With --schedule it also starts the cron workflow configured in temporal.cron.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := schedule.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		w := schedule.NewWorker(c, cfg.Temporal, &schedule.Activities{Refresher: env.Orchestrator})
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start temporal worker")
		}
		defer w.Stop()

		if start, _ := cmd.Flags().GetBool("schedule"); start {
			regions, _ := cmd.Flags().GetStringSlice("region")
			if len(regions) == 0 {
				regions = env.Orchestrator.Regions()
			}
			timeout := time.Duration(cfg.Refresh.ConnectorTimeoutSecs) * time.Second * 2
			run, err := schedule.Start(ctx, c, cfg.Temporal, schedule.RefreshInput{Regions: regions, ActivityTimeout: timeout})
			if err != nil {
				return err
			}
			zap.L().Info("refresh workflow started",
				zap.String("workflow_id", run.GetID()),
				zap.String("run_id", run.GetRunID()),
				zap.String("cron", cfg.Temporal.Cron),
				zap.Strings("regions", regions),
			)
		}

		zap.L().Info("temporal worker running", zap.String("task_queue", cfg.Temporal.TaskQueue))
		select {
		case <-ctx.Done():
		case <-worker.InterruptCh():
		}
		zap.L().Info("temporal worker stopping")
		return nil
	},
}

func init() {
	workerCmd.Flags().Bool("schedule", false, "start the refresh workflow (cron when temporal.cron is set)")
	workerCmd.Flags().StringSlice("region", nil, "regions for the scheduled workflow (default: all)")
	rootCmd.AddCommand(workerCmd)
}
