package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/leads-cli/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show refresh health per region and any alerts it would raise",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, alerts, err := newChecker(env).Check(ctx)
		if err != nil {
			return err
		}
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"snapshot": snap,
			"alerts":   alerts,
		})
	},
}

func newChecker(env *engineEnv) *monitoring.Checker {
	collector := monitoring.NewCollector(env.Store, env.Orchestrator.Regions())
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
