package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a refresh cycle for a region",
	Long:  "Fetches every configured connector for the region, merges and scores the records, and prints the job result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		regions, _ := cmd.Flags().GetStringSlice("region")
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")
		if all {
			regions = env.Orchestrator.Regions()
		}
		if len(regions) == 0 {
			return eris.New("refresh: --region or --all is required")
		}

		var results []*model.JobResult
		var failed bool
		for _, region := range regions {
			res, err := env.Orchestrator.Refresh(ctx, region)
			if err != nil {
				zap.L().Error("refresh failed", zap.String("region", region), zap.Error(err))
				failed = true
			}
			if res != nil {
				results = append(results, res)
			}
			if ctx.Err() != nil {
				break
			}
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
		} else {
			formatJobResults(os.Stdout, results)
		}
		if failed {
			return eris.New("refresh: one or more regions failed")
		}
		return nil
	},
}

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Re-score every lead in a region with the current strategies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		region, _ := cmd.Flags().GetString("region")
		stats, err := env.Orchestrator.Rescore(ctx, region)
		if err != nil {
			return eris.Wrap(err, "rescore")
		}
		fmt.Fprintf(os.Stdout, "updated=%d unchanged=%d revived=%d score_skipped=%d\n", stats.Updated, stats.Unchanged, stats.Revived, stats.ScoreSkipped)
		return nil
	},
}

func init() {
	refreshCmd.Flags().StringSlice("region", nil, "region(s) to refresh")
	refreshCmd.Flags().Bool("all", false, "refresh every configured region")
	refreshCmd.Flags().Bool("json", false, "print results as JSON")

	rescoreCmd.Flags().String("region", "", "region to re-score")
	_ = rescoreCmd.MarkFlagRequired("region")

	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(rescoreCmd)
}

// formatJobResults writes a summary row per refresh cycle to w.
func formatJobResults(out io.Writer, results []*model.JobResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REGION\tRUN\tSTATUS\tFETCHED\tCREATED\tUPDATED\tCONFLICTS\tSKIPPED\tSTALE\tFAILED_CONNECTORS")
	for _, r := range results {
		failed := "-"
		if len(r.FailedConnectors) > 0 {
			failed = ""
			for i, f := range r.FailedConnectors {
				if i > 0 {
					failed += ","
				}
				failed += f.Connector
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Region,
			truncateID(r.RunID),
			r.Status,
			r.Stats.Fetched,
			r.Stats.Created,
			r.Stats.Updated,
			r.Stats.Conflicts,
			r.Stats.Skipped,
			r.Stats.MarkedStale,
			failed,
		)
	}
	_ = w.Flush()

	for _, r := range results {
		if len(r.SkipReasons) == 0 {
			continue
		}
		reasons := make([]string, 0, len(r.SkipReasons))
		for k := range r.SkipReasons {
			reasons = append(reasons, k)
		}
		sort.Strings(reasons)
		for _, k := range reasons {
			_, _ = fmt.Fprintf(out, "%s skipped %s: %d\n", r.Region, k, r.SkipReasons[k])
		}
	}
}
