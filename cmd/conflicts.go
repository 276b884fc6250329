package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve held merge conflicts",
}

// -- conflicts list --

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List merge conflicts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		conflicts, err := env.Store.ListConflicts(ctx, store.ConflictFilter{
			Status: model.ConflictStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "conflicts list")
		}

		if len(conflicts) == 0 {
			fmt.Fprintln(os.Stderr, "No conflicts found.")
			return nil
		}
		formatConflicts(os.Stdout, conflicts)
		return nil
	},
}

// -- conflicts resolve --

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Merge a held record into a lead, or into a new lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		leadID, _ := cmd.Flags().GetString("lead")
		lead, err := env.Merger.ResolveConflict(ctx, args[0], leadID, env.Scorer.Apply(cfg.Scoring.Strategies))
		if err != nil {
			return eris.Wrap(err, "conflicts resolve")
		}
		if err := env.Queries.Invalidate(ctx); err != nil {
			zap.L().Warn("query cache invalidation failed", zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lead)
	},
}

func init() {
	conflictsListCmd.Flags().String("status", string(model.ConflictPending), "filter by status (pending, resolved, or empty for all)")
	conflictsListCmd.Flags().Int("limit", 50, "max number of conflicts to display")

	conflictsResolveCmd.Flags().String("lead", "", "lead ID to merge into (default: create a new lead)")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

// formatConflicts writes a tabular list of conflicts to w.
func formatConflicts(out io.Writer, conflicts []model.MergeConflict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tADDRESS\tCANDIDATES\tCREATED")
	for _, c := range conflicts {
		candidates := make([]string, len(c.CandidateLeadIDs))
		for i, id := range c.CandidateLeadIDs {
			candidates[i] = truncateID(id)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(c.ID),
			c.Status,
			c.Record.Provider,
			c.Record.Address.String(),
			strings.Join(candidates, ","),
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
