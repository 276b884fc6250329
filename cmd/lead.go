package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var leadCmd = &cobra.Command{
	Use:   "lead <lead-id>",
	Short: "Show a canonical lead with its provenance and scores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if strategy, _ := cmd.Flags().GetString("history"); strategy != "" {
			limit, _ := cmd.Flags().GetInt("limit")
			hist, err := env.Queries.ScoreHistory(ctx, args[0], strategy, limit)
			if err != nil {
				return eris.Wrap(err, "lead history")
			}
			return enc.Encode(hist)
		}

		lead, err := env.Queries.Lead(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "lead")
		}
		return enc.Encode(lead)
	},
}

func init() {
	leadCmd.Flags().String("history", "", "show superseded scores for this strategy instead")
	leadCmd.Flags().Int("limit", 50, "max history entries")
	rootCmd.AddCommand(leadCmd)
}
