package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outcome"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record what happened to a lead after it was surfaced",
}

// -- outcome record --

var outcomeRecordCmd = &cobra.Command{
	Use:   "record <lead-id> <contacted|responded|appointment_set|under_contract|closed|dead>",
	Short: "Record a funnel step on a lead",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in := outcome.OutcomeInput{Type: model.OutcomeType(args[1])}
		in.Notes, _ = cmd.Flags().GetString("notes")
		in.Source, _ = cmd.Flags().GetString("source")
		at, err := occurredFlag(cmd)
		if err != nil {
			return err
		}
		in.OccurredAt = at
		if cmd.Flags().Changed("contract-price") {
			v, _ := cmd.Flags().GetFloat64("contract-price")
			in.ContractPrice = &v
		}
		if cmd.Flags().Changed("profit") {
			v, _ := cmd.Flags().GetFloat64("profit")
			in.RealizedProfit = &v
		}

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		ev, _, err := env.Outcomes.Record(ctx, args[0], in)
		if err != nil {
			return eris.Wrap(err, "outcome record")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	},
}

// -- outcome status --

var outcomeStatusCmd = &cobra.Command{
	Use:   "status <lead-id> <new|qualified|contacted|under_contract|closed|dead>",
	Short: "Set a lead's workflow status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in := outcome.StatusInput{Status: model.LeadStatus(args[1])}
		in.Notes, _ = cmd.Flags().GetString("notes")
		in.Source, _ = cmd.Flags().GetString("source")
		at, err := occurredFlag(cmd)
		if err != nil {
			return err
		}
		in.OccurredAt = at

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		lead, err := env.Outcomes.SetStatus(ctx, args[0], in)
		if err != nil {
			return eris.Wrap(err, "outcome status")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"lead_id":           lead.ID,
			"status":            lead.CurrentStatus(),
			"status_changed_at": lead.StatusChangedAt,
		})
	},
}

// occurredFlag parses --at as RFC 3339. Unset means now.
func occurredFlag(cmd *cobra.Command) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString("at")
	if raw == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "parse --at %q", raw)
	}
	return &at, nil
}

func init() {
	for _, c := range []*cobra.Command{outcomeRecordCmd, outcomeStatusCmd} {
		c.Flags().String("notes", "", "free-text notes")
		c.Flags().String("source", outcome.DefaultSource, "who or what reported the change")
		c.Flags().String("at", "", "when it happened, RFC 3339 (default: now)")
	}
	outcomeRecordCmd.Flags().Float64("contract-price", 0, "contract price")
	outcomeRecordCmd.Flags().Float64("profit", 0, "realized profit")

	outcomeCmd.AddCommand(outcomeRecordCmd)
	outcomeCmd.AddCommand(outcomeStatusCmd)
	rootCmd.AddCommand(outcomeCmd)
}
