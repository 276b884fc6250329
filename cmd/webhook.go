package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outbox"
	"github.com/sells-group/leads-cli/internal/store"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage webhooks that receive lead workflow events",
}

var webhookAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a webhook",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		secret, _ := cmd.Flags().GetString("secret")
		w, err := outbox.Register(ctx, env.Store, args[0], args[1], secret, time.Now())
		if err != nil {
			return eris.Wrap(err, "webhook add")
		}
		formatWebhooks(os.Stdout, []model.Webhook{*w})
		return nil
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered webhooks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		hooks, err := env.Store.ListWebhooks(ctx, false)
		if err != nil {
			return eris.Wrap(err, "webhook list")
		}
		if len(hooks) == 0 {
			fmt.Fprintln(os.Stderr, "No webhooks registered.")
			return nil
		}
		formatWebhooks(os.Stdout, hooks)
		return nil
	},
}

func webhookToggle(enabled bool) *cobra.Command {
	use, short := "disable <name>", "Stop delivering to a webhook"
	if enabled {
		use, short = "enable <name>", "Resume delivering to a webhook and clear its failures"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := initEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.Close()

			w, err := outbox.Update(ctx, env.Store, args[0], outbox.WebhookPatch{Enabled: &enabled}, time.Now())
			if err != nil {
				return eris.Wrapf(err, "webhook %s", cmd.Name())
			}
			formatWebhooks(os.Stdout, []model.Webhook{*w})
			return nil
		},
	}
}

// -- outbox --

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and deliver pending workflow events",
}

var outboxDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending events to every enabled webhook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, _ := cmd.Flags().GetInt("batch-size")
		res, err := env.Dispatcher.Dispatch(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "outbox dispatch")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := env.Store.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "outbox list")
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		formatOutbox(os.Stdout, events)
		return nil
	},
}

func init() {
	webhookAddCmd.Flags().String("secret", "", "HMAC-SHA256 signing secret")
	webhookCmd.AddCommand(webhookAddCmd, webhookListCmd, webhookToggle(true), webhookToggle(false))
	rootCmd.AddCommand(webhookCmd)

	outboxDispatchCmd.Flags().Int("batch-size", 0, "max events to send (default from config)")
	outboxListCmd.Flags().String("status", string(model.OutboxPending), "filter by status (pending, delivered, failed, or empty for all)")
	outboxListCmd.Flags().Int("limit", 50, "max number of events to display")
	outboxCmd.AddCommand(outboxDispatchCmd, outboxListCmd)
	rootCmd.AddCommand(outboxCmd)
}

// formatWebhooks writes a table of webhooks with secrets hidden.
func formatWebhooks(out io.Writer, hooks []model.Webhook) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tFAILURES\tURL\tSECRET\tNOTE")
	for _, h := range hooks {
		h = h.Redacted()
		_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\t%s\n", h.Name, h.Enabled, h.Failures, h.URL, h.Secret, h.DisabledReason)
	}
	_ = w.Flush()
}

// formatOutbox writes a table of outbox events.
func formatOutbox(out io.Writer, events []model.OutboxEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tLEAD\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(ev.ID),
			ev.Type,
			truncateID(ev.LeadID),
			ev.Status,
			ev.Attempts,
			ev.CreatedAt.Format("2006-01-02 15:04"),
			ev.LastError,
		)
	}
	_ = w.Flush()
}
