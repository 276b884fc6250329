package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List the highest-scoring leads for a strategy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		q := store.TopQuery{}
		q.Zip, _ = cmd.Flags().GetString("zip")
		q.Region, _ = cmd.Flags().GetString("region")
		q.Strategy, _ = cmd.Flags().GetString("strategy")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.IncludeStale, _ = cmd.Flags().GetBool("include-stale")
		if cmd.Flags().Changed("max-price") {
			maxPrice, _ := cmd.Flags().GetFloat64("max-price")
			q.MaxPrice = &maxPrice
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		leads, err := env.Queries.TopLeads(ctx, q)
		if err != nil {
			return eris.Wrap(err, "top")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(leads)
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatTopLeads(os.Stdout, leads)
		return nil
	},
}

func init() {
	topCmd.Flags().String("zip", "", "filter by ZIP code")
	topCmd.Flags().String("region", "", "filter by region")
	topCmd.Flags().String("strategy", "rental", "strategy to rank by")
	topCmd.Flags().Int("limit", store.DefaultTopLimit, "max number of leads (capped at 200)")
	topCmd.Flags().Float64("max-price", 0, "only leads priced at or below this")
	topCmd.Flags().Bool("include-stale", false, "include leads not seen within the retention window")
	topCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(topCmd)
}

// formatTopLeads writes a ranked table of leads to w.
func formatTopLeads(out io.Writer, leads []model.LeadSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tSCORE\tPRICE\tADDRESS\tID\tLAST_MERGED")
	for i, l := range leads {
		price := "-"
		if l.Price != nil {
			price = fmt.Sprintf("$%.0f", *l.Price)
		}
		score := fmt.Sprintf("%.2f", l.Score)
		if l.Stale {
			score += "*"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1,
			score,
			price,
			l.Address.String(),
			truncateID(l.ID),
			l.LastMerged.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
