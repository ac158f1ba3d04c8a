package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect the provider call ledger",
	Long:  "Commands for auditing billable provider calls and daily spend.",
}

// -- calls subject --

var callsSubjectCmd = &cobra.Command{
	Use:   "subject <subject-id>",
	Short: "List ledger rows for one subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		calls, err := st.ListCallsBySubject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "calls subject")
		}

		if len(calls) == 0 {
			fmt.Fprintln(os.Stderr, "No calls recorded for this subject.")
			return nil
		}

		formatCallsList(os.Stdout, calls)
		return nil
	},
}

// -- calls spend --

var callsSpendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Show today's spend against the daily cap",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

		spent, err := st.SumCostCents(ctx, providerName, dayStart, dayStart.Add(24*time.Hour))
		if err != nil {
			return eris.Wrap(err, "calls spend")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Provider:\t%s\n", providerName)
		_, _ = fmt.Fprintf(w, "UTC day:\t%s\n", dayStart.Format("2006-01-02"))
		_, _ = fmt.Fprintf(w, "Spent:\t$%.2f\n", float64(spent)/100)
		if capCents := cfg.Budget.DailyCapCents; capCents > 0 {
			_, _ = fmt.Fprintf(w, "Daily cap:\t$%.2f\n", float64(capCents)/100)
			_, _ = fmt.Fprintf(w, "Remaining:\t$%.2f\n", float64(capCents-spent)/100)
		} else {
			_, _ = fmt.Fprintln(w, "Daily cap:\tdisabled")
		}
		return w.Flush()
	},
}

func init() {
	callsCmd.AddCommand(callsSubjectCmd)
	callsCmd.AddCommand(callsSpendCmd)
	rootCmd.AddCommand(callsCmd)
}

// formatCallsList writes a tabular ledger view to w.
func formatCallsList(out io.Writer, calls []model.ProviderCallRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tENDPOINT\tSTATUS\tCOST\tMS\tERROR")
	_, _ = fmt.Fprintln(w, "----\t--------\t------\t----\t--\t-----")

	for _, c := range calls {
		errText := c.ErrorText
		if len(errText) > 40 {
			errText = errText[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t$%.2f\t%d\t%s\n",
			c.CreatedAt.Format("2006-01-02 15:04:05"),
			c.Endpoint,
			c.StatusCode,
			float64(c.CostCents)/100,
			c.ResponseMs,
			errText,
		)
	}
	_ = w.Flush()
}
