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

	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect skip-trace run history",
	Long:  "Commands for listing, viewing, and summarizing skip-trace runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skip-trace runs",
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

		source, _ := cmd.Flags().GetString("source")
		unfinished, _ := cmd.Flags().GetBool("unfinished")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			SourceLabel: source,
			Unfinished:  unfinished,
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
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

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
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

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{}
		if since > 0 {
			filter.CreatedAfter = time.Now().UTC().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		stats := computeRunStats(runs)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("source", "", "filter by source label")
	runsListCmd.Flags().Bool("unfinished", false, "only show runs that are still open")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Finished    int
	Paused      int
	Open        int
	ItemsTotal  int
	ItemsDone   int
	ItemsFailed int
	AvgDurSecs  float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		s.ItemsTotal += r.Total
		s.ItemsDone += r.Done
		s.ItemsFailed += r.Failed

		switch {
		case r.FinishedAt != nil:
			s.Finished++
			totalDur += r.FinishedAt.Sub(r.StartedAt)
			durCount++
		case r.SoftPaused:
			s.Paused++
		default:
			s.Open++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tPROGRESS\tFAILED\tSTATE\tSTARTED")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t------\t-----\t-------")

	for _, r := range runs {
		source := r.SourceLabel
		if len(source) > 30 {
			source = source[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			source,
			r.Done,
			r.Total,
			r.Failed,
			runState(r),
			r.StartedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// runState renders a run's lifecycle for compact display.
func runState(r model.Run) string {
	switch {
	case r.FinishedAt != nil:
		return "finished"
	case r.SoftPaused:
		if r.Reason != "" {
			return "paused (" + r.Reason + ")"
		}
		return "paused"
	case r.InFlight > 0:
		return "running"
	default:
		return "open"
	}
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Finished:\t%d\n", s.Finished)
	_, _ = fmt.Fprintf(w, "Paused:\t%d\n", s.Paused)
	_, _ = fmt.Fprintf(w, "Open:\t%d\n", s.Open)
	_, _ = fmt.Fprintf(w, "Items total:\t%d\n", s.ItemsTotal)
	_, _ = fmt.Fprintf(w, "  Done:\t%d\n", s.ItemsDone)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", s.ItemsFailed)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
