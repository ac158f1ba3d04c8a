// Package report summarizes run outcomes and spend for operators.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/skiptrace-cli/internal/engine"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/store"
)

// RunReport is the operator-facing summary of one run.
type RunReport struct {
	Run                model.Run                   `json:"run"`
	SpendCents         int64                       `json:"spend_cents"`
	ProviderCalls      int                         `json:"provider_calls"`
	AvgResponseMs      int64                       `json:"avg_response_ms"`
	CacheHits          int                         `json:"cache_hits"`
	BudgetRejections   int                         `json:"budget_rejections"`
	FailuresByCategory map[model.ErrorCategory]int `json:"failures_by_category,omitempty"`
	FailedItems        []model.RunItem             `json:"failed_items,omitempty"`
}

// CacheHitRatio is cache hits over all resolved lookups.
func (r *RunReport) CacheHitRatio() float64 {
	total := r.CacheHits + r.ProviderCalls
	if total == 0 {
		return 0
	}
	return float64(r.CacheHits) / float64(total)
}

// Builder assembles run reports from the store.
type Builder struct {
	store store.Store
}

// NewBuilder creates a Builder.
func NewBuilder(s store.Store) *Builder {
	return &Builder{store: s}
}

// Build assembles the report for runID.
func (b *Builder) Build(ctx context.Context, runID string) (*RunReport, error) {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	stats, err := b.store.RunCallStats(ctx, runID)
	if err != nil {
		return nil, err
	}
	hits, err := b.store.CountRunActivity(ctx, runID, model.ActivityCacheHit)
	if err != nil {
		return nil, err
	}
	rejected, err := b.store.CountRunActivity(ctx, runID, model.ActivityBudgetRejected)
	if err != nil {
		return nil, err
	}

	failed, err := b.store.ListRunItems(ctx, runID, model.ItemFailed)
	if err != nil {
		return nil, err
	}
	byCategory := map[model.ErrorCategory]int{}
	for _, item := range failed {
		cat := engine.CategoryFromLastError(item.LastError)
		if cat == "" {
			cat = model.ErrorCategoryProvider
		}
		byCategory[cat]++
	}
	if len(byCategory) == 0 {
		byCategory = nil
	}

	return &RunReport{
		Run:                *run,
		SpendCents:         stats.CostCents,
		ProviderCalls:      stats.Calls,
		AvgResponseMs:      stats.AvgResponseMs,
		CacheHits:          hits,
		BudgetRejections:   rejected,
		FailuresByCategory: byCategory,
		FailedItems:        failed,
	}, nil
}

// WriteText renders the report as an aligned table.
func (r *RunReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Run:\t%s\n", r.Run.ID)
	fmt.Fprintf(tw, "Source:\t%s\n", r.Run.SourceLabel)
	fmt.Fprintf(tw, "Started:\t%s\n", r.Run.StartedAt.Format(time.RFC3339))
	if r.Run.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", r.Run.FinishedAt.Format(time.RFC3339))
	} else if r.Run.SoftPaused {
		fmt.Fprintf(tw, "Paused:\t%s\n", r.Run.Reason)
	} else {
		fmt.Fprintf(tw, "Status:\trunning\n")
	}
	fmt.Fprintf(tw, "Items:\t%d total / %d done / %d failed / %d queued / %d in flight\n",
		r.Run.Total, r.Run.Done, r.Run.Failed, r.Run.Queued, r.Run.InFlight)
	fmt.Fprintf(tw, "Spend:\t$%.2f (%d provider calls)\n", float64(r.SpendCents)/100, r.ProviderCalls)
	fmt.Fprintf(tw, "Cache hits:\t%d (%.0f%%)\n", r.CacheHits, r.CacheHitRatio()*100)
	if r.BudgetRejections > 0 {
		fmt.Fprintf(tw, "Budget rejections:\t%d\n", r.BudgetRejections)
	}
	if r.AvgResponseMs > 0 {
		fmt.Fprintf(tw, "Avg response:\t%dms\n", r.AvgResponseMs)
	}

	if len(r.FailuresByCategory) > 0 {
		fmt.Fprintf(tw, "\nFailures by category:\n")
		for _, cat := range sortedCategories(r.FailuresByCategory) {
			fmt.Fprintf(tw, "  %s:\t%d\n", cat, r.FailuresByCategory[cat])
		}
	}

	return eris.Wrap(tw.Flush(), "report: flush")
}

// WriteXLSX exports the report as a workbook with a summary sheet and a
// failed-items sheet.
func (r *RunReport) WriteXLSX(path string) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "Run", r.Run.ID)
	addRow(summary, "Source", r.Run.SourceLabel)
	addRow(summary, "Total", fmt.Sprint(r.Run.Total))
	addRow(summary, "Done", fmt.Sprint(r.Run.Done))
	addRow(summary, "Failed", fmt.Sprint(r.Run.Failed))
	addRow(summary, "Queued", fmt.Sprint(r.Run.Queued))
	addRow(summary, "Spend (cents)", fmt.Sprint(r.SpendCents))
	addRow(summary, "Provider calls", fmt.Sprint(r.ProviderCalls))
	addRow(summary, "Cache hits", fmt.Sprint(r.CacheHits))
	addRow(summary, "Budget rejections", fmt.Sprint(r.BudgetRejections))

	if len(r.FailedItems) > 0 {
		failures, err := f.AddSheet("Failed Items")
		if err != nil {
			return eris.Wrap(err, "report: add failures sheet")
		}
		addRow(failures, "subject_id", "attempt", "category", "last_error")
		for _, item := range r.FailedItems {
			addRow(failures, item.SubjectID, fmt.Sprint(item.Attempt),
				string(engine.CategoryFromLastError(item.LastError)), item.LastError)
		}
	}

	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func sortedCategories(m map[model.ErrorCategory]int) []model.ErrorCategory {
	cats := make([]model.ErrorCategory, 0, len(m))
	for c := range m {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
