//go:build !integration

package report

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/store"
)

func newReportStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// seedReportRun creates a finished run with two done items, one failed item,
// ledger rows, and a cache-hit activity record.
func seedReportRun(t *testing.T, s *store.SQLiteStore) *model.Run {
	t.Helper()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "leads.csv", []model.RunItemSeed{
		{SubjectID: "s1", IdempotencyKey: "k1"},
		{SubjectID: "s2", IdempotencyKey: "k2"},
		{SubjectID: "s3", IdempotencyKey: "k3"},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		item, err := s.ClaimNextItem(ctx, run.ID)
		require.NoError(t, err)
		switch item.SubjectID {
		case "s3":
			require.NoError(t, s.CompleteItem(ctx, item.ID, model.ItemFailed, "transient: upstream 503"))
		default:
			require.NoError(t, s.CompleteItem(ctx, item.ID, model.ItemDone, ""))
		}
	}
	_, err = s.FinishRunIfComplete(ctx, run.ID)
	require.NoError(t, err)

	for _, subj := range []string{"s1", "s2"} {
		require.NoError(t, s.RecordCall(ctx, model.ProviderCallRecord{
			Provider: "trestle", Endpoint: "/3.1/location", SubjectID: subj,
			IdempotencyKey: "k", RunID: run.ID, CostCents: 7, StatusCode: 200, ResponseMs: 40,
		}))
	}
	require.NoError(t, s.RecordActivity(ctx, model.ActivityRecord{
		Kind: model.ActivityCacheHit, Provider: "trestle", SubjectID: "s2", RunID: run.ID,
	}))

	return run
}

func TestBuilder_Build(t *testing.T) {
	s := newReportStore(t)
	run := seedReportRun(t, s)

	rep, err := NewBuilder(s).Build(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(14), rep.SpendCents)
	assert.Equal(t, 2, rep.ProviderCalls)
	assert.Equal(t, int64(40), rep.AvgResponseMs)
	assert.Equal(t, 1, rep.CacheHits)
	assert.Equal(t, 0, rep.BudgetRejections)
	assert.InDelta(t, 1.0/3.0, rep.CacheHitRatio(), 0.01)
	assert.Equal(t, 1, rep.FailuresByCategory[model.ErrorCategoryTransient])
	require.Len(t, rep.FailedItems, 1)
	assert.Equal(t, "s3", rep.FailedItems[0].SubjectID)
}

func TestRunReport_WriteText(t *testing.T) {
	s := newReportStore(t)
	run := seedReportRun(t, s)

	rep, err := NewBuilder(s).Build(context.Background(), run.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, run.ID)
	assert.Contains(t, out, "leads.csv")
	assert.Contains(t, out, "$0.14")
	assert.Contains(t, out, "transient:")
}

func TestRunReport_WriteXLSX(t *testing.T) {
	s := newReportStore(t)
	run := seedReportRun(t, s)

	rep, err := NewBuilder(s).Build(context.Background(), run.ID)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, rep.WriteXLSX(path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Contains(t, f.Sheet, "Summary")
	require.Contains(t, f.Sheet, "Failed Items")
	assert.Greater(t, len(f.Sheet["Summary"].Rows), 5)
	assert.Len(t, f.Sheet["Failed Items"].Rows, 2) // header + one failure
}
