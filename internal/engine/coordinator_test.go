//go:build !integration

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

func makeSubjects(n int) []model.Subject {
	subjects := make([]model.Subject, n)
	for i := range subjects {
		subjects[i] = model.Subject{
			ID:      fmt.Sprintf("subj-%03d", i),
			Address: fmt.Sprintf("%d Main St, Austin, TX 78701", 100+i),
			Owner:   fmt.Sprintf("Owner %d", i),
		}
	}
	return subjects
}

func TestCoordinator_DrainsRunToCompletion(t *testing.T) {
	rig := newTestRig(t, 10000, 4)
	ctx := context.Background()

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(10))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Done)
	assert.Equal(t, 0, got.Failed)
	assert.Equal(t, 0, got.Queued)
	assert.Equal(t, 0, got.InFlight)
	assert.True(t, got.CountersConsistent())
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, 10, rig.provider.callCount())
}

func TestCoordinator_SharedIdentityBilledOnce(t *testing.T) {
	// 20 items where two share the same property/owner identity: the second
	// is served from cache, so 19 billable calls total.
	rig := newTestRig(t, 10000, 1)
	ctx := context.Background()

	subjects := makeSubjects(20)
	subjects[7].Address = subjects[2].Address
	subjects[7].Owner = subjects[2].Owner

	run, err := rig.coord.CreateRun(ctx, "batch.csv", subjects)
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Done)
	assert.Equal(t, 19, rig.provider.callCount())

	now := time.Now().UTC()
	spent, err := rig.store.SumCostCents(ctx, "trestle", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(19*7), spent)

	hits, err := rig.store.CountActivity(ctx, model.ActivityCacheHit, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestCoordinator_BudgetFloor(t *testing.T) {
	// Cap 100 cents at 7 cents per call: exactly floor(100/7) = 14 lookups
	// complete, then the run pauses itself with the cap reason.
	rig := newTestRig(t, 100, 1)
	ctx := context.Background()

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(20))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, got.Done)
	assert.Equal(t, 6, got.Queued)
	assert.Equal(t, 0, got.Failed)
	assert.True(t, got.CountersConsistent())
	assert.True(t, got.SoftPaused)
	assert.Equal(t, budget.ReasonDailyCapExceeded, got.Reason)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, 14, rig.provider.callCount())
}

func TestCoordinator_PauseAndResume(t *testing.T) {
	rig := newTestRig(t, 10000, 2)
	ctx := context.Background()

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(12))
	require.NoError(t, err)

	// Pause before processing: nothing should be claimed.
	require.NoError(t, rig.coord.Pause(ctx, run.ID, ""))
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Queued)
	assert.Equal(t, 0, rig.provider.callCount())

	// Resume drains the rest; progress was preserved across the pause.
	require.NoError(t, rig.coord.Resume(ctx, run.ID))
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err = rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Done)
	assert.NotNil(t, got.FinishedAt)
	assert.True(t, got.CountersConsistent())
}

func TestCoordinator_CancelledWorkerRequeuesItem(t *testing.T) {
	rig := newTestRig(t, 10000, 1)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	rig.provider.respond = func(call int, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
		cancel()
		<-release
		return nil, ctx.Err()
	}

	run, err := rig.coord.CreateRun(context.Background(), "batch.csv", makeSubjects(3))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rig.coord.Process(ctx, run.ID) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.Error(t, <-done)

	// The interrupted item went back to queued, not failed.
	got, err := rig.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Queued)
	assert.Equal(t, 0, got.InFlight)
	assert.True(t, got.CountersConsistent())

	// A fresh Process call picks the work back up.
	rig.provider.respond = nil
	require.NoError(t, rig.coord.Process(context.Background(), run.ID))
	got, err = rig.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Done)
}

func TestCoordinator_ValidationFailuresAreCheap(t *testing.T) {
	rig := newTestRig(t, 10000, 2)
	ctx := context.Background()

	subjects := makeSubjects(4)
	subjects[1].Address = ""
	subjects[1].Owner = ""

	run, err := rig.coord.CreateRun(ctx, "batch.csv", subjects)
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Done)
	assert.Equal(t, 1, got.Failed)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, 3, rig.provider.callCount())

	failed, err := rig.store.ListRunItems(ctx, run.ID, model.ItemFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "subj-001", failed[0].SubjectID)
	assert.Equal(t, model.ErrorCategoryValidation, CategoryFromLastError(failed[0].LastError))
}

func TestCoordinator_AuthErrorPausesRunLoudly(t *testing.T) {
	rig := newTestRig(t, 10000, 2)
	ctx := context.Background()
	rig.provider.respond = func(call int, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
		return nil, &trestle.AuthError{Reason: "invalid API key"}
	}

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(10))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.SoftPaused)
	assert.Equal(t, ReasonAuthConfiguration, got.Reason)
	// Only the first few items burned before the pause, not the whole queue.
	assert.Less(t, got.Failed, 10)
	assert.True(t, got.CountersConsistent())
}

func TestCoordinator_TransientFailureMarksItemAfterRetries(t *testing.T) {
	rig := newTestRig(t, 10000, 1)
	ctx := context.Background()
	rig.provider.respond = func(call int, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
		return nil, &trestle.APIError{StatusCode: 503, Message: "down"}
	}

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(1))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	items, err := rig.store.ListRunItems(ctx, run.ID, model.ItemFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	// Claimed once plus two in-process retries.
	assert.Equal(t, 3, items[0].Attempt)
	assert.Equal(t, model.ErrorCategoryTransient, CategoryFromLastError(items[0].LastError))
	assert.Equal(t, 3, rig.provider.callCount())
}

func TestCoordinator_BreakerOpenFailuresStayRetryable(t *testing.T) {
	// A provider outage trips the breaker partway through the run. Items
	// rejected by the open circuit must triage the same as real transient
	// failures so a category-filtered retry picks up the whole run.
	rig := newTestRig(t, 10000, 1)
	ctx := context.Background()
	rig.provider.respond = func(call int, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
		return nil, &trestle.APIError{StatusCode: 503, Message: "down"}
	}

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(8))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Failed)

	items, err := rig.store.ListRunItems(ctx, run.ID, model.ItemFailed)
	require.NoError(t, err)
	require.Len(t, items, 8)
	for _, it := range items {
		assert.Equal(t, model.ErrorCategoryTransient, CategoryFromLastError(it.LastError),
			"item %s: %s", it.SubjectID, it.LastError)
	}

	// The breaker opened on the 5th consecutive failure and shielded the
	// provider from the rest of the run.
	assert.Equal(t, 5, rig.provider.callCount())

	// Every failed item is reachable by a transient-category retry.
	n, err := rig.store.RetryAllFailed(ctx, run.ID, "transient")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestCoordinator_RetryFailedPreservesAttempts(t *testing.T) {
	rig := newTestRig(t, 10000, 1)
	ctx := context.Background()
	rig.provider.respond = func(call int, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
		return nil, &trestle.APIError{StatusCode: 400, Message: "bad address"}
	}

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(2))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Failed)
	require.NotNil(t, got.FinishedAt)

	n, err := rig.coord.RetryFailed(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The provider recovered; the rerun drains with attempt counts resumed.
	rig.provider.respond = nil
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	items, err := rig.store.ListRunItems(ctx, run.ID, model.ItemDone)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, 2, it.Attempt, "attempt resumes, it does not reset")
	}
}

func TestCoordinator_ProcessIsRestartSafe(t *testing.T) {
	// Two sequential Process calls on the same run: the second finds the run
	// already finished and returns immediately without extra work.
	rig := newTestRig(t, 10000, 2)
	ctx := context.Background()

	run, err := rig.coord.CreateRun(ctx, "batch.csv", makeSubjects(5))
	require.NoError(t, err)
	require.NoError(t, rig.coord.Process(ctx, run.ID))
	require.NoError(t, rig.coord.Process(ctx, run.ID))

	assert.Equal(t, 5, rig.provider.callCount())
}
