package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/normalize"
	"github.com/sells-group/skiptrace-cli/internal/store"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

// Run pause reasons written by the coordinator itself.
const (
	ReasonAuthConfiguration = "auth_configuration_error"
)

// Coordinator drives runs: creates them from subjects, processes items with
// a worker pool, and handles pause, resume, and retry. All run state lives
// in the store, so a restarted process picks up exactly where it stopped.
type Coordinator struct {
	store        store.Store
	orch         *Orchestrator
	provider     string
	concurrency  int
	pollInterval time.Duration
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Store        store.Store
	Orchestrator *Orchestrator
	Provider     string
	Concurrency  int
	PollInterval time.Duration
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	provider := cfg.Provider
	if provider == "" {
		provider = "trestle"
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Coordinator{
		store:        cfg.Store,
		orch:         cfg.Orchestrator,
		provider:     provider,
		concurrency:  concurrency,
		pollInterval: poll,
	}
}

// CreateRun seeds a run from raw subjects. Normalization and key derivation
// happen once, here; invalid subjects still become items and fail cheaply at
// processing time, without a provider call.
func (c *Coordinator) CreateRun(ctx context.Context, sourceLabel string, subjects []model.Subject) (*model.Run, error) {
	if len(subjects) == 0 {
		return nil, eris.New("engine: no subjects to trace")
	}

	seeds := make([]model.RunItemSeed, 0, len(subjects))
	for _, s := range subjects {
		normAddr := normalize.Address(s.Address)
		normPerson := normalize.Person(s.Owner)
		seeds = append(seeds, model.RunItemSeed{
			SubjectID:         s.ID,
			IdempotencyKey:    normalize.IdempotencyKey(c.provider, normAddr, normPerson),
			NormalizedAddress: normAddr,
			NormalizedPerson:  normPerson,
		})
	}

	run, err := c.store.CreateRun(ctx, sourceLabel, seeds)
	if err != nil {
		return nil, err
	}
	zap.L().Info("run created",
		zap.String("run_id", run.ID),
		zap.String("source", sourceLabel),
		zap.Int("total", run.Total),
	)
	return run, nil
}

// Process drains a run with the configured worker pool. It returns when the
// run finishes, pauses, or ctx is cancelled. Calling it again on the same
// run resumes from whatever is still queued.
func (c *Coordinator) Process(ctx context.Context, runID string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for w := 0; w < c.concurrency; w++ {
		g.Go(func() error {
			return c.worker(ctx, runID)
		})
	}
	return g.Wait()
}

func (c *Coordinator) worker(ctx context.Context, runID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := c.store.ClaimNextItem(ctx, runID)
		if err != nil {
			return err
		}
		if item == nil {
			stop, err := c.idle(ctx, runID)
			if err != nil || stop {
				return err
			}
			continue
		}

		if err := c.processItem(ctx, runID, item); err != nil {
			return err
		}
	}
}

// idle decides whether a worker with nothing to claim should exit or poll:
// exit on pause or completion, poll while other workers still hold items.
func (c *Coordinator) idle(ctx context.Context, runID string) (bool, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.SoftPaused || run.FinishedAt != nil {
		return true, nil
	}
	if run.Finished() {
		if _, err := c.store.FinishRunIfComplete(ctx, runID); err != nil {
			return false, err
		}
		return true, nil
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(c.pollInterval):
		return false, nil
	}
}

func (c *Coordinator) processItem(ctx context.Context, runID string, item *model.RunItem) error {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("item_id", item.ID),
		zap.String("subject_id", item.SubjectID),
		zap.Int("attempt", item.Attempt),
	)

	_, err := c.orch.ResolveNormalized(ctx, item.SubjectID,
		item.NormalizedAddress, item.NormalizedPerson, item.IdempotencyKey,
		LookupOptions{
			RunID: runID,
			OnRetry: func(attempt int, retryErr error) {
				if _, incErr := c.store.IncrementItemAttempt(ctx, item.ID); incErr != nil {
					log.Warn("attempt increment failed", zap.Error(incErr))
				}
				log.Warn("retrying item", zap.Int("retry", attempt), zap.Error(retryErr))
			},
		})

	switch {
	case err == nil:
		if err := c.store.CompleteItem(ctx, item.ID, model.ItemDone, ""); err != nil {
			return err
		}

	case ctx.Err() != nil:
		// Shutdown mid-item: hand the work back so a restart reclaims it.
		if relErr := c.store.ReleaseItem(context.WithoutCancel(ctx), item.ID); relErr != nil {
			log.Error("release on shutdown failed", zap.Error(relErr))
		}
		return ctx.Err()

	case budget.IsExceeded(err):
		// The item did nothing wrong; requeue it and pause the whole run so
		// it can resume untouched when the budget resets.
		if relErr := c.store.ReleaseItem(ctx, item.ID); relErr != nil {
			return relErr
		}
		if pauseErr := c.store.SetRunPaused(ctx, runID, true, budget.ReasonDailyCapExceeded); pauseErr != nil {
			return pauseErr
		}
		log.Warn("run paused: daily budget cap reached")
		return nil

	case trestle.IsAuth(err):
		// Misconfigured credentials fail every item the same way. Mark this
		// one, then stop the run loudly instead of burning the queue.
		if compErr := c.store.CompleteItem(ctx, item.ID, model.ItemFailed, err.Error()); compErr != nil {
			return compErr
		}
		if pauseErr := c.store.SetRunPaused(ctx, runID, true, ReasonAuthConfiguration); pauseErr != nil {
			return pauseErr
		}
		log.Error("run paused: provider auth configuration error", zap.Error(err))
		return nil

	default:
		log.Warn("item failed", zap.String("category", string(Category(err))), zap.Error(err))
		if compErr := c.store.CompleteItem(ctx, item.ID, model.ItemFailed, err.Error()); compErr != nil {
			return compErr
		}
	}

	finished, err := c.store.FinishRunIfComplete(ctx, runID)
	if err != nil {
		return err
	}
	if finished {
		log.Info("run finished")
	}
	return nil
}

// Pause soft-pauses a run: no new claims, in-flight items finish normally.
func (c *Coordinator) Pause(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "operator request"
	}
	if err := c.store.SetRunPaused(ctx, runID, true, reason); err != nil {
		return err
	}
	zap.L().Info("run paused", zap.String("run_id", runID), zap.String("reason", reason))
	return nil
}

// Resume clears the pause flag. Processing restarts on the next Process call
// (or immediately, if workers are still polling).
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	if err := c.store.SetRunPaused(ctx, runID, false, ""); err != nil {
		return err
	}
	zap.L().Info("run resumed", zap.String("run_id", runID))
	return nil
}

// RetryFailed requeues failed items, optionally only those whose lastError
// contains filter. Attempt counts are preserved.
func (c *Coordinator) RetryFailed(ctx context.Context, runID, filter string) (int, error) {
	n, err := c.store.RetryAllFailed(ctx, runID, filter)
	if err != nil {
		return 0, err
	}
	zap.L().Info("failed items requeued",
		zap.String("run_id", runID),
		zap.String("filter", filter),
		zap.Int("count", n),
	)
	return n, nil
}

// RetryItem requeues one failed item.
func (c *Coordinator) RetryItem(ctx context.Context, itemID string) error {
	return c.store.RetryFailedItem(ctx, itemID)
}
