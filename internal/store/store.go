// Package store persists the cache, the provider call ledger, and run state
// behind a single interface with Postgres and SQLite drivers.
package store

import (
	"context"
	"time"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	SourceLabel  string    `json:"source_label,omitempty"`
	Unfinished   bool      `json:"unfinished,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// CallStats aggregates ledger rows for reporting.
type CallStats struct {
	Calls         int   `json:"calls"`
	CostCents     int64 `json:"cost_cents"`
	AvgResponseMs int64 `json:"avg_response_ms"`
}

// Store defines the persistence interface for the skip-trace engine.
//
// Concurrency contract: PutCacheEntry is a single atomic upsert keyed on
// (provider, idempotency_key); ClaimNextItem atomically moves exactly one
// queued item to in_flight; RecordCall is insert-only. Workers share no other
// mutable state, so no application-level locking is required.
type Store interface {
	// Cache store
	GetCacheEntry(ctx context.Context, provider, idempotencyKey string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry, ttl time.Duration) error
	TouchCacheEntry(ctx context.Context, provider, idempotencyKey string) error
	PurgeExpiredCache(ctx context.Context) (int, error)

	// Provider call ledger (append-only)
	RecordCall(ctx context.Context, rec model.ProviderCallRecord) error
	SumCostCents(ctx context.Context, provider string, since, until time.Time) (int64, error)
	CountSubjectCalls(ctx context.Context, subjectID string, since, until time.Time) (int, error)
	ListCallsBySubject(ctx context.Context, subjectID string) ([]model.ProviderCallRecord, error)

	// RunCallStats aggregates the ledger rows tagged with runID.
	RunCallStats(ctx context.Context, runID string) (CallStats, error)

	// Activity log (zero-cost observability, separate from the cost ledger)
	RecordActivity(ctx context.Context, rec model.ActivityRecord) error
	CountActivity(ctx context.Context, kind model.ActivityKind, since, until time.Time) (int, error)
	CountRunActivity(ctx context.Context, runID string, kind model.ActivityKind) (int, error)

	// Runs
	CreateRun(ctx context.Context, sourceLabel string, seeds []model.RunItemSeed) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	SetRunPaused(ctx context.Context, runID string, paused bool, reason string) error
	// FinishRunIfComplete sets finished_at exactly once, when done+failed ==
	// total. Returns true only for the call that performed the write.
	FinishRunIfComplete(ctx context.Context, runID string) (bool, error)

	// Run items
	// ClaimNextItem atomically claims one queued item of an unpaused,
	// unfinished run, moving it to in_flight and incrementing its attempt.
	// Returns (nil, nil) when nothing is claimable.
	ClaimNextItem(ctx context.Context, runID string) (*model.RunItem, error)
	// CompleteItem moves an in_flight item to done or failed. It is an error
	// if the item is not currently in_flight (terminal states are never
	// re-entered).
	CompleteItem(ctx context.Context, itemID string, status model.RunItemStatus, lastError string) error
	// ReleaseItem returns an in_flight item to queued (pause/requeue path);
	// the attempt count is preserved.
	ReleaseItem(ctx context.Context, itemID string) error
	// IncrementItemAttempt bumps the attempt counter for an in-process retry
	// of an in_flight item. Returns the new attempt number.
	IncrementItemAttempt(ctx context.Context, itemID string) (int, error)
	// RetryFailedItem moves a failed item back to queued; attempt preserved.
	RetryFailedItem(ctx context.Context, itemID string) error
	// RetryAllFailed requeues every failed item of a run whose last_error
	// contains errorFilter (all of them when the filter is empty).
	RetryAllFailed(ctx context.Context, runID, errorFilter string) (int, error)
	ListRunItems(ctx context.Context, runID string, status model.RunItemStatus) ([]model.RunItem, error)
	GetRunItem(ctx context.Context, itemID string) (*model.RunItem, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
