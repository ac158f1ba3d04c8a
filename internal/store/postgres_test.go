//go:build !integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCacheEntry_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM cache_entries`).
		WithArgs("trestle", "deadbeef").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCacheEntry(context.Background(), "trestle", "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_Hit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM cache_entries`).
		WithArgs("trestle", "deadbeef").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider", "idempotency_key", "payload_hash", "response_json",
			"parsed_contacts_json", "ttl_expires_at", "created_at", "last_seen",
		}).AddRow(
			"entry-1", "trestle", "deadbeef", "hash-1", []byte(`{"owners":[]}`),
			[]byte(`{"phones":[{"number":"+15555550100"}],"emails":[]}`),
			now.Add(24*time.Hour), now, now,
		))

	entry, err := s.GetCacheEntry(context.Background(), "trestle", "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "trestle", entry.Provider)
	require.Len(t, entry.Contacts.Phones, 1)
	assert.Equal(t, "+15555550100", entry.Contacts.Phones[0].Number)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(provider, idempotency_key\)`).
		WithArgs(pgxmock.AnyArg(), "trestle", "deadbeef", "hash-1",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutCacheEntry(context.Background(), model.CacheEntry{
		Provider:       "trestle",
		IdempotencyKey: "deadbeef",
		PayloadHash:    "hash-1",
		ResponseBody:   []byte(`{}`),
	}, 7*24*time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordCall_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO provider_calls`).
		WithArgs(pgxmock.AnyArg(), "trestle", "/3.1/phone", "subj-1", 200, int64(7),
			pgxmock.AnyArg(), "deadbeef", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordCall(context.Background(), model.ProviderCallRecord{
		Provider:       "trestle",
		Endpoint:       "/3.1/phone",
		SubjectID:      "subj-1",
		StatusCode:     200,
		CostCents:      7,
		IdempotencyKey: "deadbeef",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SumCostCents(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	mock.ExpectQuery(`SUM\(cost_cents\)`).
		WithArgs("trestle", since, until).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(4200)))

	sum, err := s.SumCostCents(context.Background(), "trestle", since, until)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRunIfComplete(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET finished_at`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE runs SET finished_at`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	finished, err := s.FinishRunIfComplete(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, finished)

	// Second call is a no-op: finished_at is already set.
	finished, err = s.FinishRunIfComplete(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, finished)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`WITH claimable`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "subject_id", "status", "attempt", "idempotency_key",
			"normalized_address", "normalized_person", "last_error", "updated_at",
		}).AddRow(
			"item-1", "run-1", "subj-1", model.ItemInFlight, 1, "deadbeef",
			"123 MAIN ST", "JANE DOE", "", now,
		))
	mock.ExpectExec(`UPDATE runs SET queued = queued - 1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	item, err := s.ClaimNextItem(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, model.ItemInFlight, item.Status)
	assert.Equal(t, 1, item.Attempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextItem_NothingClaimable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WITH claimable`).
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	item, err := s.ClaimNextItem(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteItem_NotInFlight(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE run_items SET status`).
		WithArgs("item-1", "done", "").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.CompleteItem(context.Background(), "item-1", model.ItemDone, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in_flight")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteItem_RejectsNonTerminal(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.CompleteItem(context.Background(), "item-1", model.ItemQueued, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestPostgresStore_RetryAllFailed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE run_items SET status = 'queued'`).
		WithArgs("run-1", "timeout").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`UPDATE runs SET failed = failed - \$2`).
		WithArgs("run-1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := s.RetryAllFailed(context.Background(), "run-1", "timeout")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetRunPaused_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET soft_paused`).
		WithArgs("nonexistent", true, "operator request").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetRunPaused(context.Background(), "nonexistent", true, "operator request")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
