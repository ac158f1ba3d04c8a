package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Writers are
// serialized by SQLite itself, so the claim and counter updates share a plain
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// connPragmas are applied to every pooled connection. busy_timeout is the one
// that matters for correctness: without it a second writer gets SQLITE_BUSY
// instead of waiting, which would break the atomic claim under concurrency.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// sqliteDSN encodes the pragmas into the DSN. database/sql opens new
// connections lazily under load, and a pragma issued through db.Exec lands on
// only one of them; the DSN form reaches them all.
func sqliteDSN(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range connPragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// NewSQLite opens a SQLite database at the given path with WAL mode and a
// write busy timeout on every pooled connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id                   TEXT PRIMARY KEY,
	provider             TEXT NOT NULL,
	idempotency_key      TEXT NOT NULL,
	payload_hash         TEXT NOT NULL,
	response_json        BLOB,
	parsed_contacts_json TEXT NOT NULL,
	ttl_expires_at       DATETIME NOT NULL,
	created_at           DATETIME NOT NULL,
	last_seen            DATETIME NOT NULL,
	UNIQUE (provider, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(ttl_expires_at);

CREATE TABLE IF NOT EXISTS provider_calls (
	id              TEXT PRIMARY KEY,
	provider        TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	status_code     INTEGER NOT NULL DEFAULT 0,
	cost_cents      INTEGER NOT NULL DEFAULT 0,
	response_ms     INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL,
	run_id          TEXT,
	request_json    BLOB,
	response_json   BLOB,
	payload_hash    TEXT,
	error_text      TEXT,
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_provider_created ON provider_calls(provider, created_at);
CREATE INDEX IF NOT EXISTS idx_provider_calls_subject ON provider_calls(subject_id);

CREATE TABLE IF NOT EXISTS activity_log (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	run_id     TEXT,
	detail     TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_log_kind_created ON activity_log(kind, created_at);

CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	source_label TEXT NOT NULL,
	total        INTEGER NOT NULL,
	queued       INTEGER NOT NULL,
	in_flight    INTEGER NOT NULL DEFAULT 0,
	done         INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME,
	soft_paused  INTEGER NOT NULL DEFAULT 0,
	reason       TEXT
);

CREATE TABLE IF NOT EXISTS run_items (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES runs(run_id),
	subject_id         TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'queued'
	                   CHECK (status IN ('queued', 'in_flight', 'done', 'failed')),
	attempt            INTEGER NOT NULL DEFAULT 0,
	idempotency_key    TEXT NOT NULL,
	normalized_address TEXT NOT NULL DEFAULT '',
	normalized_person  TEXT NOT NULL DEFAULT '',
	last_error         TEXT,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_items_run_id ON run_items(run_id);
CREATE INDEX IF NOT EXISTS idx_run_items_run_status ON run_items(run_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// -- cache store --

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, provider, idempotencyKey string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, idempotency_key, payload_hash, response_json, parsed_contacts_json, ttl_expires_at, created_at, last_seen
		 FROM cache_entries
		 WHERE provider = ? AND idempotency_key = ? AND ttl_expires_at > ?`,
		provider, idempotencyKey, time.Now().UTC(),
	)

	var e model.CacheEntry
	var contactsJSON string
	err := row.Scan(&e.ID, &e.Provider, &e.IdempotencyKey, &e.PayloadHash, &e.ResponseBody, &contactsJSON, &e.ExpiresAt, &e.CreatedAt, &e.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	if err := json.Unmarshal([]byte(contactsJSON), &e.Contacts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached contacts")
	}
	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	contactsJSON, err := json.Marshal(entry.Contacts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal contacts")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (id, provider, idempotency_key, payload_hash, response_json, parsed_contacts_json, ttl_expires_at, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, idempotency_key) DO UPDATE SET
		   payload_hash = excluded.payload_hash,
		   response_json = excluded.response_json,
		   parsed_contacts_json = excluded.parsed_contacts_json,
		   ttl_expires_at = excluded.ttl_expires_at,
		   created_at = excluded.created_at,
		   last_seen = excluded.last_seen`,
		uuid.New().String(), entry.Provider, entry.IdempotencyKey, entry.PayloadHash,
		entry.ResponseBody, string(contactsJSON), expiresAt, now, now,
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) TouchCacheEntry(ctx context.Context, provider, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_seen = ? WHERE provider = ? AND idempotency_key = ?`,
		time.Now().UTC(), provider, idempotencyKey,
	)
	return eris.Wrap(err, "sqlite: touch cache entry")
}

func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE ttl_expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge expired cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// -- provider call ledger --

func (s *SQLiteStore) RecordCall(ctx context.Context, rec model.ProviderCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls
		 (id, provider, endpoint, subject_id, status_code, cost_cents, response_ms, idempotency_key, run_id, request_json, response_json, payload_hash, error_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		rec.ID, rec.Provider, rec.Endpoint, rec.SubjectID, rec.StatusCode, rec.CostCents,
		rec.ResponseMs, rec.IdempotencyKey, rec.RunID, rec.RequestBody, rec.ResponseBody,
		rec.PayloadHash, rec.ErrorText, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: record call")
}

func (s *SQLiteStore) SumCostCents(ctx context.Context, provider string, since, until time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM provider_calls
		 WHERE provider = ? AND created_at >= ? AND created_at < ?`,
		provider, since, until,
	).Scan(&sum)
	return sum, eris.Wrap(err, "sqlite: sum cost")
}

func (s *SQLiteStore) CountSubjectCalls(ctx context.Context, subjectID string, since, until time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_calls
		 WHERE subject_id = ? AND created_at >= ? AND created_at < ?`,
		subjectID, since, until,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count subject calls")
}

func (s *SQLiteStore) ListCallsBySubject(ctx context.Context, subjectID string) ([]model.ProviderCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, endpoint, subject_id, status_code, cost_cents, response_ms, idempotency_key,
		        COALESCE(run_id, ''), request_json, response_json, COALESCE(payload_hash, ''), COALESCE(error_text, ''), created_at
		 FROM provider_calls WHERE subject_id = ? ORDER BY created_at`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calls by subject")
	}
	defer rows.Close()

	var recs []model.ProviderCallRecord
	for rows.Next() {
		var r model.ProviderCallRecord
		if err := rows.Scan(&r.ID, &r.Provider, &r.Endpoint, &r.SubjectID, &r.StatusCode, &r.CostCents,
			&r.ResponseMs, &r.IdempotencyKey, &r.RunID, &r.RequestBody, &r.ResponseBody,
			&r.PayloadHash, &r.ErrorText, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan call record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list calls iterate")
}

func (s *SQLiteStore) RunCallStats(ctx context.Context, runID string) (CallStats, error) {
	var st CallStats
	var avg float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost_cents), 0), COALESCE(AVG(response_ms), 0)
		 FROM provider_calls WHERE run_id = ?`,
		runID,
	).Scan(&st.Calls, &st.CostCents, &avg)
	st.AvgResponseMs = int64(avg)
	return st, eris.Wrapf(err, "sqlite: run call stats %s", runID)
}

// -- activity log --

func (s *SQLiteStore) RecordActivity(ctx context.Context, rec model.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, kind, provider, subject_id, run_id, detail, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		rec.ID, string(rec.Kind), rec.Provider, rec.SubjectID, rec.RunID, rec.Detail, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: record activity")
}

func (s *SQLiteStore) CountActivity(ctx context.Context, kind model.ActivityKind, since, until time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE kind = ? AND created_at >= ? AND created_at < ?`,
		string(kind), since, until,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count activity")
}

func (s *SQLiteStore) CountRunActivity(ctx context.Context, runID string, kind model.ActivityKind) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE run_id = ? AND kind = ?`,
		runID, string(kind),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count run activity")
}

// -- runs --

func (s *SQLiteStore) CreateRun(ctx context.Context, sourceLabel string, seeds []model.RunItemSeed) (*model.Run, error) {
	if len(seeds) == 0 {
		return nil, eris.New("sqlite: create run with no items")
	}

	runID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create run")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, source_label, total, queued, in_flight, done, failed, started_at, soft_paused)
		 VALUES (?, ?, ?, ?, 0, 0, 0, ?, 0)`,
		runID, sourceLabel, len(seeds), len(seeds), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	for _, seed := range seeds {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_items (id, run_id, subject_id, status, attempt, idempotency_key, normalized_address, normalized_person, updated_at)
			 VALUES (?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			uuid.New().String(), runID, seed.SubjectID, seed.IdempotencyKey,
			seed.NormalizedAddress, seed.NormalizedPerson, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert run item %s", seed.SubjectID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create run")
	}

	return &model.Run{
		ID:          runID,
		SourceLabel: sourceLabel,
		Total:       len(seeds),
		Queued:      len(seeds),
		StartedAt:   now,
	}, nil
}

const sqliteRunColumns = `run_id, source_label, total, queued, in_flight, done, failed, started_at, finished_at, soft_paused, COALESCE(reason, '')`

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.SourceLabel, &r.Total, &r.Queued, &r.InFlight, &r.Done, &r.Failed,
		&r.StartedAt, &r.FinishedAt, &r.SoftPaused, &r.Reason)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.SourceLabel != "" {
		query += ` AND source_label = ?`
		args = append(args, filter.SourceLabel)
	}
	if filter.Unfinished {
		query += ` AND finished_at IS NULL`
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SetRunPaused(ctx context.Context, runID string, paused bool, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET soft_paused = ?, reason = NULLIF(?, '') WHERE run_id = ?`,
		paused, reason, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run paused %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRunIfComplete(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?
		 WHERE run_id = ? AND finished_at IS NULL AND done + failed = total AND total > 0`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// -- run items --

const sqliteItemColumns = `id, run_id, subject_id, status, attempt, idempotency_key, normalized_address, normalized_person, COALESCE(last_error, ''), updated_at`

func scanSQLiteItem(row scannable) (*model.RunItem, error) {
	var it model.RunItem
	err := row.Scan(&it.ID, &it.RunID, &it.SubjectID, &it.Status, &it.Attempt,
		&it.IdempotencyKey, &it.NormalizedAddress, &it.NormalizedPerson, &it.LastError, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLiteStore) ClaimNextItem(ctx context.Context, runID string) (*model.RunItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	// A single UPDATE with a subselect claims at most one queued item; SQLite
	// serializes writers, so two workers can never claim the same row.
	item, err := scanSQLiteItem(tx.QueryRowContext(ctx,
		`UPDATE run_items SET status = 'in_flight', attempt = attempt + 1, updated_at = ?
		 WHERE id = (
		   SELECT ri.id FROM run_items ri
		   JOIN runs r ON r.run_id = ri.run_id
		   WHERE ri.run_id = ? AND ri.status = 'queued'
		     AND r.soft_paused = 0 AND r.finished_at IS NULL
		   ORDER BY ri.updated_at LIMIT 1
		 )
		 RETURNING `+sqliteItemColumns,
		time.Now().UTC(), runID,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: claim item")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET queued = queued - 1, in_flight = in_flight + 1 WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim counters")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return item, nil
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, itemID string, status model.RunItemStatus, lastError string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: complete item with non-terminal status %s", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete item")
	}
	defer tx.Rollback() //nolint:errcheck

	var runID string
	err = tx.QueryRowContext(ctx,
		`UPDATE run_items SET status = ?, last_error = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status = 'in_flight'
		 RETURNING run_id`,
		string(status), lastError, time.Now().UTC(), itemID,
	).Scan(&runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("run item not in_flight: %s", itemID)
		}
		return eris.Wrapf(err, "sqlite: complete item %s", itemID)
	}

	counterCol := "done"
	if status == model.ItemFailed {
		counterCol = "failed"
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET in_flight = in_flight - 1, `+counterCol+` = `+counterCol+` + 1 WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete counters")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit complete item")
}

func (s *SQLiteStore) ReleaseItem(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin release item")
	}
	defer tx.Rollback() //nolint:errcheck

	var runID string
	err = tx.QueryRowContext(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = ?
		 WHERE id = ? AND status = 'in_flight'
		 RETURNING run_id`,
		time.Now().UTC(), itemID,
	).Scan(&runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("run item not in_flight: %s", itemID)
		}
		return eris.Wrapf(err, "sqlite: release item %s", itemID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET in_flight = in_flight - 1, queued = queued + 1 WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: release counters")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit release item")
}

func (s *SQLiteStore) IncrementItemAttempt(ctx context.Context, itemID string) (int, error) {
	var attempt int
	err := s.db.QueryRowContext(ctx,
		`UPDATE run_items SET attempt = attempt + 1, updated_at = ?
		 WHERE id = ? AND status = 'in_flight'
		 RETURNING attempt`,
		time.Now().UTC(), itemID,
	).Scan(&attempt)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, eris.Errorf("run item not in_flight: %s", itemID)
		}
		return 0, eris.Wrapf(err, "sqlite: increment attempt %s", itemID)
	}
	return attempt, nil
}

func (s *SQLiteStore) RetryFailedItem(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin retry item")
	}
	defer tx.Rollback() //nolint:errcheck

	var runID string
	err = tx.QueryRowContext(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = ?
		 WHERE id = ? AND status = 'failed'
		 RETURNING run_id`,
		time.Now().UTC(), itemID,
	).Scan(&runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("run item not failed: %s", itemID)
		}
		return eris.Wrapf(err, "sqlite: retry item %s", itemID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET failed = failed - 1, queued = queued + 1, finished_at = NULL WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: retry counters")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit retry item")
}

func (s *SQLiteStore) RetryAllFailed(ctx context.Context, runID, errorFilter string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin retry all")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = ?
		 WHERE run_id = ? AND status = 'failed'
		   AND (? = '' OR last_error LIKE '%' || ? || '%')`,
		time.Now().UTC(), runID, errorFilter, errorFilter,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: retry all failed %s", runID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	n := int(affected)
	if n > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET failed = failed - ?, queued = queued + ?, finished_at = NULL WHERE run_id = ?`,
			n, n, runID,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: retry all counters")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit retry all")
	}
	return n, nil
}

func (s *SQLiteStore) ListRunItems(ctx context.Context, runID string, status model.RunItemStatus) ([]model.RunItem, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM run_items WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run items")
	}
	defer rows.Close()

	var items []model.RunItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list run items iterate")
}

func (s *SQLiteStore) GetRunItem(ctx context.Context, itemID string) (*model.RunItem, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM run_items WHERE id = ?`, itemID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run item %s", itemID)
	}
	return it, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
