package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations.
var preparedStatements = map[string]string{
	"get_cache_entry": `SELECT id, provider, idempotency_key, payload_hash, response_json, parsed_contacts_json, ttl_expires_at, created_at, last_seen
	                    FROM cache_entries WHERE provider = $1 AND idempotency_key = $2 AND ttl_expires_at > now()`,
	"touch_cache_entry": `UPDATE cache_entries SET last_seen = now() WHERE provider = $1 AND idempotency_key = $2`,
	"sum_cost": `SELECT COALESCE(SUM(cost_cents), 0) FROM provider_calls
	             WHERE provider = $1 AND created_at >= $2 AND created_at < $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider             TEXT NOT NULL,
	idempotency_key      TEXT NOT NULL,
	payload_hash         TEXT NOT NULL,
	response_json        JSONB,
	parsed_contacts_json JSONB NOT NULL,
	ttl_expires_at       TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(ttl_expires_at);

CREATE TABLE IF NOT EXISTS provider_calls (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider        TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	status_code     INTEGER NOT NULL DEFAULT 0,
	cost_cents      BIGINT NOT NULL DEFAULT 0,
	response_ms     BIGINT NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL,
	run_id          TEXT,
	request_json    JSONB,
	response_json   JSONB,
	payload_hash    TEXT,
	error_text      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_provider_created ON provider_calls(provider, created_at);
CREATE INDEX IF NOT EXISTS idx_provider_calls_subject ON provider_calls(subject_id);

CREATE TABLE IF NOT EXISTS activity_log (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	run_id     TEXT,
	detail     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ,
	soft_paused  BOOLEAN NOT NULL DEFAULT false,
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
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_items_run_id ON run_items(run_id);
CREATE INDEX IF NOT EXISTS idx_run_items_run_status ON run_items(run_id, status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- cache store --

func (s *PostgresStore) GetCacheEntry(ctx context.Context, provider, idempotencyKey string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var contactsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, idempotency_key, payload_hash, response_json, parsed_contacts_json, ttl_expires_at, created_at, last_seen
		 FROM cache_entries
		 WHERE provider = $1 AND idempotency_key = $2 AND ttl_expires_at > now()`,
		provider, idempotencyKey,
	).Scan(&e.ID, &e.Provider, &e.IdempotencyKey, &e.PayloadHash, &e.ResponseBody, &contactsJSON, &e.ExpiresAt, &e.CreatedAt, &e.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}

	if err := json.Unmarshal(contactsJSON, &e.Contacts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached contacts")
	}
	return &e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	contactsJSON, err := json.Marshal(entry.Contacts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal contacts")
	}

	// Single-statement upsert: two concurrent misses for the same key must
	// never leave two live rows.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cache_entries (id, provider, idempotency_key, payload_hash, response_json, parsed_contacts_json, ttl_expires_at, created_at, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (provider, idempotency_key) DO UPDATE SET
		   payload_hash = EXCLUDED.payload_hash,
		   response_json = EXCLUDED.response_json,
		   parsed_contacts_json = EXCLUDED.parsed_contacts_json,
		   ttl_expires_at = EXCLUDED.ttl_expires_at,
		   created_at = EXCLUDED.created_at,
		   last_seen = EXCLUDED.last_seen`,
		uuid.New().String(), entry.Provider, entry.IdempotencyKey, entry.PayloadHash,
		entry.ResponseBody, contactsJSON, expiresAt, now,
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) TouchCacheEntry(ctx context.Context, provider, idempotencyKey string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET last_seen = now() WHERE provider = $1 AND idempotency_key = $2`,
		provider, idempotencyKey,
	)
	return eris.Wrap(err, "postgres: touch cache entry")
}

func (s *PostgresStore) PurgeExpiredCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE ttl_expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge expired cache")
	}
	return int(tag.RowsAffected()), nil
}

// -- provider call ledger --

func (s *PostgresStore) RecordCall(ctx context.Context, rec model.ProviderCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_calls
		 (id, provider, endpoint, subject_id, status_code, cost_cents, response_ms, idempotency_key, run_id, request_json, response_json, payload_hash, error_text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14)`,
		rec.ID, rec.Provider, rec.Endpoint, rec.SubjectID, rec.StatusCode, rec.CostCents,
		rec.ResponseMs, rec.IdempotencyKey, rec.RunID, rec.RequestBody, rec.ResponseBody,
		rec.PayloadHash, rec.ErrorText, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record call")
}

func (s *PostgresStore) SumCostCents(ctx context.Context, provider string, since, until time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM provider_calls
		 WHERE provider = $1 AND created_at >= $2 AND created_at < $3`,
		provider, since, until,
	).Scan(&sum)
	return sum, eris.Wrap(err, "postgres: sum cost")
}

func (s *PostgresStore) CountSubjectCalls(ctx context.Context, subjectID string, since, until time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM provider_calls
		 WHERE subject_id = $1 AND created_at >= $2 AND created_at < $3`,
		subjectID, since, until,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count subject calls")
}

func (s *PostgresStore) ListCallsBySubject(ctx context.Context, subjectID string) ([]model.ProviderCallRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, endpoint, subject_id, status_code, cost_cents, response_ms, idempotency_key,
		        COALESCE(run_id, ''), request_json, response_json, COALESCE(payload_hash, ''), COALESCE(error_text, ''), created_at
		 FROM provider_calls WHERE subject_id = $1 ORDER BY created_at`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calls by subject")
	}
	defer rows.Close()

	var recs []model.ProviderCallRecord
	for rows.Next() {
		var r model.ProviderCallRecord
		if err := rows.Scan(&r.ID, &r.Provider, &r.Endpoint, &r.SubjectID, &r.StatusCode, &r.CostCents,
			&r.ResponseMs, &r.IdempotencyKey, &r.RunID, &r.RequestBody, &r.ResponseBody,
			&r.PayloadHash, &r.ErrorText, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan call record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list calls iterate")
}

func (s *PostgresStore) RunCallStats(ctx context.Context, runID string) (CallStats, error) {
	var st CallStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost_cents), 0), COALESCE(AVG(response_ms), 0)::bigint
		 FROM provider_calls WHERE run_id = $1`,
		runID,
	).Scan(&st.Calls, &st.CostCents, &st.AvgResponseMs)
	return st, eris.Wrapf(err, "postgres: run call stats %s", runID)
}

// -- activity log --

func (s *PostgresStore) RecordActivity(ctx context.Context, rec model.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (id, kind, provider, subject_id, run_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), now())`,
		rec.ID, string(rec.Kind), rec.Provider, rec.SubjectID, rec.RunID, rec.Detail,
	)
	return eris.Wrap(err, "postgres: record activity")
}

func (s *PostgresStore) CountActivity(ctx context.Context, kind model.ActivityKind, since, until time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE kind = $1 AND created_at >= $2 AND created_at < $3`,
		string(kind), since, until,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count activity")
}

func (s *PostgresStore) CountRunActivity(ctx context.Context, runID string, kind model.ActivityKind) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE run_id = $1 AND kind = $2`,
		runID, string(kind),
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count run activity")
}

// -- runs --

func (s *PostgresStore) CreateRun(ctx context.Context, sourceLabel string, seeds []model.RunItemSeed) (*model.Run, error) {
	if len(seeds) == 0 {
		return nil, eris.New("postgres: create run with no items")
	}

	runID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (run_id, source_label, total, queued, in_flight, done, failed, started_at, soft_paused)
		 VALUES ($1, $2, $3, $3, 0, 0, 0, $4, false)`,
		runID, sourceLabel, len(seeds), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	for _, seed := range seeds {
		_, err = tx.Exec(ctx,
			`INSERT INTO run_items (id, run_id, subject_id, status, attempt, idempotency_key, normalized_address, normalized_person, updated_at)
			 VALUES ($1, $2, $3, 'queued', 0, $4, $5, $6, $7)`,
			uuid.New().String(), runID, seed.SubjectID, seed.IdempotencyKey,
			seed.NormalizedAddress, seed.NormalizedPerson, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert run item %s", seed.SubjectID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create run")
	}

	return &model.Run{
		ID:          runID,
		SourceLabel: sourceLabel,
		Total:       len(seeds),
		Queued:      len(seeds),
		StartedAt:   now,
	}, nil
}

const runColumns = `run_id, source_label, total, queued, in_flight, done, failed, started_at, finished_at, soft_paused, COALESCE(reason, '')`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.SourceLabel, &r.Total, &r.Queued, &r.InFlight, &r.Done, &r.Failed,
		&r.StartedAt, &r.FinishedAt, &r.SoftPaused, &r.Reason)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceLabel != "" {
		query += fmt.Sprintf(` AND source_label = $%d`, argIdx)
		args = append(args, filter.SourceLabel)
		argIdx++
	}
	if filter.Unfinished {
		query += ` AND finished_at IS NULL`
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SetRunPaused(ctx context.Context, runID string, paused bool, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET soft_paused = $2, reason = NULLIF($3, '') WHERE run_id = $1`,
		runID, paused, reason,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run paused %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRunIfComplete(ctx context.Context, runID string) (bool, error) {
	// finished_at IS NULL guards the set-once property under concurrency.
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET finished_at = now()
		 WHERE run_id = $1 AND finished_at IS NULL AND done + failed = total AND total > 0`,
		runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return tag.RowsAffected() > 0, nil
}

// -- run items --

const itemColumns = `id, run_id, subject_id, status, attempt, idempotency_key, normalized_address, normalized_person, COALESCE(last_error, ''), updated_at`

func scanItem(row pgx.Row) (*model.RunItem, error) {
	var it model.RunItem
	err := row.Scan(&it.ID, &it.RunID, &it.SubjectID, &it.Status, &it.Attempt,
		&it.IdempotencyKey, &it.NormalizedAddress, &it.NormalizedPerson, &it.LastError, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *PostgresStore) ClaimNextItem(ctx context.Context, runID string) (*model.RunItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin claim")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Claim exactly one queued item of an unpaused, unfinished run.
	// SKIP LOCKED keeps concurrent workers from blocking on the same row.
	item, err := scanItem(tx.QueryRow(ctx,
		`WITH claimable AS (
		   SELECT ri.id FROM run_items ri
		   JOIN runs r ON r.run_id = ri.run_id
		   WHERE ri.run_id = $1 AND ri.status = 'queued'
		     AND NOT r.soft_paused AND r.finished_at IS NULL
		   ORDER BY ri.updated_at
		   LIMIT 1
		   FOR UPDATE OF ri SKIP LOCKED
		 )
		 UPDATE run_items ri
		 SET status = 'in_flight', attempt = ri.attempt + 1, updated_at = now()
		 FROM claimable c
		 WHERE ri.id = c.id
		 RETURNING ri.id, ri.run_id, ri.subject_id, ri.status, ri.attempt, ri.idempotency_key,
		           ri.normalized_address, ri.normalized_person, COALESCE(ri.last_error, ''), ri.updated_at`,
		runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim item")
	}

	_, err = tx.Exec(ctx,
		`UPDATE runs SET queued = queued - 1, in_flight = in_flight + 1 WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim counters")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}
	return item, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, itemID string, status model.RunItemStatus, lastError string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: complete item with non-terminal status %s", status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin complete item")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID string
	err = tx.QueryRow(ctx,
		`UPDATE run_items SET status = $2, last_error = NULLIF($3, ''), updated_at = now()
		 WHERE id = $1 AND status = 'in_flight'
		 RETURNING run_id`,
		itemID, string(status), lastError,
	).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("run item not in_flight: %s", itemID)
		}
		return eris.Wrapf(err, "postgres: complete item %s", itemID)
	}

	counterCol := "done"
	if status == model.ItemFailed {
		counterCol = "failed"
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET in_flight = in_flight - 1, `+counterCol+` = `+counterCol+` + 1 WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: complete counters")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit complete item")
}

func (s *PostgresStore) ReleaseItem(ctx context.Context, itemID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin release item")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID string
	err = tx.QueryRow(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = now()
		 WHERE id = $1 AND status = 'in_flight'
		 RETURNING run_id`,
		itemID,
	).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("run item not in_flight: %s", itemID)
		}
		return eris.Wrapf(err, "postgres: release item %s", itemID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE runs SET in_flight = in_flight - 1, queued = queued + 1 WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: release counters")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit release item")
}

func (s *PostgresStore) IncrementItemAttempt(ctx context.Context, itemID string) (int, error) {
	var attempt int
	err := s.pool.QueryRow(ctx,
		`UPDATE run_items SET attempt = attempt + 1, updated_at = now()
		 WHERE id = $1 AND status = 'in_flight'
		 RETURNING attempt`,
		itemID,
	).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, eris.Errorf("run item not in_flight: %s", itemID)
		}
		return 0, eris.Wrapf(err, "postgres: increment attempt %s", itemID)
	}
	return attempt, nil
}

func (s *PostgresStore) RetryFailedItem(ctx context.Context, itemID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin retry item")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID string
	err = tx.QueryRow(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = now()
		 WHERE id = $1 AND status = 'failed'
		 RETURNING run_id`,
		itemID,
	).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("run item not failed: %s", itemID)
		}
		return eris.Wrapf(err, "postgres: retry item %s", itemID)
	}

	// Requeueing reopens the run: clear finished_at so completion fires again.
	_, err = tx.Exec(ctx,
		`UPDATE runs SET failed = failed - 1, queued = queued + 1, finished_at = NULL WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: retry counters")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit retry item")
}

func (s *PostgresStore) RetryAllFailed(ctx context.Context, runID, errorFilter string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin retry all")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE run_items SET status = 'queued', updated_at = now()
		 WHERE run_id = $1 AND status = 'failed'
		   AND ($2 = '' OR last_error ILIKE '%' || $2 || '%')`,
		runID, errorFilter,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: retry all failed %s", runID)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET failed = failed - $2, queued = queued + $2, finished_at = NULL WHERE run_id = $1`,
			runID, n,
		)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: retry all counters")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit retry all")
	}
	return n, nil
}

func (s *PostgresStore) ListRunItems(ctx context.Context, runID string, status model.RunItemStatus) ([]model.RunItem, error) {
	query := `SELECT ` + itemColumns + ` FROM run_items WHERE run_id = $1`
	args := []any{runID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run items")
	}
	defer rows.Close()

	var items []model.RunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list run items iterate")
}

func (s *PostgresStore) GetRunItem(ctx context.Context, itemID string) (*model.RunItem, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM run_items WHERE id = $1`, itemID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run item %s", itemID)
	}
	return it, nil
}
