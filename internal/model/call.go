package model

import "time"

// CacheEntry is one previously fetched, still-valid provider answer, keyed
// uniquely on (Provider, IdempotencyKey). Expiry is lazy: readers compare
// ExpiresAt against now and treat stale rows as misses.
type CacheEntry struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	IdempotencyKey string    `json:"idempotency_key"`
	PayloadHash    string    `json:"payload_hash"`
	ResponseBody   []byte    `json:"response_body"`
	Contacts       Contacts  `json:"parsed_contacts"`
	ExpiresAt      time.Time `json:"ttl_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// Expired reports whether the entry is stale relative to now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// ProviderCallRecord is one append-only ledger row per attempted external
// call, billable or not. Never updated or deleted.
type ProviderCallRecord struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Endpoint       string    `json:"endpoint"`
	SubjectID      string    `json:"subject_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	RunID          string    `json:"run_id,omitempty"`
	CostCents      int64     `json:"cost_cents"`
	StatusCode     int       `json:"status_code"`
	ResponseMs     int64     `json:"response_ms"`
	RequestBody    []byte    `json:"request_json,omitempty"`
	ResponseBody   []byte    `json:"response_json,omitempty"`
	PayloadHash    string    `json:"payload_hash,omitempty"`
	ErrorText      string    `json:"error_text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ActivityKind classifies zero-cost observability events. These live in a
// separate activity log so the cost ledger stays at zero delta on cache hits.
type ActivityKind string

const (
	ActivityCacheHit       ActivityKind = "cache_hit"
	ActivityBudgetRejected ActivityKind = "budget_rejected"
	ActivityLookup         ActivityKind = "lookup"
)

// ActivityRecord is one observability row (cache hit, budget rejection, ...).
type ActivityRecord struct {
	ID        string       `json:"id"`
	Kind      ActivityKind `json:"kind"`
	Provider  string       `json:"provider"`
	SubjectID string       `json:"subject_id"`
	RunID     string       `json:"run_id,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
