package model

import "time"

// RunItemStatus is the four-state lifecycle of a RunItem.
type RunItemStatus string

const (
	ItemQueued   RunItemStatus = "queued"
	ItemInFlight RunItemStatus = "in_flight"
	ItemDone     RunItemStatus = "done"
	ItemFailed   RunItemStatus = "failed"
)

// Terminal reports whether the status is an end state for normal processing.
func (s RunItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemFailed
}

// Valid reports whether s is one of the four allowed statuses.
func (s RunItemStatus) Valid() bool {
	switch s {
	case ItemQueued, ItemInFlight, ItemDone, ItemFailed:
		return true
	}
	return false
}

// Run is a named batch of skip-trace work with aggregate progress counters.
// The counters always satisfy queued + in_flight + done + failed == total.
type Run struct {
	ID          string     `json:"run_id"`
	SourceLabel string     `json:"source_label"`
	Total       int        `json:"total"`
	Queued      int        `json:"queued"`
	InFlight    int        `json:"in_flight"`
	Done        int        `json:"done"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	SoftPaused  bool       `json:"soft_paused"`
	Reason      string     `json:"reason,omitempty"`
}

// Finished reports whether every item has reached a terminal state.
func (r Run) Finished() bool {
	return r.Done+r.Failed == r.Total
}

// CountersConsistent verifies the run counter invariant.
func (r Run) CountersConsistent() bool {
	return r.Queued+r.InFlight+r.Done+r.Failed == r.Total
}

// RunItem is one unit of work inside a Run. Items are never deleted; they
// carry the run's per-subject audit history.
type RunItem struct {
	ID                string        `json:"id"`
	RunID             string        `json:"run_id"`
	SubjectID         string        `json:"subject_id"`
	Status            RunItemStatus `json:"status"`
	Attempt           int           `json:"attempt"`
	IdempotencyKey    string        `json:"idempotency_key"`
	NormalizedAddress string        `json:"normalized_address"`
	NormalizedPerson  string        `json:"normalized_person"`
	LastError         string        `json:"last_error,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// RunItemSeed is the precomputed input for one item at run creation time.
type RunItemSeed struct {
	SubjectID         string
	IdempotencyKey    string
	NormalizedAddress string
	NormalizedPerson  string
}
