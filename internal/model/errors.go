package model

import "github.com/rotisserie/eris"

// ErrorCategory buckets item failures for triage and retry filtering.
type ErrorCategory string

const (
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryBudget     ErrorCategory = "budget"
	ErrorCategoryTransient  ErrorCategory = "transient"
	ErrorCategoryAuth       ErrorCategory = "auth"
	ErrorCategoryProvider   ErrorCategory = "provider"
)

// Subject validation sentinels.
var (
	ErrMissingSubjectID = eris.New("subject id is required")
	ErrUnusableSubject  = eris.New("subject needs an address or an owner name")
)
