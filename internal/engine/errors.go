package engine

import (
	"errors"
	"strings"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/resilience"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

// CategorizedError tags an error with its triage bucket. The category is
// persisted as a prefix on RunItem.LastError so failed items can be retried
// in bulk by category.
type CategorizedError struct {
	Category model.ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Category extracts the triage bucket from any error.
func Category(err error) model.ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	switch {
	case budget.IsExceeded(err):
		return model.ErrorCategoryBudget
	case trestle.IsAuth(err):
		return model.ErrorCategoryAuth
	case resilience.IsTransient(err):
		return model.ErrorCategoryTransient
	default:
		return model.ErrorCategoryProvider
	}
}

// categorize wraps err in a CategorizedError if it isn't one already.
func categorize(err error) error {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}
	return &CategorizedError{Category: Category(err), Err: err}
}

// mapProviderError translates provider client errors into the retry
// machinery's vocabulary: temporary API errors become transient, everything
// else stays permanent.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *trestle.APIError
	if errors.As(err, &apiErr) && apiErr.Temporary() {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

// CategoryFromLastError recovers the bucket from a persisted lastError
// string (the "category: message" form written by the coordinator).
func CategoryFromLastError(lastError string) model.ErrorCategory {
	idx := strings.Index(lastError, ":")
	if idx < 0 {
		return ""
	}
	c := model.ErrorCategory(lastError[:idx])
	switch c {
	case model.ErrorCategoryValidation, model.ErrorCategoryBudget,
		model.ErrorCategoryTransient, model.ErrorCategoryAuth, model.ErrorCategoryProvider:
		return c
	}
	return ""
}
