//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

func TestFormatCallsList(t *testing.T) {
	when := time.Date(2026, 8, 15, 9, 15, 30, 0, time.UTC)
	calls := []model.ProviderCallRecord{
		{
			Provider:   "trestle",
			Endpoint:   "/3.1/location",
			StatusCode: 200,
			CostCents:  7,
			ResponseMs: 412,
			CreatedAt:  when,
		},
		{
			Provider:   "trestle",
			Endpoint:   "/3.1/location",
			StatusCode: 503,
			CostCents:  0,
			ResponseMs: 120,
			ErrorText:  "upstream 503: service unavailable for an extended maintenance window",
			CreatedAt:  when.Add(time.Minute),
		},
	}

	var buf bytes.Buffer
	formatCallsList(&buf, calls)

	output := buf.String()
	assert.Contains(t, output, "ENDPOINT")
	assert.Contains(t, output, "/3.1/location")
	assert.Contains(t, output, "2026-08-15 09:15:30")
	assert.Contains(t, output, "$0.07")
	assert.Contains(t, output, "503")
	// Long error text is truncated for display.
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "maintenance window")
}
