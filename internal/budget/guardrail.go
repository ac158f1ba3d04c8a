// Package budget enforces the daily spend cap and the provider rate limit.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ReasonDailyCapExceeded is recorded on runs paused by the guardrail.
const ReasonDailyCapExceeded = "daily_cap_exceeded"

// SpendLedger is the slice of the store the guardrail reads.
type SpendLedger interface {
	SumCostCents(ctx context.Context, provider string, since, until time.Time) (int64, error)
}

// ExceededError reports a billable call rejected by the daily cap.
type ExceededError struct {
	Provider      string
	Day           string // UTC date, YYYY-MM-DD
	SpentCents    int64
	EstimateCents int64
	CapCents      int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: daily cap exceeded for %s on %s: spent %d + estimate %d > cap %d cents",
		e.Provider, e.Day, e.SpentCents, e.EstimateCents, e.CapCents)
}

// IsExceeded reports whether err is (or wraps) a daily cap rejection.
func IsExceeded(err error) bool {
	var ee *ExceededError
	return eris.As(err, &ee)
}

// Guardrail gates billable provider calls behind the daily spend cap and a
// sliding-window rate limiter. The cap check reads the ledger on every call
// rather than caching a counter, so restarts and concurrent workers all see
// the same spend.
type Guardrail struct {
	ledger   SpendLedger
	provider string
	capCents int64
	limiter  *rate.Limiter

	nowFunc func() time.Time // injectable for tests
}

// New creates a Guardrail. callsPerSecond <= 0 disables the rate limiter;
// capCents <= 0 disables the cap (demo and dry-run modes).
func New(ledger SpendLedger, provider string, capCents int64, callsPerSecond float64, burst int) *Guardrail {
	var limiter *rate.Limiter
	if callsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	}
	return &Guardrail{
		ledger:   ledger,
		provider: provider,
		capCents: capCents,
		limiter:  limiter,
		nowFunc:  time.Now,
	}
}

// CheckAndReserve rejects the call when today's spend plus the estimate would
// exceed the daily cap. The ledger write that follows a permitted call is the
// reservation: the next check sees it.
func (g *Guardrail) CheckAndReserve(ctx context.Context, estimateCents int64) error {
	if g.capCents <= 0 {
		return nil
	}

	now := g.nowFunc().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	spent, err := g.ledger.SumCostCents(ctx, g.provider, dayStart, dayEnd)
	if err != nil {
		return eris.Wrap(err, "budget: sum daily spend")
	}

	if spent+estimateCents > g.capCents {
		return &ExceededError{
			Provider:      g.provider,
			Day:           dayStart.Format("2006-01-02"),
			SpentCents:    spent,
			EstimateCents: estimateCents,
			CapCents:      g.capCents,
		}
	}
	return nil
}

// WaitBillable blocks until the rate limiter admits one billable call.
// Throttling delays work, it never drops it.
func (g *Guardrail) WaitBillable(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "budget: rate limit wait")
	}
	return nil
}
