//go:build !integration

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	boom := eris.New("provider down")

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
			return 0, boom
		})
		require.Error(t, err)
	}

	assert.Equal(t, CircuitOpen, b.State())

	calls := 0
	_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("boom")
	})
	assert.Equal(t, CircuitOpen, b.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())

	val, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("boom")
	})
	*now = now.Add(2 * time.Minute)

	_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("boom")
	})
	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("boom")
	})

	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_ShouldTripFilter(t *testing.T) {
	notBillable := eris.New("validation error")
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return IsTransient(err) },
	})

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, notBillable
	})
	assert.Equal(t, CircuitClosed, b.State())

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, NewTransientError(eris.New("503"), 503)
	})
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, eris.New("boom")
	})
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
