package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuardRetriesThroughBreaker(t *testing.T) {
	guard := NewGuard("stripe", GuardConfig{
		Breaker: BreakerConfig{MinimumRequests: 100},
		Retry:   fastPolicy(3),
	})

	attempts := 0
	err := guard.Execute(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errUpstream
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	successes, failures := guard.Breaker().Counts()
	require.Equal(t, 1, successes)
	require.Equal(t, 2, failures)
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	guard := NewGuard("ledger", GuardConfig{
		Breaker: BreakerConfig{MinimumRequests: 2, FailureRateThreshold: 0.5, Cooldown: time.Hour},
		Retry:   fastPolicy(5),
	})

	calls := 0
	err := guard.Execute(context.Background(), func(context.Context) error {
		calls++
		return errUpstream
	})
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	require.Equal(t, 2, calls)
	require.Equal(t, StateOpen, guard.Breaker().State())
}

func TestGuardRateLimitHonoursDeadline(t *testing.T) {
	guard := NewGuard("slow", GuardConfig{
		Retry:     fastPolicy(0),
		RateLimit: 0.001,
		Burst:     1,
	})

	require.NoError(t, guard.Execute(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := guard.Execute(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}

func TestGuardsReuseByName(t *testing.T) {
	guards := NewGuards(GuardConfig{Retry: fastPolicy(0)})
	require.Same(t, guards.For("stripe"), guards.For("stripe"))
	require.NotSame(t, guards.For("stripe"), guards.For("ledger"))
	require.Equal(t, map[string]string{"stripe": "closed", "ledger": "closed"}, guards.States())
}
