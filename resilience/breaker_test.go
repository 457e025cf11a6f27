package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:                 "stripe",
		FailureRateThreshold: 0.5,
		MinimumRequests:      4,
		Window:               10 * time.Second,
		Buckets:              10,
		Cooldown:             5 * time.Second,
		Now:                  clock.Now,
	})
}

var errUpstream = errors.New("upstream unavailable")

func TestBreakerOpensAfterFailureRate(t *testing.T) {
	clock := newFakeClock()
	breaker := testBreaker(clock)
	ctx := context.Background()

	fail := func(context.Context) error { return errUpstream }
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, breaker.Execute(ctx, fail), errUpstream)
		require.Equal(t, StateClosed, breaker.State())
	}
	require.ErrorIs(t, breaker.Execute(ctx, fail), errUpstream)
	require.Equal(t, StateOpen, breaker.State())

	calls := 0
	err := breaker.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	require.Equal(t, "stripe", openErr.Name)
	require.True(t, openErr.Retryable())
	require.Zero(t, calls)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	breaker := testBreaker(clock)
	ctx := context.Background()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errUpstream }

	for i := 0; i < 3; i++ {
		require.NoError(t, breaker.Execute(ctx, ok))
	}
	_ = breaker.Execute(ctx, fail)
	_ = breaker.Execute(ctx, fail)
	require.Equal(t, StateClosed, breaker.State())

	successes, failures := breaker.Counts()
	require.Equal(t, 3, successes)
	require.Equal(t, 2, failures)
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	clock := newFakeClock()
	breaker := testBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = breaker.Execute(ctx, func(context.Context) error { return Permanent(errors.New("bad request")) })
	}
	require.Equal(t, StateClosed, breaker.State())
}

func TestBreakerWindowRollsOver(t *testing.T) {
	clock := newFakeClock()
	breaker := testBreaker(clock)
	ctx := context.Background()

	fail := func(context.Context) error { return errUpstream }
	for i := 0; i < 3; i++ {
		_ = breaker.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	_ = breaker.Execute(ctx, fail)
	require.Equal(t, StateClosed, breaker.State())
	_, failures := breaker.Counts()
	require.Equal(t, 1, failures)
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	breaker := testBreaker(clock)
	ctx := context.Background()

	fail := func(context.Context) error { return errUpstream }
	for i := 0; i < 4; i++ {
		_ = breaker.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(5 * time.Second)

	// The failed trial reopens the breaker for another cooldown
	require.ErrorIs(t, breaker.Execute(ctx, fail), errUpstream)
	require.Equal(t, StateOpen, breaker.State())
	var openErr *CircuitOpenError
	require.True(t, errors.As(breaker.Execute(ctx, fail), &openErr))

	clock.Advance(5 * time.Second)

	// Only one trial call is admitted while half-open
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- breaker.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	require.Equal(t, StateHalfOpen, breaker.State())
	require.True(t, errors.As(breaker.Execute(ctx, fail), &openErr))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, breaker.State())

	successes, failures := breaker.Counts()
	require.Zero(t, successes)
	require.Zero(t, failures)
}

func TestBreakerReportsStateChanges(t *testing.T) {
	clock := newFakeClock()
	var changes []string
	breaker := NewBreaker(BreakerConfig{
		Name:            "ledger",
		MinimumRequests: 1,
		Cooldown:        time.Second,
		Now:             clock.Now,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})

	_ = breaker.Execute(context.Background(), func(context.Context) error { return errUpstream })
	clock.Advance(time.Second)
	_ = breaker.Execute(context.Background(), func(context.Context) error { return nil })

	require.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
}
