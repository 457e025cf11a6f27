package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	Name string
	// FailureRateThreshold opens the breaker once failures/requests in the
	// window reach it
	FailureRateThreshold float64
	// MinimumRequests in the window before the rate is evaluated
	MinimumRequests int
	Window          time.Duration
	Buckets         int
	Cooldown        time.Duration

	Now           func() time.Time
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the settings used for provider calls
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                 name,
		FailureRateThreshold: 0.5,
		MinimumRequests:      5,
		Window:               60 * time.Second,
		Buckets:              10,
		Cooldown:             30 * time.Second,
	}
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker is a circuit breaker over a rolling window of time buckets
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	width    time.Duration
	buckets  []bucket
	state    State
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = defaults.MinimumRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = defaults.Buckets
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	width := cfg.Window / time.Duration(cfg.Buckets)
	if width <= 0 {
		width = time.Millisecond
	}

	return &Breaker{
		cfg:     cfg,
		width:   width,
		buckets: make([]bucket, cfg.Buckets),
		state:   StateClosed,
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns successes and failures inside the current window
func (b *Breaker) Counts() (successes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totals(b.cfg.Now())
}

// Execute runs fn unless the breaker is open. While half-open only one trial
// call is let through.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(trial, err)
	return err
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return false, &CircuitOpenError{Name: b.cfg.Name, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			return false, &CircuitOpenError{Name: b.cfg.Name}
		}
		b.trial = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	failed := countsAsFailure(err)

	if trial {
		b.trial = false
		if failed {
			b.openedAt = now
			b.transition(StateOpen)
			return
		}
		b.reset()
		b.transition(StateClosed)
		return
	}

	// A call admitted while closed may finish after the breaker opened
	if b.state != StateClosed {
		return
	}

	bk := b.current(now)
	if !failed {
		bk.successes++
		return
	}
	bk.failures++

	successes, failures := b.totals(now)
	total := successes + failures
	if total >= b.cfg.MinimumRequests && float64(failures)/float64(total) >= b.cfg.FailureRateThreshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(err)
}

func (b *Breaker) current(now time.Time) *bucket {
	start := now.Truncate(b.width)
	idx := int((start.UnixNano() / int64(b.width)) % int64(len(b.buckets)))
	bk := &b.buckets[idx]
	if !bk.start.Equal(start) {
		*bk = bucket{start: start}
	}
	return bk
}

func (b *Breaker) totals(now time.Time) (successes, failures int) {
	oldest := now.Add(-b.cfg.Window)
	for _, bk := range b.buckets {
		if bk.start.IsZero() || !bk.start.After(oldest) {
			continue
		}
		successes += bk.successes
		failures += bk.failures
	}
	return successes, failures
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	log.Warn().
		Str("breaker", b.cfg.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
