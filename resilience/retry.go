package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy configures exponential backoff with jitter
type Policy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
	// Jitter adds up to this fraction of the computed delay
	Jitter float64
	Rand   func() float64
}

// DefaultPolicy returns the retry settings used for provider calls
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		MinDelay:   200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Factor:     2,
		Jitter:     0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Backoff returns the delay before retry number n (1-based). The result never
// exceeds MaxDelay and never drops below prev.
func (p Policy) Backoff(n int, prev time.Duration) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}

	base := float64(p.MinDelay) * math.Pow(p.Factor, float64(n-1))
	delay := base + base*p.Jitter*p.Rand()
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if d < prev {
		d = prev
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error or the retries
// are spent. Waits honour ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p = p.normalized()

	var prev time.Duration
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt > p.MaxRetries {
			return err
		}

		delay := p.Backoff(attempt, prev)
		prev = delay

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying call")

		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
