package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard
type GuardConfig struct {
	Breaker BreakerConfig
	Retry   Policy
	// RateLimit is requests per second; zero disables limiting
	RateLimit float64
	Burst     int
}

// Guard wraps calls to one external collaborator: every attempt waits on the
// rate limiter and passes through the breaker, and failed attempts are retried
// with backoff
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *Breaker
	policy  Policy
}

// NewGuard creates a guard
func NewGuard(name string, cfg GuardConfig) *Guard {
	cfg.Breaker.Name = name

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Guard{
		name:    name,
		limiter: limiter,
		breaker: NewBreaker(cfg.Breaker),
		policy:  cfg.Retry,
	}
}

// Breaker exposes the guard's breaker
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Execute runs fn under the guard
func (g *Guard) Execute(ctx context.Context, fn func(context.Context) error) error {
	return Do(ctx, g.policy, func(ctx context.Context, attempt int) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return Permanent(NewExternalCallError(g.name+" rate limit", 0, err))
		}
		return g.breaker.Execute(ctx, fn)
	})
}

// Guards hands out one Guard per collaborator name
type Guards struct {
	mu     sync.Mutex
	cfg    GuardConfig
	guards map[string]*Guard
}

// NewGuards creates a guard set sharing one configuration
func NewGuards(cfg GuardConfig) *Guards {
	return &Guards{cfg: cfg, guards: make(map[string]*Guard)}
}

// For returns the guard for name, creating it on first use
func (g *Guards) For(name string) *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()

	guard, ok := g.guards[name]
	if !ok {
		guard = NewGuard(name, g.cfg)
		g.guards[name] = guard
	}
	return guard
}

// States reports every breaker state, keyed by name
func (g *Guards) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]string, len(g.guards))
	for name, guard := range g.guards {
		states[name] = guard.breaker.State().String()
	}
	return states
}
