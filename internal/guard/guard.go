// Package guard composes a rate limiter and a circuit breaker around every
// outbound call.
package guard

import (
	"context"
	"time"

	"social-autopilot/internal/breaker"
	"social-autopilot/internal/ratelimit"
	"social-autopilot/internal/telemetry"
)

// Guard takes a limiter token, then runs the call through the breaker.
// Either field may be nil.
type Guard struct {
	Name    string
	Breaker *breaker.Breaker
	Limiter ratelimit.Limiter
}

// New builds a guard named after the breaker's service.
func New(b *breaker.Breaker, l ratelimit.Limiter) Guard {
	name := ""
	if b != nil {
		name = b.Name()
	}
	return Guard{Name: name, Breaker: b, Limiter: l}
}

// Do runs fn under the guard.
func (g Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run runs fn under g and returns its result. An open circuit rejects the
// call before a token is spent.
func Run[T any](ctx context.Context, g Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.Breaker != nil {
		if err := g.Breaker.Check(); err != nil {
			return zero, err
		}
	}
	if err := g.consume(ctx); err != nil {
		return zero, err
	}
	if g.Breaker == nil {
		return fn(ctx)
	}
	return breaker.Get(ctx, g.Breaker, fn)
}

func (g Guard) consume(ctx context.Context) error {
	if g.Limiter == nil {
		return nil
	}
	start := time.Now()
	if err := g.Limiter.Consume(ctx, 1); err != nil {
		return err
	}
	if time.Since(start) > time.Millisecond {
		telemetry.RateLimitWaits.WithLabelValues(g.Name).Inc()
	}
	return nil
}
