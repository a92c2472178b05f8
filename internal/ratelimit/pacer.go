package ratelimit

import (
	"context"

	uberrl "go.uber.org/ratelimit"
)

// Pacer spaces out loop iterations (sources, feed items, candidates) so
// third-party APIs see a steady trickle instead of bursts.
type Pacer struct {
	rl uberrl.Limiter
}

// NewPacer allows perSecond iterations per second. perSecond <= 0 disables pacing.
func NewPacer(perSecond int) *Pacer {
	if perSecond <= 0 {
		return &Pacer{rl: uberrl.NewUnlimited()}
	}
	return &Pacer{rl: uberrl.New(perSecond)}
}

// Wait blocks until the next iteration may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.rl == nil {
		return nil
	}
	p.rl.Take()
	return ctx.Err()
}
