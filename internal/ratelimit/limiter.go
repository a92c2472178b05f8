// Package ratelimit provides token buckets bounding calls to external APIs.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"social-autopilot/internal/errors"
)

// Limiter blocks until n tokens are available or ctx is done.
type Limiter interface {
	Consume(ctx context.Context, n int) error
}

// Bucket is an in-memory token bucket. Refill is computed lazily from
// elapsed time; there is no background timer.
type Bucket struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	maxTokens int
	perSecond float64
	now       func() time.Time
}

// NewBucket builds a full bucket holding maxTokens that refills at
// refillPerSecond.
func NewBucket(maxTokens int, refillPerSecond float64) *Bucket {
	return NewBucketWithClock(maxTokens, refillPerSecond, time.Now)
}

// NewBucketWithClock is NewBucket with an injectable clock.
func NewBucketWithClock(maxTokens int, refillPerSecond float64, now func() time.Time) *Bucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	b := &Bucket{
		lim:       rate.NewLimiter(rate.Limit(refillPerSecond), maxTokens),
		maxTokens: maxTokens,
		perSecond: refillPerSecond,
		now:       now,
	}
	return b
}

// PerMinute builds a bucket allowing n calls per minute with a burst of n.
func PerMinute(n float64) *Bucket {
	return NewBucket(int(math.Max(1, n)), n/60)
}

// PerHour builds a bucket allowing n calls per hour with a burst of n.
func PerHour(n float64) *Bucket {
	return NewBucket(int(math.Max(1, n)), n/3600)
}

// TryConsume takes n tokens if they are available now. It never blocks and
// never leaves the bucket below zero.
func (b *Bucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.AllowN(b.now(), n)
}

// Available returns the current token count, at most the bucket capacity.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return math.Min(float64(b.maxTokens), b.lim.TokensAt(b.now()))
}

// Max returns the bucket capacity.
func (b *Bucket) Max() int {
	return b.maxTokens
}

// WaitTime returns how long until n tokens will be available, rounded up to
// the millisecond.
func (b *Bucket) WaitTime(n int) time.Duration {
	deficit := float64(n) - b.Available()
	if deficit <= 0 {
		return 0
	}
	if b.perSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}
	ms := math.Ceil(deficit / b.perSecond * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Consume waits until n tokens could be taken. It sleeps for the computed
// deficit and re-polls, since another caller may win the refilled tokens.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	if n > b.maxTokens {
		return errors.NewInvalidRequestError("requested %d tokens from a bucket of %d", n, b.maxTokens)
	}
	for {
		if b.TryConsume(n) {
			return nil
		}
		wait := b.WaitTime(n)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
