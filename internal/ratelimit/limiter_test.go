package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-autopilot/internal/errors"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBucketStartsFullAndDrains(t *testing.T) {
	clock := newMockClock()
	b := NewBucketWithClock(3, 1, clock.Now)

	assert.InDelta(t, 3.0, b.Available(), 1e-9)
	assert.True(t, b.TryConsume(2))
	assert.True(t, b.TryConsume(1))
	assert.False(t, b.TryConsume(1))
	assert.GreaterOrEqual(t, b.Available(), 0.0)
}

func TestBucketNeverBelowZeroOrAboveMax(t *testing.T) {
	clock := newMockClock()
	b := NewBucketWithClock(5, 2, clock.Now)

	for i := 0; i < 20; i++ {
		b.TryConsume(3)
		assert.GreaterOrEqual(t, b.Available(), 0.0)
		assert.LessOrEqual(t, b.Available(), 5.0)
		clock.Advance(700 * time.Millisecond)
	}

	clock.Advance(time.Hour)
	assert.InDelta(t, 5.0, b.Available(), 1e-9)
	assert.False(t, b.TryConsume(6))
	assert.InDelta(t, 5.0, b.Available(), 1e-9)
}

func TestBucketRefillsWithElapsedTime(t *testing.T) {
	clock := newMockClock()
	b := NewBucketWithClock(2, 0.5, clock.Now)

	require.True(t, b.TryConsume(2))
	assert.Equal(t, 2*time.Second, b.WaitTime(1))
	assert.Equal(t, 4*time.Second, b.WaitTime(2))

	clock.Advance(time.Second)
	assert.InDelta(t, 0.5, b.Available(), 1e-9)
	assert.Equal(t, time.Second, b.WaitTime(1))

	clock.Advance(time.Second)
	assert.True(t, b.TryConsume(1))
	assert.Equal(t, time.Duration(0), b.WaitTime(0))
}

func TestWaitTimeRoundsUpToMillisecond(t *testing.T) {
	clock := newMockClock()
	b := NewBucketWithClock(1, 3, clock.Now)

	require.True(t, b.TryConsume(1))
	// 1/3 s = 333.33ms
	assert.Equal(t, 334*time.Millisecond, b.WaitTime(1))
}

func TestConsumeWaitsForRefill(t *testing.T) {
	b := NewBucket(1, 50)
	require.True(t, b.TryConsume(1))

	start := time.Now()
	require.NoError(t, b.Consume(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestConsumeHonoursContext(t *testing.T) {
	b := NewBucket(1, 0.001)
	require.True(t, b.TryConsume(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Consume(ctx, 1), context.DeadlineExceeded)
}

func TestConsumeRejectsOversizedRequest(t *testing.T) {
	b := NewBucket(2, 1)
	assert.True(t, errors.IsInvalidRequest(b.Consume(context.Background(), 3)))
}

func TestPerMinuteAndPerHour(t *testing.T) {
	assert.Equal(t, 20, PerMinute(20).Max())
	assert.Equal(t, 10, PerHour(10).Max())
	assert.Equal(t, 1, PerHour(0.5).Max())
}

func TestPacer(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewPacer(100).Wait(ctx), context.Canceled)
}
