package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"social-autopilot/internal/errors"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis,
// so every API and worker instance draws from the same budget.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	allowed, tokens, _, err := b.AllowN(ctx, key, 1)
	return allowed, tokens, err
}

// AllowN consumes n tokens for key if available. When refused, wait is how
// long until the deficit refills.
func (b *TokenBucket) AllowN(ctx context.Context, key string, n int) (bool, float64, time.Duration, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(), n).Result()
	if err != nil {
		return false, 0, 0, errors.Wrap(err, "run token bucket script")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return false, 0, 0, errors.Newf("unexpected token bucket reply %T", res)
	}
	allowed := toInt64(arr[0]) == 1
	tokens := float64(toInt64(arr[1])) / 1000
	wait := time.Duration(toInt64(arr[2])) * time.Millisecond
	return allowed, tokens, wait, nil
}

// Consume blocks until n tokens for key are taken or ctx is done.
func (b *TokenBucket) Consume(ctx context.Context, key string, n int) error {
	if n > b.capacity {
		return errors.NewInvalidRequestError("requested %d tokens from a bucket of %d", n, b.capacity)
	}
	for {
		allowed, _, wait, err := b.AllowN(ctx, key, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
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

// ForKey binds the bucket to one key so it satisfies Limiter.
func (b *TokenBucket) ForKey(key string) Limiter {
	return keyedBucket{bucket: b, key: key}
}

type keyedBucket struct {
	bucket *TokenBucket
	key    string
}

func (k keyedBucket) Consume(ctx context.Context, n int) error {
	return k.bucket.Consume(ctx, k.key, n)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// Redis truncates Lua numbers to integers in replies, so tokens are returned
// in thousandths.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
local wait = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
elseif refill > 0 then
  wait = math.ceil((requested - tokens) / refill * 1000)
else
  wait = -1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000), wait}
`)
