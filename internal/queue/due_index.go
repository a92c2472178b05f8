// Package queue keeps the Redis side of post scheduling: a sorted-set index
// of when pending posts fall due, and a lock that keeps automation ticks
// from overlapping across worker instances.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"social-autopilot/internal/errors"
)

// DueIndex mirrors pending posts into Redis, scored by scheduled_for. The
// database row stays the source of truth; the index only saves the worker
// from polling Postgres and hands each id to one worker at a time.
type DueIndex struct {
	client       redis.Cmdable
	scheduledKey string
	inflightKey  string
	lease        time.Duration
}

// NewDueIndex builds an index under prefix. lease bounds how long a claimed
// id may stay in flight before RequeueExpired hands it out again.
func NewDueIndex(client redis.Cmdable, prefix string, lease time.Duration) *DueIndex {
	if prefix == "" {
		prefix = "autopilot"
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &DueIndex{
		client:       client,
		scheduledKey: prefix + ":posts:scheduled",
		inflightKey:  prefix + ":posts:inflight",
		lease:        lease,
	}
}

// Schedule adds or moves postID to fire at at.
func (q *DueIndex) Schedule(ctx context.Context, postID string, at time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, postID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: postID})
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "schedule post")
}

// ClaimDue atomically moves up to limit ids due at now into the in-flight set
// and returns them in due order.
func (q *DueIndex) ClaimDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), limit, now.Add(q.lease).UnixMilli()).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim due posts")
	}
	return res, nil
}

// Ack drops a processed id from in-flight tracking.
func (q *DueIndex) Ack(ctx context.Context, postID string) error {
	return errors.Wrap(q.client.ZRem(ctx, q.inflightKey, postID).Err(), "ack post")
}

// RequeueExpired returns ids whose lease ran out to the scheduled set so the
// next tick retries the claim.
func (q *DueIndex) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "scan expired leases")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "requeue expired leases")
	}
	return ids, nil
}

// Cancel removes postID from both sets.
func (q *DueIndex) Cancel(ctx context.Context, postID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, postID)
	pipe.ZRem(ctx, q.inflightKey, postID)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "cancel post")
}

// Depth is the number of ids waiting to fall due.
func (q *DueIndex) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.scheduledKey).Result()
	return n, errors.Wrap(err, "count scheduled posts")
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)
