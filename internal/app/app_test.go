package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
)

func memoryConfig(t *testing.T) config.Config {
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("X_BEARER_TOKEN", "")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("MEDIA_S3_BUCKET", "")
	t.Setenv("MEDIA_ARCHIVE_DIR", "")
	return config.Load()
}

func TestBuildInMemoryWithoutCredentials(t *testing.T) {
	cfg := memoryConfig(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t).Sugar(), Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Requests)
	assert.False(t, a.Tracker.Enabled())
	require.NotNil(t, a.Processor())

	// Automation ships disabled, so a run records the skip.
	run, err := a.Automation.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, run.Status)

	_, err = a.Posts.Generate(context.Background(), posts.GenerateRequest{Topic: "release notes"})
	assert.True(t, errors.Is(err, errors.ErrNotConfigured), "got %v", err)

	_, err = a.Ingest.IngestSources(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotConfigured), "got %v", err)
}

func TestBuildWithRedisIndexesPendingPosts(t *testing.T) {
	cfg := memoryConfig(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	a, err := Build(ctx, cfg, zaptest.NewLogger(t).Sugar(), Options{Redis: client, Now: clock})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.Requests)

	at := now.Add(time.Minute)
	post, err := a.Posts.CreateEntry(ctx, posts.EntryRequest{Text: "Ship small.", Status: models.PostPending, ScheduledFor: &at})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	res, err := a.Publisher.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Failed)

	// Without a bearer token the publish fails fast and the breaker stays closed.
	got, err := a.Store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostFailed, got.Status)
	for _, s := range a.Breakers.All() {
		assert.Zero(t, s.TotalCalls, "breaker %s", s.Name)
	}
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Store = "sqlite"

	_, err := Build(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestBuildFailsWhenRedisIsDown(t *testing.T) {
	cfg := memoryConfig(t)
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	_, err := Build(context.Background(), cfg, nil, Options{Redis: client})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}
