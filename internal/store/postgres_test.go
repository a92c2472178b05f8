package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN and skips when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestPostgresCandidateDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ext := "https://example.com/" + uuid.NewString()

	ok, err := s.InsertCandidateIfNew(ctx, &models.Candidate{ExternalID: ext, Type: models.CandidateRSS, Title: "first"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertCandidateIfNew(ctx, &models.Candidate{ExternalID: ext, Type: models.CandidateRSS, Title: "second"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresPostLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	due := now.Add(-time.Minute)

	p := &models.Post{Text: "hello", Status: models.PostPending, ScheduledFor: &due, MediaIDs: []string{"m1"}}
	require.NoError(t, s.CreatePost(ctx, p))
	t.Cleanup(func() { _ = s.DeletePost(ctx, p.ID) })

	claimed, err := s.ClaimPost(ctx, p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Version)
	assert.Equal(t, []string{"m1"}, claimed.MediaIDs)

	_, err = s.ClaimPost(ctx, p.ID, now)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	require.NoError(t, claimed.Transition(models.PostPosted))
	claimed.PostedAt = &now
	claimed.ExternalID = "x-1"
	require.NoError(t, s.UpdatePost(ctx, &claimed))

	err = s.UpdatePost(ctx, p)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := s.GetPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostPosted, got.Status)
	assert.Equal(t, "x-1", got.ExternalID)
}

func TestPostgresRunDecisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	r := &models.Run{Trigger: models.TriggerCron, Status: models.RunRunning, StartedAt: now}
	require.NoError(t, s.CreateRun(ctx, r))
	require.NoError(t, s.AppendDecision(ctx, r.ID, models.RunDecision{At: now, Tag: models.DecisionProceed, Reasoning: "0/2 posts today"}))
	require.NoError(t, s.AppendDecision(ctx, r.ID, models.RunDecision{At: now, Tag: models.DecisionSkip, Reasoning: "nothing to do"}))
	require.NoError(t, r.Finish(models.RunSkipped, now))
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, got.Status)
	require.Len(t, got.Decisions, 2)
	assert.Equal(t, "0/2 posts today", got.Decisions[0].Reasoning)
}

func TestPostgresMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetPost(ctx, uuid.NewString())
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.MarkCandidateUsed(ctx, uuid.NewString())))
}
