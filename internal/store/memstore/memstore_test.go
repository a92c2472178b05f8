package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore() *Store {
	return NewWithClock(func() time.Time { return now })
}

func TestInsertCandidateIfNewDedups(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	first := &models.Candidate{ExternalID: "https://example.com/a", Type: models.CandidateRSS, Title: "A"}
	ok, err := s.InsertCandidateIfNew(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, first.ID)

	again := &models.Candidate{ExternalID: "https://example.com/a", Type: models.CandidateRSS, Title: "changed"}
	ok, err = s.InsertCandidateIfNew(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)

	unused, err := s.UnusedCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, "A", unused[0].Title)
}

func TestClaimPostIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	due := now.Add(-time.Minute)
	p := &models.Post{Text: "hello", Status: models.PostPending, ScheduledFor: &due}
	require.NoError(t, s.CreatePost(ctx, p))

	posts, err := s.DuePosts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	claimed, err := s.ClaimPost(ctx, p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Version)

	_, err = s.ClaimPost(ctx, p.ID, now)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	posts, err = s.DuePosts(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, posts)

	n, err := s.ReleaseStaleClaims(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	posts, err = s.DuePosts(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestUpdatePostRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	p := &models.Post{Text: "draft", Status: models.PostDraft}
	require.NoError(t, s.CreatePost(ctx, p))

	stale := *p
	p.Text = "edited"
	require.NoError(t, s.UpdatePost(ctx, p))
	assert.Equal(t, 2, p.Version)

	stale.Text = "lost update"
	err := s.UpdatePost(ctx, &stale)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := s.GetPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
}

func TestLastPostActivityIgnoresFuture(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	last, err := s.LastPostActivity(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, last)

	posted := now.Add(-3 * time.Hour)
	scheduledPast := now.Add(-time.Hour)
	scheduledFuture := now.Add(time.Hour)
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPosted, PostedAt: &posted}))
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPending, ScheduledFor: &scheduledPast}))
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPending, ScheduledFor: &scheduledFuture}))

	last, err = s.LastPostActivity(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, scheduledPast, *last)
}

func TestCountPostsSince(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	midnight := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	yesterday := midnight.Add(-time.Hour)
	today := midnight.Add(time.Hour)

	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPosted, PostedAt: &yesterday}))
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPosted, PostedAt: &today}))
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostPending, ScheduledFor: &today}))
	require.NoError(t, s.CreatePost(ctx, &models.Post{Status: models.PostDraft}))

	n, err := s.CountPostsSince(ctx, midnight)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunDecisionsAppend(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	r := &models.Run{Trigger: models.TriggerManual, Status: models.RunRunning, StartedAt: now}
	require.NoError(t, s.CreateRun(ctx, r))
	require.NoError(t, s.AppendDecision(ctx, r.ID, models.RunDecision{At: now, Tag: models.DecisionSkip, Reasoning: "x"}))

	require.NoError(t, r.Finish(models.RunSkipped, now))
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, got.Status)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "x", got.Decisions[0].Reasoning)
}

func TestAutomationConfigDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	c, err := s.GetAutomationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultAutomationConfig(), c)

	c.Timezone = "Mars/Olympus"
	_, err = s.SaveAutomationConfig(ctx, c)
	assert.True(t, errors.IsInvalidRequest(err))

	c.Timezone = "Europe/Berlin"
	c.Enabled = true
	saved, err := s.SaveAutomationConfig(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, now, saved.UpdatedAt)
}

func TestManualTopicsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateManualTopic(ctx, &models.ManualTopic{Topic: "newer", CreatedAt: now}))
	require.NoError(t, s.CreateManualTopic(ctx, &models.ManualTopic{Topic: "older", CreatedAt: now.Add(-time.Hour)}))

	next, err := s.NextManualTopic(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "older", next.Topic)

	require.NoError(t, s.MarkTopicUsed(ctx, next.ID))
	next, err = s.NextManualTopic(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newer", next.Topic)
}

func TestTouchSourceKeepsResolvedID(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	src := &models.Source{Kind: models.SourceAccount, Value: "golang", Active: true}
	require.NoError(t, s.CreateSource(ctx, src))
	require.NoError(t, s.TouchSource(ctx, src.ID, now, "42"))
	require.NoError(t, s.TouchSource(ctx, src.ID, now.Add(time.Hour), ""))

	active, err := s.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "42", active[0].ExternalUserID)
	assert.Equal(t, now.Add(time.Hour), *active[0].LastFetchedAt)
}
