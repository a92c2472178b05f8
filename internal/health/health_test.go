package health

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"social-autopilot/internal/errors"
)

type fakeStore struct {
	last  *time.Time
	texts []string
	err   error
}

func (f fakeStore) LastPostActivity(context.Context, time.Time) (*time.Time, error) {
	return f.last, f.err
}

func (f fakeStore) RecentPostedTexts(_ context.Context, n int) ([]string, error) {
	if n < len(f.texts) {
		return f.texts[:n], f.err
	}
	return f.texts, f.err
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newChecker(t *testing.T, s Store) *Checker {
	return NewChecker(s, Config{Now: func() time.Time { return now }, Logger: zaptest.NewLogger(t).Sugar()})
}

func TestSpacingNoPosts(t *testing.T) {
	s, err := newChecker(t, fakeStore{}).CheckPostSpacing(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.CanPost)
	assert.True(t, math.IsInf(s.HoursSinceLastPost, 1))

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"can_post":true,"hours_since_last_post":null,"min_hours":1}`, string(b))
}

func TestSpacingTooSoon(t *testing.T) {
	last := now.Add(-30 * time.Minute)
	s, err := newChecker(t, fakeStore{last: &last}).CheckPostSpacing(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s.CanPost)
	assert.InDelta(t, 0.5, s.HoursSinceLastPost, 1e-9)
	assert.Contains(t, s.Reason, "0.5 hours")

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"hours_since_last_post":0.5`)
}

func TestSpacingLongEnough(t *testing.T) {
	last := now.Add(-3 * time.Hour)
	s, err := newChecker(t, fakeStore{last: &last}).CheckPostSpacing(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, s.CanPost)
	assert.Empty(t, s.Reason)
}

func TestVarietyFlagsRepeatedWords(t *testing.T) {
	texts := []string{
		"Kubernetes operators simplify deployments",
		"Why Kubernetes upgrades break on Fridays",
		"Kubernetes costs explained for startups",
		"Writing tests that catch regressions early",
		"Serverless is great for bursty traffic",
	}
	v, err := newChecker(t, fakeStore{texts: texts}).CheckContentVariety(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, v.IsVaried)
	assert.Equal(t, 5, v.Analyzed)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], `"kubernetes" appears in 3 of the last 5 posts`)
}

func TestVarietyShortHistoryIsVaried(t *testing.T) {
	one := []string{"Shipping features weekly keeps customers engaged"}
	v, err := newChecker(t, fakeStore{texts: one}).CheckContentVariety(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, v.IsVaried, "warnings: %v", v.Warnings)
	assert.Equal(t, 1, v.Analyzed)

	three := []string{
		"Shipping features weekly keeps customers engaged",
		"Shipping smaller releases lowers deployment risk",
		"Shipping documentation alongside features matters",
	}
	v, err = newChecker(t, fakeStore{texts: three}).CheckContentVariety(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, v.IsVaried, "warnings: %v", v.Warnings)
}

func TestVarietyIgnoresShortWordsAndStoplist(t *testing.T) {
	texts := []string{
		"Think about cache misses",
		"Think about pager noise",
		"Think about build times",
	}
	v, err := newChecker(t, fakeStore{texts: texts}).CheckContentVariety(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, v.IsVaried)
	assert.Empty(t, v.Warnings)
}

func TestVarietyCountsWordOncePerPost(t *testing.T) {
	texts := []string{
		"golang golang golang golang",
		"ship features weekly",
		"measure latency first",
		"pager duty lessons",
	}
	v, err := newChecker(t, fakeStore{texts: texts}).CheckContentVariety(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, v.IsVaried)
}

func TestVarietyConfigurableThreshold(t *testing.T) {
	texts := []string{"release notes", "release party", "quiet weekend", "garden update"}
	strict := NewChecker(fakeStore{texts: texts}, Config{VarietyThreshold: 0.3})
	v, err := strict.CheckContentVariety(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, v.IsVaried)

	lenient := NewChecker(fakeStore{texts: texts}, Config{VarietyThreshold: 0.5})
	v, err = lenient.CheckContentVariety(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, v.IsVaried)
}

func TestCheckComposes(t *testing.T) {
	last := now.Add(-2 * time.Hour)
	r, err := newChecker(t, fakeStore{last: &last, texts: []string{"ship it"}}).Check(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	assert.Equal(t, now, r.Timestamp)

	r, err = newChecker(t, fakeStore{last: &last, texts: []string{"Shipping features weekly keeps customers engaged"}}).Check(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.True(t, r.Ready, "a single earlier post must not block the next one")

	recent := now.Add(-10 * time.Minute)
	r, err = newChecker(t, fakeStore{last: &recent}).Check(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.False(t, r.Ready)
}

func TestCheckPropagatesStoreErrors(t *testing.T) {
	_, err := newChecker(t, fakeStore{err: errors.New("db down")}).Check(context.Background(), 1, 10)
	assert.Error(t, err)
}
