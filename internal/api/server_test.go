package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"social-autopilot/internal/breaker"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/health"
	"social-autopilot/internal/llm"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
	"social-autopilot/internal/store/memstore"
	"social-autopilot/internal/xapi"
)

var now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	return "Draft about " + strings.TrimPrefix(strings.SplitN(req.Prompt, "\n", 2)[0], "Topic: "), nil
}

type okPublisher struct{}

func (okPublisher) Publish(context.Context, xapi.PublishRequest) (string, error) {
	return "1800000000000000000", nil
}

type fakeAutomation struct{ err error }

func (a fakeAutomation) Run(_ context.Context, trigger models.Trigger) (models.Run, error) {
	if a.err != nil {
		return models.Run{}, a.err
	}
	return models.Run{ID: "r1", Trigger: trigger, Status: models.RunSkipped}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

func newTestServer(t *testing.T, mutate func(*Deps)) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.NewWithClock(clock)
	deps := Deps{
		Store:      st,
		Posts:      posts.NewManager(st, echoGenerator{}, nil, nil, posts.ManagerConfig{Now: clock}),
		Publisher:  posts.NewPublisher(st, okPublisher{}, nil, posts.PublisherConfig{Now: clock}),
		Automation: fakeAutomation{},
		Health:     health.NewChecker(st, health.Config{Now: clock}),
		Breakers:   breaker.NewRegistry(nil, nil),
		Now:        clock,
		Logger:     zaptest.NewLogger(t).Sugar(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(New(deps).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPut, "/config", map[string]any{
		"enabled": true, "posting_times": []string{"25:00"}, "timezone": "UTC", "daily_limit": 2,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "25:00")

	resp, _ = do(t, srv, http.MethodPut, "/config", map[string]any{
		"enabled": true, "posting_times": []string{"09:00", "18:00"}, "timezone": "Europe/Berlin", "daily_limit": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "Europe/Berlin", body["timezone"])
}

func TestPostLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/posts", map[string]any{"text": "hello from the queue"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "draft", body["status"])

	at := now.Add(2 * time.Hour).Format(time.RFC3339)
	resp, body = do(t, srv, http.MethodPost, "/posts/"+id+"/schedule", map[string]any{"scheduled_for": at})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, srv, http.MethodPost, "/posts/"+id+"/schedule", map[string]any{"scheduled_for": at})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "illegal status transition")

	resp, _ = do(t, srv, http.MethodDelete, "/posts/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/posts/"+id+"/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "posted", body["status"])
	assert.Equal(t, "1800000000000000000", body["external_id"])

	resp, body = do(t, srv, http.MethodGet, "/posts?status=posted", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["posts"], 1)

	resp, body = do(t, srv, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
}

func TestPostErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodDelete, "/posts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")

	resp, _ = do(t, srv, http.MethodGet, "/posts?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/posts", map[string]any{"text": strings.Repeat("a", 281)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "281 characters")

	resp, body = do(t, srv, http.MethodPost, "/posts/generate", map[string]any{"topic": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "topic is required")
}

func TestGenerateAndBatch(t *testing.T) {
	srv, st := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/posts/generate", map[string]any{"topic": "caching"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Draft about caching", body["text"])

	resp, body = do(t, srv, http.MethodPost, "/posts/batch", map[string]any{"topics": []string{"a", "b"}, "schedule": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, body["posts"], 2)

	pending, err := st.ListPosts(context.Background(), models.PostFilter{Status: models.PostPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, srv, http.MethodPost, "/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "manual", body["trigger"])

	srv, _ = newTestServer(t, func(d *Deps) {
		d.Automation = fakeAutomation{err: errors.Wrap(errors.ErrConflict, "another automation run is in progress")}
	})
	resp, body = do(t, srv, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "in progress")

	srv, _ = newTestServer(t, func(d *Deps) { d.Automation = nil })
	resp, _ = do(t, srv, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAutopilotHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, srv, http.MethodGet, "/autopilot/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ready"])
	spacing := body["spacing"].(map[string]any)
	assert.Nil(t, spacing["hours_since_last_post"])
}

func TestBreakerEndpoints(t *testing.T) {
	reg := breaker.NewRegistry(nil, nil)
	reg.Get("llm")
	srv, _ := newTestServer(t, func(d *Deps) { d.Breakers = reg })

	resp, body := do(t, srv, http.MethodGet, "/breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["breakers"], 1)

	resp, _ = do(t, srv, http.MethodPost, "/breakers/llm/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/breakers/unknown/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/breakers/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reset", body["status"])
}

func TestScoringAndSlots(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/score/post", map[string]any{"text": "   "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delete", body["recommendation"])

	resp, body = do(t, srv, http.MethodPost, "/score/feed", map[string]any{"title": "An in-depth analysis of queue latency", "description": strings.Repeat("detail ", 20)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["score"].(float64), 50.0)

	resp, body = do(t, srv, http.MethodGet, "/schedule/next?count=4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["slots"], 4)
	assert.InDelta(t, 1.0, body["hours_until_next"].(float64), 1e-9)

	resp, _ = do(t, srv, http.MethodGet, "/schedule/next?count=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThrottleRejects(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) { d.Limiter = denyLimiter{} })
	resp, body := do(t, srv, http.MethodPost, "/posts/generate", map[string]any{"topic": "x"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body["error"], "too many requests")

	resp, _ = do(t, srv, http.MethodGet, "/posts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSourcesFeedsTopics(t *testing.T) {
	srv, st := newTestServer(t, nil)

	resp, _ := do(t, srv, http.MethodPost, "/sources", map[string]any{"kind": "hashtag", "value": "go"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/sources", map[string]any{"kind": "account", "value": "golang"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/feeds", map[string]any{"url": "https://go.dev/blog/feed.atom", "name": "Go blog"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/topics", map[string]any{"topic": "testing in production"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	sources, err := st.ActiveSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
	feeds, err := st.ActiveFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
	topic, err := st.NextManualTopic(ctx)
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "testing in production", topic.Topic)
}
