package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"social-autopilot/internal/breaker"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/guard"
)

func completion(text string) string {
	resp := map[string]any{
		"id":    "gen-1",
		"model": "test/model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": text}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(Config{APIKey: "k"})
	assert.Equal(t, DefaultModel, c.config.Model)
	assert.Equal(t, DefaultBaseURL, c.config.BaseURL)
	assert.Equal(t, 0.7, *c.config.Temperature)
	assert.Equal(t, 400, *c.config.MaxTokens)
	assert.True(t, c.IsConfigured())
	assert.False(t, NewClient(Config{}).IsConfigured())
}

func TestGenerateSendsPromptAndTrims(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("  Shipping beats perfect.  ")))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "secret", BaseURL: srv.URL + "/api/v1/", Logger: zaptest.NewLogger(t).Sugar()})
	text, err := c.Generate(context.Background(), Request{System: "be brief", Prompt: "topic: shipping", Model: "custom/model"})
	require.NoError(t, err)
	assert.Equal(t, "Shipping beats perfect.", text)

	assert.Equal(t, "custom/model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "topic: shipping", got.Messages[1].Content)
}

func TestGenerateNon200IsHardFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 402")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestGenerateWithoutKey(t *testing.T) {
	_, err := NewClient(Config{}).Generate(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, errors.ErrNotConfigured))
}

func TestGenerateRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(completion("ok")))
	}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: url, RetryDelay: time.Millisecond, MaxRetries: 2})
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

type fakeGenerator struct {
	text string
	err  error
}

func (f fakeGenerator) Generate(context.Context, Request) (string, error) {
	return f.text, f.err
}

func TestGuardedOpensBreaker(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "llm", FailureThreshold: 2, Timeout: time.Hour})
	g := Guarded{Generator: fakeGenerator{err: errors.New("503")}, Guard: guard.New(b, nil)}

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), Request{})
		require.Error(t, err)
	}
	_, err := g.Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))

	ok := Guarded{Generator: fakeGenerator{text: "hi"}}
	text, err := ok.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}
