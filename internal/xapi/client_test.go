package xapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-autopilot/internal/errors"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BearerToken: "token", BaseURL: srv.URL})
}

func TestPublishSendsMediaAndQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body["text"])
		assert.Equal(t, "99", body["quote_tweet_id"])
		assert.Equal(t, map[string]any{"media_ids": []any{"m1"}}, body["media"])
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"id":"123","text":"hello world"}}`)
	})

	id, err := c.Publish(context.Background(), PublishRequest{Text: "hello world", MediaIDs: []string{"m1"}, QuotePostID: "99"})
	require.NoError(t, err)
	assert.Equal(t, "123", id)
}

func TestPublishOmitsEmptyMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasMedia := body["media"]
		assert.False(t, hasMedia)
		_, _ = io.WriteString(w, `{"data":{"id":"1"}}`)
	})
	_, err := c.Publish(context.Background(), PublishRequest{Text: "plain"})
	require.NoError(t, err)
}

func TestPublishErrorCarriesStatusAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"duplicate content"}`)
	})
	_, err := c.Publish(context.Background(), PublishRequest{Text: "dup"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "duplicate content")
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	_, err := c.Publish(context.Background(), PublishRequest{Text: "x"})
	assert.True(t, errors.Is(err, errors.ErrNotConfigured))
}

func TestUploadMediaMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/media/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "tweet_image", r.FormValue("media_category"))
		assert.Equal(t, "image/png", r.FormValue("media_type"))
		f, _, err := r.FormFile("media")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("png-bytes"), data)
		_, _ = io.WriteString(w, `{"data":{"id":"media-1"}}`)
	})
	id, err := c.UploadMedia(context.Background(), []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "media-1", id)
}

func TestResolveUserStripsAt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/by/username/golang", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":{"id":"42","username":"golang"}}`)
	})
	id, err := c.ResolveUser(context.Background(), "@golang")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestResolveUserMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errors":[{"detail":"Could not find user"}]}`)
	})
	_, err := c.ResolveUser(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))
}

const timelineBody = `{
  "data": [
    {"id":"1","text":"first","author_id":"42","created_at":"2024-06-01T10:00:00.000Z",
     "public_metrics":{"like_count":100,"retweet_count":20,"reply_count":5,"quote_count":1},
     "attachments":{"media_keys":["3_1","7_2","missing"]}},
    {"id":"2","text":"second","author_id":"42","public_metrics":{"like_count":1}}
  ],
  "includes": {
    "media":[
      {"media_key":"3_1","type":"photo","url":"https://pbs.example/1.jpg"},
      {"media_key":"7_2","type":"video","preview_image_url":"https://pbs.example/2.jpg"}
    ],
    "users":[{"id":"42","username":"golang"}]
  }
}`

func TestUserTimelineNormalizesIncludes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/42/tweets", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("max_results"))
		assert.Contains(t, r.URL.Query().Get("expansions"), "attachments.media_keys")
		_, _ = io.WriteString(w, timelineBody)
	})

	items, err := c.UserTimeline(context.Background(), "42", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 126, items[0].Engagement)
	assert.Equal(t, "golang", items[0].Author)
	assert.Equal(t, []string{"https://pbs.example/1.jpg", "https://pbs.example/2.jpg"}, items[0].MediaURLs)
	require.NotNil(t, items[0].CreatedAt)
	assert.Equal(t, 10, items[0].CreatedAt.Hour())
	assert.Nil(t, items[1].MediaURLs)
	assert.Nil(t, items[1].CreatedAt)
}

func TestSearchRecentQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets/search/recent", r.URL.Path)
		assert.Equal(t, "golang generics -is:retweet lang:en", r.URL.Query().Get("query"))
		assert.Equal(t, "50", r.URL.Query().Get("max_results"))
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	items, err := c.SearchRecent(context.Background(), "golang generics", 50)
	require.NoError(t, err)
	assert.Empty(t, items)
}
