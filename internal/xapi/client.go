// Package xapi is a small X API v2 client: publishing, media upload and the
// two read endpoints ingestion uses (user timeline, recent search).
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
)

const DefaultBaseURL = "https://api.x.com"

// MaxResults is the page size requested from read endpoints.
const MaxResults = 20

// Config holds client configuration.
type Config struct {
	BearerToken string
	BaseURL     string
	Timeout     time.Duration
	Logger      *zap.SugaredLogger
}

// Client calls the X API with a bearer token.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *zap.SugaredLogger
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		logger:     logging.OrNop(config.Logger),
	}
}

func (c *Client) IsConfigured() bool {
	return c.config.BearerToken != ""
}

// PublishRequest is one post to create.
type PublishRequest struct {
	Text        string
	MediaIDs    []string
	QuotePostID string
}

type createTweetRequest struct {
	Text         string      `json:"text"`
	Media        *tweetMedia `json:"media,omitempty"`
	QuoteTweetID string      `json:"quote_tweet_id,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// Publish creates a post and returns its id.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	body := createTweetRequest{Text: req.Text, QuoteTweetID: req.QuotePostID}
	if len(req.MediaIDs) > 0 {
		body.Media = &tweetMedia{MediaIDs: req.MediaIDs}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "marshal post")
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/tweets", "application/json", bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.New("X API returned no post id")
	}
	c.logger.Infow("post published", "external_id", out.Data.ID, "media", len(req.MediaIDs))
	return out.Data.ID, nil
}

// UploadMedia uploads an image and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", errors.Wrap(err, "write media form")
	}
	if err := w.WriteField("media_type", mimeType); err != nil {
		return "", errors.Wrap(err, "write media form")
	}
	part, err := w.CreateFormFile("media", "upload")
	if err != nil {
		return "", errors.Wrap(err, "write media form")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "write media form")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "close media form")
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/media/upload", w.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.New("X API returned no media id")
	}
	c.logger.Debugw("media uploaded", "media_id", out.Data.ID, "bytes", len(data), "mime", mimeType)
	return out.Data.ID, nil
}

// ResolveUser maps a handle (with or without @) to its account id.
func (c *Client) ResolveUser(ctx context.Context, username string) (string, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/users/by/username/"+url.PathEscape(username), "", nil, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.NewNotFoundError("X account @%s", username)
	}
	return out.Data.ID, nil
}

// UserTimeline returns the latest posts of an account.
func (c *Client) UserTimeline(ctx context.Context, userID string, max int) ([]Item, error) {
	q := readQuery(max)
	q.Set("exclude", "retweets,replies")
	var page timelinePage
	if err := c.do(ctx, http.MethodGet, "/2/users/"+url.PathEscape(userID)+"/tweets?"+q.Encode(), "", nil, &page); err != nil {
		return nil, err
	}
	return page.normalize(), nil
}

// SearchRecent runs a recent search for query.
func (c *Client) SearchRecent(ctx context.Context, query string, max int) ([]Item, error) {
	q := readQuery(max)
	q.Set("query", query+" -is:retweet lang:en")
	var page timelinePage
	if err := c.do(ctx, http.MethodGet, "/2/tweets/search/recent?"+q.Encode(), "", nil, &page); err != nil {
		return nil, err
	}
	return page.normalize(), nil
}

func readQuery(max int) url.Values {
	if max < 10 || max > 100 {
		max = MaxResults
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(max))
	q.Set("tweet.fields", "created_at,public_metrics,author_id")
	q.Set("expansions", "attachments.media_keys,author_id")
	q.Set("media.fields", "url,preview_image_url,type")
	q.Set("user.fields", "username")
	return q
}

// do sends one request. Non-2xx responses come back as plain errors carrying
// the status and body; the API gives nothing more structured to retry on.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if !c.IsConfigured() {
		return errors.Wrap(errors.ErrNotConfigured, "X bearer token not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "X API %s %s", method, routeOf(path))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("X API %s %s failed with status %d: %s", method, routeOf(path), resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
