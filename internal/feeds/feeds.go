// Package feeds fetches and normalises RSS and Atom feeds.
package feeds

import (
	"context"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/guard"
)

// Item is one feed entry.
type Item struct {
	GUID        string
	Title       string
	Description string
	Link        string
	Author      string
	ImageURL    string
	PublishedAt *time.Time
}

// Key is the dedup key: the item link, or the GUID for link-less entries.
func (i Item) Key() string {
	if i.Link != "" {
		return i.Link
	}
	return i.GUID
}

// Fetcher loads a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]Item, error)
}

// Client fetches feeds over HTTP with gofeed.
type Client struct {
	parser *gofeed.Parser
}

// NewClient builds a fetcher. A nil httpClient uses a 30s default.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	p := gofeed.NewParser()
	p.Client = httpClient
	p.UserAgent = "social-autopilot/1.0"
	return &Client{parser: p}
}

func (c *Client) Fetch(ctx context.Context, url string) ([]Item, error) {
	feed, err := c.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch feed %s", url)
	}
	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		items = append(items, normalize(it))
	}
	return items, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// cleanText strips markup and collapses whitespace.
func cleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalize(it *gofeed.Item) Item {
	out := Item{
		GUID:  strings.TrimSpace(it.GUID),
		Title: cleanText(it.Title),
		Link:  strings.TrimSpace(it.Link),
	}
	out.Description = cleanText(it.Description)
	if out.Description == "" {
		out.Description = cleanText(it.Content)
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil {
		out.Author = it.Authors[0].Name
	}
	switch {
	case it.PublishedParsed != nil:
		t := it.PublishedParsed.UTC()
		out.PublishedAt = &t
	case it.UpdatedParsed != nil:
		t := it.UpdatedParsed.UTC()
		out.PublishedAt = &t
	}
	if it.Image != nil && it.Image.URL != "" {
		out.ImageURL = it.Image.URL
	} else {
		for _, enc := range it.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				out.ImageURL = enc.URL
				break
			}
		}
	}
	return out
}

// Guarded routes fetches through the rss guard.
type Guarded struct {
	Fetcher Fetcher
	Guard   guard.Guard
}

func (g Guarded) Fetch(ctx context.Context, url string) ([]Item, error) {
	return guard.Run(ctx, g.Guard, func(ctx context.Context) ([]Item, error) {
		return g.Fetcher.Fetch(ctx, url)
	})
}
