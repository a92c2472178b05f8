package xapi

import (
	"time"
)

// Item is a fetched post normalised for ingestion.
type Item struct {
	ID         string
	Text       string
	AuthorID   string
	Author     string
	CreatedAt  *time.Time
	Engagement int
	MediaURLs  []string
}

type publicMetrics struct {
	LikeCount    int `json:"like_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	QuoteCount   int `json:"quote_count"`
}

type rawTweet struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	AuthorID      string        `json:"author_id"`
	CreatedAt     *time.Time    `json:"created_at"`
	PublicMetrics publicMetrics `json:"public_metrics"`
	Attachments   struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type rawMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

type rawUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type timelinePage struct {
	Data     []rawTweet `json:"data"`
	Includes struct {
		Media []rawMedia `json:"media"`
		Users []rawUser  `json:"users"`
	} `json:"includes"`
}

// normalize resolves media keys and author ids through the includes block.
// Videos contribute their preview image.
func (p timelinePage) normalize() []Item {
	media := make(map[string]string, len(p.Includes.Media))
	for _, m := range p.Includes.Media {
		u := m.URL
		if u == "" {
			u = m.PreviewImageURL
		}
		if u != "" {
			media[m.MediaKey] = u
		}
	}
	users := make(map[string]string, len(p.Includes.Users))
	for _, u := range p.Includes.Users {
		users[u.ID] = u.Username
	}

	items := make([]Item, 0, len(p.Data))
	for _, t := range p.Data {
		item := Item{
			ID:         t.ID,
			Text:       t.Text,
			AuthorID:   t.AuthorID,
			Author:     users[t.AuthorID],
			CreatedAt:  t.CreatedAt,
			Engagement: t.PublicMetrics.LikeCount + t.PublicMetrics.RetweetCount + t.PublicMetrics.ReplyCount + t.PublicMetrics.QuoteCount,
		}
		for _, key := range t.Attachments.MediaKeys {
			if u, ok := media[key]; ok {
				item.MediaURLs = append(item.MediaURLs, u)
			}
		}
		items = append(items, item)
	}
	return items
}
