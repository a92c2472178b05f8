package models

import (
	"time"
)

// CandidateType distinguishes tweet candidates from RSS items.
type CandidateType string

const (
	CandidateTweet CandidateType = "tweet"
	CandidateRSS   CandidateType = "rss"
)

// Decision values set by the analyzer.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Candidate is a deduplicated piece of ingested content. Rows are created
// once per ExternalID and never overwritten by re-ingestion.
type Candidate struct {
	ID          string        `json:"id"`
	ExternalID  string        `json:"external_id"`
	Type        CandidateType `json:"type"`
	Source      string        `json:"source"`
	Title       string        `json:"title,omitempty"`
	Text        string        `json:"text,omitempty"`
	URL         string        `json:"url,omitempty"`
	ImageURL    string        `json:"image_url,omitempty"`
	Author      string        `json:"author,omitempty"`
	Engagement  int           `json:"engagement"`
	PreScore    float64       `json:"pre_score"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Used        bool          `json:"used"`
	Score       *float64      `json:"score,omitempty"`
	Decision    string        `json:"decision,omitempty"`
	Reasoning   string        `json:"reasoning,omitempty"`
	AnalyzedAt  *time.Time    `json:"analyzed_at,omitempty"`
}

// Analyzed reports whether a score has been recorded.
func (c Candidate) Analyzed() bool {
	return c.Score != nil
}

// Content returns the best text to feed to scoring or generation.
func (c Candidate) Content() string {
	switch {
	case c.Title != "" && c.Text != "":
		return c.Title + "\n\n" + c.Text
	case c.Text != "":
		return c.Text
	default:
		return c.Title
	}
}

// Analysis is the outcome of scoring a candidate.
type Analysis struct {
	Score     float64   `json:"score"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	At        time.Time `json:"analyzed_at"`
}

// SourceKind distinguishes tracked accounts from keyword searches.
type SourceKind string

const (
	SourceAccount SourceKind = "account"
	SourceKeyword SourceKind = "keyword"
)

// Source is a tracked X account or keyword search.
type Source struct {
	ID             string     `json:"id"`
	Kind           SourceKind `json:"kind"`
	Value          string     `json:"value"`
	Active         bool       `json:"active"`
	LastFetchedAt  *time.Time `json:"last_fetched_at,omitempty"`
	ExternalUserID string     `json:"external_user_id,omitempty"`
}

// DueForFetch reports whether the cooldown since the last fetch has elapsed.
func (s Source) DueForFetch(now time.Time, cooldown time.Duration) bool {
	return s.LastFetchedAt == nil || now.Sub(*s.LastFetchedAt) >= cooldown
}

// Label is the human-readable source label stored on candidates.
func (s Source) Label() string {
	if s.Kind == SourceAccount {
		return "@" + s.Value
	}
	return "search:" + s.Value
}

// Feed is an RSS or Atom feed.
type Feed struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

// ManualTopic is an operator-supplied topic used when no candidate qualifies.
type ManualTopic struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}
