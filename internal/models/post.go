package models

import (
	"time"
)

// Post is a queue entry in the draft/pending/posted/failed lifecycle.
type Post struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id,omitempty"`
	Text         string     `json:"text"`
	MediaIDs     []string   `json:"media_ids,omitempty"`
	MediaURL     string     `json:"media_url,omitempty"`
	Link         string     `json:"link,omitempty"`
	QuotePostID  string     `json:"quote_post_id,omitempty"`
	Status       PostStatus `json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CandidateID  string     `json:"candidate_id,omitempty"`
	Topic        string     `json:"topic,omitempty"`
	QualityScore float64    `json:"quality_score"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	Version      int        `json:"version"`
}

// Transition moves p to status to, enforcing the post state machine.
func (p *Post) Transition(to PostStatus) error {
	if !p.Status.CanTransition(to) {
		return illegalTransition("post", string(p.Status), string(to))
	}
	p.Status = to
	return nil
}

// Due reports whether a pending post should be published at now.
func (p Post) Due(now time.Time) bool {
	return p.Status == PostPending && p.ScheduledFor != nil && !p.ScheduledFor.After(now)
}

// PostHistory records one successful publication.
type PostHistory struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	Text       string    `json:"text"`
	ExternalID string    `json:"external_id"`
	PostedAt   time.Time `json:"posted_at"`
}

// PostFilter narrows post listings. Zero values mean no constraint.
type PostFilter struct {
	Status PostStatus
	Since  time.Time
	Limit  int
}
