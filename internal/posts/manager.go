// Package posts turns topics into queued posts and publishes them when they
// fall due.
package posts

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/llm"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/media"
	"social-autopilot/internal/models"
	"social-autopilot/internal/schedule"
	"social-autopilot/internal/scoring"
)

// MaxLength is the character limit of a post.
const MaxLength = 280

const ellipsis = "..."

// Store is the queue persistence.
type Store interface {
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id string) (models.Post, error)
	ListPosts(ctx context.Context, f models.PostFilter) ([]models.Post, error)
	UpdatePost(ctx context.Context, p *models.Post) error
	DeletePost(ctx context.Context, id string) error
	DuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error)
	ClaimPost(ctx context.Context, id string, now time.Time) (models.Post, error)
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)
	AppendHistory(ctx context.Context, h models.PostHistory) error
}

// DueIndex is an optional fast index of when pending posts fall due.
type DueIndex interface {
	Schedule(ctx context.Context, postID string, at time.Time) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Ack(ctx context.Context, postID string) error
	Cancel(ctx context.Context, postID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// MediaPreparer downloads and uploads an image, returning its media id.
type MediaPreparer interface {
	Prepare(ctx context.Context, url string) (media.Prepared, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Now    func() time.Time
	Rand   *rand.Rand
	Logger *zap.SugaredLogger
}

// Manager generates drafts and owns the queue entry lifecycle up to pending.
type Manager struct {
	store  Store
	gen    llm.Generator
	media  MediaPreparer
	index  DueIndex
	now    func() time.Time
	rngMu  sync.Mutex
	rng    *rand.Rand
	logger *zap.SugaredLogger
}

// NewManager builds a manager. media and index may be nil.
func NewManager(store Store, gen llm.Generator, media MediaPreparer, index DueIndex, cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		store:  store,
		gen:    gen,
		media:  media,
		index:  index,
		now:    cfg.Now,
		rng:    cfg.Rand,
		logger: logging.OrNop(cfg.Logger),
	}
}

// GenerateRequest asks for one draft about Topic.
type GenerateRequest struct {
	Topic      string `json:"topic"`
	Context    string `json:"context,omitempty"`
	BrandVoice string `json:"brand_voice,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Draft is generated text plus its quality score.
type Draft struct {
	Text    string            `json:"text"`
	Quality scoring.PostScore `json:"quality"`
}

const systemPrompt = `You write posts for X. Write one original post of at most 280 characters.
No hashtags unless they add meaning. No quotation marks around the post. Output only the post text.`

// Generate asks the text-generation service for a draft about req.Topic.
// Over-long output is cut to MaxLength with an ellipsis.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (Draft, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return Draft{}, errors.NewInvalidRequestError("topic is required")
	}
	if m.gen == nil {
		return Draft{}, errors.Wrap(errors.ErrNotConfigured, "text generation not configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if v := strings.TrimSpace(req.BrandVoice); v != "" {
		fmt.Fprintf(&b, "Brand voice: %s\n", v)
	}
	if c := strings.TrimSpace(req.Context); c != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", c)
	}

	text, err := m.gen.Generate(ctx, llm.Request{System: systemPrompt, Prompt: b.String(), Model: req.Model})
	if err != nil {
		return Draft{}, errors.Wrap(err, "generate post")
	}
	text = Truncate(cleanGenerated(text))
	if text == "" {
		return Draft{}, errors.New("text generation returned an empty post")
	}
	return Draft{Text: text, Quality: scoring.ScorePost(text)}, nil
}

// Truncate cuts text to MaxLength runes, ending in an ellipsis when cut.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:MaxLength-len(ellipsis)]), " ") + ellipsis
}

func cleanGenerated(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

// EntryRequest describes a queue entry to insert.
type EntryRequest struct {
	Text         string            `json:"text"`
	Status       models.PostStatus `json:"status"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	MediaIDs     []string          `json:"media_ids,omitempty"`
	MediaURL     string            `json:"media_url,omitempty"`
	Link         string            `json:"link,omitempty"`
	QuotePostID  string            `json:"quote_post_id,omitempty"`
	BatchID      string            `json:"batch_id,omitempty"`
	CandidateID  string            `json:"candidate_id,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	QualityScore float64           `json:"quality_score,omitempty"`
}

// CreateEntry inserts a draft or pending post. Pending posts need a
// scheduled_for in the future.
func (m *Manager) CreateEntry(ctx context.Context, req EntryRequest) (models.Post, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return models.Post{}, errors.NewInvalidRequestError("text is required")
	}
	if n := utf8.RuneCountInString(text); n > MaxLength {
		return models.Post{}, errors.NewInvalidRequestError("text is %d characters, limit is %d", n, MaxLength)
	}
	status := req.Status
	if status == "" {
		status = models.PostDraft
	}
	switch status {
	case models.PostDraft:
	case models.PostPending:
		if req.ScheduledFor == nil {
			return models.Post{}, errors.NewInvalidRequestError("pending posts need scheduled_for")
		}
		if !req.ScheduledFor.After(m.now()) {
			return models.Post{}, errors.NewInvalidRequestError("scheduled_for %s is not in the future", req.ScheduledFor.UTC().Format(time.RFC3339))
		}
	default:
		return models.Post{}, errors.NewInvalidRequestError("new posts must be draft or pending, got %q", status)
	}

	p := models.Post{
		BatchID:      req.BatchID,
		Text:         text,
		MediaIDs:     req.MediaIDs,
		MediaURL:     req.MediaURL,
		Link:         req.Link,
		QuotePostID:  req.QuotePostID,
		Status:       status,
		CreatedAt:    m.now().UTC(),
		CandidateID:  req.CandidateID,
		Topic:        req.Topic,
		QualityScore: req.QualityScore,
	}
	if req.ScheduledFor != nil {
		at := req.ScheduledFor.UTC()
		p.ScheduledFor = &at
	}
	if err := m.store.CreatePost(ctx, &p); err != nil {
		return models.Post{}, err
	}
	if p.Status == models.PostPending {
		m.indexPost(ctx, p)
	}
	m.logger.Infow("post queued", "post_id", p.ID, "status", p.Status, "scheduled_for", p.ScheduledFor, "batch_id", p.BatchID)
	return p, nil
}

// BatchRequest generates one post per topic. With Schedule set, posts are
// spread over the next posting slots; otherwise they stay drafts.
type BatchRequest struct {
	Topics        []string `json:"topics"`
	ImageURL      string   `json:"image_url,omitempty"`
	BrandVoice    string   `json:"brand_voice,omitempty"`
	Model         string   `json:"model,omitempty"`
	Schedule      bool     `json:"schedule"`
	PostingTimes  []string `json:"posting_times,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	JitterMinutes int      `json:"jitter_minutes,omitempty"`
}

// BatchResult reports a batch. A topic that fails to generate is listed in
// Errors and does not stop the others.
type BatchResult struct {
	BatchID string          `json:"batch_id"`
	Posts   []models.Post   `json:"posts"`
	Media   *media.Prepared `json:"media,omitempty"`
	Errors  []string        `json:"errors"`
}

// GenerateBatch uploads the image once and attaches its media id to every
// post in the batch.
func (m *Manager) GenerateBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	topics := make([]string, 0, len(req.Topics))
	for _, t := range req.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return BatchResult{}, errors.NewInvalidRequestError("at least one topic is required")
	}

	var slots []time.Time
	if req.Schedule {
		m.rngMu.Lock()
		s, err := schedule.NextSlots(m.now(), req.PostingTimes, req.Timezone, len(topics), req.JitterMinutes, m.rng)
		m.rngMu.Unlock()
		if err != nil {
			return BatchResult{}, err
		}
		slots = s
	}

	res := BatchResult{BatchID: uuid.NewString(), Posts: []models.Post{}, Errors: []string{}}
	var mediaIDs []string
	if req.ImageURL != "" {
		if m.media == nil {
			return BatchResult{}, errors.Wrap(errors.ErrNotConfigured, "media upload not configured")
		}
		prepared, err := m.media.Prepare(ctx, req.ImageURL)
		if err != nil {
			return BatchResult{}, errors.Wrap(err, "prepare batch image")
		}
		res.Media = &prepared
		mediaIDs = []string{prepared.MediaID}
	}

	for i, topic := range topics {
		draft, err := m.Generate(ctx, GenerateRequest{Topic: topic, BrandVoice: req.BrandVoice, Model: req.Model})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", topic, err))
			m.logger.Warnw("batch generation failed", "batch_id", res.BatchID, "topic", topic, "error", err)
			continue
		}
		entry := EntryRequest{
			Text:         draft.Text,
			Status:       models.PostDraft,
			MediaIDs:     mediaIDs,
			MediaURL:     req.ImageURL,
			BatchID:      res.BatchID,
			Topic:        topic,
			QualityScore: draft.Quality.Overall,
		}
		if i < len(slots) {
			entry.Status = models.PostPending
			entry.ScheduledFor = &slots[i]
		}
		p, err := m.CreateEntry(ctx, entry)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", topic, err))
			continue
		}
		res.Posts = append(res.Posts, p)
	}
	m.logger.Infow("batch generated", "batch_id", res.BatchID, "posts", len(res.Posts), "errors", len(res.Errors), "media", res.Media != nil)
	return res, nil
}

// Schedule moves a draft to pending at at.
func (m *Manager) Schedule(ctx context.Context, id string, at time.Time) (models.Post, error) {
	if !at.After(m.now()) {
		return models.Post{}, errors.NewInvalidRequestError("scheduled_for %s is not in the future", at.UTC().Format(time.RFC3339))
	}
	p, err := m.store.GetPost(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	if err := p.Transition(models.PostPending); err != nil {
		return models.Post{}, err
	}
	at = at.UTC()
	p.ScheduledFor = &at
	if err := m.store.UpdatePost(ctx, &p); err != nil {
		return models.Post{}, err
	}
	m.indexPost(ctx, p)
	m.logger.Infow("post scheduled", "post_id", p.ID, "scheduled_for", at)
	return p, nil
}

// Requeue copies a failed post into a new pending post at at. The failed
// row is left as it is.
func (m *Manager) Requeue(ctx context.Context, failedID string, at time.Time) (models.Post, error) {
	p, err := m.store.GetPost(ctx, failedID)
	if err != nil {
		return models.Post{}, err
	}
	if p.Status != models.PostFailed {
		return models.Post{}, errors.NewInvalidRequestError("only failed posts can be requeued, post %s is %s", p.ID, p.Status)
	}
	return m.CreateEntry(ctx, EntryRequest{
		Text:         p.Text,
		Status:       models.PostPending,
		ScheduledFor: &at,
		MediaIDs:     p.MediaIDs,
		MediaURL:     p.MediaURL,
		Link:         p.Link,
		QuotePostID:  p.QuotePostID,
		BatchID:      p.BatchID,
		CandidateID:  p.CandidateID,
		Topic:        p.Topic,
		QualityScore: p.QualityScore,
	})
}

// Delete removes a draft or failed post.
func (m *Manager) Delete(ctx context.Context, id string) error {
	p, err := m.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.Deletable() {
		return errors.NewInvalidRequestError("only draft or failed posts can be deleted, post %s is %s", p.ID, p.Status)
	}
	if err := m.store.DeletePost(ctx, id); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.Cancel(ctx, id); err != nil {
			m.logger.Warnw("due index cancel failed", "post_id", id, "error", err)
		}
	}
	return nil
}

// List returns posts matching f, newest first.
func (m *Manager) List(ctx context.Context, f models.PostFilter) ([]models.Post, error) {
	return m.store.ListPosts(ctx, f)
}

// indexPost mirrors a pending post into the due index. The row is already
// stored, so an index failure only delays publishing until the next resync.
func (m *Manager) indexPost(ctx context.Context, p models.Post) {
	if m.index == nil || p.ScheduledFor == nil {
		return
	}
	if err := m.index.Schedule(ctx, p.ID, *p.ScheduledFor); err != nil {
		m.logger.Warnw("due index schedule failed", "post_id", p.ID, "error", err)
	}
}
