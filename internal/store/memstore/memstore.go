// Package memstore keeps autopilot state in process memory. It backs tests
// and STORE=memory dev runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/models"
	"social-autopilot/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store is a mutex-guarded, in-memory Repository.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	candidates map[string]models.Candidate
	byExternal map[string]string
	posts      map[string]models.Post
	history    []models.PostHistory
	config     *models.AutomationConfig
	runs       map[string]models.Run
	sources    map[string]models.Source
	feeds      map[string]models.Feed
	topics     map[string]models.ManualTopic
}

// New returns an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store stamping rows with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:        now,
		candidates: map[string]models.Candidate{},
		byExternal: map[string]string{},
		posts:      map[string]models.Post{},
		runs:       map[string]models.Run{},
		sources:    map[string]models.Source{},
		feeds:      map[string]models.Feed{},
		topics:     map[string]models.ManualTopic{},
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) InsertCandidateIfNew(_ context.Context, c *models.Candidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byExternal[c.ExternalID]; ok {
		return false, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = s.now().UTC()
	}
	s.candidates[c.ID] = *c
	s.byExternal[c.ExternalID] = c.ID
	return true, nil
}

func (s *Store) GetCandidate(_ context.Context, id string) (models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return models.Candidate{}, errors.NewNotFoundError("candidate %s", id)
	}
	return c, nil
}

func (s *Store) UnusedCandidates(_ context.Context, limit int) ([]models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Candidate
	for _, c := range s.candidates {
		if !c.Used {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return head(out, limit), nil
}

func (s *Store) RecentCandidates(_ context.Context, typ models.CandidateType, since time.Time, limit int) ([]models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Candidate
	for _, c := range s.candidates {
		if c.Type == typ && !c.FetchedAt.Before(since) {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return head(out, limit), nil
}

func (s *Store) SaveAnalysis(_ context.Context, id string, a models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return errors.NewNotFoundError("candidate %s", id)
	}
	score, at := a.Score, a.At
	c.Score, c.Decision, c.Reasoning, c.AnalyzedAt = &score, a.Decision, a.Reasoning, &at
	s.candidates[id] = c
	return nil
}

func (s *Store) MarkCandidateUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return errors.NewNotFoundError("candidate %s", id)
	}
	c.Used = true
	s.candidates[id] = c
	return nil
}

func (s *Store) CreatePost(_ context.Context, p *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.Version = 1
	s.posts[p.ID] = clonePost(*p)
	return nil
}

func (s *Store) GetPost(_ context.Context, id string) (models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return models.Post{}, errors.NewNotFoundError("post %s", id)
	}
	return clonePost(p), nil
}

func (s *Store) ListPosts(_ context.Context, f models.PostFilter) ([]models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Post
	for _, p := range s.posts {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return head(out, f.Limit), nil
}

func (s *Store) UpdatePost(_ context.Context, p *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.posts[p.ID]
	if !ok {
		return errors.NewNotFoundError("post %s", p.ID)
	}
	if cur.Version != p.Version {
		return errors.Wrapf(errors.ErrConflict, "post %s changed (version %d, have %d)", p.ID, cur.Version, p.Version)
	}
	p.Version++
	s.posts[p.ID] = clonePost(*p)
	return nil
}

func (s *Store) DeletePost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return errors.NewNotFoundError("post %s", id)
	}
	delete(s.posts, id)
	return nil
}

func (s *Store) DuePosts(_ context.Context, now time.Time, limit int) ([]models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Post
	for _, p := range s.posts {
		if p.Due(now) && p.ClaimedAt == nil {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	return head(out, limit), nil
}

func (s *Store) ClaimPost(_ context.Context, id string, now time.Time) (models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return models.Post{}, errors.NewNotFoundError("post %s", id)
	}
	if !p.Due(now) || p.ClaimedAt != nil {
		return models.Post{}, errors.Wrapf(errors.ErrConflict, "post %s is not claimable", id)
	}
	at := now.UTC()
	p.ClaimedAt = &at
	p.Version++
	s.posts[id] = p
	return clonePost(p), nil
}

func (s *Store) ReleaseStaleClaims(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.posts {
		if p.Status == models.PostPending && p.ClaimedAt != nil && p.ClaimedAt.Before(before) {
			p.ClaimedAt = nil
			p.Version++
			s.posts[id] = p
			n++
		}
	}
	return n, nil
}

func (s *Store) CountPostsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.posts {
		switch {
		case p.Status == models.PostPosted && p.PostedAt != nil && !p.PostedAt.Before(since):
			n++
		case p.Status == models.PostPending && !p.CreatedAt.Before(since):
			n++
		}
	}
	return n, nil
}

func (s *Store) LastPostActivity(_ context.Context, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	consider := func(t *time.Time) {
		if t == nil || t.After(now) {
			return
		}
		if last == nil || t.After(*last) {
			v := *t
			last = &v
		}
	}
	for _, p := range s.posts {
		switch p.Status {
		case models.PostPosted:
			consider(p.PostedAt)
		case models.PostPending:
			consider(p.ScheduledFor)
		}
	}
	return last, nil
}

func (s *Store) RecentPostedTexts(_ context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var posted []models.Post
	for _, p := range s.posts {
		if p.Status == models.PostPosted && p.PostedAt != nil {
			posted = append(posted, p)
		}
	}
	sort.Slice(posted, func(i, j int) bool { return posted[i].PostedAt.After(*posted[j].PostedAt) })
	posted = head(posted, n)
	out := make([]string, 0, len(posted))
	for _, p := range posted {
		out = append(out, p.Text)
	}
	return out, nil
}

func (s *Store) AppendHistory(_ context.Context, h models.PostHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	s.history = append(s.history, h)
	return nil
}

func (s *Store) ListHistory(_ context.Context, limit int) ([]models.PostHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PostHistory, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}
	return head(out, limit), nil
}

func (s *Store) GetAutomationConfig(context.Context) (models.AutomationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return models.DefaultAutomationConfig(), nil
	}
	c := *s.config
	c.PostingTimes = append([]string(nil), c.PostingTimes...)
	return c, nil
}

func (s *Store) SaveAutomationConfig(_ context.Context, c models.AutomationConfig) (models.AutomationConfig, error) {
	if err := c.Validate(); err != nil {
		return models.AutomationConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = s.now().UTC()
	c.PostingTimes = append([]string(nil), c.PostingTimes...)
	s.config = &c
	return c, nil
}

func (s *Store) CreateRun(_ context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.runs[r.ID] = cloneRun(*r)
	return nil
}

func (s *Store) AppendDecision(_ context.Context, runID string, d models.RunDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return errors.NewNotFoundError("run %s", runID)
	}
	r.Decisions = append(r.Decisions, d)
	s.runs[runID] = r
	return nil
}

// UpdateRun writes status, counters and finished_at. Decisions are only
// ever appended through AppendDecision.
func (s *Store) UpdateRun(_ context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return errors.NewNotFoundError("run %s", r.ID)
	}
	cur.Status = r.Status
	cur.FinishedAt = r.FinishedAt
	cur.CandidatesEvaluated = r.CandidatesEvaluated
	cur.PostsCreated = r.PostsCreated
	cur.Errors = r.Errors
	s.runs[r.ID] = cur
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return models.Run{}, errors.NewNotFoundError("run %s", id)
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return head(out, limit), nil
}

func (s *Store) CreateSource(_ context.Context, src *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	s.sources[src.ID] = *src
	return nil
}

func (s *Store) ActiveSources(context.Context) ([]models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Source
	for _, src := range s.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

func (s *Store) TouchSource(_ context.Context, id string, at time.Time, externalUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return errors.NewNotFoundError("source %s", id)
	}
	at = at.UTC()
	src.LastFetchedAt = &at
	if externalUserID != "" {
		src.ExternalUserID = externalUserID
	}
	s.sources[id] = src
	return nil
}

func (s *Store) CreateFeed(_ context.Context, f *models.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	s.feeds[f.ID] = *f
	return nil
}

func (s *Store) ActiveFeeds(context.Context) ([]models.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Feed
	for _, f := range s.feeds {
		if f.Active {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *Store) TouchFeed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return errors.NewNotFoundError("feed %s", id)
	}
	at = at.UTC()
	f.LastFetchedAt = &at
	s.feeds[id] = f
	return nil
}

func (s *Store) CreateManualTopic(_ context.Context, t *models.ManualTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.topics[t.ID] = *t
	return nil
}

func (s *Store) NextManualTopic(context.Context) (*models.ManualTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *models.ManualTopic
	for _, t := range s.topics {
		if t.Used {
			continue
		}
		if next == nil || t.CreatedAt.Before(next.CreatedAt) {
			v := t
			next = &v
		}
	}
	return next, nil
}

func (s *Store) MarkTopicUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return errors.NewNotFoundError("topic %s", id)
	}
	t.Used = true
	s.topics[id] = t
	return nil
}

func sortCandidates(cs []models.Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].FetchedAt.Equal(cs[j].FetchedAt) {
			return cs[i].FetchedAt.After(cs[j].FetchedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func head[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[:limit]
	}
	return xs
}

func clonePost(p models.Post) models.Post {
	p.MediaIDs = append([]string(nil), p.MediaIDs...)
	return p
}

func cloneRun(r models.Run) models.Run {
	r.Decisions = append([]models.RunDecision(nil), r.Decisions...)
	return r
}
