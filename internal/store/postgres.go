package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
)

var _ Repository = (*Store)(nil)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{pool: pool, logger: logging.OrNop(logger)}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const candidateColumns = `id, external_id, type, source, title, text, url, image_url, author, engagement,
	pre_score, published_at, fetched_at, used, score, decision, reasoning, analyzed_at`

// InsertCandidateIfNew relies on the unique external_id; a conflict is a
// silent no-op, never an update.
func (s *Store) InsertCandidateIfNew(ctx context.Context, c *models.Candidate) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO candidates (id, external_id, type, source, title, text, url, image_url, author, engagement, pre_score, published_at, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_id) DO NOTHING
	`, c.ID, c.ExternalID, string(c.Type), c.Source, c.Title, c.Text, c.URL, c.ImageURL, c.Author, c.Engagement, c.PreScore, c.PublishedAt, c.FetchedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert candidate")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetCandidate(ctx context.Context, id string) (models.Candidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Candidate{}, errors.NewNotFoundError("candidate %s", id)
	}
	return c, err
}

// UnusedCandidates returns the newest candidates not yet turned into posts.
func (s *Store) UnusedCandidates(ctx context.Context, limit int) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+` FROM candidates
		WHERE used = FALSE
		ORDER BY fetched_at DESC, id
		LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query unused candidates")
	}
	return collectCandidates(rows)
}

func (s *Store) RecentCandidates(ctx context.Context, typ models.CandidateType, since time.Time, limit int) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+` FROM candidates
		WHERE type = $1 AND fetched_at >= $2
		ORDER BY fetched_at DESC, id
		LIMIT $3
	`, string(typ), since, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query recent candidates")
	}
	return collectCandidates(rows)
}

func (s *Store) SaveAnalysis(ctx context.Context, id string, a models.Analysis) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET score = $2, decision = $3, reasoning = $4, analyzed_at = $5 WHERE id = $1
	`, id, a.Score, a.Decision, a.Reasoning, a.At)
	return affectedOne(tag.RowsAffected(), err, "candidate", id)
}

func (s *Store) MarkCandidateUsed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE candidates SET used = TRUE WHERE id = $1`, id)
	return affectedOne(tag.RowsAffected(), err, "candidate", id)
}

const postColumns = `id, batch_id, text, media_ids, media_url, link, quote_post_id, status, scheduled_for,
	created_at, posted_at, external_id, error, candidate_id, topic, quality_score, claimed_at, version`

func (s *Store) CreatePost(ctx context.Context, p *models.Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Version = 1
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, batch_id, text, media_ids, media_url, link, quote_post_id, status, scheduled_for,
			created_at, posted_at, external_id, error, candidate_id, topic, quality_score, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, p.ID, p.BatchID, p.Text, mediaIDs(p.MediaIDs), p.MediaURL, p.Link, p.QuotePostID, string(p.Status), p.ScheduledFor,
		p.CreatedAt, p.PostedAt, p.ExternalID, p.Error, p.CandidateID, p.Topic, p.QualityScore, p.Version)
	if err != nil {
		return errors.Wrap(err, "insert post")
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, errors.NewNotFoundError("post %s", id)
	}
	return p, err
}

func (s *Store) ListPosts(ctx context.Context, f models.PostFilter) ([]models.Post, error) {
	var status *string
	if f.Status != "" {
		v := string(f.Status)
		status = &v
	}
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, status, since, limitOrAll(f.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "query posts")
	}
	return collectPosts(rows)
}

// UpdatePost is the optimistic write: it only lands when version matches.
func (s *Store) UpdatePost(ctx context.Context, p *models.Post) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET batch_id = $3, text = $4, media_ids = $5, media_url = $6, link = $7, quote_post_id = $8, status = $9,
			scheduled_for = $10, posted_at = $11, external_id = $12, error = $13, candidate_id = $14, topic = $15,
			quality_score = $16, claimed_at = $17, version = version + 1
		WHERE id = $1 AND version = $2
	`, p.ID, p.Version, p.BatchID, p.Text, mediaIDs(p.MediaIDs), p.MediaURL, p.Link, p.QuotePostID, string(p.Status),
		p.ScheduledFor, p.PostedAt, p.ExternalID, p.Error, p.CandidateID, p.Topic, p.QualityScore, p.ClaimedAt)
	if err != nil {
		return errors.Wrap(err, "update post")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPost(ctx, p.ID); getErr != nil {
			return getErr
		}
		return errors.Wrapf(errors.ErrConflict, "post %s changed (version %d)", p.ID, p.Version)
	}
	p.Version++
	return nil
}

func (s *Store) DeletePost(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	return affectedOne(tag.RowsAffected(), err, "post", id)
}

func (s *Store) DuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE status = 'pending' AND scheduled_for <= $1 AND claimed_at IS NULL
		ORDER BY scheduled_for
		LIMIT $2
	`, now, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query due posts")
	}
	return collectPosts(rows)
}

// ClaimPost is a conditional single-row update; only one caller can win.
func (s *Store) ClaimPost(ctx context.Context, id string, now time.Time) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE posts SET claimed_at = $2, version = version + 1
		WHERE id = $1 AND status = 'pending' AND scheduled_for <= $2 AND claimed_at IS NULL
		RETURNING `+postColumns, id, now)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, errors.Wrapf(errors.ErrConflict, "post %s is not claimable", id)
	}
	return p, err
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET claimed_at = NULL, version = version + 1
		WHERE status = 'pending' AND claimed_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "release stale claims")
	}
	return int(tag.RowsAffected()), nil
}

// CountPostsSince counts published posts plus pending posts queued since the
// given instant; both consume the daily allowance.
func (s *Store) CountPostsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE (status = 'posted' AND posted_at >= $1)
		   OR (status = 'pending' AND created_at >= $1)
	`, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count posts")
	}
	return n, nil
}

func (s *Store) LastPostActivity(ctx context.Context, now time.Time) (*time.Time, error) {
	var last pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(t) FROM (
			SELECT posted_at AS t FROM posts WHERE status = 'posted' AND posted_at <= $1
			UNION ALL
			SELECT scheduled_for AS t FROM posts WHERE status = 'pending' AND scheduled_for <= $1
		) activity
	`, now).Scan(&last)
	if err != nil {
		return nil, errors.Wrap(err, "query last post activity")
	}
	return timePtr(last), nil
}

func (s *Store) RecentPostedTexts(ctx context.Context, n int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT text FROM posts WHERE status = 'posted' ORDER BY posted_at DESC LIMIT $1
	`, limitOrAll(n))
	if err != nil {
		return nil, errors.Wrap(err, "query recent posts")
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan recent posts")
	}
	return texts, nil
}

func (s *Store) AppendHistory(ctx context.Context, h models.PostHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO post_history (id, post_id, text, external_id, posted_at) VALUES ($1, $2, $3, $4, $5)
	`, h.ID, h.PostID, h.Text, h.ExternalID, h.PostedAt)
	if err != nil {
		return errors.Wrap(err, "insert post history")
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.PostHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, text, external_id, posted_at FROM post_history ORDER BY posted_at DESC LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query post history")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PostHistory, error) {
		var h models.PostHistory
		err := row.Scan(&h.ID, &h.PostID, &h.Text, &h.ExternalID, &h.PostedAt)
		return h, err
	})
}

// GetAutomationConfig returns the singleton row, or the defaults when it has
// never been saved.
func (s *Store) GetAutomationConfig(ctx context.Context) (models.AutomationConfig, error) {
	var c models.AutomationConfig
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, posting_times, timezone, daily_limit, randomize_minutes, model, provider, brand_voice,
			min_hours_between_posts, updated_at
		FROM automation_config WHERE id
	`).Scan(&c.Enabled, &c.PostingTimes, &c.Timezone, &c.DailyLimit, &c.RandomizeMinutes, &c.Model, &c.Provider,
		&c.BrandVoice, &c.MinHoursBetweenPosts, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultAutomationConfig(), nil
	}
	if err != nil {
		return models.AutomationConfig{}, errors.Wrap(err, "query automation config")
	}
	return c, nil
}

func (s *Store) SaveAutomationConfig(ctx context.Context, c models.AutomationConfig) (models.AutomationConfig, error) {
	if err := c.Validate(); err != nil {
		return models.AutomationConfig{}, err
	}
	if c.PostingTimes == nil {
		c.PostingTimes = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO automation_config (id, enabled, posting_times, timezone, daily_limit, randomize_minutes, model,
			provider, brand_voice, min_hours_between_posts, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled, posting_times = EXCLUDED.posting_times, timezone = EXCLUDED.timezone,
			daily_limit = EXCLUDED.daily_limit, randomize_minutes = EXCLUDED.randomize_minutes,
			model = EXCLUDED.model, provider = EXCLUDED.provider, brand_voice = EXCLUDED.brand_voice,
			min_hours_between_posts = EXCLUDED.min_hours_between_posts, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, c.Enabled, c.PostingTimes, c.Timezone, c.DailyLimit, c.RandomizeMinutes, c.Model, c.Provider, c.BrandVoice,
		c.MinHoursBetweenPosts).Scan(&c.UpdatedAt)
	if err != nil {
		return models.AutomationConfig{}, errors.Wrap(err, "save automation config")
	}
	return c, nil
}

func (s *Store) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	decisions, err := marshalDecisions(r.Decisions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_runs (id, trigger, status, started_at, finished_at, candidates_evaluated, posts_created, errors, decisions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, string(r.Trigger), string(r.Status), r.StartedAt, r.FinishedAt, r.CandidatesEvaluated, r.PostsCreated, r.Errors, decisions)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	return nil
}

// AppendDecision pushes one entry onto the JSONB decision log in place.
func (s *Store) AppendDecision(ctx context.Context, runID string, d models.RunDecision) error {
	payload, err := json.Marshal([]models.RunDecision{d})
	if err != nil {
		return errors.Wrap(err, "marshal decision")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_runs SET decisions = decisions || $2::jsonb WHERE id = $1
	`, runID, payload)
	return affectedOne(tag.RowsAffected(), err, "run", runID)
}

func (s *Store) UpdateRun(ctx context.Context, r *models.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status = $2, finished_at = $3, candidates_evaluated = $4, posts_created = $5, errors = $6
		WHERE id = $1
	`, r.ID, string(r.Status), r.FinishedAt, r.CandidatesEvaluated, r.PostsCreated, r.Errors)
	return affectedOne(tag.RowsAffected(), err, "run", r.ID)
}

const runColumns = `id, trigger, status, started_at, finished_at, candidates_evaluated, posts_created, errors, decisions`

func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, errors.NewNotFoundError("run %s", id)
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM automation_runs ORDER BY started_at DESC LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Run, error) { return scanRun(row) })
}

func (s *Store) CreateSource(ctx context.Context, src *models.Source) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sources (id, kind, value, active, last_fetched_at, external_user_id) VALUES ($1, $2, $3, $4, $5, $6)
	`, src.ID, string(src.Kind), src.Value, src.Active, src.LastFetchedAt, src.ExternalUserID)
	if err != nil {
		return errors.Wrap(err, "insert source")
	}
	return nil
}

func (s *Store) ActiveSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, value, active, last_fetched_at, external_user_id FROM sources WHERE active ORDER BY value
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query sources")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Source, error) {
		var src models.Source
		var kind string
		var last pgtype.Timestamptz
		err := row.Scan(&src.ID, &kind, &src.Value, &src.Active, &last, &src.ExternalUserID)
		src.Kind = models.SourceKind(kind)
		src.LastFetchedAt = timePtr(last)
		return src, err
	})
}

// TouchSource stamps last_fetched_at and caches a resolved account id when
// one is given.
func (s *Store) TouchSource(ctx context.Context, id string, at time.Time, externalUserID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET last_fetched_at = $2, external_user_id = COALESCE(NULLIF($3, ''), external_user_id)
		WHERE id = $1
	`, id, at, externalUserID)
	return affectedOne(tag.RowsAffected(), err, "source", id)
}

func (s *Store) CreateFeed(ctx context.Context, f *models.Feed) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feeds (id, url, name, active, last_fetched_at) VALUES ($1, $2, $3, $4, $5)
	`, f.ID, f.URL, f.Name, f.Active, f.LastFetchedAt)
	if err != nil {
		return errors.Wrap(err, "insert feed")
	}
	return nil
}

func (s *Store) ActiveFeeds(ctx context.Context) ([]models.Feed, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, url, name, active, last_fetched_at FROM feeds WHERE active ORDER BY url`)
	if err != nil {
		return nil, errors.Wrap(err, "query feeds")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Feed, error) {
		var f models.Feed
		var last pgtype.Timestamptz
		err := row.Scan(&f.ID, &f.URL, &f.Name, &f.Active, &last)
		f.LastFetchedAt = timePtr(last)
		return f, err
	})
}

func (s *Store) TouchFeed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE feeds SET last_fetched_at = $2 WHERE id = $1`, id, at)
	return affectedOne(tag.RowsAffected(), err, "feed", id)
}

func (s *Store) CreateManualTopic(ctx context.Context, t *models.ManualTopic) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO manual_topics (id, topic, used, created_at) VALUES ($1, $2, $3, $4)
	`, t.ID, t.Topic, t.Used, t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert manual topic")
	}
	return nil
}

func (s *Store) NextManualTopic(ctx context.Context) (*models.ManualTopic, error) {
	var t models.ManualTopic
	err := s.pool.QueryRow(ctx, `
		SELECT id, topic, used, created_at FROM manual_topics WHERE used = FALSE ORDER BY created_at LIMIT 1
	`).Scan(&t.ID, &t.Topic, &t.Used, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query manual topic")
	}
	return &t, nil
}

func (s *Store) MarkTopicUsed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE manual_topics SET used = TRUE WHERE id = $1`, id)
	return affectedOne(tag.RowsAffected(), err, "topic", id)
}

func scanCandidate(row pgx.Row) (models.Candidate, error) {
	var c models.Candidate
	var typ string
	var published, analyzed pgtype.Timestamptz
	var score pgtype.Float8
	err := row.Scan(&c.ID, &c.ExternalID, &typ, &c.Source, &c.Title, &c.Text, &c.URL, &c.ImageURL, &c.Author,
		&c.Engagement, &c.PreScore, &published, &c.FetchedAt, &c.Used, &score, &c.Decision, &c.Reasoning, &analyzed)
	if err != nil {
		return models.Candidate{}, err
	}
	c.Type = models.CandidateType(typ)
	c.PublishedAt = timePtr(published)
	c.AnalyzedAt = timePtr(analyzed)
	if score.Valid {
		v := score.Float64
		c.Score = &v
	}
	return c, nil
}

func collectCandidates(rows pgx.Rows) ([]models.Candidate, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Candidate, error) { return scanCandidate(row) })
	if err != nil {
		return nil, errors.Wrap(err, "scan candidates")
	}
	return out, nil
}

func scanPost(row pgx.Row) (models.Post, error) {
	var p models.Post
	var status string
	var scheduled, posted, claimed pgtype.Timestamptz
	err := row.Scan(&p.ID, &p.BatchID, &p.Text, &p.MediaIDs, &p.MediaURL, &p.Link, &p.QuotePostID, &status, &scheduled,
		&p.CreatedAt, &posted, &p.ExternalID, &p.Error, &p.CandidateID, &p.Topic, &p.QualityScore, &claimed, &p.Version)
	if err != nil {
		return models.Post{}, err
	}
	p.Status = models.PostStatus(status)
	p.ScheduledFor = timePtr(scheduled)
	p.PostedAt = timePtr(posted)
	p.ClaimedAt = timePtr(claimed)
	if len(p.MediaIDs) == 0 {
		p.MediaIDs = nil
	}
	return p, nil
}

func collectPosts(rows pgx.Rows) ([]models.Post, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Post, error) { return scanPost(row) })
	if err != nil {
		return nil, errors.Wrap(err, "scan posts")
	}
	return out, nil
}

func scanRun(row pgx.Row) (models.Run, error) {
	var r models.Run
	var trigger, status string
	var finished pgtype.Timestamptz
	var decisions []byte
	err := row.Scan(&r.ID, &trigger, &status, &r.StartedAt, &finished, &r.CandidatesEvaluated, &r.PostsCreated, &r.Errors, &decisions)
	if err != nil {
		return models.Run{}, err
	}
	r.Trigger = models.Trigger(trigger)
	r.Status = models.RunStatus(status)
	r.FinishedAt = timePtr(finished)
	if err := json.Unmarshal(decisions, &r.Decisions); err != nil {
		return models.Run{}, errors.Wrap(err, "unmarshal decisions")
	}
	return r, nil
}

func marshalDecisions(ds []models.RunDecision) ([]byte, error) {
	if ds == nil {
		ds = []models.RunDecision{}
	}
	b, err := json.Marshal(ds)
	if err != nil {
		return nil, errors.Wrap(err, "marshal decisions")
	}
	return b, nil
}

func affectedOne(n int64, err error, kind, id string) error {
	if err != nil {
		return errors.Wrapf(err, "update %s", kind)
	}
	if n == 0 {
		return errors.NewNotFoundError("%s %s", kind, id)
	}
	return nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres reads as
// LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func mediaIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
