// Package ingest pulls content from tracked X accounts, keyword searches and
// RSS feeds into the candidate pool.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/feeds"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/ratelimit"
	"social-autopilot/internal/scoring"
	"social-autopilot/internal/telemetry"
	"social-autopilot/internal/xapi"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	ActiveSources(ctx context.Context) ([]models.Source, error)
	TouchSource(ctx context.Context, id string, at time.Time, externalUserID string) error
	ActiveFeeds(ctx context.Context) ([]models.Feed, error)
	TouchFeed(ctx context.Context, id string, at time.Time) error
	InsertCandidateIfNew(ctx context.Context, c *models.Candidate) (bool, error)
}

// XFetcher reads posts from X.
type XFetcher interface {
	ResolveUser(ctx context.Context, username string) (string, error)
	UserTimeline(ctx context.Context, userID string, max int) ([]xapi.Item, error)
	SearchRecent(ctx context.Context, query string, max int) ([]xapi.Item, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Cooldown is the minimum gap between two fetches of one X source. Default: 24h
	Cooldown time.Duration
	// FeedTimeout bounds each RSS fetch. Default: 15s
	FeedTimeout time.Duration
	MaxResults  int
	Pacer       *ratelimit.Pacer
	Now         func() time.Time
	Logger      *zap.SugaredLogger
}

// Orchestrator runs ingestion passes. A failing source never aborts the pass.
type Orchestrator struct {
	store       Store
	x           XFetcher
	rss         feeds.Fetcher
	cooldown    time.Duration
	feedTimeout time.Duration
	maxResults  int
	pacer       *ratelimit.Pacer
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// New builds an orchestrator. x or rss may be nil to disable that side.
func New(store Store, x XFetcher, rss feeds.Fetcher, cfg Config) *Orchestrator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 15 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = xapi.MaxResults
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:       store,
		x:           x,
		rss:         rss,
		cooldown:    cfg.Cooldown,
		feedTimeout: cfg.FeedTimeout,
		maxResults:  cfg.MaxResults,
		pacer:       cfg.Pacer,
		now:         cfg.Now,
		logger:      logging.OrNop(cfg.Logger),
	}
}

// SourceResult is the outcome for one source or feed.
type SourceResult struct {
	Source     string `json:"source"`
	Found      int    `json:"found"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result sums one ingestion pass.
type Result struct {
	Found      int            `json:"found"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Errors     int            `json:"errors"`
	Skipped    int            `json:"skipped"`
	Sources    []SourceResult `json:"sources"`
}

func (r *Result) add(s SourceResult) {
	r.Found += s.Found
	r.Inserted += s.Inserted
	r.Duplicates += s.Duplicates
	if s.Error != "" {
		r.Errors++
	}
	if s.Skipped {
		r.Skipped++
	}
	r.Sources = append(r.Sources, s)
}

// IngestSources fetches every active account and keyword source outside its
// cooldown. last_fetched_at is stamped whether or not the fetch worked.
func (o *Orchestrator) IngestSources(ctx context.Context) (Result, error) {
	res := Result{Sources: []SourceResult{}}
	if o.x == nil {
		return res, errors.Wrap(errors.ErrNotConfigured, "X fetcher not configured")
	}
	sources, err := o.store.ActiveSources(ctx)
	if err != nil {
		return res, errors.Wrap(err, "load sources")
	}

	for _, src := range sources {
		now := o.now()
		if !src.DueForFetch(now, o.cooldown) {
			res.add(SourceResult{Source: src.Label(), Skipped: true})
			continue
		}
		if err := o.pacer.Wait(ctx); err != nil {
			return res, err
		}
		res.add(o.ingestSource(ctx, src))
	}

	o.logger.Infow("source ingestion finished", "sources", len(sources), "found", res.Found,
		"inserted", res.Inserted, "duplicates", res.Duplicates, "errors", res.Errors, "skipped", res.Skipped)
	return res, nil
}

func (o *Orchestrator) ingestSource(ctx context.Context, src models.Source) SourceResult {
	out := SourceResult{Source: src.Label()}
	items, userID, err := o.fetchSource(ctx, src)

	if touchErr := o.store.TouchSource(ctx, src.ID, o.now(), userID); touchErr != nil {
		o.logger.Warnw("stamp source failed", "source", out.Source, "error", touchErr)
	}
	if err != nil {
		out.Error = err.Error()
		telemetry.CandidatesIngested.WithLabelValues(string(models.CandidateTweet), "error").Inc()
		o.logger.Warnw("source fetch failed", "source", out.Source, "error", err)
		return out
	}

	out.Found = len(items)
	fetchedAt := o.now().UTC()
	for _, it := range items {
		c := &models.Candidate{
			ExternalID:  it.ID,
			Type:        models.CandidateTweet,
			Source:      src.Label(),
			Text:        it.Text,
			URL:         "https://x.com/i/web/status/" + it.ID,
			Author:      it.Author,
			Engagement:  it.Engagement,
			PublishedAt: it.CreatedAt,
			FetchedAt:   fetchedAt,
		}
		if len(it.MediaURLs) > 0 {
			c.ImageURL = it.MediaURLs[0]
		}
		o.insert(ctx, c, &out)
	}
	o.logger.Infow("source ingested", "source", out.Source, "found", out.Found, "inserted", out.Inserted, "duplicates", out.Duplicates)
	return out
}

// fetchSource returns the items plus the account id when one was resolved,
// so it can be cached on the source row.
func (o *Orchestrator) fetchSource(ctx context.Context, src models.Source) ([]xapi.Item, string, error) {
	switch src.Kind {
	case models.SourceAccount:
		userID := src.ExternalUserID
		if userID == "" {
			id, err := o.x.ResolveUser(ctx, src.Value)
			if err != nil {
				return nil, "", errors.Wrapf(err, "resolve @%s", src.Value)
			}
			userID = id
		}
		items, err := o.x.UserTimeline(ctx, userID, o.maxResults)
		return items, userID, err
	case models.SourceKeyword:
		items, err := o.x.SearchRecent(ctx, src.Value, o.maxResults)
		return items, "", err
	default:
		return nil, "", errors.NewInvalidRequestError("unknown source kind %q", src.Kind)
	}
}

// IngestRSS fetches every active feed. Feeds have no cooldown; each fetch is
// bounded by FeedTimeout. Items dedup on their link.
func (o *Orchestrator) IngestRSS(ctx context.Context) (Result, error) {
	res := Result{Sources: []SourceResult{}}
	if o.rss == nil {
		return res, errors.Wrap(errors.ErrNotConfigured, "RSS fetcher not configured")
	}
	list, err := o.store.ActiveFeeds(ctx)
	if err != nil {
		return res, errors.Wrap(err, "load feeds")
	}

	for _, f := range list {
		if err := o.pacer.Wait(ctx); err != nil {
			return res, err
		}
		res.add(o.ingestFeed(ctx, f))
	}

	o.logger.Infow("rss ingestion finished", "feeds", len(list), "found", res.Found,
		"inserted", res.Inserted, "duplicates", res.Duplicates, "errors", res.Errors)
	return res, nil
}

func (o *Orchestrator) ingestFeed(ctx context.Context, f models.Feed) SourceResult {
	name := f.Name
	if name == "" {
		name = f.URL
	}
	out := SourceResult{Source: name}

	fetchCtx, cancel := context.WithTimeout(ctx, o.feedTimeout)
	items, err := o.rss.Fetch(fetchCtx, f.URL)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Newf("feed fetch timed out after %s", o.feedTimeout)
	}

	if touchErr := o.store.TouchFeed(ctx, f.ID, o.now()); touchErr != nil {
		o.logger.Warnw("stamp feed failed", "feed", name, "error", touchErr)
	}
	if err != nil {
		out.Error = err.Error()
		telemetry.CandidatesIngested.WithLabelValues(string(models.CandidateRSS), "error").Inc()
		o.logger.Warnw("feed fetch failed", "feed", name, "url", f.URL, "error", err)
		return out
	}

	now := o.now()
	for _, it := range items {
		key := it.Key()
		if key == "" {
			continue
		}
		out.Found++
		pre := scoring.ScoreFeed(scoring.FeedInput{Title: it.Title, Description: it.Description, PublishedAt: it.PublishedAt}, now)
		c := &models.Candidate{
			ExternalID:  key,
			Type:        models.CandidateRSS,
			Source:      name,
			Title:       it.Title,
			Text:        it.Description,
			URL:         it.Link,
			ImageURL:    it.ImageURL,
			Author:      it.Author,
			PreScore:    pre.Score,
			PublishedAt: it.PublishedAt,
			FetchedAt:   now.UTC(),
		}
		o.insert(ctx, c, &out)
	}
	o.logger.Infow("feed ingested", "feed", name, "found", out.Found, "inserted", out.Inserted, "duplicates", out.Duplicates)
	return out
}

func (o *Orchestrator) insert(ctx context.Context, c *models.Candidate, out *SourceResult) {
	ok, err := o.store.InsertCandidateIfNew(ctx, c)
	switch {
	case err != nil:
		telemetry.CandidatesIngested.WithLabelValues(string(c.Type), "error").Inc()
		o.logger.Warnw("store candidate failed", "source", out.Source, "external_id", c.ExternalID, "error", err)
	case ok:
		out.Inserted++
		telemetry.CandidatesIngested.WithLabelValues(string(c.Type), "new").Inc()
	default:
		out.Duplicates++
		telemetry.CandidatesIngested.WithLabelValues(string(c.Type), "duplicate").Inc()
	}
}
