package posts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/telemetry"
	"social-autopilot/internal/xapi"
)

// PublishService creates a post on the platform and returns its id.
type PublishService interface {
	Publish(ctx context.Context, req xapi.PublishRequest) (string, error)
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// BatchSize caps posts handled per ProcessDue. Default: 20
	BatchSize int
	// ClaimTTL is how long a claim may stay unresolved before ReleaseStale
	// frees it. Default: 10m
	ClaimTTL time.Duration
	Now      func() time.Time
	Logger   *zap.SugaredLogger
}

// Publisher sends due posts. Each post is claimed with a conditional update
// first, so two workers can never publish the same row.
type Publisher struct {
	store    Store
	api      PublishService
	index    DueIndex
	batch    int
	claimTTL time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewPublisher builds a publisher. index may be nil, in which case due posts
// are read from the store.
func NewPublisher(store Store, api PublishService, index DueIndex, cfg PublisherConfig) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Publisher{
		store:    store,
		api:      api,
		index:    index,
		batch:    cfg.BatchSize,
		claimTTL: cfg.ClaimTTL,
		now:      cfg.Now,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// ProcessResult counts one ProcessDue pass.
type ProcessResult struct {
	Claimed   int `json:"claimed"`
	Posted    int `json:"posted"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// ProcessDue publishes every pending post whose scheduled_for has passed.
// Failed posts are not retried.
func (p *Publisher) ProcessDue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	now := p.now()
	ids, err := p.dueIDs(ctx, now)
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		post, err := p.store.ClaimPost(ctx, id, now)
		if err != nil {
			p.ack(ctx, id)
			if errors.Is(err, errors.ErrConflict) || errors.IsNotFound(err) {
				res.Conflicts++
				p.logger.Debugw("post not claimable", "post_id", id, "error", err)
				continue
			}
			return res, err
		}
		res.Claimed++
		if _, err := p.publish(ctx, post); err != nil {
			res.Failed++
			continue
		}
		res.Posted++
	}
	if len(ids) > 0 {
		p.logger.Infow("due posts processed", "claimed", res.Claimed, "posted", res.Posted, "failed", res.Failed, "conflicts", res.Conflicts)
	}
	return res, nil
}

func (p *Publisher) dueIDs(ctx context.Context, now time.Time) ([]string, error) {
	if p.index != nil {
		return p.index.ClaimDue(ctx, now, p.batch)
	}
	due, err := p.store.DuePosts(ctx, now, p.batch)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(due))
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// PublishNow publishes a draft or pending post immediately, bypassing its
// slot. It is the only path that leaves a pending post with a scheduled_for
// that is not in the future: the slot is rewritten to now so the conditional
// claim accepts the row. The returned post reflects the final state even
// when err != nil.
func (p *Publisher) PublishNow(ctx context.Context, id string) (models.Post, error) {
	now := p.now()
	post, err := p.store.GetPost(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	if post.Status == models.PostDraft {
		if err := post.Transition(models.PostPending); err != nil {
			return post, err
		}
	}
	if post.Status != models.PostPending {
		return post, errors.Wrapf(errors.ErrIllegalTransition, "post %s is %s", post.ID, post.Status)
	}
	post.ScheduledFor = &now
	if err := p.store.UpdatePost(ctx, &post); err != nil {
		return post, err
	}
	claimed, err := p.store.ClaimPost(ctx, id, now)
	if err != nil {
		return post, err
	}
	return p.publish(ctx, claimed)
}

// publish sends a claimed post and records the outcome on the row.
func (p *Publisher) publish(ctx context.Context, post models.Post) (models.Post, error) {
	defer p.ack(ctx, post.ID)

	externalID, pubErr := p.api.Publish(ctx, xapi.PublishRequest{
		Text:        post.Text,
		MediaIDs:    post.MediaIDs,
		QuotePostID: post.QuotePostID,
	})
	post.ClaimedAt = nil

	if pubErr != nil {
		if err := post.Transition(models.PostFailed); err != nil {
			return post, err
		}
		post.Error = pubErr.Error()
		telemetry.PostsFailed.Inc()
		p.logger.Warnw("publish failed", "post_id", post.ID, "error", pubErr)
		if err := p.store.UpdatePost(ctx, &post); err != nil {
			p.logger.Errorw("record publish failure", "post_id", post.ID, "error", err)
		}
		return post, pubErr
	}

	if err := post.Transition(models.PostPosted); err != nil {
		return post, err
	}
	postedAt := p.now().UTC()
	post.PostedAt = &postedAt
	post.ExternalID = externalID
	post.Error = ""
	if err := p.store.UpdatePost(ctx, &post); err != nil {
		// The post is live; a lost write here must be loud.
		p.logger.Errorw("record published post", "post_id", post.ID, "external_id", externalID, "error", err)
		return post, errors.Wrapf(err, "post %s published as %s but not recorded", post.ID, externalID)
	}
	if err := p.store.AppendHistory(ctx, models.PostHistory{
		PostID:     post.ID,
		Text:       post.Text,
		ExternalID: externalID,
		PostedAt:   postedAt,
	}); err != nil {
		p.logger.Warnw("append post history failed", "post_id", post.ID, "error", err)
	}
	telemetry.PostsPublished.Inc()
	p.logger.Infow("post published", "post_id", post.ID, "external_id", externalID)
	return post, nil
}

// ReleaseStale frees claims older than ClaimTTL and returns expired index
// leases to the scheduled set. It also refreshes the pending-depth gauge.
func (p *Publisher) ReleaseStale(ctx context.Context) (int, error) {
	now := p.now()
	n, err := p.store.ReleaseStaleClaims(ctx, now.Add(-p.claimTTL))
	if err != nil {
		return 0, err
	}
	if p.index != nil {
		if _, err := p.index.RequeueExpired(ctx, now, 100); err != nil {
			p.logger.Warnw("requeue expired leases failed", "error", err)
		}
	}
	if pending, err := p.store.ListPosts(ctx, models.PostFilter{Status: models.PostPending}); err == nil {
		telemetry.QueueDepthGauge.Set(float64(len(pending)))
	}
	if n > 0 {
		p.logger.Warnw("released stale claims", "count", n)
		// Released rows were acked out of the index when their claim lost.
		if _, err := p.Resync(ctx); err != nil {
			p.logger.Warnw("due index resync failed", "error", err)
		}
	}
	return n, nil
}

// Resync mirrors every pending post into the due index.
func (p *Publisher) Resync(ctx context.Context) (int, error) {
	if p.index == nil {
		return 0, nil
	}
	pending, err := p.store.ListPosts(ctx, models.PostFilter{Status: models.PostPending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, post := range pending {
		if post.ScheduledFor == nil {
			continue
		}
		if err := p.index.Schedule(ctx, post.ID, *post.ScheduledFor); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Publisher) ack(ctx context.Context, id string) {
	if p.index == nil {
		return
	}
	if err := p.index.Ack(ctx, id); err != nil {
		p.logger.Warnw("due index ack failed", "post_id", id, "error", err)
	}
}
