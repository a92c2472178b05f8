// Package automation runs the autopilot decision sequence: gate on config,
// daily limit and health, pick something worth posting, then generate and
// publish it. Every step lands in the run's decision log.
package automation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/errtrack"
	"social-autopilot/internal/health"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
	"social-autopilot/internal/queue"
	"social-autopilot/internal/ratelimit"
	"social-autopilot/internal/schedule"
	"social-autopilot/internal/telemetry"
)

// Store is the persistence the controller reads and writes.
type Store interface {
	GetAutomationConfig(ctx context.Context) (models.AutomationConfig, error)
	CreateRun(ctx context.Context, r *models.Run) error
	AppendDecision(ctx context.Context, runID string, d models.RunDecision) error
	UpdateRun(ctx context.Context, r *models.Run) error
	CountPostsSince(ctx context.Context, since time.Time) (int, error)
	UnusedCandidates(ctx context.Context, limit int) ([]models.Candidate, error)
	RecentCandidates(ctx context.Context, typ models.CandidateType, since time.Time, limit int) ([]models.Candidate, error)
	SaveAnalysis(ctx context.Context, id string, a models.Analysis) error
	MarkCandidateUsed(ctx context.Context, id string) error
	NextManualTopic(ctx context.Context) (*models.ManualTopic, error)
	MarkTopicUsed(ctx context.Context, id string) error
}

// Analyzer scores a candidate. It does not fail; errors degrade the score.
type Analyzer interface {
	Analyze(ctx context.Context, c models.Candidate) models.Analysis
}

// HealthChecker is the publish gate.
type HealthChecker interface {
	Check(ctx context.Context, minHours float64, lookback int) (health.Report, error)
}

// Composer turns a topic into a stored draft.
type Composer interface {
	Generate(ctx context.Context, req posts.GenerateRequest) (posts.Draft, error)
	CreateEntry(ctx context.Context, req posts.EntryRequest) (models.Post, error)
}

// Publisher sends a stored post right away.
type Publisher interface {
	PublishNow(ctx context.Context, id string) (models.Post, error)
}

// Config tunes a Controller. Zero values take the documented defaults.
type Config struct {
	// CandidateBatch caps unused candidates evaluated per run. Default: 20
	CandidateBatch int
	// DefaultTopic is the last fallback. Default: "lessons learned building software in public"
	DefaultTopic string
	// VarietyLookback is how many posted texts the variety check reads. Default: 10
	VarietyLookback int
	// MinHoursBetweenPosts applies when the automation config leaves it at 0. Default: 1
	MinHoursBetweenPosts float64
	// MinPostQuality is the post score below which a generated post is kept
	// as a draft instead of published. 0 disables the gate.
	MinPostQuality float64
	// RSSFallbackWindow bounds how old a fallback RSS item may be. Default: 72h
	RSSFallbackWindow time.Duration
	// LockTTL bounds one run's exclusive lease. Default: 10m
	LockTTL time.Duration

	Pacer    *ratelimit.Pacer
	Locker   queue.Locker
	Reporter errtrack.Reporter
	Now      func() time.Time
	Rand     *rand.Rand
	Logger   *zap.SugaredLogger
}

// Controller owns the automation run sequence.
type Controller struct {
	store     Store
	analyzer  Analyzer
	health    HealthChecker
	composer  Composer
	publisher Publisher
	cfg       Config
	rngMu     sync.Mutex
	logger    *zap.SugaredLogger
}

const lockName = "automation-run"

// NewController wires a controller.
func NewController(store Store, analyzer Analyzer, checker HealthChecker, composer Composer, publisher Publisher, cfg Config) *Controller {
	if cfg.CandidateBatch <= 0 {
		cfg.CandidateBatch = 20
	}
	if cfg.DefaultTopic == "" {
		cfg.DefaultTopic = "lessons learned building software in public"
	}
	if cfg.VarietyLookback <= 0 {
		cfg.VarietyLookback = 10
	}
	if cfg.MinHoursBetweenPosts <= 0 {
		cfg.MinHoursBetweenPosts = 1
	}
	if cfg.RSSFallbackWindow <= 0 {
		cfg.RSSFallbackWindow = 72 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Locker == nil {
		cfg.Locker = queue.NewLocalLocker()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = errtrack.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Controller{
		store:     store,
		analyzer:  analyzer,
		health:    checker,
		composer:  composer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// Run executes one automation pass and returns the finished run. Failures of
// the pass itself end up in the run (status failed); the error is reserved
// for not being able to record a run at all, or for an overlapping run.
func (c *Controller) Run(ctx context.Context, trigger models.Trigger) (models.Run, error) {
	release, ok, err := c.cfg.Locker.Acquire(ctx, lockName, c.cfg.LockTTL)
	if err != nil {
		return models.Run{}, err
	}
	if !ok {
		return models.Run{}, errors.Wrap(errors.ErrConflict, "another automation run is in progress")
	}
	defer release()

	r := &runner{
		ctl:    c,
		run:    models.Run{Trigger: trigger, Status: models.RunRunning, StartedAt: c.cfg.Now().UTC(), Decisions: []models.RunDecision{}},
		logger: c.logger,
	}
	if err := c.store.CreateRun(ctx, &r.run); err != nil {
		return models.Run{}, errors.Wrap(err, "create automation run")
	}
	r.logger = c.logger.With("run_id", r.run.ID, "trigger", trigger)

	status, err := r.execute(ctx)
	if err != nil {
		r.run.Errors++
		r.decide(ctx, models.DecisionError, err.Error(), nil)
		status = models.RunFailed
		c.cfg.Reporter.CaptureError(err, map[string]string{"run_id": r.run.ID, "trigger": string(trigger)})
	}
	if err := r.finish(ctx, status); err != nil {
		return r.run, err
	}
	return r.run, nil
}

// runner carries the state of one run.
type runner struct {
	ctl    *Controller
	run    models.Run
	logger *zap.SugaredLogger
}

// subject is what a run decided to write about.
type subject struct {
	topic       string
	context     string
	link        string
	candidateID string
	topicID     string
}

func (r *runner) execute(ctx context.Context) (models.RunStatus, error) {
	c := r.ctl
	cfg, err := c.store.GetAutomationConfig(ctx)
	if err != nil {
		return "", errors.Wrap(err, "load automation config")
	}
	if !cfg.Enabled {
		r.decide(ctx, models.DecisionSkip, "Automation is disabled in config", nil)
		return models.RunSkipped, nil
	}

	now := c.cfg.Now()
	dayStart, err := schedule.StartOfLocalDay(now, cfg.Timezone)
	if err != nil {
		return "", err
	}
	count, err := c.store.CountPostsSince(ctx, dayStart)
	if err != nil {
		return "", errors.Wrap(err, "count posts today")
	}
	usage := map[string]any{"posts_today": count, "daily_limit": cfg.DailyLimit, "timezone": cfg.Timezone}
	if count >= cfg.DailyLimit {
		r.decide(ctx, models.DecisionSkip, fmt.Sprintf("Daily limit reached: %d/%d posts today", count, cfg.DailyLimit), usage)
		return models.RunSkipped, nil
	}
	r.decide(ctx, models.DecisionProceed, fmt.Sprintf("Daily limit check passed: %d/%d posts today", count, cfg.DailyLimit), usage)

	if c.health != nil {
		minHours := cfg.MinHoursBetweenPosts
		if minHours <= 0 {
			minHours = c.cfg.MinHoursBetweenPosts
		}
		report, err := c.health.Check(ctx, minHours, c.cfg.VarietyLookback)
		if err != nil {
			return "", errors.Wrap(err, "autopilot health check")
		}
		if !report.Ready {
			r.decide(ctx, models.DecisionSkip, "Autopilot health check failed: "+healthReason(report), map[string]any{
				"can_post":  report.Spacing.CanPost,
				"is_varied": report.Variety.IsVaried,
			})
			return models.RunSkipped, nil
		}
		r.decide(ctx, models.DecisionProceed, "Autopilot health check passed", nil)
	}

	subj, err := r.selectSubject(ctx)
	if err != nil {
		return "", err
	}
	return r.publish(ctx, cfg, subj)
}

// selectSubject evaluates unused candidates and falls back to a manual
// topic, a recent RSS item, then the default topic.
func (r *runner) selectSubject(ctx context.Context) (subject, error) {
	c := r.ctl
	candidates, err := c.store.UnusedCandidates(ctx, c.cfg.CandidateBatch)
	if err != nil {
		return subject{}, errors.Wrap(err, "load candidates")
	}
	r.decide(ctx, models.DecisionEvaluate, fmt.Sprintf("Evaluating %d unused candidates", len(candidates)), nil)

	var best *models.Candidate
	var bestScore float64
	for i := range candidates {
		cand := candidates[i]
		score, decision := 0.0, cand.Decision
		if cand.Analyzed() {
			score = *cand.Score
		} else if c.analyzer != nil {
			if err := c.cfg.Pacer.Wait(ctx); err != nil {
				return subject{}, err
			}
			a := c.analyzer.Analyze(ctx, cand)
			score, decision = a.Score, a.Decision
			if err := c.store.SaveAnalysis(ctx, cand.ID, a); err != nil {
				r.run.Errors++
				r.logger.Warnw("save candidate analysis failed", "candidate_id", cand.ID, "error", err)
			}
		} else {
			continue
		}
		r.run.CandidatesEvaluated++
		if decision == models.DecisionApproved && (best == nil || score > bestScore) {
			best, bestScore = &candidates[i], score
		}
	}

	if best != nil {
		r.decide(ctx, models.DecisionSelect, fmt.Sprintf("Selected %s candidate from %s with score %.2f", best.Type, best.Source, bestScore), map[string]any{
			"candidate_id": best.ID,
			"external_id":  best.ExternalID,
			"score":        bestScore,
		})
		return subject{
			topic:       headline(*best),
			context:     best.Content(),
			link:        best.URL,
			candidateID: best.ID,
		}, nil
	}

	topic, err := c.store.NextManualTopic(ctx)
	if err != nil {
		return subject{}, errors.Wrap(err, "load manual topic")
	}
	if topic != nil {
		r.decide(ctx, models.DecisionFallback, fmt.Sprintf("No approved candidate; using manual topic %q", topic.Topic), map[string]any{"topic_id": topic.ID})
		return subject{topic: topic.Topic, topicID: topic.ID}, nil
	}

	recent, err := c.store.RecentCandidates(ctx, models.CandidateRSS, c.cfg.Now().Add(-c.cfg.RSSFallbackWindow), 50)
	if err != nil {
		return subject{}, errors.Wrap(err, "load recent rss items")
	}
	// Unused items first; already-posted ones only once nothing fresh is left.
	pool := make([]models.Candidate, 0, len(recent))
	for _, item := range recent {
		if !item.Used {
			pool = append(pool, item)
		}
	}
	if len(pool) == 0 {
		pool = recent
	}
	if len(pool) > 0 {
		c.rngMu.Lock()
		item := pool[c.cfg.Rand.Intn(len(pool))]
		c.rngMu.Unlock()
		r.decide(ctx, models.DecisionFallback, fmt.Sprintf("No approved candidate or manual topic; using recent RSS item %q", headline(item)), map[string]any{"candidate_id": item.ID})
		return subject{topic: headline(item), context: item.Content(), link: item.URL, candidateID: item.ID}, nil
	}

	r.decide(ctx, models.DecisionFallback, fmt.Sprintf("Nothing to draw on; using default topic %q", c.cfg.DefaultTopic), nil)
	return subject{topic: c.cfg.DefaultTopic}, nil
}

func (r *runner) publish(ctx context.Context, cfg models.AutomationConfig, subj subject) (models.RunStatus, error) {
	c := r.ctl
	draft, err := c.composer.Generate(ctx, posts.GenerateRequest{
		Topic:      subj.topic,
		Context:    subj.context,
		BrandVoice: cfg.BrandVoice,
		Model:      cfg.Model,
	})
	if err != nil {
		return "", err
	}
	r.decide(ctx, models.DecisionGenerate, fmt.Sprintf("Generated %d-character post, quality %.1f (%s)",
		utf8.RuneCountInString(draft.Text), draft.Quality.Overall, draft.Quality.Recommendation), map[string]any{"quality": draft.Quality.Overall})

	post, err := c.composer.CreateEntry(ctx, posts.EntryRequest{
		Text:         draft.Text,
		Status:       models.PostDraft,
		Link:         subj.link,
		CandidateID:  subj.candidateID,
		Topic:        subj.topic,
		QualityScore: draft.Quality.Overall,
	})
	if err != nil {
		return "", err
	}
	r.run.PostsCreated++
	r.markUsed(ctx, subj)

	if c.cfg.MinPostQuality > 0 && draft.Quality.Overall < c.cfg.MinPostQuality {
		r.decide(ctx, models.DecisionSkip, fmt.Sprintf("Quality %.1f is below %.1f; kept as draft %s for review",
			draft.Quality.Overall, c.cfg.MinPostQuality, post.ID), map[string]any{"post_id": post.ID})
		return models.RunCompleted, nil
	}

	published, err := c.publisher.PublishNow(ctx, post.ID)
	if err != nil {
		return "", errors.Wrapf(err, "publish post %s", post.ID)
	}
	r.decide(ctx, models.DecisionPublish, fmt.Sprintf("Published post %s as %s", published.ID, published.ExternalID), map[string]any{
		"post_id":     published.ID,
		"external_id": published.ExternalID,
	})
	r.decide(ctx, models.DecisionComplete, "Run completed with 1 post published", nil)
	return models.RunCompleted, nil
}

func (r *runner) markUsed(ctx context.Context, subj subject) {
	if subj.candidateID != "" {
		if err := r.ctl.store.MarkCandidateUsed(ctx, subj.candidateID); err != nil {
			r.logger.Warnw("mark candidate used failed", "candidate_id", subj.candidateID, "error", err)
		}
	}
	if subj.topicID != "" {
		if err := r.ctl.store.MarkTopicUsed(ctx, subj.topicID); err != nil {
			r.logger.Warnw("mark topic used failed", "topic_id", subj.topicID, "error", err)
		}
	}
}

// decide appends to the run's log. A write failure is logged and the run
// carries on with the in-memory copy.
func (r *runner) decide(ctx context.Context, tag, reasoning string, metadata map[string]any) {
	d := models.RunDecision{At: r.ctl.cfg.Now().UTC(), Tag: tag, Reasoning: reasoning, Metadata: metadata}
	r.run.Decisions = append(r.run.Decisions, d)
	r.logger.Infow("automation decision", "tag", tag, "reasoning", reasoning)
	if err := r.ctl.store.AppendDecision(ctx, r.run.ID, d); err != nil {
		r.logger.Warnw("persist decision failed", "tag", tag, "error", err)
	}
}

func (r *runner) finish(ctx context.Context, status models.RunStatus) error {
	if err := r.run.Finish(status, r.ctl.cfg.Now().UTC()); err != nil {
		return err
	}
	telemetry.RunsTotal.WithLabelValues(string(status)).Inc()
	r.logger.Infow("automation run finished", "status", status,
		"candidates_evaluated", r.run.CandidatesEvaluated, "posts_created", r.run.PostsCreated, "errors", r.run.Errors)
	return errors.Wrap(r.ctl.store.UpdateRun(ctx, &r.run), "update automation run")
}

func healthReason(report health.Report) string {
	var parts []string
	if !report.Spacing.CanPost && report.Spacing.Reason != "" {
		parts = append(parts, report.Spacing.Reason)
	}
	parts = append(parts, report.Variety.Warnings...)
	if len(parts) == 0 {
		return "not ready"
	}
	return strings.Join(parts, "; ")
}

// headline is a short topic line for a candidate.
func headline(c models.Candidate) string {
	text := strings.TrimSpace(c.Title)
	if text == "" {
		text = strings.Join(strings.Fields(c.Text), " ")
	}
	if r := []rune(text); len(r) > 120 {
		text = strings.TrimRight(string(r[:120]), " ") + "..."
	}
	return text
}
