package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/guard"
	"social-autopilot/internal/ingest"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
	"social-autopilot/internal/schedule"
)

// Store is what the loop reads directly.
type Store interface {
	Ping(ctx context.Context) error
	GetAutomationConfig(ctx context.Context) (models.AutomationConfig, error)
}

// Publisher publishes due posts.
type Publisher interface {
	ReleaseStale(ctx context.Context) (int, error)
	ProcessDue(ctx context.Context) (posts.ProcessResult, error)
}

// Automation runs one automation pass.
type Automation interface {
	Run(ctx context.Context, trigger models.Trigger) (models.Run, error)
}

// Ingester pulls new candidates.
type Ingester interface {
	IngestRSS(ctx context.Context) (ingest.Result, error)
	IngestSources(ctx context.Context) (ingest.Result, error)
}

// Options configures a Processor.
type Options struct {
	PollInterval         time.Duration
	PostingWindowMinutes int
	RSSFetchHours        []int
	// BackoffMax caps the wait after consecutive failed ticks. Default: 5m
	BackoffMax time.Duration
	// Database guards the reachability probe run before every tick.
	Database guard.Guard
	Now      func() time.Time
	Logger   *zap.SugaredLogger
}

// Processor drives the worker loop: stale claims, due posts, automation
// slots and ingestion.
type Processor struct {
	store      Store
	publisher  Publisher
	automation Automation
	ingester   Ingester
	opts       Options
	logger     *zap.SugaredLogger

	lastSlot    string
	lastSlotAt  time.Time
	lastRSSHour time.Time
}

// TickResult reports what one tick did. Nil pointers mean the step did not run.
type TickResult struct {
	Released  int
	Processed posts.ProcessResult
	Run       *models.Run
	RSS       *ingest.Result
	Sources   *ingest.Result
}

// NewProcessor builds a processor. automation and ingester may be nil.
func NewProcessor(store Store, publisher Publisher, automation Automation, ingester Ingester, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PostingWindowMinutes <= 0 {
		opts.PostingWindowMinutes = 30
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		store:      store,
		publisher:  publisher,
		automation: automation,
		ingester:   ingester,
		opts:       opts,
		logger:     logging.OrNop(opts.Logger),
	}
}

// Run ticks until ctx is cancelled. A failed tick backs off exponentially.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		wait := p.opts.PollInterval
		if _, err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait = backoffWithJitter(p.opts.PollInterval, p.opts.BackoffMax, failures)
			p.logger.Warnw("worker tick failed", "error", err, "failures", failures, "retry_in", wait)
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick runs one pass. Only an unreachable database fails the tick; every
// later step logs its error and lets the rest run. The database breaker sees
// the ping alone, so a failing query in a later step never opens it.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if err := p.opts.Database.Do(ctx, p.store.Ping); err != nil {
		return res, errors.Wrap(err, "database unreachable")
	}

	if n, err := p.publisher.ReleaseStale(ctx); err != nil {
		p.logger.Warnw("release stale claims failed", "error", err)
	} else {
		res.Released = n
	}
	processed, err := p.publisher.ProcessDue(ctx)
	if err != nil {
		p.logger.Warnw("process due posts failed", "error", err)
	}
	res.Processed = processed

	now := p.opts.Now()
	if p.automation != nil {
		res.Run = p.maybeRunAutomation(ctx, now)
	}
	if p.ingester != nil {
		if p.rssDue(now) {
			r, err := p.ingester.IngestRSS(ctx)
			p.logIngest("rss", err)
			res.RSS = &r
			p.lastRSSHour = now.UTC().Truncate(time.Hour)
		}
		r, err := p.ingester.IngestSources(ctx)
		p.logIngest("sources", err)
		res.Sources = &r
	}
	return res, nil
}

// maybeRunAutomation runs the controller once per posting slot.
func (p *Processor) maybeRunAutomation(ctx context.Context, now time.Time) *models.Run {
	cfg, err := p.store.GetAutomationConfig(ctx)
	if err != nil {
		p.logger.Warnw("load automation config failed", "error", err)
		return nil
	}
	slot, ok, err := schedule.CurrentSlot(now, cfg.PostingTimes, cfg.Timezone, p.opts.PostingWindowMinutes)
	if err != nil {
		p.logger.Warnw("posting slot check failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	// The same slot stays current for the whole window on both sides.
	window := time.Duration(2*p.opts.PostingWindowMinutes) * time.Minute
	if slot == p.lastSlot && now.Sub(p.lastSlotAt) <= window {
		return nil
	}

	run, err := p.automation.Run(ctx, models.TriggerCron)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			p.logger.Debugw("automation run already in progress elsewhere", "slot", slot)
		} else {
			p.logger.Errorw("automation run failed", "slot", slot, "error", err)
			return nil
		}
	}
	p.lastSlot, p.lastSlotAt = slot, now
	if run.ID == "" {
		return nil
	}
	return &run
}

func (p *Processor) rssDue(now time.Time) bool {
	if !schedule.ShouldRunAtUTCHour(now, p.opts.RSSFetchHours) {
		return false
	}
	return !now.UTC().Truncate(time.Hour).Equal(p.lastRSSHour)
}

func (p *Processor) logIngest(kind string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrNotConfigured):
		p.logger.Debugw("ingestion not configured", "kind", kind, "error", err)
	default:
		p.logger.Warnw("ingestion failed", "kind", kind, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
