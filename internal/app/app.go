// Package app wires the autopilot components from configuration. The API,
// the worker and the CLI all build the same graph.
package app

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"social-autopilot/internal/automation"
	"social-autopilot/internal/breaker"
	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/errtrack"
	"social-autopilot/internal/feeds"
	"social-autopilot/internal/guard"
	"social-autopilot/internal/health"
	"social-autopilot/internal/ingest"
	"social-autopilot/internal/llm"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/media"
	"social-autopilot/internal/posts"
	"social-autopilot/internal/queue"
	"social-autopilot/internal/ratelimit"
	"social-autopilot/internal/scoring"
	"social-autopilot/internal/store"
	"social-autopilot/internal/store/memstore"
	"social-autopilot/internal/worker"
	"social-autopilot/internal/xapi"
)

const keyPrefix = "autopilot"

// App holds one fully wired set of components.
type App struct {
	Config  config.Config
	Logger  *zap.SugaredLogger
	Store   store.Repository
	Redis   *redis.Client
	Tracker *errtrack.Tracker

	Breakers   *breaker.Registry
	Database   guard.Guard
	Analyzer   *scoring.Analyzer
	Health     *health.Checker
	Ingest     *ingest.Orchestrator
	Posts      *posts.Manager
	Publisher  *posts.Publisher
	Automation *automation.Controller
	// Requests throttles expensive API calls per client. Nil without Redis.
	Requests *ratelimit.TokenBucket

	closers []func()
}

// Options overrides pieces of the graph, mostly for tests.
type Options struct {
	// Redis replaces the client built from RedisAddr.
	Redis *redis.Client
	Now   func() time.Time
}

// Build connects every dependency named by cfg. Close releases them.
func Build(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts Options) (*App, error) {
	logger = logging.OrNop(logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Config: cfg, Logger: logger}

	tracker, err := errtrack.New(errtrack.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     cfg.Release,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.Tracker = tracker
	a.closers = append(a.closers, func() { tracker.Flush(2 * time.Second) })

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRedis(ctx, opts.Redis); err != nil {
		a.Close()
		return nil, err
	}

	a.Breakers = breaker.NewRegistry(cfg.Breakers, logger)
	a.Database = guard.New(a.Breakers.Get(config.ServiceDatabase), nil)

	var (
		index  posts.DueIndex
		locker queue.Locker = queue.NewLocalLocker()
	)
	if a.Redis != nil {
		index = queue.NewDueIndex(a.Redis, keyPrefix, cfg.ClaimTTL)
		locker = queue.NewRedisLocker(a.Redis, keyPrefix)
		a.Requests = ratelimit.NewTokenBucket(a.Redis, 30, 0.5, time.Hour)
	}

	gen := a.generator()

	xClient := xapi.NewClient(xapi.Config{BearerToken: cfg.XBearerToken, BaseURL: cfg.XAPIBaseURL, Logger: logger})
	var (
		xAPI     xapi.API
		xFetcher ingest.XFetcher
		preparer posts.MediaPreparer
	)
	if xClient.IsConfigured() {
		xBreaker := a.Breakers.Get(config.ServiceXAPI)
		guarded := xapi.Guarded{
			API:   xClient,
			Write: guard.New(xBreaker, a.limiter("x_write", cfg.XPostsPerHour, time.Hour)),
			Read:  guard.New(xBreaker, nil),
		}
		xAPI, xFetcher = guarded, guarded

		archive, err := a.archive(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		preparer = media.NewPreparer(guarded, archive, media.Config{
			MaxBytes:        cfg.ImageMaxBytes,
			MaxWidth:        cfg.ImageMaxWidth,
			DownloadTimeout: cfg.ImageDownloadTimeout,
			Logger:          logger,
			Now:             opts.Now,
		})
	} else {
		// Unconfigured calls fail with ErrNotConfigured and must not trip the breaker.
		logger.Infow("x api disabled", "reason", "no bearer token")
		xAPI = xClient
	}

	rss := feeds.Guarded{
		Fetcher: feeds.NewClient(&http.Client{Timeout: cfg.RSSFetchTimeout}),
		Guard:   guard.New(a.Breakers.Get(config.ServiceRSS), a.limiter("rss", cfg.RSSFetchesPerMin, time.Minute)),
	}

	a.Analyzer = scoring.NewAnalyzer(gen, scoring.AnalyzerConfig{
		Boosts:           cfg.EngagementBoosts,
		ApproveThreshold: cfg.ApproveThreshold,
		Model:            cfg.OpenRouterModel,
		Now:              opts.Now,
		Logger:           logger,
	})
	a.Health = health.NewChecker(a.Store, health.Config{
		Now:              opts.Now,
		VarietyThreshold: cfg.VarietyThreshold,
		Logger:           logger,
	})
	a.Ingest = ingest.New(a.Store, xFetcher, rss, ingest.Config{
		Cooldown:    cfg.SourceCooldown,
		FeedTimeout: cfg.RSSFetchTimeout,
		Pacer:       ratelimit.NewPacer(cfg.IngestPacePerSec),
		Now:         opts.Now,
		Logger:      logger,
	})
	a.Posts = posts.NewManager(a.Store, gen, preparer, index, posts.ManagerConfig{Now: opts.Now, Logger: logger})
	a.Publisher = posts.NewPublisher(a.Store, xAPI, index, posts.PublisherConfig{
		BatchSize: cfg.DueBatchSize,
		ClaimTTL:  cfg.ClaimTTL,
		Now:       opts.Now,
		Logger:    logger,
	})
	a.Automation = automation.NewController(a.Store, a.Analyzer, a.Health, a.Posts, a.Publisher, automation.Config{
		CandidateBatch:       cfg.CandidateBatch,
		DefaultTopic:         cfg.DefaultTopic,
		VarietyLookback:      cfg.VarietyLookback,
		MinHoursBetweenPosts: cfg.MinHoursBetweenPosts,
		MinPostQuality:       cfg.MinPostQuality,
		RSSFallbackWindow:    cfg.RSSFallbackWindow,
		Pacer:                ratelimit.NewPacer(cfg.IngestPacePerSec),
		Locker:               locker,
		Reporter:             tracker,
		Now:                  opts.Now,
		Logger:               logger,
	})
	return a, nil
}

// Processor builds the worker loop over the app's components.
func (a *App) Processor() *worker.Processor {
	return worker.NewProcessor(a.Store, a.Publisher, a.Automation, a.Ingest, worker.Options{
		PollInterval:         a.Config.WorkerPollInterval,
		PostingWindowMinutes: a.Config.PostingWindowMinutes,
		RSSFetchHours:        a.Config.RSSFetchHours,
		Database:             a.Database,
		Logger:               a.Logger,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store {
	case "memory":
		a.Logger.Warnw("using in-memory store", "reason", "STORE=memory")
		a.Store = memstore.New()
		return nil
	case "", "postgres":
		st, err := store.New(ctx, a.Config.PostgresDSN, a.Logger)
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		a.closers = append(a.closers, st.Close)
		if err := st.RunMigrations(ctx); err != nil {
			return errors.Wrap(err, "migrations")
		}
		a.Store = st
		return nil
	default:
		return errors.NewInvalidRequestError("unknown store %q", a.Config.Store)
	}
}

func (a *App) openRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		if a.Config.RedisAddr == "" {
			a.Logger.Infow("redis disabled", "reason", "no REDIS_ADDR")
			return nil
		}
		client = redis.NewClient(&redis.Options{
			Addr:     a.Config.RedisAddr,
			Password: a.Config.RedisPassword,
			DB:       a.Config.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	a.Redis = client
	return nil
}

// generator returns the guarded LLM client, or nil when no key is set so
// callers fall back to their heuristics.
func (a *App) generator() llm.Generator {
	client := llm.NewClient(llm.Config{
		APIKey:  a.Config.OpenRouterAPIKey,
		BaseURL: a.Config.OpenRouterBaseURL,
		Model:   a.Config.OpenRouterModel,
		Logger:  a.Logger,
	})
	if !client.IsConfigured() {
		a.Logger.Infow("text generation disabled", "reason", "no OPENROUTER_API_KEY")
		return nil
	}
	return llm.Guarded{
		Generator: client,
		Guard:     guard.New(a.Breakers.Get(config.ServiceLLM), a.limiter("llm", a.Config.LLMRatePerMinute, time.Minute)),
	}
}

// limiter allows n calls per period. With Redis the budget is shared by
// every process; otherwise it is local.
func (a *App) limiter(name string, n float64, period time.Duration) ratelimit.Limiter {
	if n <= 0 {
		return nil
	}
	if a.Redis == nil {
		if period == time.Hour {
			return ratelimit.PerHour(n)
		}
		return ratelimit.PerMinute(n)
	}
	capacity := int(math.Max(1, n))
	bucket := ratelimit.NewTokenBucket(a.Redis, capacity, n/period.Seconds(), 2*period)
	return bucket.ForKey(a.Config.RateLimitKeyspace + ":" + name)
}

func (a *App) archive(ctx context.Context) (media.Archiver, error) {
	switch {
	case a.Config.MediaS3Bucket != "":
		s3, err := media.NewS3Archive(ctx, media.S3Config{
			Bucket:    a.Config.MediaS3Bucket,
			Region:    a.Config.MediaS3Region,
			Endpoint:  a.Config.MediaS3Endpoint,
			PathStyle: a.Config.MediaS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case a.Config.MediaArchiveDir != "":
		return media.DirArchive{BaseDir: a.Config.MediaArchiveDir}, nil
	default:
		return nil, nil
	}
}
