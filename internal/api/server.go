package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"social-autopilot/internal/breaker"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/health"
	"social-autopilot/internal/ingest"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
	"social-autopilot/internal/posts"
	"social-autopilot/internal/schedule"
	"social-autopilot/internal/scoring"
	"social-autopilot/internal/telemetry"
)

// Store is the persistence the handlers reach directly.
type Store interface {
	Ping(ctx context.Context) error
	GetAutomationConfig(ctx context.Context) (models.AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, c models.AutomationConfig) (models.AutomationConfig, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	ListHistory(ctx context.Context, limit int) ([]models.PostHistory, error)
	CreateSource(ctx context.Context, s *models.Source) error
	CreateFeed(ctx context.Context, f *models.Feed) error
	CreateManualTopic(ctx context.Context, t *models.ManualTopic) error
}

// Automation starts a run.
type Automation interface {
	Run(ctx context.Context, trigger models.Trigger) (models.Run, error)
}

// Ingester pulls new candidates.
type Ingester interface {
	IngestRSS(ctx context.Context) (ingest.Result, error)
	IngestSources(ctx context.Context) (ingest.Result, error)
}

// RequestLimiter throttles expensive endpoints per client.
type RequestLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators behind the routes. Store, Posts and Publisher
// are required; a nil Automation, Ingest or Health turns its routes into 503s.
type Deps struct {
	Store      Store
	Posts      *posts.Manager
	Publisher  *posts.Publisher
	Automation Automation
	Ingest     Ingester
	Health     *health.Checker
	Breakers   *breaker.Registry
	Limiter    RequestLimiter

	VarietyLookback int
	Now             func() time.Time
	Logger          *zap.SugaredLogger
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	deps   Deps
	now    func() time.Time
	logger *zap.SugaredLogger
}

// New constructs the API server.
func New(deps Deps) *Server {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.VarietyLookback <= 0 {
		deps.VarietyLookback = 10
	}
	return &Server{deps: deps, now: now, logger: logging.OrNop(deps.Logger)}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/config", s.handleGetConfig)
	r.Put("/config", s.handlePutConfig)

	r.With(s.throttle).Post("/runs", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/autopilot/health", s.handleAutopilotHealth)

	r.With(s.throttle).Post("/ingest/rss", s.handleIngestRSS)
	r.With(s.throttle).Post("/ingest/sources", s.handleIngestSources)
	r.Post("/sources", s.handleCreateSource)
	r.Post("/feeds", s.handleCreateFeed)
	r.Post("/topics", s.handleCreateTopic)

	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.handleListPosts)
		r.Post("/", s.handleCreatePost)
		r.With(s.throttle).Post("/generate", s.handleGenerate)
		r.With(s.throttle).Post("/batch", s.handleBatch)
		r.Post("/process", s.handleProcessDue)
		r.Post("/{id}/schedule", s.handleSchedule)
		r.Post("/{id}/requeue", s.handleRequeue)
		r.With(s.throttle).Post("/{id}/publish", s.handlePublishNow)
		r.Delete("/{id}", s.handleDeletePost)
	})
	r.Get("/history", s.handleHistory)

	r.Get("/breakers", s.handleBreakers)
	r.Post("/breakers/reset", s.handleResetAllBreakers)
	r.Post("/breakers/{name}/reset", s.handleResetBreaker)

	r.Post("/score/post", s.handleScorePost)
	r.Post("/score/feed", s.handleScoreFeed)
	r.Get("/schedule/next", s.handleNextSlots)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetAutomationConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.AutomationConfig
	if !decode(w, r, &cfg) {
		return
	}
	saved, err := s.deps.Store.SaveAutomationConfig(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Infow("automation config updated", "enabled", saved.Enabled, "posting_times", saved.PostingTimes, "timezone", saved.Timezone)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Automation == nil {
		s.writeError(w, errors.Wrap(errors.ErrNotConfigured, "automation not configured"))
		return
	}
	run, err := s.deps.Automation.Run(r.Context(), models.TriggerManual)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAutopilotHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, errors.Wrap(errors.ErrNotConfigured, "health checker not configured"))
		return
	}
	cfg, err := s.deps.Store.GetAutomationConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.deps.Health.Check(r.Context(), cfg.MinHoursBetweenPosts, s.deps.VarietyLookback)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIngestRSS(w http.ResponseWriter, r *http.Request) {
	s.runIngest(w, r, func(ctx context.Context) (ingest.Result, error) { return s.deps.Ingest.IngestRSS(ctx) })
}

func (s *Server) handleIngestSources(w http.ResponseWriter, r *http.Request) {
	s.runIngest(w, r, func(ctx context.Context) (ingest.Result, error) { return s.deps.Ingest.IngestSources(ctx) })
}

func (s *Server) runIngest(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (ingest.Result, error)) {
	if s.deps.Ingest == nil {
		s.writeError(w, errors.Wrap(errors.ErrNotConfigured, "ingestion not configured"))
		return
	}
	res, err := fn(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var src models.Source
	if !decode(w, r, &src) {
		return
	}
	if src.Kind != models.SourceAccount && src.Kind != models.SourceKeyword {
		s.writeError(w, errors.NewInvalidRequestError("kind must be %q or %q", models.SourceAccount, models.SourceKeyword))
		return
	}
	if src.Value == "" {
		s.writeError(w, errors.NewInvalidRequestError("value is required"))
		return
	}
	src.ID, src.Active, src.LastFetchedAt = "", true, nil
	if err := s.deps.Store.CreateSource(r.Context(), &src); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var f models.Feed
	if !decode(w, r, &f) {
		return
	}
	if f.URL == "" {
		s.writeError(w, errors.NewInvalidRequestError("url is required"))
		return
	}
	f.ID, f.Active, f.LastFetchedAt = "", true, nil
	if err := s.deps.Store.CreateFeed(r.Context(), &f); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var t models.ManualTopic
	if !decode(w, r, &t) {
		return
	}
	if t.Topic == "" {
		s.writeError(w, errors.NewInvalidRequestError("topic is required"))
		return
	}
	t.ID, t.Used = "", false
	if err := s.deps.Store.CreateManualTopic(r.Context(), &t); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	f := models.PostFilter{Limit: queryInt(r, "limit", 50)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParsePostStatus(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		f.Status = st
	}
	list, err := s.deps.Posts.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Post{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": list})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req posts.EntryRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.deps.Posts.CreateEntry(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req posts.GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	draft, err := s.deps.Posts.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req posts.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Schedule && len(req.PostingTimes) == 0 {
		cfg, err := s.deps.Store.GetAutomationConfig(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.PostingTimes, req.Timezone, req.JitterMinutes = cfg.PostingTimes, cfg.Timezone, cfg.RandomizeMinutes
	}
	res, err := s.deps.Posts.GenerateBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleProcessDue(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Publisher.ProcessDue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type scheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.deps.Posts.Schedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledFor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.deps.Posts.Requeue(r.Context(), chi.URLParam(r, "id"), req.ScheduledFor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePublishNow(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Publisher.PublishNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if p.ID != "" && p.Status == models.PostFailed {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "post": p})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Posts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": []breaker.Stats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Breakers.All()})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Breakers == nil {
		s.writeError(w, errors.NewNotFoundError("circuit breaker %q", name))
		return
	}
	if err := s.deps.Breakers.Reset(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Infow("circuit breaker reset", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
}

func (s *Server) handleResetAllBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers != nil {
		s.deps.Breakers.ResetAll()
	}
	s.logger.Infow("all circuit breakers reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleScorePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, scoring.ScorePost(req.Text))
}

func (s *Server) handleScoreFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		PublishedAt *time.Time `json:"published_at"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, scoring.ScoreFeed(scoring.FeedInput{
		Title:       req.Title,
		Description: req.Description,
		PublishedAt: req.PublishedAt,
	}, s.now()))
}

func (s *Server) handleNextSlots(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetAutomationConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	count := queryInt(r, "count", len(cfg.PostingTimes))
	if count <= 0 || count > 100 {
		s.writeError(w, errors.NewInvalidRequestError("count must be within 1-100, got %d", count))
		return
	}
	now := s.now()
	slots, err := schedule.NextSlots(now, cfg.PostingTimes, cfg.Timezone, count, 0, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hours, err := schedule.HoursUntilNextPostTime(now, cfg.PostingTimes, cfg.Timezone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timezone":         cfg.Timezone,
		"slots":            slots,
		"hours_until_next": hours,
	})
}

// throttle applies the per-client request limiter, when one is configured.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), "api:"+clientFromRequest(r))
		if err != nil {
			s.logger.Warnw("request limiter failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limit error"})
			return
		}
		if !allowed {
			s.writeError(w, errors.Wrap(errors.ErrRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalidRequest(err):
		return http.StatusBadRequest
	case errors.IsAny(err, errors.ErrConflict, errors.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsAny(err, errors.ErrCircuitOpen, errors.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
