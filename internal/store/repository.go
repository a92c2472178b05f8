package store

import (
	"context"
	"time"

	"social-autopilot/internal/models"
)

// Repository is everything the autopilot persists. The Postgres Store and
// memstore.Store both implement it; components depend on narrower slices.
type Repository interface {
	Ping(ctx context.Context) error

	// InsertCandidateIfNew stores c unless its external id is already
	// known. It never updates an existing row.
	InsertCandidateIfNew(ctx context.Context, c *models.Candidate) (bool, error)
	GetCandidate(ctx context.Context, id string) (models.Candidate, error)
	UnusedCandidates(ctx context.Context, limit int) ([]models.Candidate, error)
	RecentCandidates(ctx context.Context, typ models.CandidateType, since time.Time, limit int) ([]models.Candidate, error)
	SaveAnalysis(ctx context.Context, id string, a models.Analysis) error
	MarkCandidateUsed(ctx context.Context, id string) error

	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id string) (models.Post, error)
	ListPosts(ctx context.Context, f models.PostFilter) ([]models.Post, error)
	// UpdatePost writes p when the stored version still equals p.Version
	// and bumps it. A stale version yields ErrConflict.
	UpdatePost(ctx context.Context, p *models.Post) error
	DeletePost(ctx context.Context, id string) error
	DuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error)
	// ClaimPost marks a due, unclaimed pending post as taken by the caller.
	// ErrConflict means somebody else got there first.
	ClaimPost(ctx context.Context, id string, now time.Time) (models.Post, error)
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)
	CountPostsSince(ctx context.Context, since time.Time) (int, error)
	LastPostActivity(ctx context.Context, now time.Time) (*time.Time, error)
	RecentPostedTexts(ctx context.Context, n int) ([]string, error)
	AppendHistory(ctx context.Context, h models.PostHistory) error
	ListHistory(ctx context.Context, limit int) ([]models.PostHistory, error)

	GetAutomationConfig(ctx context.Context) (models.AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, c models.AutomationConfig) (models.AutomationConfig, error)

	CreateRun(ctx context.Context, r *models.Run) error
	AppendDecision(ctx context.Context, runID string, d models.RunDecision) error
	UpdateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)

	CreateSource(ctx context.Context, s *models.Source) error
	ActiveSources(ctx context.Context) ([]models.Source, error)
	TouchSource(ctx context.Context, id string, at time.Time, externalUserID string) error

	CreateFeed(ctx context.Context, f *models.Feed) error
	ActiveFeeds(ctx context.Context) ([]models.Feed, error)
	TouchFeed(ctx context.Context, id string, at time.Time) error

	CreateManualTopic(ctx context.Context, t *models.ManualTopic) error
	// NextManualTopic returns the oldest unused topic, or nil.
	NextManualTopic(ctx context.Context) (*models.ManualTopic, error)
	MarkTopicUsed(ctx context.Context, id string) error
}
