package models

import (
	"time"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/schedule"
)

// AutomationConfig is the singleton row read on every automation tick.
type AutomationConfig struct {
	Enabled              bool      `json:"enabled"`
	PostingTimes         []string  `json:"posting_times"`
	Timezone             string    `json:"timezone"`
	DailyLimit           int       `json:"daily_limit"`
	RandomizeMinutes     int       `json:"randomize_minutes"`
	Model                string    `json:"model"`
	Provider             string    `json:"provider"`
	BrandVoice           string    `json:"brand_voice"`
	MinHoursBetweenPosts float64   `json:"min_hours_between_posts"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// MaxRandomizeMinutes bounds the jitter applied to scheduled slots.
const MaxRandomizeMinutes = 120

// DefaultAutomationConfig is used until an operator saves a config.
func DefaultAutomationConfig() AutomationConfig {
	return AutomationConfig{
		Enabled:              false,
		PostingTimes:         []string{"09:00", "13:00", "18:00"},
		Timezone:             "UTC",
		DailyLimit:           3,
		Provider:             "openrouter",
		MinHoursBetweenPosts: 1,
	}
}

// Validate rejects malformed posting times, unknown zones and out of range limits.
func (c AutomationConfig) Validate() error {
	for _, t := range c.PostingTimes {
		if _, err := schedule.ParseClock(t); err != nil {
			return err
		}
	}
	if _, err := schedule.LoadLocation(c.Timezone); err != nil {
		return err
	}
	if c.DailyLimit < 0 {
		return errors.NewInvalidRequestError("daily_limit must be >= 0, got %d", c.DailyLimit)
	}
	if c.RandomizeMinutes < 0 || c.RandomizeMinutes > MaxRandomizeMinutes {
		return errors.NewInvalidRequestError("randomize_minutes must be within 0-%d, got %d", MaxRandomizeMinutes, c.RandomizeMinutes)
	}
	if c.MinHoursBetweenPosts < 0 {
		return errors.NewInvalidRequestError("min_hours_between_posts must be >= 0")
	}
	return nil
}

// Trigger identifies what started an automation run.
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

// Decision tags appended to a run's log.
const (
	DecisionSkip     = "skip"
	DecisionProceed  = "proceed"
	DecisionEvaluate = "evaluate"
	DecisionSelect   = "select"
	DecisionFallback = "fallback"
	DecisionGenerate = "generate"
	DecisionPublish  = "publish"
	DecisionError    = "error"
	DecisionComplete = "complete"
)

// RunDecision is one entry of a run's audit trail.
type RunDecision struct {
	At        time.Time      `json:"at"`
	Tag       string         `json:"tag"`
	Reasoning string         `json:"reasoning"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Run is one automation invocation.
type Run struct {
	ID                  string        `json:"id"`
	Trigger             Trigger       `json:"trigger"`
	Status              RunStatus     `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          *time.Time    `json:"finished_at,omitempty"`
	CandidatesEvaluated int           `json:"candidates_evaluated"`
	PostsCreated        int           `json:"posts_created"`
	Errors              int           `json:"errors"`
	Decisions           []RunDecision `json:"decisions"`
}

// Finish moves a running run to its terminal status.
func (r *Run) Finish(to RunStatus, at time.Time) error {
	if !r.Status.CanTransition(to) {
		return illegalTransition("run", string(r.Status), string(to))
	}
	r.Status = to
	r.FinishedAt = &at
	return nil
}
