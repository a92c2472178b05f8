// Package health decides whether the autopilot may publish right now.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
)

// Store is the read side the checker needs.
type Store interface {
	// LastPostActivity returns the latest posted_at, or scheduled_for of a
	// pending post, that is not after now. Nil when there is none.
	LastPostActivity(ctx context.Context, now time.Time) (*time.Time, error)
	// RecentPostedTexts returns up to n texts of posted entries, newest first.
	RecentPostedTexts(ctx context.Context, n int) ([]string, error)
}

// Checker composes the spacing and variety checks.
type Checker struct {
	store            Store
	now              func() time.Time
	varietyThreshold float64
	logger           *zap.SugaredLogger
}

// Config configures a Checker.
type Config struct {
	Now func() time.Time
	// VarietyThreshold is the share of the lookback window a word may
	// appear in before it counts as repetitive. Default: 0.3
	VarietyThreshold float64
	Logger           *zap.SugaredLogger
}

// NewChecker builds a checker over store.
func NewChecker(store Store, cfg Config) *Checker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.VarietyThreshold <= 0 {
		cfg.VarietyThreshold = 0.3
	}
	return &Checker{store: store, now: cfg.Now, varietyThreshold: cfg.VarietyThreshold, logger: logging.OrNop(cfg.Logger)}
}

// Spacing is the outcome of CheckPostSpacing. HoursSinceLastPost is +Inf
// when nothing was ever posted.
type Spacing struct {
	CanPost            bool    `json:"can_post"`
	HoursSinceLastPost float64 `json:"hours_since_last_post"`
	MinHours           float64 `json:"min_hours"`
	Reason             string  `json:"reason,omitempty"`
}

// MarshalJSON renders an infinite HoursSinceLastPost as null.
func (s Spacing) MarshalJSON() ([]byte, error) {
	type alias Spacing
	out := struct {
		alias
		HoursSinceLastPost *float64 `json:"hours_since_last_post"`
	}{alias: alias(s)}
	if !math.IsInf(s.HoursSinceLastPost, 0) {
		h := s.HoursSinceLastPost
		out.HoursSinceLastPost = &h
	}
	return json.Marshal(out)
}

// Variety is the outcome of CheckContentVariety.
type Variety struct {
	IsVaried bool     `json:"is_varied"`
	Lookback int      `json:"lookback"`
	Analyzed int      `json:"analyzed"`
	Warnings []string `json:"warnings"`
}

// Report is the single gating verdict consulted before autonomous posting.
type Report struct {
	Spacing   Spacing   `json:"spacing"`
	Variety   Variety   `json:"variety"`
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckPostSpacing reports whether minHours have passed since the last post.
func (c *Checker) CheckPostSpacing(ctx context.Context, minHours float64) (Spacing, error) {
	now := c.now()
	last, err := c.store.LastPostActivity(ctx, now)
	if err != nil {
		return Spacing{}, errors.Wrap(err, "load last post")
	}
	if last == nil {
		return Spacing{CanPost: true, HoursSinceLastPost: math.Inf(1), MinHours: minHours}, nil
	}
	hours := now.Sub(*last).Hours()
	s := Spacing{CanPost: hours >= minHours, HoursSinceLastPost: hours, MinHours: minHours}
	if !s.CanPost {
		s.Reason = fmt.Sprintf("Last post was %.1f hours ago (minimum %.1f hours required)", hours, minHours)
	}
	return s, nil
}

var (
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)
	stopwords   = map[string]struct{}{
		"about": {}, "after": {}, "again": {}, "being": {}, "could": {}, "every": {},
		"their": {}, "there": {}, "these": {}, "thing": {}, "things": {}, "think": {},
		"those": {}, "where": {}, "which": {}, "while": {}, "would": {}, "really": {},
		"should": {}, "through": {}, "because": {}, "people": {}, "today": {},
		"what's": {}, "don't": {}, "can't": {}, "doesn't": {}, "you're": {}, "it's": {},
	}
)

// CheckContentVariety flags words repeated across too many of the last
// lookback posts.
func (c *Checker) CheckContentVariety(ctx context.Context, lookback int) (Variety, error) {
	texts, err := c.store.RecentPostedTexts(ctx, lookback)
	if err != nil {
		return Variety{}, errors.Wrap(err, "load recent posts")
	}
	v := Variety{IsVaried: true, Lookback: lookback, Analyzed: len(texts), Warnings: []string{}}
	if len(texts) == 0 {
		return v, nil
	}

	counts := map[string]int{}
	for _, text := range texts {
		seen := map[string]struct{}{}
		for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
			if len([]rune(w)) <= 4 {
				continue
			}
			if _, stop := stopwords[w]; stop {
				continue
			}
			seen[w] = struct{}{}
		}
		for w := range seen {
			counts[w]++
		}
	}

	// Scaled by the lookback window, not by the history length.
	window := lookback
	if window < len(texts) {
		window = len(texts)
	}
	limit := c.varietyThreshold * float64(window)
	var repeated []string
	for w, n := range counts {
		if float64(n) > limit && len([]rune(w)) > 5 {
			repeated = append(repeated, w)
		}
	}
	sort.Slice(repeated, func(i, j int) bool {
		if counts[repeated[i]] != counts[repeated[j]] {
			return counts[repeated[i]] > counts[repeated[j]]
		}
		return repeated[i] < repeated[j]
	})
	for _, w := range repeated {
		v.Warnings = append(v.Warnings, fmt.Sprintf("Word %q appears in %d of the last %d posts", w, counts[w], len(texts)))
	}
	v.IsVaried = len(v.Warnings) == 0
	return v, nil
}

// Check runs both checks concurrently.
func (c *Checker) Check(ctx context.Context, minHours float64, lookback int) (Report, error) {
	var r Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.CheckPostSpacing(gctx, minHours)
		r.Spacing = s
		return err
	})
	g.Go(func() error {
		v, err := c.CheckContentVariety(gctx, lookback)
		r.Variety = v
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r.Ready = r.Spacing.CanPost && r.Variety.IsVaried
	r.Timestamp = c.now()
	c.logger.Debugw("autopilot health", "ready", r.Ready, "can_post", r.Spacing.CanPost, "warnings", len(r.Variety.Warnings))
	return r, nil
}
