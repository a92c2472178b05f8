package scoring

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Quality tiers for feed scores.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// FeedInput is the content of an RSS item or candidate.
type FeedInput struct {
	Title       string
	Description string
	PublishedAt *time.Time
}

// FeedScore is a 0-100 heuristic score.
type FeedScore struct {
	Score       float64      `json:"score"`
	Quality     string       `json:"quality"`
	Adjustments []Adjustment `json:"adjustments"`
}

const feedBase = 50

var clickbaitRules = []Rule{
	{words("you won't believe", "shocking", "this one trick", "what happens next", "will blow your mind", "doctors hate", "you need to see", "gone wrong", "jaw-dropping"), -20, "clickbait phrasing"},
}

var qualityRules = []Rule{
	{words("analysis"), 5, "quality marker: analysis"},
	{words("research"), 5, "quality marker: research"},
	{words("study"), 5, "quality marker: study"},
	{words("data"), 5, "quality marker: data"},
	{words("report"), 5, "quality marker: report"},
	{words("insights"), 5, "quality marker: insights"},
	{words("guide"), 5, "quality marker: guide"},
	{words("tutorial"), 5, "quality marker: tutorial"},
}

var spamRules = []Rule{
	{regexp.MustCompile(`(?i)\b(?:buy now|limited time offer|act now|free money|casino|giveaway|get rich|100% free|click here)\b`), -40, "spam marker"},
}

type lengthRule struct {
	min, max int // inclusive; 0 max means unbounded
	delta    float64
	reason   string
}

var titleLengthRules = []lengthRule{
	{0, 19, -10, "title too short"},
	{20, 150, 10, "title length in 20-150"},
	{151, 0, -5, "title too long"},
}

var descriptionLengthRules = []lengthRule{
	{0, 49, -10, "description too short"},
	{50, 5000, 10, "description length in 50-5000"},
}

type ageRule struct {
	under  time.Duration // 0 means older than over
	over   time.Duration
	delta  float64
	reason string
}

var freshnessRules = []ageRule{
	{under: 24 * time.Hour, delta: 10, reason: "published within a day"},
	{under: 7 * 24 * time.Hour, delta: 5, reason: "published within a week"},
	{over: 30 * 24 * time.Hour, delta: -10, reason: "older than 30 days"},
}

func applyLength(n int, rules []lengthRule) (float64, *Adjustment) {
	for _, r := range rules {
		if n >= r.min && (r.max == 0 || n <= r.max) {
			return r.delta, &Adjustment{Delta: r.delta, Reason: r.reason}
		}
	}
	return 0, nil
}

func applyAge(age time.Duration) (float64, *Adjustment) {
	for _, r := range freshnessRules {
		if r.under > 0 && age < r.under {
			return r.delta, &Adjustment{Delta: r.delta, Reason: r.reason}
		}
		if r.over > 0 && age > r.over {
			return r.delta, &Adjustment{Delta: r.delta, Reason: r.reason}
		}
	}
	return 0, nil
}

// ScoreFeed rates title, description and freshness on a 0-100 scale.
func ScoreFeed(in FeedInput, now time.Time) FeedScore {
	score := float64(feedBase)
	var adj []Adjustment
	add := func(d float64, a *Adjustment) {
		score += d
		if a != nil {
			adj = append(adj, *a)
		}
	}

	title := strings.TrimSpace(in.Title)
	desc := strings.TrimSpace(in.Description)
	text := title + "\n" + desc

	add(applyLength(utf8.RuneCountInString(title), titleLengthRules))
	d, a := applyOnce(text, clickbaitRules)
	score += d
	adj = append(adj, a...)
	add(applyLength(utf8.RuneCountInString(desc), descriptionLengthRules))
	d, a = applyOnce(text, qualityRules)
	score += d
	adj = append(adj, a...)
	d, a = applyOnce(text, spamRules)
	score += d
	adj = append(adj, a...)
	if in.PublishedAt != nil {
		add(applyAge(now.Sub(*in.PublishedAt)))
	}

	score = clamp(score, 0, 100)
	return FeedScore{Score: score, Quality: qualityTier(score), Adjustments: adj}
}

func qualityTier(score float64) string {
	switch {
	case score >= 80:
		return QualityExcellent
	case score >= 60:
		return QualityGood
	case score >= 40:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Summary renders adjustments as one line.
func (s FeedScore) Summary() string {
	parts := make([]string, 0, len(s.Adjustments))
	for _, a := range s.Adjustments {
		parts = append(parts, fmt.Sprintf("%+g %s", a.Delta, a.Reason))
	}
	return fmt.Sprintf("%.0f/100 (%s): %s", s.Score, s.Quality, strings.Join(parts, ", "))
}
