package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/llm"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/models"
)

// Analyzer scores candidates with the text-generation service and falls
// back to ScoreFeed when it is unavailable.
type Analyzer struct {
	gen       llm.Generator
	boosts    []config.EngagementBoost
	threshold float64
	model     string
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// AnalyzerConfig configures an Analyzer.
type AnalyzerConfig struct {
	Boosts           []config.EngagementBoost // nil = config.DefaultEngagementBoosts
	ApproveThreshold float64                  // 0 = 0.6
	Model            string
	Now              func() time.Time
	Logger           *zap.SugaredLogger
}

// NewAnalyzer builds an analyzer. gen may be nil, in which case every
// candidate is scored heuristically.
func NewAnalyzer(gen llm.Generator, cfg AnalyzerConfig) *Analyzer {
	boosts := cfg.Boosts
	if boosts == nil {
		boosts = config.DefaultEngagementBoosts()
	}
	boosts = append([]config.EngagementBoost(nil), boosts...)
	sort.Slice(boosts, func(i, j int) bool { return boosts[i].Above > boosts[j].Above })

	threshold := cfg.ApproveThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Analyzer{
		gen:       gen,
		boosts:    boosts,
		threshold: threshold,
		model:     cfg.Model,
		now:       now,
		logger:    logging.OrNop(cfg.Logger),
	}
}

// Threshold returns the minimum score for approval.
func (a *Analyzer) Threshold() float64 {
	return a.threshold
}

const analyzePrompt = `Rate this %s as inspiration for an original post on X.
Consider relevance, originality and whether it invites discussion.

Source: %s
Author: %s
Engagement: %d

Content:
%s

Respond with JSON only: {"score": <0.0-1.0>, "decision": "approve" or "reject", "reasoning": "<one sentence>"}`

type llmVerdict struct {
	Score     float64 `json:"score"`
	Decision  string  `json:"decision"`
	Reasoning string  `json:"reasoning"`
}

// Analyze scores one candidate. It never fails: service errors fall back to
// the heuristic score and say so in the reasoning.
func (a *Analyzer) Analyze(ctx context.Context, c models.Candidate) models.Analysis {
	var (
		score     float64
		reasoning string
	)
	verdict, err := a.askModel(ctx, c)
	if err != nil {
		fs := ScoreFeed(FeedInput{Title: c.Title, Description: c.Text, PublishedAt: c.PublishedAt}, a.now())
		score = fs.Score / 100
		reasoning = fmt.Sprintf("heuristic fallback (%v): %s", err, fs.Summary())
		a.logger.Warnw("candidate analysis fell back to heuristics", "candidate", c.ExternalID, "error", err)
	} else {
		score = clamp(verdict.Score, 0, 1)
		reasoning = verdict.Reasoning
		if verdict.Decision != "" {
			reasoning = fmt.Sprintf("model says %s: %s", verdict.Decision, verdict.Reasoning)
		}
	}

	if c.Type == models.CandidateTweet {
		if boost := a.Boost(c.Engagement); boost > 0 {
			score = clamp(score+boost, 0, 1)
			reasoning += fmt.Sprintf(" (+%.2f engagement boost for %d interactions)", boost, c.Engagement)
		}
	}

	decision := models.DecisionRejected
	if score >= a.threshold {
		decision = models.DecisionApproved
	}
	return models.Analysis{Score: score, Decision: decision, Reasoning: reasoning, At: a.now()}
}

// Boost returns the first tier whose cutoff engagement strictly exceeds.
func (a *Analyzer) Boost(engagement int) float64 {
	for _, b := range a.boosts {
		if engagement > b.Above {
			return b.Boost
		}
	}
	return 0
}

func (a *Analyzer) askModel(ctx context.Context, c models.Candidate) (llmVerdict, error) {
	if a.gen == nil {
		return llmVerdict{}, errors.Wrap(errors.ErrNotConfigured, "no text generation service")
	}
	prompt := fmt.Sprintf(analyzePrompt, c.Type, c.Source, c.Author, c.Engagement, c.Content())
	raw, err := a.gen.Generate(ctx, llm.Request{
		System:    "You are a content strategist. Answer with strict JSON.",
		Prompt:    prompt,
		Model:     a.model,
		MaxTokens: 200,
	})
	if err != nil {
		return llmVerdict{}, err
	}
	return parseVerdict(raw)
}

// parseVerdict extracts the first JSON object from a model reply.
func parseVerdict(raw string) (llmVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return llmVerdict{}, errors.Newf("no JSON object in model reply %q", truncate(raw, 80))
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return llmVerdict{}, errors.Wrap(err, "decode model verdict")
	}
	if v.Score > 1 && v.Score <= 100 {
		v.Score /= 100
	}
	return v, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
