// Package scoring rates ingested content and generated drafts. The
// heuristics are declarative tables of pattern, delta and reason.
package scoring

import (
	"regexp"
	"strings"
)

// Rule adds Delta when Pattern matches.
type Rule struct {
	Pattern *regexp.Regexp
	Delta   float64
	Reason  string
}

// Adjustment is one applied rule, kept for explainability.
type Adjustment struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// words builds a case-insensitive whole-word alternation.
func words(list ...string) *regexp.Regexp {
	quoted := make([]string, len(list))
	for i, w := range list {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// applyOnce adds each matching rule's delta a single time.
func applyOnce(text string, rules []Rule) (float64, []Adjustment) {
	var total float64
	var adj []Adjustment
	for _, r := range rules {
		if r.Pattern.MatchString(text) {
			total += r.Delta
			adj = append(adj, Adjustment{Delta: r.Delta, Reason: r.Reason})
		}
	}
	return total, adj
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
