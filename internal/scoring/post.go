package scoring

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Content types of a draft.
const (
	ContentConversationStarter = "conversation-starter"
	ContentTipsTricks          = "tips-tricks"
	ContentInformative         = "informative"
	ContentOther               = "other"
)

// Recommendations for a draft.
const (
	RecommendPost   = "post"
	RecommendReview = "review"
	RecommendDelete = "delete"
)

// PostScore rates a generated draft on a 0-10 scale.
type PostScore struct {
	Overall        float64      `json:"overall"`
	Engagement     float64      `json:"engagement"`
	Virality       float64      `json:"virality"`
	ContentType    string       `json:"content_type"`
	ContentScore   float64      `json:"content_score"`
	Recommendation string       `json:"recommendation"`
	Adjustments    []Adjustment `json:"adjustments"`
}

var (
	questionPattern = regexp.MustCompile(`\?`)
	ctaPattern      = words("what do you think", "let me know", "share your", "comment below", "reply with", "tell me", "drop a", "who else", "agree or disagree", "your thoughts", "follow for")
	pronounPattern  = words("you", "your", "we", "our", "i", "my")
	contraction     = regexp.MustCompile(`(?i)\b\w+'(?:s|re|ve|ll|d|t|m)\b`)
	howToPattern    = words("how to", "tip", "tips", "trick", "tricks", "step", "steps", "hack", "ways to", "checklist")
	educational     = words("learn", "learned", "explained", "research", "study", "data", "because", "understand", "why", "lesson", "lessons")
	sentenceSplit   = regexp.MustCompile(`[.!?]+`)
)

var engagementRules = []Rule{
	{questionPattern, 1.5, "asks a question"},
	{ctaPattern, 1.5, "call to action"},
	{pronounPattern, 0.5, "personal framing"},
	{contraction, 0.5, "casual contractions"},
}

var viralityRules = []Rule{
	{words("ai", "gpt", "llm", "llms", "agents", "startup", "startups", "open source", "remote work", "productivity", "golang", "rust"), 1, "trending topic"},
	{regexp.MustCompile(`\d`), 1, "numbers or stats"},
	{words("i think", "i believe", "unpopular opinion", "in my opinion", "honestly", "hot take", "imo"), 1, "opinionated"},
	{words("actually", "myth", "wrong", "overrated", "stop", "nobody talks about", "the truth is"), 1, "contrarian framing"},
	{words("new", "just launched", "introducing", "first", "breakthrough"), 0.5, "novelty"},
	{regexp.MustCompile(`(?i)\b(?:lol|lmao|haha|funny|joke)\b|😂|🤣`), 0.5, "humor"},
}

var contentTypeScores = map[string]float64{
	ContentConversationStarter: 8,
	ContentTipsTricks:          7.5,
	ContentInformative:         6,
	ContentOther:               4,
}

const (
	engagementBase = 5
	viralityBase   = 4
	typeBonus      = 0.8
	lengthBonus    = 0.5
)

// ScorePost rates a draft. Empty or whitespace-only text is recommended for
// deletion.
func ScorePost(text string) PostScore {
	text = strings.TrimSpace(text)
	if text == "" {
		return PostScore{
			ContentType:    ContentOther,
			Recommendation: RecommendDelete,
			Adjustments:    []Adjustment{{Delta: 0, Reason: "empty text"}},
		}
	}

	wordCount := len(strings.Fields(text))
	emojis := countEmoji(text)
	sentences := countSentences(text)

	engagement, adj := applyOnce(text, engagementRules)
	engagement += engagementBase
	switch {
	case emojis >= 1 && emojis <= 3:
		engagement += 0.5
		adj = append(adj, Adjustment{0.5, "1-3 emojis"})
	case emojis > 3:
		engagement -= 0.5
		adj = append(adj, Adjustment{-0.5, "too many emojis"})
	}
	if wordCount >= 10 && wordCount <= 100 {
		engagement += 0.5
		adj = append(adj, Adjustment{0.5, "10-100 words"})
	} else {
		engagement -= 1
		adj = append(adj, Adjustment{-1, "word count outside 10-100"})
	}
	if sentences >= 2 && sentences <= 4 {
		engagement += 0.5
		adj = append(adj, Adjustment{0.5, "2-4 sentences"})
	}
	engagement = clamp(engagement, 0, 10)

	virality, vadj := applyOnce(text, viralityRules)
	virality += viralityBase
	adj = append(adj, vadj...)
	if wordCount < 15 {
		virality -= 1
		adj = append(adj, Adjustment{-1, "under 15 words"})
	}
	virality = clamp(virality, 0, 10)

	contentType := classify(text)
	contentScore := contentTypeScores[contentType]

	overall := virality*0.5 + engagement*0.3 + contentScore*0.2
	if contentType == ContentConversationStarter || contentType == ContentTipsTricks {
		overall += typeBonus
	}
	if wordCount >= 10 {
		overall += lengthBonus
	}
	overall = round1(clamp(overall, 0, 10))

	return PostScore{
		Overall:        overall,
		Engagement:     round1(engagement),
		Virality:       round1(virality),
		ContentType:    contentType,
		ContentScore:   contentScore,
		Recommendation: recommend(overall),
		Adjustments:    adj,
	}
}

func classify(text string) string {
	switch {
	case questionPattern.MatchString(text) || ctaPattern.MatchString(text):
		return ContentConversationStarter
	case howToPattern.MatchString(text):
		return ContentTipsTricks
	case educational.MatchString(text):
		return ContentInformative
	default:
		return ContentOther
	}
}

func recommend(overall float64) string {
	switch {
	case overall >= 7.5:
		return RecommendPost
	case overall >= 6.5:
		return RecommendReview
	default:
		return RecommendDelete
	}
}

func countEmoji(text string) int {
	n := 0
	for _, r := range text {
		if isEmoji(r) {
			n++
		}
	}
	return n
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0x2000
}

func countSentences(text string) int {
	n := 0
	for _, part := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
