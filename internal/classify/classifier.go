// Package classify annotates stored messages with sentiment, topic and
// priority. Classification runs after a message is durably inserted and is
// best-effort: a failure here never affects the stored message.
package classify

import (
	"sort"
	"strings"
)

// Classification is the per-message annotation.
type Classification struct {
	Sentiment      string   `json:"sentiment"`
	SentimentScore int      `json:"sentimentScore"`
	Topic          string   `json:"topic"`
	Priority       string   `json:"priority"`
	Keywords       []string `json:"keywords,omitempty"`
}

// ThreadRollup aggregates message classifications at the thread level.
type ThreadRollup struct {
	DominantSentiment string `json:"dominantSentiment"`
	DominantTopic     string `json:"dominantTopic"`
	HighestPriority   string `json:"highestPriority"`
}

// Classifier annotates a message body and subject.
type Classifier interface {
	Classify(body, subject string) (Classification, error)
}

// KeywordClassifier scores messages with static keyword lists. It is the
// default implementation; a remote model can be swapped in behind the same
// interface.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var positiveWords = []string{
	"thanks", "thank", "great", "good", "excellent", "happy", "love",
	"perfect", "appreciate", "awesome", "pleased", "wonderful",
}

var negativeWords = []string{
	"bad", "terrible", "awful", "angry", "problem", "broken", "fail",
	"failed", "disappointed", "frustrated", "unacceptable", "worst",
	"cancel", "refund",
}

var topicKeywords = map[string][]string{
	"Sales":       {"purchase", "buy", "price", "discount", "offer", "deal", "quote", "order", "subscription"},
	"Support":     {"help", "issue", "problem", "trouble", "broken", "fix", "error", "bug", "ticket", "support"},
	"Inquiry":     {"question", "information", "interested", "learn more", "details", "inquiry"},
	"Meeting":     {"meeting", "call", "schedule", "appointment", "calendar", "discuss", "zoom", "teams", "meet"},
	"Feedback":    {"feedback", "review", "suggestion", "improve", "opinion", "survey", "rating"},
	"Billing":     {"invoice", "payment", "bill", "charge", "subscription", "plan", "credit card", "receipt", "refund"},
	"Partnership": {"partner", "collaboration", "together", "joint", "alliance", "opportunity"},
	"Marketing":   {"campaign", "promotion", "marketing", "advertisement", "launch", "webinar", "event"},
}

var highPriorityKeywords = []string{
	"urgent", "asap", "immediately", "emergency", "critical", "important", "deadline",
}

var highPriorityTopics = map[string]bool{"Support": true, "Billing": true}

var stopWords = map[string]bool{
	"the": true, "and": true, "a": true, "an": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "with": true, "by": true,
	"about": true, "like": true, "from": true,
}

// Classify scores sentiment, topic and priority for one message. The plain
// text of body and subject are combined; HTML tags are stripped first.
func (c *KeywordClassifier) Classify(body, subject string) (Classification, error) {
	text := strings.ToLower(subject + " " + stripTags(body))

	score := sentimentScore(text)
	sentiment := "Neutral"
	switch {
	case score > 2:
		sentiment = "Positive"
	case score < -2:
		sentiment = "Negative"
	}

	topic := classifyTopic(text)
	priority := determinePriority(sentiment, topic, text)

	return Classification{
		Sentiment:      sentiment,
		SentimentScore: score,
		Topic:          topic,
		Priority:       priority,
		Keywords:       extractKeywords(text),
	}, nil
}

func sentimentScore(text string) int {
	score := 0
	for _, w := range positiveWords {
		score += strings.Count(text, w)
	}
	for _, w := range negativeWords {
		score -= strings.Count(text, w)
	}
	return score
}

func classifyTopic(text string) string {
	best := "General"
	bestScore := 0
	// Stable iteration so ties resolve deterministically.
	names := make([]string, 0, len(topicKeywords))
	for name := range topicKeywords {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		score := 0
		for _, kw := range topicKeywords[name] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return best
}

func determinePriority(sentiment, topic, text string) string {
	for _, kw := range highPriorityKeywords {
		if strings.Contains(text, kw) {
			return "High"
		}
	}
	if highPriorityTopics[topic] {
		return "High"
	}
	if sentiment == "Negative" {
		return "Medium"
	}
	return "Low"
}

func extractKeywords(text string) []string {
	counts := map[string]int{}
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(word) > 3 && !stopWords[word] {
			counts[word]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > 5 {
		words = words[:5]
	}
	return words
}

// stripTags removes HTML markup so keyword matching sees only text.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RollUp computes the thread-level aggregate from every classified message
// in a thread: dominant sentiment and topic by count, highest priority seen.
func RollUp(cls []Classification) ThreadRollup {
	if len(cls) == 0 {
		return ThreadRollup{}
	}

	sentiments := map[string]int{}
	topics := map[string]int{}
	ranking := map[string]int{"High": 3, "Medium": 2, "Low": 1}
	highest := "Low"

	for _, c := range cls {
		if c.Sentiment != "" {
			sentiments[c.Sentiment]++
		}
		if c.Topic != "" {
			topics[c.Topic]++
		}
		if ranking[c.Priority] > ranking[highest] {
			highest = c.Priority
		}
	}

	return ThreadRollup{
		DominantSentiment: dominant(sentiments),
		DominantTopic:     dominant(topics),
		HighestPriority:   highest,
	}
}

func dominant(counts map[string]int) string {
	best := ""
	bestCount := 0
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			bestCount = counts[k]
			best = k
		}
	}
	return best
}
