package analysis

import (
	"strings"
	"unicode"
)

// Sentiment categories. A polarity above PositiveAbove is positive, one at or
// below NegativeAtMost is negative and anything between is neutral.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"

	PositiveAbove  = 0.3
	NegativeAtMost = -0.3
)

// negationWindow is how many words after a negator are flipped.
const negationWindow = 3

var positiveWords = wordSet(
	"good", "great", "excellent", "amazing", "awesome", "love", "loved", "loves",
	"perfect", "nice", "happy", "best", "sturdy", "bright", "easy", "recommend",
	"recommended", "works", "worth", "fantastic", "solid", "comfortable", "fast",
	"beautiful", "quality", "pleased", "satisfied", "reliable", "wonderful",
	"gut", "super", "toll", "perfekt", "empfehlenswert",
)

var negativeWords = wordSet(
	"bad", "poor", "terrible", "awful", "horrible", "broke", "broken", "worst",
	"waste", "cheap", "flimsy", "disappointed", "disappointing", "useless",
	"returned", "return", "defective", "slow", "hate", "hated", "junk", "faulty",
	"dim", "noisy", "unreliable", "refund", "wobbly", "stopped",
	"schlecht", "kaputt", "enttäuscht", "billig",
)

var negators = wordSet("not", "no", "never", "nothing", "hardly", "without", "nicht", "kein", "keine")

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Polarity scores text from -1 (negative) to 1 (positive) by counting
// lexicon words. A word shortly after a negator such as "not" or "don't"
// counts for the opposite side. The score is damped by one, so a single
// "good" gives 0.5 and text without lexicon words gives 0.
func Polarity(text string) float64 {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	var pos, neg int
	negated := 0
	for _, w := range words {
		if _, ok := negators[w]; ok || strings.HasSuffix(w, "n't") {
			negated = negationWindow
			continue
		}
		_, isPos := positiveWords[w]
		_, isNeg := negativeWords[w]
		if negated > 0 {
			isPos, isNeg = isNeg, isPos
			negated--
		}
		switch {
		case isPos:
			pos++
		case isNeg:
			neg++
		}
	}
	return float64(pos-neg) / float64(pos+neg+1)
}

func SentimentCategory(polarity float64) string {
	switch {
	case polarity > PositiveAbove:
		return SentimentPositive
	case polarity <= NegativeAtMost:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

type SentimentStats struct {
	AveragePolarity float64 `json:"average_polarity"`
	Positive        int     `json:"positive"`
	Neutral         int     `json:"neutral"`
	Negative        int     `json:"negative"`
}

func (s *SentimentStats) add(polarity float64) {
	switch SentimentCategory(polarity) {
	case SentimentPositive:
		s.Positive++
	case SentimentNegative:
		s.Negative++
	default:
		s.Neutral++
	}
}
