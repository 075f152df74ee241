// Package spam classifies inbound content against curated spam patterns and
// keeps per-pattern detection statistics from reported outcomes.
package spam

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const regexPrefix = "re:"

// Input is inbound content prepared once for all matchers.
type Input struct {
	Content string
	lower   string
	numbers []string
	// Vector is set only when the embedding path runs.
	Vector []float32
}

// NewInput normalizes text and extracts phone numbers from it and from
// the optional sender.
func NewInput(text, sender string) *Input {
	in := &Input{Content: text, lower: strings.ToLower(text)}
	for _, n := range content.PhoneNumbers(text) {
		in.numbers = append(in.numbers, strings.TrimPrefix(n, "+"))
	}
	if s := strings.TrimPrefix(content.NormalizeNumber(sender), "+"); s != "" {
		in.numbers = append(in.numbers, s)
	}
	return in
}

// PatternMatcher scores how strongly a pattern matches the input, in [0,1].
type PatternMatcher interface {
	Match(p *models.SpamPattern, in *Input) float64
}

// KeywordMatcher handles keyword patterns. A payload is either a
// comma-separated term list, scored by the share of terms found as
// case-insensitive substrings, or a regular expression prefixed with "re:",
// scored 1 on a match.
type KeywordMatcher struct {
	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{regexes: make(map[string]*regexp.Regexp)}
}

func (m *KeywordMatcher) Match(p *models.SpamPattern, in *Input) float64 {
	if expr, ok := strings.CutPrefix(p.Payload, regexPrefix); ok {
		re, err := m.regex(expr)
		if err != nil || !re.MatchString(in.Content) {
			return 0
		}
		return 1
	}

	terms := keywordTerms(p.Payload)
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, t := range terms {
		if strings.Contains(in.lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func (m *KeywordMatcher) regex(expr string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.regexes[expr]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.regexes[expr] = re
	m.mu.Unlock()
	return re, nil
}

func keywordTerms(payload string) []string {
	var terms []string
	for _, t := range strings.Split(payload, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// NumberMatcher handles number-reputation patterns. The payload is a phone
// number, or a prefix ending in '*'. Numbers in the content and the sender
// are compared digit-wise.
type NumberMatcher struct{}

func (NumberMatcher) Match(p *models.SpamPattern, in *Input) float64 {
	want, prefix := strings.CutSuffix(strings.TrimSpace(p.Payload), "*")
	want = strings.TrimPrefix(content.NormalizeNumber(want), "+")
	if want == "" {
		return 0
	}
	for _, n := range in.numbers {
		if n == want || (prefix && strings.HasPrefix(n, want)) {
			return 1
		}
	}
	return 0
}

// EmbeddingMatcher handles phrase-embedding patterns by cosine similarity.
// Similarities below the threshold score 0.
type EmbeddingMatcher struct {
	Threshold float64
}

func (m EmbeddingMatcher) Match(p *models.SpamPattern, in *Input) float64 {
	if len(in.Vector) == 0 || len(p.Vector) != len(in.Vector) {
		return 0
	}
	sim := vector.Cosine(in.Vector, p.Vector)
	if sim < m.Threshold || sim <= 0 {
		return 0
	}
	return sim
}

// validatePayload rejects payloads that can never match.
func validatePayload(t models.PatternType, payload string) error {
	switch t {
	case models.PatternKeyword:
		if expr, ok := strings.CutPrefix(payload, regexPrefix); ok {
			if _, err := regexp.Compile("(?i)" + expr); err != nil {
				return fmt.Errorf("%w: invalid regex: %v", models.ErrInvalidInput, err)
			}
			return nil
		}
		if len(keywordTerms(payload)) == 0 {
			return fmt.Errorf("%w: keyword pattern has no terms", models.ErrInvalidInput)
		}
	case models.PatternNumberReputation:
		want, _ := strings.CutSuffix(strings.TrimSpace(payload), "*")
		if strings.TrimPrefix(content.NormalizeNumber(want), "+") == "" {
			return fmt.Errorf("%w: number pattern has no digits", models.ErrInvalidInput)
		}
	}
	return nil
}
