package models

// PatternType selects how a spam pattern is matched.
type PatternType string

const (
	PatternKeyword          PatternType = "keyword"
	PatternNumberReputation PatternType = "number-reputation"
	PatternPhraseEmbedding  PatternType = "phrase-embedding"
)

var ValidPatternTypes = map[PatternType]bool{
	PatternKeyword:          true,
	PatternNumberReputation: true,
	PatternPhraseEmbedding:  true,
}

func (t PatternType) IsValid() bool {
	return ValidPatternTypes[t]
}

// IsRule reports whether the pattern is evaluated by the rule engine rather
// than by vector similarity.
func (t PatternType) IsRule() bool {
	return t == PatternKeyword || t == PatternNumberReputation
}

// SpamPattern is a reusable detector signature with feedback counters.
// An empty OwnerID makes the pattern global.
type SpamPattern struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId,omitempty"`
	Key         string      `json:"key,omitempty"`
	PatternType PatternType `json:"patternType"`
	Payload     string      `json:"payload"`
	Vector      []float32   `json:"-"`
	IsActive    bool        `json:"isActive"`

	DetectionCount     int64   `json:"detectionCount"`
	FalsePositiveCount int64   `json:"falsePositiveCount"`
	AccuracyRate       float64 `json:"accuracyRate"`

	// ConfidenceScore is the curated prior a match must reach. It is never learned.
	ConfidenceScore float64 `json:"confidenceScore"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// AccuracyRate recomputes detections / (detections + falsePositives),
// or 0 when no outcomes were reported.
func AccuracyRate(detections, falsePositives int64) float64 {
	total := detections + falsePositives
	if total <= 0 {
		return 0
	}
	return float64(detections) / float64(total)
}

// Classification is the result of a spam check.
type Classification struct {
	IsSpam           bool        `json:"isSpam"`
	MatchedPatternID string      `json:"matchedPatternId,omitempty"`
	PatternType      PatternType `json:"patternType,omitempty"`
	// Confidence is the strongest match confidence observed, spam or not.
	Confidence float64 `json:"confidence"`
	// Degraded is set when the embedding path was skipped because the
	// provider failed.
	Degraded bool `json:"degraded,omitempty"`
}
