package ranker

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// Weights holds the freshness and usage weighting parameters.
type Weights struct {
	FreshnessHalfLife time.Duration
	UsageSaturation   float64
}

// Freshness is 0.5 + 0.5·2^(-idle/half_life). Records never used get 1.0 so
// new content is not penalized; the floor is 0.5.
func (w Weights) Freshness(lastUsed *int64, now int64) float64 {
	if lastUsed == nil || w.FreshnessHalfLife <= 0 {
		return 1
	}
	idle := now - *lastUsed
	if idle <= 0 {
		return 1
	}
	return 0.5 + 0.5*math.Exp2(-float64(idle)/float64(w.FreshnessHalfLife.Milliseconds()))
}

// Usage is 1 + ln(1+n)/ln(1+saturation), capped at 2.
func (w Weights) Usage(n int64) float64 {
	if n <= 0 || w.UsageSaturation <= 0 {
		return 1
	}
	u := 1 + math.Log1p(float64(n))/math.Log1p(w.UsageSaturation)
	return math.Min(u, 2)
}

// Score combines similarity with both weights. The weights are positive, so
// negative similarities stay negative.
func (w Weights) Score(similarity float64, rec *models.EmbeddedRecord, now int64) float64 {
	return similarity * w.Freshness(rec.LastUsedAt, now) * w.Usage(rec.UsageCount)
}

// sortResults orders by score descending, then most recent last use (never
// used sorts oldest), then id ascending.
func sortResults(results []models.RetrieveResult) {
	slices.SortFunc(results, compareResults)
}

func compareResults(a, b models.RetrieveResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(lastUsed(b.LastUsedAt), lastUsed(a.LastUsedAt)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func lastUsed(ts *int64) int64 {
	if ts == nil {
		return math.MinInt64
	}
	return *ts
}
