package spam

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

// Embedder turns content into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string, kind models.ContentKind) ([]float32, error)
}

type Config struct {
	SimilarityThreshold float64
	EmbeddingsEnabled   bool
	Timeout             time.Duration
}

// Classifier runs the rule matchers first and falls back to phrase
// embeddings when no rule is decisive.
type Classifier struct {
	patterns *store.PatternStore
	embedder Embedder
	matchers map[models.PatternType]PatternMatcher
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewClassifier(patterns *store.PatternStore, embedder Embedder, cfg Config, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Classifier {
	return &Classifier{
		patterns: patterns,
		embedder: embedder,
		matchers: map[models.PatternType]PatternMatcher{
			models.PatternKeyword:          NewKeywordMatcher(),
			models.PatternNumberReputation: NumberMatcher{},
			models.PatternPhraseEmbedding:  EmbeddingMatcher{Threshold: cfg.SimilarityThreshold},
		},
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// match is one pattern's score against the input.
type match struct {
	pattern    *models.SpamPattern
	confidence float64
}

// decisive reports whether the match reaches the pattern's prior.
func (m match) decisive() bool {
	return m.confidence > 0 && m.confidence >= m.pattern.ConfidenceScore
}

// better orders matches by confidence, then pattern id.
func better(a, b match) bool {
	if c := cmp.Compare(a.confidence, b.confidence); c != 0 {
		return c > 0
	}
	return a.pattern.ID < b.pattern.ID
}

// Classify checks content against the owner's and global active patterns.
// A provider failure on the embedding path yields the rule-only result
// with Degraded set. Running out of time is ErrClassificationTimeout.
func (c *Classifier) Classify(ctx context.Context, req *models.ClassifyRequest) (*models.Classification, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}
	text, ok := content.Normalize(req.Content)
	if !ok {
		return nil, fmt.Errorf("%w: empty content", models.ErrInvalidInput)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	patterns, err := c.patterns.ListActive(ctx, req.OwnerID)
	if err != nil {
		return nil, c.timeoutOr(ctx, err)
	}

	in := NewInput(text, req.Sender)
	var best, decisive *match
	var embeddingPatterns []*models.SpamPattern
	consider := func(m match) {
		if best == nil || better(m, *best) {
			best = &m
		}
		if m.decisive() && (decisive == nil || better(m, *decisive)) {
			decisive = &m
		}
	}

	for _, p := range patterns {
		if !p.PatternType.IsRule() {
			if p.PatternType == models.PatternPhraseEmbedding && len(p.Vector) > 0 {
				embeddingPatterns = append(embeddingPatterns, p)
			}
			continue
		}
		consider(match{pattern: p, confidence: c.matchers[p.PatternType].Match(p, in)})
	}

	result := &models.Classification{}
	if decisive == nil && c.cfg.EmbeddingsEnabled && len(embeddingPatterns) > 0 {
		vec, err := c.embedder.Embed(ctx, text, models.ContentSpam)
		switch {
		case err == nil:
			in.Vector = vec
			for _, p := range embeddingPatterns {
				consider(match{pattern: p, confidence: c.matchers[p.PatternType].Match(p, in)})
			}
		case errors.Is(err, models.ErrInvalidInput):
			return nil, err
		case ctx.Err() != nil:
			return nil, c.timeoutOr(ctx, err)
		default:
			c.logger.Warn("spam embedding unavailable, using rule result", "owner_id", req.OwnerID, "error", err)
			result.Degraded = true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, c.timeoutOr(ctx, err)
	}

	if best != nil {
		result.Confidence = best.confidence
	}
	if decisive != nil {
		result.IsSpam = true
		result.MatchedPatternID = decisive.pattern.ID
		result.PatternType = decisive.pattern.PatternType
		result.Confidence = decisive.confidence
	}

	switch {
	case result.IsSpam:
		c.metrics.Classification("spam")
	case result.Degraded:
		c.metrics.Classification("degraded")
	default:
		c.metrics.Classification("clean")
	}
	return result, nil
}

func (c *Classifier) timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.metrics.Classification("timeout")
		return fmt.Errorf("%w: %w", models.ErrClassificationTimeout, ctx.Err())
	}
	return err
}

// ReportOutcome feeds one verdict back into the pattern's counters and
// returns the pattern with its recomputed accuracy rate.
func (c *Classifier) ReportOutcome(ctx context.Context, patternID string, wasCorrect bool) (*models.SpamPattern, error) {
	p, err := c.patterns.ReportOutcome(ctx, patternID, wasCorrect, clock.Millis(c.clock))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.logger.Warn("outcome reported for unknown pattern", "pattern_id", patternID)
		}
		return nil, err
	}
	c.metrics.Outcome(wasCorrect)
	return p, nil
}

// CreatePattern validates and stores a pattern. Phrase-embedding payloads
// are embedded once here. Requests with a key upsert by (owner, key).
func (c *Classifier) CreatePattern(ctx context.Context, req *models.CreatePatternRequest) (*models.SpamPattern, bool, error) {
	p, err := c.buildPattern(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if p.Key != "" {
		created, err := c.patterns.UpsertByKey(ctx, p, req.Active != nil)
		if err != nil {
			return nil, false, err
		}
		stored, err := c.patterns.Get(ctx, p.ID)
		return stored, created, err
	}
	if err := c.patterns.Create(ctx, p); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (c *Classifier) buildPattern(ctx context.Context, req *models.CreatePatternRequest) (*models.SpamPattern, error) {
	if !req.PatternType.IsValid() {
		return nil, fmt.Errorf("%w: unknown pattern type %q", models.ErrInvalidInput, req.PatternType)
	}
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: payload is required", models.ErrInvalidInput)
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence score must be in [0,1]", models.ErrInvalidInput)
	}
	if err := validatePayload(req.PatternType, payload); err != nil {
		return nil, err
	}

	now := clock.Millis(c.clock)
	p := &models.SpamPattern{
		OwnerID:         req.OwnerID,
		Key:             req.Key,
		PatternType:     req.PatternType,
		Payload:         payload,
		IsActive:        req.Active == nil || *req.Active,
		ConfidenceScore: req.ConfidenceScore,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.PatternType == models.PatternPhraseEmbedding {
		vec, err := c.embedder.Embed(ctx, payload, models.ContentPattern)
		if err != nil {
			return nil, fmt.Errorf("embed pattern payload: %w", err)
		}
		p.Vector = vec
	}
	return p, nil
}

func (c *Classifier) GetPattern(ctx context.Context, id string) (*models.SpamPattern, error) {
	p, err := c.patterns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pattern %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (c *Classifier) ListPatterns(ctx context.Context, req *models.ListPatternsRequest) ([]*models.SpamPattern, error) {
	if req.PatternType != "" && !req.PatternType.IsValid() {
		return nil, fmt.Errorf("%w: unknown pattern type %q", models.ErrInvalidInput, req.PatternType)
	}
	return c.patterns.List(ctx, req)
}

// SetActive is the operator deactivation path; patterns are never deleted.
func (c *Classifier) SetActive(ctx context.Context, id string, active bool) (*models.SpamPattern, error) {
	p, err := c.patterns.SetActive(ctx, id, active, clock.Millis(c.clock))
	if err != nil {
		return nil, err
	}
	c.logger.Info("pattern activation changed", "pattern_id", id, "active", active, "accuracy_rate", p.AccuracyRate)
	return p, nil
}
