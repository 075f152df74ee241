package spam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// phraseEmbedder returns fixed vectors for known texts. "down" makes every
// call fail like an exhausted provider; "hang" blocks until ctx ends.
type phraseEmbedder struct {
	mode    string
	vectors map[string][]float32
	calls   atomic.Int32
}

func (e *phraseEmbedder) Embed(ctx context.Context, text string, _ models.ContentKind) ([]float32, error) {
	e.calls.Add(1)
	switch e.mode {
	case "down":
		return nil, fmt.Errorf("%w: provider down", models.ErrEmbeddingUnavailable)
	case "hang":
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, ctx.Err())
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newClassifier(t *testing.T, emb Embedder, cfg Config) *Classifier {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewClassifier(store.NewPatternStore(db), emb, cfg, clock.NewFake(time.UnixMilli(1_000)), nil, discardLogger())
}

func defaultConfig() Config {
	return Config{SimilarityThreshold: 0.85, EmbeddingsEnabled: true, Timeout: time.Second}
}

func createPattern(t *testing.T, c *Classifier, req *models.CreatePatternRequest) *models.SpamPattern {
	t.Helper()
	p, _, err := c.CreatePattern(context.Background(), req)
	require.NoError(t, err)
	return p
}

func TestKeywordConfidenceAgainstPrior(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, Config{Timeout: time.Second})
	terms := []string{"free", "prize", "winner", "claim", "urgent", "cash", "gift", "card", "lottery", "bonus"}
	p := createPattern(t, c, &models.CreatePatternRequest{
		OwnerID: "o1", PatternType: models.PatternKeyword, Payload: strings.Join(terms, ","), ConfidenceScore: 0.8,
	})
	ctx := context.Background()

	// 9 of 10 terms: confidence 0.9 >= 0.8.
	res, err := c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: strings.Join(terms[:9], " ")})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, p.ID, res.MatchedPatternID)
	assert.Equal(t, models.PatternKeyword, res.PatternType)
	assert.InDelta(t, 0.9, res.Confidence, 1e-12)

	// 5 of 10 terms: confidence 0.5 < 0.8.
	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: strings.Join(terms[:5], " ")})
	require.NoError(t, err)
	assert.False(t, res.IsSpam)
	assert.Empty(t, res.MatchedPatternID)
	assert.InDelta(t, 0.5, res.Confidence, 1e-12)
}

func TestRegexAndNumberPatterns(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, Config{Timeout: time.Second})
	re := createPattern(t, c, &models.CreatePatternRequest{
		PatternType: models.PatternKeyword, Payload: `re:verify your (account|password)`, ConfidenceScore: 0.9,
	})
	num := createPattern(t, c, &models.CreatePatternRequest{
		PatternType: models.PatternNumberReputation, Payload: "+1 900*", ConfidenceScore: 0.9,
	})
	ctx := context.Background()

	res, err := c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "Please VERIFY your password today"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, re.ID, res.MatchedPatternID)

	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "call back at (1) 900-555-1234"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, num.ID, res.MatchedPatternID)

	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "hello there", Sender: "+19005550000"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, models.PatternNumberReputation, res.PatternType)

	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "hello there", Sender: "+14155550000"})
	require.NoError(t, err)
	assert.False(t, res.IsSpam)
}

func TestPatternScopeAndActivation(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, Config{Timeout: time.Second})
	own := createPattern(t, c, &models.CreatePatternRequest{OwnerID: "o1", PatternType: models.PatternKeyword, Payload: "parcel", ConfidenceScore: 0.5})
	ctx := context.Background()

	res, err := c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o2", Content: "your parcel is waiting"})
	require.NoError(t, err)
	assert.False(t, res.IsSpam, "other owners' patterns never apply")

	_, err = c.SetActive(ctx, own.ID, false)
	require.NoError(t, err)
	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "your parcel is waiting"})
	require.NoError(t, err)
	assert.False(t, res.IsSpam, "inactive patterns never match")
}

func TestEmbeddingPath(t *testing.T) {
	emb := &phraseEmbedder{vectors: map[string][]float32{
		"you have been selected for a reward": {1, 0, 0},
		"congratulations you are selected":    {0.95, 0.05, 0},
		"meeting moved to 3pm":                {0, 1, 0},
	}}
	c := newClassifier(t, emb, defaultConfig())
	p := createPattern(t, c, &models.CreatePatternRequest{
		PatternType: models.PatternPhraseEmbedding, Payload: "you have been selected for a reward", ConfidenceScore: 0.9,
	})
	require.NotEmpty(t, p.Vector)
	ctx := context.Background()

	res, err := c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "congratulations you are selected"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, p.ID, res.MatchedPatternID)
	assert.Greater(t, res.Confidence, 0.9)

	res, err = c.Classify(ctx, &models.ClassifyRequest{OwnerID: "o1", Content: "meeting moved to 3pm"})
	require.NoError(t, err)
	assert.False(t, res.IsSpam)
	assert.Zero(t, res.Confidence)
}

func TestRuleMatchSkipsEmbedding(t *testing.T) {
	emb := &phraseEmbedder{}
	c := newClassifier(t, emb, defaultConfig())
	createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternKeyword, Payload: "lottery", ConfidenceScore: 0.5})
	createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternPhraseEmbedding, Payload: "anything", ConfidenceScore: 0.5})
	before := emb.calls.Load()

	res, err := c.Classify(context.Background(), &models.ClassifyRequest{OwnerID: "o1", Content: "lottery win"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, before, emb.calls.Load())
}

func TestEmbeddingFailureDegrades(t *testing.T) {
	emb := &phraseEmbedder{}
	c := newClassifier(t, emb, defaultConfig())
	createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternPhraseEmbedding, Payload: "selected for a reward", ConfidenceScore: 0.5})
	createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternKeyword, Payload: "reward,claim", ConfidenceScore: 0.9})

	emb.mode = "down"
	res, err := c.Classify(context.Background(), &models.ClassifyRequest{OwnerID: "o1", Content: "claim now"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, res.IsSpam)
	assert.InDelta(t, 0.5, res.Confidence, 1e-12)
}

func TestClassifyTimeout(t *testing.T) {
	emb := &phraseEmbedder{}
	c := newClassifier(t, emb, Config{SimilarityThreshold: 0.85, EmbeddingsEnabled: true, Timeout: 20 * time.Millisecond})
	createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternPhraseEmbedding, Payload: "x phrase", ConfidenceScore: 0.5})

	emb.mode = "hang"
	res, err := c.Classify(context.Background(), &models.ClassifyRequest{OwnerID: "o1", Content: "anything"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrClassificationTimeout)
}

func TestClassifyValidation(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, defaultConfig())
	_, err := c.Classify(context.Background(), &models.ClassifyRequest{Content: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = c.Classify(context.Background(), &models.ClassifyRequest{OwnerID: "o1", Content: "<private>secret</private>  "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCreatePatternValidation(t *testing.T) {
	emb := &phraseEmbedder{}
	c := newClassifier(t, emb, defaultConfig())
	ctx := context.Background()
	bad := []*models.CreatePatternRequest{
		{PatternType: "bayes", Payload: "x", ConfidenceScore: 0.5},
		{PatternType: models.PatternKeyword, Payload: "  ", ConfidenceScore: 0.5},
		{PatternType: models.PatternKeyword, Payload: " , ,", ConfidenceScore: 0.5},
		{PatternType: models.PatternKeyword, Payload: "re:(unclosed", ConfidenceScore: 0.5},
		{PatternType: models.PatternNumberReputation, Payload: "abc*", ConfidenceScore: 0.5},
		{PatternType: models.PatternKeyword, Payload: "x", ConfidenceScore: 1.5},
	}
	for _, req := range bad {
		_, _, err := c.CreatePattern(ctx, req)
		assert.ErrorIs(t, err, models.ErrInvalidInput, "payload %q", req.Payload)
	}

	emb.mode = "down"
	_, _, err := c.CreatePattern(ctx, &models.CreatePatternRequest{PatternType: models.PatternPhraseEmbedding, Payload: "x", ConfidenceScore: 0.5})
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestReportOutcomeAccuracyIdentity(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, defaultConfig())
	p := createPattern(t, c, &models.CreatePatternRequest{PatternType: models.PatternKeyword, Payload: "x", ConfidenceScore: 0.5})
	ctx := context.Background()

	got, err := c.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccuracyRate)

	correct, incorrect := 7, 3
	for i := 0; i < correct; i++ {
		_, err := c.ReportOutcome(ctx, p.ID, true)
		require.NoError(t, err)
	}
	var last *models.SpamPattern
	for i := 0; i < incorrect; i++ {
		last, err = c.ReportOutcome(ctx, p.ID, false)
		require.NoError(t, err)
	}
	assert.InDelta(t, float64(correct)/float64(correct+incorrect), last.AccuracyRate, 1e-12)
	assert.Equal(t, models.AccuracyRate(last.DetectionCount, last.FalsePositiveCount), last.AccuracyRate)

	_, err = c.ReportOutcome(ctx, "missing", true)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = c.GetPattern(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreatePatternWithKeyUpserts(t *testing.T) {
	c := newClassifier(t, &phraseEmbedder{}, defaultConfig())
	ctx := context.Background()

	p, created, err := c.CreatePattern(ctx, &models.CreatePatternRequest{Key: "parcel", PatternType: models.PatternKeyword, Payload: "parcel", ConfidenceScore: 0.5})
	require.NoError(t, err)
	assert.True(t, created)

	q, created, err := c.CreatePattern(ctx, &models.CreatePatternRequest{Key: "parcel", PatternType: models.PatternKeyword, Payload: "parcel,customs", ConfidenceScore: 0.6})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, q.ID)
	assert.Equal(t, "parcel,customs", q.Payload)

	list, err := c.ListPatterns(ctx, &models.ListPatternsRequest{PatternType: models.PatternKeyword})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = c.ListPatterns(ctx, &models.ListPatternsRequest{PatternType: "nope"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestMatchers(t *testing.T) {
	in := NewInput("Call +44 20 7946 0958 about your FREE gift", "")
	km := NewKeywordMatcher()
	assert.InDelta(t, 0.5, km.Match(&models.SpamPattern{Payload: "free, cash"}, in), 1e-12)
	assert.Equal(t, 1.0, km.Match(&models.SpamPattern{Payload: "re:free\\s+gift"}, in))
	assert.Zero(t, km.Match(&models.SpamPattern{Payload: "re:("}, in))

	var nm NumberMatcher
	assert.Equal(t, 1.0, nm.Match(&models.SpamPattern{Payload: "442079460958"}, in))
	assert.Equal(t, 1.0, nm.Match(&models.SpamPattern{Payload: "+4420*"}, in))
	assert.Zero(t, nm.Match(&models.SpamPattern{Payload: "4420"}, in))

	em := EmbeddingMatcher{Threshold: 0.5}
	in.Vector = []float32{1, 0}
	assert.InDelta(t, 1.0, em.Match(&models.SpamPattern{Vector: []float32{1, 0}}, in), 1e-6)
	assert.Zero(t, em.Match(&models.SpamPattern{Vector: []float32{0, 1}}, in))
	assert.Zero(t, em.Match(&models.SpamPattern{Vector: []float32{1, 0, 0}}, in))
}
