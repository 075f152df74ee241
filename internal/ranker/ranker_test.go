package ranker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/relevance"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder maps query text to fixed vectors. Unknown text fails like an
// exhausted provider; "block" waits for the context.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, _ models.ContentKind) ([]float32, error) {
	if text == "block" {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, ctx.Err())
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("%w: provider down", models.ErrEmbeddingUnavailable)
	}
	return v, nil
}

type fakeIndex struct {
	ids []string
	err error
}

func (f *fakeIndex) Nearest(context.Context, string, []float32, []models.SourceKind, int) ([]string, error) {
	return f.ids, f.err
}

type fixture struct {
	records *store.RecordStore
	ranker  *Ranker
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLimit(t, 100)
}

func newFixtureWithLimit(t *testing.T, candidateLimit int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rs := store.NewRecordStore(db, 2)
	clk := clock.NewFake(time.UnixMilli(10_000_000))
	upd := relevance.NewUpdater(rs, relevance.Policy{Boost: 1, HalfLife: 24 * time.Hour}, clk, 100, nil, discardLogger())
	filters, err := NewFilterCompiler()
	require.NoError(t, err)

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"refund policy":  {1, 0},
		"shipping times": {0, 1},
	}}
	r := New(rs, emb, upd, filters, clk, Config{
		Weights:        Weights{FreshnessHalfLife: 168 * time.Hour, UsageSaturation: 10},
		CandidateLimit: candidateLimit,
		DefaultTimeout: time.Second,
	}, nil, discardLogger())
	return &fixture{records: rs, ranker: r, clock: clk}
}

func (f *fixture) put(t *testing.T, ref, text string, vec []float32, md models.Metadata) string {
	t.Helper()
	res, err := f.records.Put(context.Background(), &models.EmbeddedRecord{
		OwnerID:        "o1",
		SourceKind:     models.SourceDocument,
		SourceRef:      ref,
		Fingerprint:    content.Fingerprint("o1", string(models.SourceDocument), ref),
		ContentHash:    content.Hash(text),
		Content:        text,
		Vector:         vec,
		Metadata:       md,
		RelevanceScore: 1,
		UpdatedAt:      clock.Millis(f.clock),
	})
	require.NoError(t, err)
	return res.ID
}

func (f *fixture) putABC(t *testing.T) (a, b, c string) {
	a = f.put(t, "A", "refund policy for orders", []float32{1, 0}, models.Metadata{"language": "en"})
	b = f.put(t, "B", "shipping times by region", []float32{0, 1}, models.Metadata{"language": "de"})
	c = f.put(t, "C", "refund exceptions", []float32{0.9, 0.1}, models.Metadata{"language": "en"})
	return a, b, c
}

func ids(results []models.RetrieveResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestRetrieveRanksBySimilarityAndRecordsUsage(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.putABC(t)

	resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{a, c, b}, ids(resp.Results))
	assert.Equal(t, 3, resp.Meta.UsageRecorded)
	assert.Equal(t, 3, resp.Meta.Returned)
	assert.False(t, resp.Degraded)

	now := clock.Millis(f.clock)
	for _, res := range resp.Results {
		assert.Equal(t, int64(1), res.UsageCount)
		require.NotNil(t, res.LastUsedAt)
		assert.Equal(t, now, *res.LastUsedAt)

		stored, err := f.records.Get(context.Background(), res.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.UsageCount)
		require.NotNil(t, stored.LastUsedAt)
	}
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.0, resp.Results[2].Similarity, 1e-6)
}

func TestRetrieveTopK(t *testing.T) {
	f := newFixture(t)
	a, _, c := f.putABC(t)

	resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{a, c}, ids(resp.Results))
	assert.Equal(t, 3, resp.Meta.Candidates)

	// Only returned records count as used.
	for _, id := range []string{a, c} {
		rec, err := f.records.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.UsageCount)
	}
}

func TestRetrieveNonPositiveK(t *testing.T) {
	f := newFixture(t)
	f.putABC(t)
	for _, k := range []int{0, -1} {
		resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: k})
		require.NoError(t, err)
		assert.Empty(t, resp.Results)
	}
}

func TestRetrieveDeterministicTies(t *testing.T) {
	f := newFixture(t)
	var want []string
	for _, ref := range []string{"t3", "t1", "t2"} {
		want = append(want, f.put(t, ref, "same "+ref, []float32{1, 0}, nil))
	}
	// Ties fall back to id order.
	sorted := slices.Clone(want)
	slices.Sort(sorted)

	first, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 3})
	require.NoError(t, err)
	assert.Equal(t, sorted, ids(first.Results))
}

func TestRetrieveRepeatableWithoutUsage(t *testing.T) {
	f := newFixture(t)
	f.putABC(t)
	ranker := New(f.records, f.ranker.embedder, nil, f.ranker.filters, f.clock, f.ranker.cfg, nil, discardLogger())

	req := &models.RetrieveRequest{OwnerID: "o1", Query: "shipping times", K: 3}
	first, err := ranker.Retrieve(context.Background(), req)
	require.NoError(t, err)
	second, err := ranker.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ids(first.Results), ids(second.Results))
	assert.Zero(t, first.Meta.UsageRecorded)
}

func TestRetrieveRecentUseBreaksScoreTies(t *testing.T) {
	f := newFixture(t)
	x := f.put(t, "x", "x", []float32{1, 0}, nil)
	y := f.put(t, "y", "y", []float32{1, 0}, nil)
	// Give both one use at different times so weights match but last_used differs.
	ctx := context.Background()
	upd := f.ranker.usage
	_, err := upd.RecordUsage(ctx, y)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	_, err = upd.RecordUsage(ctx, x)
	require.NoError(t, err)

	w := Weights{FreshnessHalfLife: 0, UsageSaturation: 10}
	r := New(f.records, f.ranker.embedder, nil, nil, f.clock, Config{Weights: w}, nil, discardLogger())
	resp, err := r.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{x, y}, ids(resp.Results))
}

func TestRetrieveFilters(t *testing.T) {
	f := newFixture(t)
	a, _, c := f.putABC(t)
	ctx := context.Background()

	resp, err := f.ranker.Retrieve(ctx, &models.RetrieveRequest{
		OwnerID: "o1", Query: "shipping times", K: 5, Metadata: models.Metadata{"language": "en"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, c}, ids(resp.Results))

	resp, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{
		OwnerID: "o1", Query: "refund policy", K: 5, Filter: `source_ref == "C" || metadata["language"] == "de"`,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, c, resp.Results[0].ID)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 5, Filter: `usage_count +`})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 5, Filter: `usage_count`})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 5, Metadata: models.Metadata{"color": "red"}})
	assert.ErrorIs(t, err, models.ErrUnknownMetadataKey)
}

func TestRetrieveScansPastCandidateLimit(t *testing.T) {
	f := newFixtureWithLimit(t, 3)
	ctx := context.Background()

	best := f.put(t, "best", "refund policy", []float32{1, 0}, models.Metadata{"language": "fr"})
	ok, err := f.records.SetRelevance(ctx, best, 0, clock.Millis(f.clock), 0.1)
	require.NoError(t, err)
	require.True(t, ok)
	for _, ref := range []string{"x1", "x2", "x3", "x4", "x5"} {
		f.put(t, ref, "shipping "+ref, []float32{0, 1}, models.Metadata{"language": "en"})
	}

	resp, err := f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{best}, ids(resp.Results))
	assert.Equal(t, 6, resp.Meta.Candidates)

	resp, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{
		OwnerID: "o1", Query: "shipping times", K: 5, Filter: `metadata["language"] == "fr"`,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{best}, ids(resp.Results))
}

func TestTopKKeepsBest(t *testing.T) {
	top := newTopK(2)
	for i, score := range []float64{0.1, 0.9, 0.5, 0.7, 0.2} {
		top.Offer(models.RetrieveResult{ID: fmt.Sprintf("r%d", i), Score: score})
	}
	got := top.Sorted()
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "r3", got[1].ID)

	assert.Empty(t, newTopK(0).Sorted())
}

func TestRetrieveValidation(t *testing.T) {
	f := newFixture(t)
	f.putABC(t)
	ctx := context.Background()

	_, err := f.ranker.Retrieve(ctx, &models.RetrieveRequest{Query: "refund policy", K: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "  ", K: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 1, Kinds: []models.SourceKind{"memo"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.ranker.Retrieve(ctx, &models.RetrieveRequest{OwnerID: "ghost", Query: "refund policy", K: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetrieveKeywordFallback(t *testing.T) {
	f := newFixture(t)
	a, _, c := f.putABC(t)

	resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund orders", K: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRetrievalDegraded)
	assert.ErrorIs(t, err, models.ErrEmbeddingUnavailable)
	require.NotNil(t, resp)
	assert.True(t, resp.Degraded)
	// "refund policy for orders" matches both terms, "refund exceptions" one.
	assert.Equal(t, []string{a, c}, ids(resp.Results))
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-12)
	assert.InDelta(t, 0.5, resp.Results[1].Score, 1e-12)

	// Fallback results never count as usage.
	rec, err := f.records.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Zero(t, rec.UsageCount)
}

func TestRetrieveTimeout(t *testing.T) {
	f := newFixture(t)
	a, _, _ := f.putABC(t)

	resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "block", K: 3, TimeoutMs: 20})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, models.ErrRetrievalDegraded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := f.records.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Zero(t, rec.UsageCount)
}

func TestRetrieveUsesIndexCandidates(t *testing.T) {
	f := newFixture(t)
	_, b, c := f.putABC(t)

	f.ranker.WithIndex(&fakeIndex{ids: []string{b, c}})
	resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 3})
	require.NoError(t, err)
	assert.True(t, resp.Meta.IndexAssisted)
	assert.Equal(t, []string{c, b}, ids(resp.Results))

	// Index failure falls back to a store scan.
	f.ranker.WithIndex(&fakeIndex{err: errors.New("qdrant down")})
	resp, err = f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 3})
	require.NoError(t, err)
	assert.False(t, resp.Meta.IndexAssisted)
	assert.Len(t, resp.Results, 3)
}

func TestRetrieveConcurrentUsageMonotonic(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.putABC(t)

	const n = 15
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.ranker.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refund policy", K: 3, TimeoutMs: 30_000})
			if assert.NoError(t, err) {
				assert.Len(t, resp.Results, 3)
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{a, b, c} {
		rec, err := f.records.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(n), rec.UsageCount, id)
	}
}

func TestWeights(t *testing.T) {
	w := Weights{FreshnessHalfLife: time.Hour, UsageSaturation: 10}

	assert.Equal(t, 1.0, w.Freshness(nil, 1000))
	used := int64(0)
	assert.InDelta(t, 0.75, w.Freshness(&used, time.Hour.Milliseconds()), 1e-12)
	assert.Greater(t, w.Freshness(&used, 100*time.Hour.Milliseconds()), 0.5)

	assert.Equal(t, 1.0, w.Usage(0))
	assert.InDelta(t, 2.0, w.Usage(10), 1e-12)
	assert.Equal(t, 2.0, w.Usage(1_000_000))
	assert.Greater(t, w.Usage(5), w.Usage(1))

	rec := &models.EmbeddedRecord{}
	assert.Less(t, w.Score(-0.2, rec, 0), 0.0)
}
