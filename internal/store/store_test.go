package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(owner, ref, text string, vec []float32) *models.EmbeddedRecord {
	return &models.EmbeddedRecord{
		OwnerID:     owner,
		SourceKind:  models.SourceDocument,
		SourceRef:   ref,
		Fingerprint: content.Fingerprint(owner, string(models.SourceDocument), ref),
		ContentHash: content.Hash(text),
		Content:     text,
		Vector:      vec,
		UpdatedAt:   1000,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	ok, err := columnExists(db.DB, "spam_patterns", "pattern_key")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = columnExists(db.DB, "conversation_contexts", "archived_record_id")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordPut(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)

	t.Run("rejects dimension mismatch", func(t *testing.T) {
		_, err := rs.Put(ctx, newRecord("o1", "bad", "x", []float32{1, 0, 0}))
		assert.ErrorIs(t, err, models.ErrInvalidVector)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("rejects zero vector", func(t *testing.T) {
		_, err := rs.Put(ctx, newRecord("o1", "zero", "x", []float32{0, 0}))
		assert.ErrorIs(t, err, models.ErrInvalidVector)
	})

	t.Run("re-ingestion preserves scoring state", func(t *testing.T) {
		first := newRecord("o1", "doc-1", "first version", []float32{1, 0})
		first.RelevanceScore = 1
		res, err := rs.Put(ctx, first)
		require.NoError(t, err)
		assert.True(t, res.Created)

		ok, err := rs.RecordUsage(ctx, res.ID, 0, 2000, 1.7)
		require.NoError(t, err)
		require.True(t, ok)

		second := newRecord("o1", "doc-1", "second version", []float32{0, 1})
		second.RelevanceScore = 1
		res2, err := rs.Put(ctx, second)
		require.NoError(t, err)
		assert.False(t, res2.Created)
		assert.Equal(t, res.ID, res2.ID)

		got, err := rs.Get(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second version", got.Content)
		assert.Equal(t, []float32{0, 1}, got.Vector)
		assert.Equal(t, int64(1), got.UsageCount)
		assert.InDelta(t, 1.7, got.RelevanceScore, 1e-9)
		require.NotNil(t, got.LastUsedAt)
		assert.Equal(t, int64(2000), *got.LastUsedAt)

		total, err := rs.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("registers owner", func(t *testing.T) {
		ok, err := rs.OwnerExists(ctx, "o1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = rs.OwnerExists(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRecordGetMissing(t *testing.T) {
	rs := NewRecordStore(setupTestDB(t), 2)
	rec, err := rs.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	err = rs.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecordUsageCAS(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)
	res, err := rs.Put(ctx, newRecord("o1", "doc", "text", []float32{1, 1}))
	require.NoError(t, err)

	ok, err := rs.RecordUsage(ctx, res.ID, 0, 10, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale version loses.
	ok, err = rs.RecordUsage(ctx, res.ID, 0, 20, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rs.SetRelevance(ctx, res.ID, 1, 30, 0.5)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := rs.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(30), got.RelevanceAt)
	assert.InDelta(t, 0.5, got.RelevanceScore, 1e-9)

	_, err = rs.RecordUsage(ctx, "missing", 0, 10, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetCandidates(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)

	_, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	a := newRecord("o1", "a", "alpha", []float32{1, 0})
	a.RelevanceScore = 0.2
	a.Metadata = models.Metadata{"title": "Alpha", "language": "en"}
	b := newRecord("o1", "b", "bravo", []float32{0, 1})
	b.RelevanceScore = 0.9
	b.Metadata = models.Metadata{"title": "Bravo", "language": "de"}
	p := newRecord("o1", "p", "policy", []float32{1, 1})
	p.SourceKind = models.SourcePolicy
	p.Fingerprint = content.Fingerprint("o1", string(models.SourcePolicy), "p")
	other := newRecord("o2", "a", "other owner", []float32{1, 0})
	for _, r := range []*models.EmbeddedRecord{a, b, p, other} {
		_, err := rs.Put(ctx, r)
		require.NoError(t, err)
	}

	t.Run("scoped to owner and ordered by relevance", func(t *testing.T) {
		got, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "o1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, b.ID, got[0].ID)
		for _, r := range got {
			assert.Equal(t, "o1", r.OwnerID)
		}
	})

	t.Run("limit bounds the set", func(t *testing.T) {
		got, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "o1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, b.ID, got[0].ID)
	})

	t.Run("filters by kind", func(t *testing.T) {
		got, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "o1", Kinds: []models.SourceKind{models.SourcePolicy}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, p.ID, got[0].ID)
	})

	t.Run("filters by metadata", func(t *testing.T) {
		got, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "o1", Metadata: models.Metadata{"language": "en"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
		assert.Equal(t, "Alpha", got[0].Metadata["title"])
	})

	t.Run("paged walks every record in id order", func(t *testing.T) {
		var seen []string
		q := CandidateQuery{OwnerID: "o1", Paged: true, Limit: 2}
		for {
			page, err := rs.GetCandidates(ctx, q)
			require.NoError(t, err)
			for _, r := range page {
				seen = append(seen, r.ID)
			}
			if len(page) < q.Limit {
				break
			}
			q.AfterID = page[len(page)-1].ID
		}
		want := []string{a.ID, b.ID, p.ID}
		slices.Sort(want)
		assert.Equal(t, want, seen)
	})

	t.Run("restricts to ids", func(t *testing.T) {
		got, err := rs.GetCandidates(ctx, CandidateQuery{OwnerID: "o1", IDs: []string{a.ID, other.ID}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
	})
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)
	for i, text := range []string{"Refund policy for 100% of orders", "Shipping times", "refund_window is 30 days"} {
		_, err := rs.Put(ctx, newRecord("o1", string(rune('a'+i)), text, []float32{1, 0}))
		require.NoError(t, err)
	}

	got, err := rs.KeywordSearch(ctx, KeywordQuery{OwnerID: "o1", Terms: []string{"REFUND"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Wildcards in terms are literal.
	got, err = rs.KeywordSearch(ctx, KeywordQuery{OwnerID: "o1", Terms: []string{"100%"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = rs.KeywordSearch(ctx, KeywordQuery{OwnerID: "o1", Terms: []string{"d_w"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = rs.KeywordSearch(ctx, KeywordQuery{OwnerID: "o1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rs := NewRecordStore(db, 2)
	for _, ref := range []string{"a", "b", "c"} {
		_, err := rs.Put(ctx, newRecord("o1", ref, "text "+ref, []float32{1, 0}))
		require.NoError(t, err)
	}

	recs, total, err := rs.List(ctx, &models.ListRecordsRequest{OwnerID: "o1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, recs, 2)

	require.NoError(t, rs.Delete(ctx, recs[0].ID))
	_, total, err = rs.List(ctx, &models.ListRecordsRequest{OwnerID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	owners, err := rs.ListOwners(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, 2, owners[0].RecordCount)
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)
	for _, ref := range []string{"a", "b", "c"} {
		r := newRecord("o1", ref, ref, []float32{1, 0})
		r.RelevanceScore = 1
		_, err := rs.Put(ctx, r)
		require.NoError(t, err)
	}
	zero := newRecord("o1", "z", "z", []float32{1, 0})
	_, err := rs.Put(ctx, zero)
	require.NoError(t, err)

	page, err := rs.ListStale(ctx, 5000, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := rs.ListStale(ctx, 5000, page[1].ID, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := rs.ListStale(ctx, 500, "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentUsageNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(setupTestDB(t), 2)
	res, err := rs.Put(ctx, newRecord("o1", "hot", "hot", []float32{1, 0}))
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := rs.Get(ctx, res.ID)
				if !assert.NoError(t, err) {
					return
				}
				ok, err := rs.RecordUsage(ctx, rec.ID, rec.Version, 1, 1)
				if !assert.NoError(t, err) || ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := rs.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.UsageCount)
}

func TestPatternStore(t *testing.T) {
	ctx := context.Background()
	ps := NewPatternStore(setupTestDB(t))

	p := &models.SpamPattern{
		OwnerID: "o1", PatternType: models.PatternKeyword, Payload: "free,prize",
		IsActive: true, ConfidenceScore: 0.8,
	}
	require.NoError(t, ps.Create(ctx, p))
	global := &models.SpamPattern{PatternType: models.PatternNumberReputation, Payload: "+1900*", IsActive: true, ConfidenceScore: 1}
	require.NoError(t, ps.Create(ctx, global))
	inactive := &models.SpamPattern{OwnerID: "o1", PatternType: models.PatternKeyword, Payload: "x", ConfidenceScore: 0.5}
	require.NoError(t, ps.Create(ctx, inactive))

	t.Run("accuracy identity", func(t *testing.T) {
		got, err := ps.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, got.AccuracyRate)

		outcomes := []bool{true, true, false, true, false, true, true}
		var last *models.SpamPattern
		for _, o := range outcomes {
			last, err = ps.ReportOutcome(ctx, p.ID, o, 10)
			require.NoError(t, err)
		}
		assert.Equal(t, int64(5), last.DetectionCount)
		assert.Equal(t, int64(2), last.FalsePositiveCount)
		assert.InDelta(t, 5.0/7.0, last.AccuracyRate, 1e-12)
	})

	t.Run("concurrent outcomes are not lost", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := ps.ReportOutcome(ctx, global.ID, i%2 == 0, 10)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		got, err := ps.Get(ctx, global.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.DetectionCount)
		assert.Equal(t, int64(5), got.FalsePositiveCount)
		assert.InDelta(t, 0.5, got.AccuracyRate, 1e-12)
	})

	t.Run("unknown pattern", func(t *testing.T) {
		_, err := ps.ReportOutcome(ctx, "missing", true, 10)
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = ps.SetActive(ctx, "missing", false, 10)
		assert.ErrorIs(t, err, models.ErrNotFound)
		got, err := ps.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("active set includes global patterns", func(t *testing.T) {
		active, err := ps.ListActive(ctx, "o1")
		require.NoError(t, err)
		assert.Len(t, active, 2)

		others, err := ps.ListActive(ctx, "o2")
		require.NoError(t, err)
		require.Len(t, others, 1)
		assert.Equal(t, global.ID, others[0].ID)
	})

	t.Run("deactivate", func(t *testing.T) {
		got, err := ps.SetActive(ctx, p.ID, false, 20)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, int64(5), got.DetectionCount)

		active, err := ps.ListActive(ctx, "o1")
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})
}

func TestPatternUpsertByKeyPreservesCounters(t *testing.T) {
	ctx := context.Background()
	ps := NewPatternStore(setupTestDB(t))

	p := &models.SpamPattern{Key: "lottery", PatternType: models.PatternKeyword, Payload: "lottery,winner", IsActive: true, ConfidenceScore: 0.6}
	created, err := ps.UpsertByKey(ctx, p, true)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = ps.ReportOutcome(ctx, p.ID, true, 5)
	require.NoError(t, err)

	updated := &models.SpamPattern{Key: "lottery", PatternType: models.PatternKeyword, Payload: "lottery,winner,claim", IsActive: true, ConfidenceScore: 0.7}
	created, err = ps.UpsertByKey(ctx, updated, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, updated.ID)

	got, err := ps.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "lottery,winner,claim", got.Payload)
	assert.InDelta(t, 0.7, got.ConfidenceScore, 1e-12)
	assert.Equal(t, int64(1), got.DetectionCount)
	assert.InDelta(t, 1.0, got.AccuracyRate, 1e-12)

	_, err = ps.UpsertByKey(ctx, &models.SpamPattern{PatternType: models.PatternKeyword}, true)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = ps.SetActive(ctx, p.ID, false, 6)
	require.NoError(t, err)
	again := &models.SpamPattern{Key: "lottery", PatternType: models.PatternKeyword, Payload: "lottery", IsActive: true, ConfidenceScore: 0.7}
	_, err = ps.UpsertByKey(ctx, again, false)
	require.NoError(t, err)
	got, err = ps.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "lottery", got.Payload)

	_, err = ps.UpsertByKey(ctx, again, true)
	require.NoError(t, err)
	got, err = ps.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestContextStore(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(setupTestDB(t))

	got, err := cs.Get(ctx, "o1", "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	c := &models.ConversationContext{
		OwnerID: "o1", ConversationID: "conv-1", Kind: models.ContextCall,
		Data: map[string]any{"caller": "alice"}, Entities: []string{"alice"},
		Sentiment: 0.2, Confidence: 0.5, IsActive: true, StartTime: 100, LastUpdated: 100,
		LastSignalAt: 100, SignalCount: 1,
	}
	created, err := cs.Create(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *c
	dup.ID = ""
	created, err = cs.Create(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = cs.Get(ctx, "o1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "alice", got.Data["caller"])
	assert.Equal(t, []string{"alice"}, got.Entities)
	assert.Nil(t, got.EndTime)

	end := int64(500)
	got.IsActive = false
	got.EndTime = &end
	got.Vector = []float32{0.5, 0.5}
	got.ArchivedRecordID = "rec-1"
	ok, err := cs.Update(ctx, got, got.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), got.Version)

	// A writer holding the old version loses.
	stale := *c
	stale.Sentiment = 0.9
	ok, err = cs.Update(ctx, &stale, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	final, err := cs.Get(ctx, "o1", "conv-1")
	require.NoError(t, err)
	assert.False(t, final.IsActive)
	require.NotNil(t, final.EndTime)
	assert.Equal(t, int64(500), *final.EndTime)
	assert.InDelta(t, 0.2, final.Sentiment, 1e-12)
	assert.Equal(t, []float32{0.5, 0.5}, final.Vector)
	assert.Equal(t, "rec-1", final.ArchivedRecordID)

	active, err := cs.ListActive(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEmbeddingCacheStore(t *testing.T) {
	ctx := context.Background()
	es := NewEmbeddingCacheStore(setupTestDB(t))

	got, err := es.Get(ctx, "h")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, es.Put(ctx, &models.EmbeddingCacheEntry{ContentHash: "h", Embedding: []byte{1, 2, 3, 4}, Dimension: 1, Model: "m"}))
	got, err = es.Get(ctx, "h")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m", got.Model)

	n, err := es.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForeignKeysCascade(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rs := NewRecordStore(db, 2)
	_, err := rs.Put(ctx, newRecord("o1", "a", "a", []float32{1, 0}))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, "o1")
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n))
	assert.Zero(t, n)

	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM owners WHERE id = ?`, "o1").Scan(&one)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
