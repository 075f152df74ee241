// Package ranker serves similarity-ranked retrieval over an owner's records.
package ranker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const usageConcurrency = 8

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, kind models.ContentKind) ([]float32, error)
}

// CandidateIndex pre-selects nearest record ids for an owner.
type CandidateIndex interface {
	Nearest(ctx context.Context, ownerID string, vec []float32, kinds []models.SourceKind, limit int) ([]string, error)
}

// UsageRecorder counts a use of a returned record.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, id string) (*models.EmbeddedRecord, error)
}

type Config struct {
	Weights        Weights
	CandidateLimit int
	DefaultTimeout time.Duration
}

// Ranker embeds the query, scores a bounded candidate set and records
// usage for what it returns.
type Ranker struct {
	records  store.Records
	embedder QueryEmbedder
	usage    UsageRecorder
	index    CandidateIndex
	filters  *FilterCompiler
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(records store.Records, embedder QueryEmbedder, usage UsageRecorder, filters *FilterCompiler,
	clk clock.Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Ranker {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 500
	}
	return &Ranker{
		records:  records,
		embedder: embedder,
		usage:    usage,
		filters:  filters,
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// WithIndex enables ANN candidate pre-selection.
func (r *Ranker) WithIndex(index CandidateIndex) *Ranker {
	r.index = index
	return r
}

// Retrieve returns the top-k records for the query.
//
// When the embedding provider fails, the response holds a keyword-ranked
// fallback set with Degraded set, and the error wraps ErrRetrievalDegraded
// and the provider cause; fallback results do not count as usage. When the
// deadline passes first, no results are returned.
func (r *Ranker) Retrieve(ctx context.Context, req *models.RetrieveRequest) (*models.RetrieveResponse, error) {
	start := time.Now()
	filter, err := r.validate(req)
	if err != nil {
		return nil, err
	}
	if req.K <= 0 {
		return &models.RetrieveResponse{Results: []models.RetrieveResult{}}, nil
	}

	timeout := r.cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := r.records.OwnerExists(ctx, req.OwnerID)
	if err != nil {
		return nil, r.fail(ctx, start, err)
	}
	if !ok {
		return nil, fmt.Errorf("owner %s: %w", req.OwnerID, models.ErrNotFound)
	}

	qvec, err := r.embedder.Embed(ctx, req.Query, models.ContentQuery)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, r.fail(ctx, start, err)
		}
		return r.keywordFallback(ctx, req, filter, start, err)
	}

	resp := &models.RetrieveResponse{}
	results, err := r.rank(ctx, req, filter, qvec, &resp.Meta)
	if err != nil {
		return nil, r.fail(ctx, start, err)
	}

	// Past this point the results are committed to the caller; usage is
	// recorded for exactly these records even if the caller goes away.
	if err := ctx.Err(); err != nil {
		return nil, r.fail(ctx, start, err)
	}
	resp.Meta.UsageRecorded = r.recordUsage(context.WithoutCancel(ctx), results)
	resp.Results = results
	resp.Meta.Returned = len(results)
	resp.Meta.RetrieveTimeMs = int(time.Since(start).Milliseconds())
	r.metrics.ObserveRetrieve("ok", time.Since(start))
	return resp, nil
}

// rank scores every candidate that passes the filter and keeps the best K.
// Candidates come from the index when it answers, from the store's native
// vector ordering when there is no filter to apply after the fetch, and
// otherwise from a scan of the owner's records in id-ordered pages of
// CandidateLimit.
func (r *Ranker) rank(ctx context.Context, req *models.RetrieveRequest, filter *Filter, qvec []float32, meta *models.RetrieveMeta) ([]models.RetrieveResult, error) {
	now := clock.Millis(r.clock)
	top := newTopK(req.K)
	score := func(recs []*models.EmbeddedRecord) {
		for _, rec := range recs {
			if !filter.Match(rec) {
				continue
			}
			sim := vector.Cosine(qvec, rec.Vector)
			res := toResult(rec)
			res.Similarity = sim
			res.Score = r.cfg.Weights.Score(sim, rec, now)
			top.Offer(res)
			meta.Candidates++
		}
	}

	q := store.CandidateQuery{
		OwnerID:  req.OwnerID,
		Kinds:    req.Kinds,
		Metadata: req.Metadata,
		Limit:    r.cfg.CandidateLimit,
	}

	if r.index != nil {
		ids, err := r.index.Nearest(ctx, req.OwnerID, qvec, req.Kinds, r.cfg.CandidateLimit)
		switch {
		case err != nil:
			r.logger.Warn("candidate index unavailable, scanning store", "owner_id", req.OwnerID, "error", err)
		case len(ids) > 0:
			q.IDs = ids
			recs, err := r.records.GetCandidates(ctx, q)
			if err != nil {
				return nil, err
			}
			meta.IndexAssisted = true
			score(recs)
			return top.Sorted(), nil
		}
	}

	if vs, ok := r.records.(store.VectorSearcher); ok && vs.NativeVectorSearch() && filter == nil {
		q.Near = qvec
		recs, err := r.records.GetCandidates(ctx, q)
		if err != nil {
			return nil, err
		}
		score(recs)
		return top.Sorted(), nil
	}

	q.Paged = true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := r.records.GetCandidates(ctx, q)
		if err != nil {
			return nil, err
		}
		score(page)
		if len(page) < q.Limit {
			return top.Sorted(), nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}

func (r *Ranker) validate(req *models.RetrieveRequest) (*Filter, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", models.ErrInvalidInput)
	}
	for _, k := range req.Kinds {
		if !k.IsValid() {
			return nil, fmt.Errorf("%w: unknown source kind %q", models.ErrInvalidInput, k)
		}
	}
	for key := range req.Metadata {
		if !models.IsAnyMetadataKey(req.Kinds, key) {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownMetadataKey, key)
		}
	}
	if req.Filter == "" || r.filters == nil {
		return nil, nil
	}
	return r.filters.Compile(req.Filter)
}

// recordUsage counts one use per result and refreshes the result's scoring
// fields from the write. Failures are logged; the results stand.
func (r *Ranker) recordUsage(ctx context.Context, results []models.RetrieveResult) int {
	if r.usage == nil || len(results) == 0 {
		return 0
	}
	var recorded atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(usageConcurrency)
	for i := range results {
		g.Go(func() error {
			rec, err := r.usage.RecordUsage(ctx, results[i].ID)
			if err != nil {
				r.logger.Warn("failed to record usage", "record_id", results[i].ID, "error", err)
				return nil
			}
			results[i].UsageCount = rec.UsageCount
			results[i].LastUsedAt = rec.LastUsedAt
			results[i].RelevanceScore = rec.RelevanceScore
			recorded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(recorded.Load())
}

// keywordFallback ranks records by the share of query terms they contain.
func (r *Ranker) keywordFallback(ctx context.Context, req *models.RetrieveRequest, filter *Filter, start time.Time, cause error) (*models.RetrieveResponse, error) {
	degraded := fmt.Errorf("%w: %w", models.ErrRetrievalDegraded, cause)
	r.logger.Warn("embedding unavailable, using keyword fallback", "owner_id", req.OwnerID, "error", cause)

	terms := content.Terms(req.Query)
	recs, err := r.records.KeywordSearch(ctx, store.KeywordQuery{
		OwnerID:  req.OwnerID,
		Kinds:    req.Kinds,
		Metadata: req.Metadata,
		Terms:    terms,
		Limit:    r.cfg.CandidateLimit,
	})
	if err != nil {
		r.metrics.ObserveRetrieve("degraded", time.Since(start))
		return nil, fmt.Errorf("%w; keyword fallback: %w", degraded, err)
	}

	results := make([]models.RetrieveResult, 0, len(recs))
	for _, rec := range recs {
		if !filter.Match(rec) {
			continue
		}
		res := toResult(rec)
		res.Score = termOverlap(terms, rec.Content)
		results = append(results, res)
	}
	slices.SortFunc(results, func(a, b models.RetrieveResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	candidates := len(results)
	if len(results) > req.K {
		results = results[:req.K]
	}

	r.metrics.ObserveRetrieve("degraded", time.Since(start))
	return &models.RetrieveResponse{
		Results:  results,
		Degraded: true,
		Reason:   "embedding unavailable; keyword fallback",
		Meta: models.RetrieveMeta{
			Candidates:     candidates,
			Returned:       len(results),
			RetrieveTimeMs: int(time.Since(start).Milliseconds()),
		},
	}, degraded
}

// fail classifies err: deadline or cancellation becomes
// ErrRetrievalDegraded with no results.
func (r *Ranker) fail(ctx context.Context, start time.Time, err error) error {
	if ctx.Err() != nil {
		r.metrics.ObserveRetrieve("timeout", time.Since(start))
		return fmt.Errorf("%w: %w", models.ErrRetrievalDegraded, ctx.Err())
	}
	r.metrics.ObserveRetrieve("error", time.Since(start))
	return err
}

func termOverlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func toResult(rec *models.EmbeddedRecord) models.RetrieveResult {
	return models.RetrieveResult{
		ID:             rec.ID,
		SourceKind:     rec.SourceKind,
		SourceRef:      rec.SourceRef,
		Content:        rec.Content,
		Metadata:       rec.Metadata,
		RelevanceScore: rec.RelevanceScore,
		UsageCount:     rec.UsageCount,
		LastUsedAt:     rec.LastUsedAt,
	}
}
