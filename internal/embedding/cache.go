package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

// VectorCache persists embeddings by content hash.
type VectorCache interface {
	Get(ctx context.Context, contentHash string) (*models.EmbeddingCacheEntry, error)
	Put(ctx context.Context, entry *models.EmbeddingCacheEntry) error
}

// CachedEmbedder wraps an Embedder with content-hash caching. Concurrent
// requests for the same text share one provider call.
type CachedEmbedder struct {
	inner   Embedder
	cache   VectorCache
	dim     int
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCachedEmbedder(inner Embedder, cache VectorCache, dim int, m *metrics.Metrics, logger *slog.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		inner:   inner,
		cache:   cache,
		dim:     dim,
		metrics: m,
		logger:  logger,
	}
}

func (e *CachedEmbedder) Model() string { return e.inner.Model() }

// HealthCheck forwards to the wrapped provider.
func (e *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Embed returns the embedding for text, using the cache when an entry for
// the same model and dimension exists.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := content.Hash(text)
	model := e.inner.Model()

	entry, err := e.cache.Get(ctx, hash)
	if err != nil {
		// A broken cache must not take embeddings down with it.
		e.logger.Warn("embedding cache lookup failed", "error", err)
	}
	if entry != nil && entry.Model == model && entry.Dimension == e.dim {
		if vec := vector.FromBytes(entry.Embedding); vector.Valid(vec, e.dim) {
			e.metrics.EmbedCache(true)
			return vec, nil
		}
	}
	e.metrics.EmbedCache(false)

	v, err, _ := e.group.Do(hash, func() (any, error) {
		vec, err := e.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if vector.Valid(vec, e.dim) {
			putErr := e.cache.Put(ctx, &models.EmbeddingCacheEntry{
				ContentHash: hash,
				Embedding:   vector.ToBytes(vec),
				Dimension:   e.dim,
				Model:       model,
			})
			if putErr != nil {
				e.logger.Warn("embedding cache write failed", "error", putErr)
			}
		}
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return slices.Clone(v.([]float32)), nil
}
