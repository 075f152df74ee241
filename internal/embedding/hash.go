package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

// HashEmbedder is a deterministic, offline feature-hashing embedder. Each
// term lands in a signed bucket; the result is L2-normalized. Useful for
// development, tests and air-gapped deployments.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", h.dim) }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := content.Terms(text)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: hash embed: no terms in input", models.ErrInvalidInput)
	}
	v := make([]float32, h.dim)
	for _, term := range terms {
		f := fnv.New64a()
		f.Write([]byte(term))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	if vector.IsZero(v) {
		// Opposite-signed collisions cancelled out; fall back to the first bucket.
		f := fnv.New64a()
		f.Write([]byte(terms[0]))
		v[int(f.Sum64()%uint64(h.dim))] = 1
	}
	vector.Normalize(v)
	return v, nil
}
