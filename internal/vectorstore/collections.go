package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

const collectionPrefix = "relevance_"

// CollectionName returns the Qdrant collection for an owner. Owner ids are
// hashed so arbitrary ids yield valid collection names.
func CollectionName(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return collectionPrefix + hex.EncodeToString(sum[:8])
}

// Index mirrors embedded records into per-owner Qdrant collections and
// answers nearest-id queries used to pre-select ranking candidates.
type Index struct {
	client *QdrantClient
	known  map[string]bool
	mu     sync.RWMutex
}

func NewIndex(client *QdrantClient) *Index {
	return &Index{
		client: client,
		known:  make(map[string]bool),
	}
}

// ensure creates the owner's collection on first use. Results are cached
// in-memory.
func (x *Index) ensure(ctx context.Context, ownerID string) (string, error) {
	name := CollectionName(ownerID)

	x.mu.RLock()
	if x.known[name] {
		x.mu.RUnlock()
		return name, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.known[name] {
		return name, nil
	}
	if err := x.client.EnsureCollection(ctx, name); err != nil {
		return "", fmt.Errorf("ensure collection %s: %w", name, err)
	}
	x.known[name] = true
	return name, nil
}

// Upsert writes the record's vector with its source kind as payload.
func (x *Index) Upsert(ctx context.Context, rec *models.EmbeddedRecord) error {
	name, err := x.ensure(ctx, rec.OwnerID)
	if err != nil {
		return err
	}
	return x.client.Upsert(ctx, name, []Point{{
		ID:     rec.ID,
		Vector: rec.Vector,
		Payload: map[string]any{
			"source_kind": string(rec.SourceKind),
			"source_ref":  rec.SourceRef,
		},
	}})
}

// Delete removes a record's point. A missing collection is not an error.
func (x *Index) Delete(ctx context.Context, ownerID, id string) error {
	err := x.client.DeletePoints(ctx, CollectionName(ownerID), []string{id})
	if errors.Is(err, errCollectionMissing) {
		return nil
	}
	return err
}

// Nearest returns up to limit record ids closest to vec for the owner,
// restricted to kinds when given. An owner without a collection has no ids.
func (x *Index) Nearest(ctx context.Context, ownerID string, vec []float32, kinds []models.SourceKind, limit int) ([]string, error) {
	values := make([]string, len(kinds))
	for i, k := range kinds {
		values[i] = string(k)
	}
	results, err := x.client.Search(ctx, CollectionName(ownerID), vec, limit, "source_kind", values)
	if errors.Is(err, errCollectionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// HealthCheck proxies the client health check.
func (x *Index) HealthCheck(ctx context.Context) error {
	return x.client.HealthCheck(ctx)
}
