package store

import (
	"context"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// Records is the contract every embedded-record backend satisfies. Scoring
// writes are compare-and-swap on Version: they report false, not an error,
// when another writer got there first.
type Records interface {
	// Put validates the vector, registers the owner and upserts by
	// fingerprint, preserving scoring state on re-ingestion.
	Put(ctx context.Context, rec *models.EmbeddedRecord) (*PutResult, error)
	Get(ctx context.Context, id string) (*models.EmbeddedRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.EmbeddedRecord, error)
	GetCandidates(ctx context.Context, q CandidateQuery) ([]*models.EmbeddedRecord, error)
	KeywordSearch(ctx context.Context, q KeywordQuery) ([]*models.EmbeddedRecord, error)
	List(ctx context.Context, req *models.ListRecordsRequest) ([]*models.EmbeddedRecord, int, error)
	Delete(ctx context.Context, id string) error

	// RecordUsage increments usage_count and sets last_used and the
	// recomputed relevance when the stored version still matches.
	RecordUsage(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error)
	// SetRelevance persists a decayed relevance when the version matches.
	SetRelevance(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error)
	// ListStale pages through records whose relevance was last computed
	// before the cutoff, ordered by id.
	ListStale(ctx context.Context, before int64, afterID string, limit int) ([]*models.EmbeddedRecord, error)

	OwnerExists(ctx context.Context, ownerID string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// PutResult describes the outcome of an upsert.
type PutResult struct {
	ID      string
	Created bool
}

// CandidateQuery selects records for ranking. It bounds but does not rank.
type CandidateQuery struct {
	OwnerID  string
	Kinds    []models.SourceKind
	Metadata models.Metadata
	// IDs restricts the set, e.g. to ids pre-selected by an ANN index.
	IDs []string
	// Near, when set, lets backends with native vector search pre-order by
	// distance before applying Limit.
	Near []float32
	// Paged asks for an id-ordered page of records with ids greater than
	// AfterID, so callers can walk the whole set. Near is ignored.
	Paged   bool
	AfterID string
	Limit   int
}

// VectorSearcher is implemented by backends whose GetCandidates orders by
// distance to CandidateQuery.Near.
type VectorSearcher interface {
	NativeVectorSearch() bool
}

// KeywordQuery selects records containing any of Terms.
type KeywordQuery struct {
	OwnerID  string
	Kinds    []models.SourceKind
	Metadata models.Metadata
	Terms    []string
	Limit    int
}
