package models

// SourceKind classifies where an embedded record came from.
type SourceKind string

const (
	SourceDocument            SourceKind = "document"
	SourcePolicy              SourceKind = "policy"
	SourceConversationHistory SourceKind = "conversation_history"
)

var ValidSourceKinds = map[SourceKind]bool{
	SourceDocument:            true,
	SourcePolicy:              true,
	SourceConversationHistory: true,
}

func (k SourceKind) IsValid() bool {
	return ValidSourceKinds[k]
}

func (k SourceKind) ContentKind() ContentKind {
	return ContentKind(k)
}

// ContentKind tells the embedding gateway what a piece of text is for.
// Source kinds double as content kinds for ingested records.
type ContentKind string

const (
	ContentQuery   ContentKind = "query"
	ContentSpam    ContentKind = "spam"
	ContentPattern ContentKind = "pattern"
	ContentContext ContentKind = "context"
)

// EmbeddedRecord is a piece of owner-scoped content made searchable.
// Timestamps are unix milliseconds.
type EmbeddedRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	SourceKind  SourceKind `json:"sourceKind"`
	SourceRef   string     `json:"sourceRef"`
	Fingerprint string     `json:"fingerprint"`
	ContentHash string     `json:"contentHash"`
	Content     string     `json:"content"`
	Vector      []float32  `json:"-"`
	Metadata    Metadata   `json:"metadata,omitempty"`

	// Scoring state. Only the relevance updater writes these.
	RelevanceScore float64 `json:"relevanceScore"`
	RelevanceAt    int64   `json:"relevanceAt"`
	UsageCount     int64   `json:"usageCount"`
	LastUsedAt     *int64  `json:"lastUsedAt,omitempty"`

	// Version increments on every scoring write and guards compare-and-swap.
	Version   int64 `json:"version"`
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// EmbeddingCacheEntry stores a cached embedding keyed by content hash.
type EmbeddingCacheEntry struct {
	ContentHash string `json:"contentHash"`
	Embedding   []byte `json:"embedding"`
	Dimension   int    `json:"dimension"`
	Model       string `json:"model"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Owner is a tenant that scopes records, patterns and conversations.
type Owner struct {
	ID          string `json:"id"`
	CreatedAt   int64  `json:"createdAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
	RecordCount int    `json:"recordCount,omitempty"`
}
