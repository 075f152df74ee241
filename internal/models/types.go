package models

// IngestRequest is the payload for POST /records.
type IngestRequest struct {
	OwnerID    string     `json:"ownerId"`
	SourceKind SourceKind `json:"sourceKind"`
	SourceRef  string     `json:"sourceRef"`
	Content    string     `json:"content"`
	Metadata   Metadata   `json:"metadata,omitempty"`
}

// IngestResponse is returned from POST /records.
type IngestResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	// Reembedded is false when the content hash was unchanged and the
	// stored vector was reused.
	Reembedded bool `json:"reembedded"`
}

// RetrieveRequest is the payload for POST /retrieve.
type RetrieveRequest struct {
	OwnerID string       `json:"ownerId"`
	Query   string       `json:"query"`
	K       int          `json:"k"`
	Kinds   []SourceKind `json:"kinds,omitempty"`
	// Metadata holds equality predicates on recognized metadata keys.
	Metadata Metadata `json:"metadata,omitempty"`
	// Filter is an optional CEL expression over metadata, kind, source_ref,
	// usage_count and relevance.
	Filter    string `json:"filter,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// RetrieveResult is a single ranked record.
type RetrieveResult struct {
	ID             string     `json:"id"`
	SourceKind     SourceKind `json:"sourceKind"`
	SourceRef      string     `json:"sourceRef"`
	Content        string     `json:"content"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	Score          float64    `json:"score"`
	Similarity     float64    `json:"similarity"`
	RelevanceScore float64    `json:"relevanceScore"`
	UsageCount     int64      `json:"usageCount"`
	LastUsedAt     *int64     `json:"lastUsedAt,omitempty"`
}

// RetrieveResponse is returned from POST /retrieve.
type RetrieveResponse struct {
	Results  []RetrieveResult `json:"results"`
	Degraded bool             `json:"degraded,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Meta     RetrieveMeta     `json:"meta"`
}

type RetrieveMeta struct {
	Candidates     int  `json:"candidates"`
	Returned       int  `json:"returned"`
	UsageRecorded  int  `json:"usageRecorded"`
	IndexAssisted  bool `json:"indexAssisted,omitempty"`
	RetrieveTimeMs int  `json:"retrieveTimeMs"`
}

// ListRecordsRequest holds parsed query params for GET /records.
type ListRecordsRequest struct {
	OwnerID    string     `json:"ownerId"`
	SourceKind SourceKind `json:"sourceKind,omitempty"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// ListRecordsResponse is returned from GET /records.
type ListRecordsResponse struct {
	Records []*EmbeddedRecord `json:"records"`
	Total   int               `json:"total"`
}

// CompactResponse is returned from POST /records/compact.
type CompactResponse struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Failed  int `json:"failed"`
	// CachePruned counts embedding cache entries dropped by the sweep.
	CachePruned int64 `json:"cachePruned"`
}

// ClassifyRequest is the payload for POST /spam/classify. Sender is an
// optional originating phone number checked against number-reputation
// patterns in addition to numbers found in the content.
type ClassifyRequest struct {
	OwnerID string `json:"ownerId"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// CreatePatternRequest is the payload for POST /spam/patterns.
type CreatePatternRequest struct {
	OwnerID         string      `json:"ownerId,omitempty"`
	Key             string      `json:"key,omitempty"`
	PatternType     PatternType `json:"patternType"`
	Payload         string      `json:"payload"`
	ConfidenceScore float64     `json:"confidenceScore"`
	// Active defaults to true for new patterns. A keyed upsert leaves the
	// stored flag alone unless Active is set.
	Active *bool `json:"active,omitempty"`
}

// ListPatternsRequest holds parsed query params for GET /spam/patterns.
type ListPatternsRequest struct {
	OwnerID       string      `json:"ownerId,omitempty"`
	IncludeGlobal bool        `json:"includeGlobal"`
	ActiveOnly    bool        `json:"activeOnly"`
	PatternType   PatternType `json:"patternType,omitempty"`
}

// ReportOutcomeRequest is the payload for POST /spam/patterns/{id}/outcome.
type ReportOutcomeRequest struct {
	WasCorrect bool `json:"wasCorrect"`
}

// SetActiveRequest is the payload for POST /spam/patterns/{id}/active.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// CatalogSyncResponse is returned from POST /spam/catalog/sync.
type CatalogSyncResponse struct {
	Files   int      `json:"files"`
	Synced  int      `json:"synced"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// CloseContextRequest is the payload for POST /contexts/{id}/close.
type CloseContextRequest struct {
	OwnerID string `json:"ownerId"`
	// EndTime is unix millis; zero means now.
	EndTime int64 `json:"endTime,omitempty"`
	Archive bool  `json:"archive,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status      string       `json:"status"`
	Embedder    ServiceCheck `json:"embedder"`
	Index       ServiceCheck `json:"index"`
	DB          ServiceCheck `json:"db"`
	RecordCount int          `json:"recordCount"`

	EmbeddingModel string `json:"embeddingModel,omitempty"`
	EmbeddingDim   int    `json:"embeddingDim,omitempty"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
