// Package engine wires the record store, embedding gateway, ranker,
// relevance updater, spam classifier and conversation tracker into the
// operations exposed to the rest of the system.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/catalog"
	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/conversation"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/ranker"
	"github.com/iammorganparry/clive/apps/relevance/internal/relevance"
	"github.com/iammorganparry/clive/apps/relevance/internal/spam"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

// Embedder is the embedding gateway as the engine uses it.
type Embedder interface {
	Embed(ctx context.Context, text string, kind models.ContentKind) ([]float32, error)
	HealthCheck(ctx context.Context) error
}

// Index is an optional ANN mirror of the record store.
type Index interface {
	Upsert(ctx context.Context, rec *models.EmbeddedRecord) error
	Delete(ctx context.Context, ownerID, id string) error
	Nearest(ctx context.Context, ownerID string, vec []float32, kinds []models.SourceKind, limit int) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the engine is built from. Index and
// EmbeddingCache may be nil.
type Deps struct {
	Records        store.Records
	Patterns       *store.PatternStore
	Contexts       *store.ContextStore
	Embedder       Embedder
	EmbeddingCache relevance.CachePruner
	Index          Index
	Clock          clock.Clock
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Options tune scoring and timeouts.
type Options struct {
	Policy           relevance.Policy
	Weights          ranker.Weights
	CandidateLimit   int
	RetrieveTimeout  time.Duration
	UpdateMaxRetries int
	EmbedCacheTTL    time.Duration
	Spam             spam.Config
	CatalogDirs      []string
}

type Engine struct {
	records    store.Records
	embedder   Embedder
	index      Index
	updater    *relevance.Updater
	compactor  *relevance.Compactor
	ranker     *ranker.Ranker
	classifier *spam.Classifier
	tracker    *conversation.Tracker
	catalog    *catalog.SyncService
	clock      clock.Clock
	logger     *slog.Logger
}

func New(d Deps, o Options) (*Engine, error) {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	filters, err := ranker.NewFilterCompiler()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		records:  d.Records,
		embedder: d.Embedder,
		index:    d.Index,
		clock:    d.Clock,
		logger:   d.Logger,
	}
	e.updater = relevance.NewUpdater(d.Records, o.Policy, d.Clock, o.UpdateMaxRetries, d.Metrics, d.Logger)
	e.compactor = relevance.NewCompactor(d.Records, e.updater, d.Clock, d.Metrics, d.Logger)
	if d.EmbeddingCache != nil {
		e.compactor.WithCachePruner(d.EmbeddingCache, o.EmbedCacheTTL)
	}
	e.ranker = ranker.New(d.Records, d.Embedder, e.updater, filters, d.Clock, ranker.Config{
		Weights:        o.Weights,
		CandidateLimit: o.CandidateLimit,
		DefaultTimeout: o.RetrieveTimeout,
	}, d.Metrics, d.Logger)
	if d.Index != nil {
		e.ranker.WithIndex(d.Index)
	}
	e.classifier = spam.NewClassifier(d.Patterns, d.Embedder, o.Spam, d.Clock, d.Metrics, d.Logger)
	e.tracker = conversation.NewTracker(d.Contexts, d.Clock, o.UpdateMaxRetries, d.Metrics, d.Logger).
		WithEmbedder(d.Embedder).
		WithArchiver(e)
	if len(o.CatalogDirs) > 0 {
		e.catalog = catalog.NewSyncService(e.classifier, o.CatalogDirs, d.Logger)
	}
	return e, nil
}

// Catalog returns the pattern catalog sync service, or nil when no
// catalog directories are configured.
func (e *Engine) Catalog() *catalog.SyncService {
	return e.catalog
}

// StartCompactor runs the idle-decay sweep every interval until ctx ends.
func (e *Engine) StartCompactor(ctx context.Context, interval time.Duration) {
	e.compactor.Start(ctx, interval)
}

// Ingest makes content searchable. Re-ingesting the same (owner, kind,
// ref) overwrites content, vector and metadata and keeps usage and
// relevance. Unchanged content reuses the stored vector.
func (e *Engine) Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}
	if !req.SourceKind.IsValid() {
		return nil, fmt.Errorf("%w: unknown source kind %q", models.ErrInvalidInput, req.SourceKind)
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		return nil, fmt.Errorf("%w: source ref is required", models.ErrInvalidInput)
	}
	text, ok := content.Normalize(req.Content)
	if !ok {
		return nil, fmt.Errorf("%w: empty content", models.ErrInvalidInput)
	}
	if err := models.ValidateMetadata(req.SourceKind, req.Metadata); err != nil {
		return nil, err
	}

	fingerprint := content.Fingerprint(req.OwnerID, string(req.SourceKind), req.SourceRef)
	hash := content.Hash(text)

	existing, err := e.records.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	var vec []float32
	reembedded := false
	if existing != nil && existing.ContentHash == hash {
		vec = existing.Vector
	} else {
		vec, err = e.embedder.Embed(ctx, text, req.SourceKind.ContentKind())
		if err != nil {
			return nil, err
		}
		reembedded = true
	}

	now := clock.Millis(e.clock)
	rec := &models.EmbeddedRecord{
		OwnerID:        req.OwnerID,
		SourceKind:     req.SourceKind,
		SourceRef:      req.SourceRef,
		Fingerprint:    fingerprint,
		ContentHash:    hash,
		Content:        text,
		Vector:         vec,
		Metadata:       req.Metadata,
		RelevanceScore: e.updater.Policy().Initial(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res, err := e.records.Put(ctx, rec)
	if err != nil {
		return nil, err
	}

	if e.index != nil && reembedded {
		if err := e.index.Upsert(ctx, rec); err != nil {
			e.logger.Warn("failed to mirror record to index", "record_id", res.ID, "error", err)
		}
	}

	e.logger.Debug("record ingested", "record_id", res.ID, "owner_id", req.OwnerID,
		"source_kind", req.SourceKind, "created", res.Created, "reembedded", reembedded)
	return &models.IngestResponse{ID: res.ID, Created: res.Created, Reembedded: reembedded}, nil
}

// Retrieve returns the top-k records for a query and records their use.
func (e *Engine) Retrieve(ctx context.Context, req *models.RetrieveRequest) (*models.RetrieveResponse, error) {
	return e.ranker.Retrieve(ctx, req)
}

func (e *Engine) Classify(ctx context.Context, req *models.ClassifyRequest) (*models.Classification, error) {
	return e.classifier.Classify(ctx, req)
}

func (e *Engine) ReportOutcome(ctx context.Context, patternID string, wasCorrect bool) (*models.SpamPattern, error) {
	return e.classifier.ReportOutcome(ctx, patternID, wasCorrect)
}

func (e *Engine) MergeContext(ctx context.Context, conversationID string, sig *models.Signal) (*models.ConversationContext, error) {
	return e.tracker.Merge(ctx, conversationID, sig)
}

func (e *Engine) CloseContext(ctx context.Context, conversationID string, req *models.CloseContextRequest) (*models.ConversationContext, error) {
	return e.tracker.Close(ctx, conversationID, req)
}

func (e *Engine) GetContext(ctx context.Context, ownerID, conversationID string) (*models.ConversationContext, error) {
	return e.tracker.Get(ctx, ownerID, conversationID)
}

func (e *Engine) ListActiveContexts(ctx context.Context, ownerID string) ([]*models.ConversationContext, error) {
	return e.tracker.ListActive(ctx, ownerID)
}

// Archive stores a closing conversation as a conversation_history record
// so later retrievals can find it.
func (e *Engine) Archive(ctx context.Context, c *models.ConversationContext) (string, error) {
	text := conversation.Text(c)
	if text == "" {
		return "", nil
	}
	md := models.Metadata{
		"conversation_id": c.ConversationID,
		"channel":         string(c.Kind),
		"started_at":      time.UnixMilli(c.StartTime).UTC().Format(time.RFC3339),
	}
	res, err := e.Ingest(ctx, &models.IngestRequest{
		OwnerID:    c.OwnerID,
		SourceKind: models.SourceConversationHistory,
		SourceRef:  c.ConversationID,
		Content:    text,
		Metadata:   md,
	})
	if err != nil {
		return "", fmt.Errorf("archive conversation %s: %w", c.ConversationID, err)
	}
	return res.ID, nil
}

func (e *Engine) GetRecord(ctx context.Context, id string) (*models.EmbeddedRecord, error) {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return rec, nil
}

// DeleteRecord is the owner-triggered deletion path used by retention
// sweeps. The engine never deletes records on its own.
func (e *Engine) DeleteRecord(ctx context.Context, id string) error {
	rec, err := e.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := e.records.Delete(ctx, id); err != nil {
		return err
	}
	if e.index != nil {
		if err := e.index.Delete(ctx, rec.OwnerID, id); err != nil {
			e.logger.Warn("failed to delete record from index", "record_id", id, "error", err)
		}
	}
	e.logger.Info("record deleted", "record_id", id, "owner_id", rec.OwnerID)
	return nil
}

func (e *Engine) ListRecords(ctx context.Context, req *models.ListRecordsRequest) (*models.ListRecordsResponse, error) {
	if req.SourceKind != "" && !req.SourceKind.IsValid() {
		return nil, fmt.Errorf("%w: unknown source kind %q", models.ErrInvalidInput, req.SourceKind)
	}
	recs, total, err := e.records.List(ctx, req)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*models.EmbeddedRecord{}
	}
	return &models.ListRecordsResponse{Records: recs, Total: total}, nil
}

// Compact runs one idle-decay sweep now.
func (e *Engine) Compact(ctx context.Context) (*models.CompactResponse, error) {
	return e.compactor.Run(ctx)
}

func (e *Engine) CreatePattern(ctx context.Context, req *models.CreatePatternRequest) (*models.SpamPattern, bool, error) {
	return e.classifier.CreatePattern(ctx, req)
}

func (e *Engine) GetPattern(ctx context.Context, id string) (*models.SpamPattern, error) {
	return e.classifier.GetPattern(ctx, id)
}

func (e *Engine) ListPatterns(ctx context.Context, req *models.ListPatternsRequest) ([]*models.SpamPattern, error) {
	patterns, err := e.classifier.ListPatterns(ctx, req)
	if err != nil {
		return nil, err
	}
	if patterns == nil {
		patterns = []*models.SpamPattern{}
	}
	return patterns, nil
}

func (e *Engine) SetPatternActive(ctx context.Context, id string, active bool) (*models.SpamPattern, error) {
	return e.classifier.SetActive(ctx, id, active)
}

// SyncCatalog upserts patterns from the configured catalog, or from dirs
// when given.
func (e *Engine) SyncCatalog(ctx context.Context, dirs []string) (*models.CatalogSyncResponse, error) {
	svc := e.catalog
	if len(dirs) > 0 {
		svc = catalog.NewSyncService(e.classifier, dirs, e.logger)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: no pattern catalog directories configured", models.ErrInvalidInput)
	}
	return svc.Sync(ctx)
}

// Health reports dependency status. The store is required; the embedder
// and index only degrade the service.
func (e *Engine) Health(ctx context.Context) *models.HealthResponse {
	resp := &models.HealthResponse{Status: "ok"}

	count, err := e.records.Count(ctx)
	if err != nil {
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "error"
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
		resp.RecordCount = count
	}

	if err := e.embedder.HealthCheck(ctx); err != nil {
		resp.Embedder = models.ServiceCheck{Status: "error", Message: err.Error()}
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	} else {
		resp.Embedder = models.ServiceCheck{Status: "ok"}
	}
	if d, ok := e.embedder.(interface {
		Model() string
		Dimension() int
	}); ok {
		resp.EmbeddingModel, resp.EmbeddingDim = d.Model(), d.Dimension()
	}

	switch {
	case e.index == nil:
		resp.Index = models.ServiceCheck{Status: "disabled"}
	case e.index.HealthCheck(ctx) != nil:
		resp.Index = models.ServiceCheck{Status: "error", Message: "qdrant unreachable"}
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	default:
		resp.Index = models.ServiceCheck{Status: "ok"}
	}
	return resp
}
