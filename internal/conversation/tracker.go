// Package conversation tracks one evolving context per conversation.
//
// A context is Open from its first signal until Close; closed contexts are
// terminal and reject further merges with ErrConversationClosed. Writes are
// compare-and-swap on the context version, so concurrent merges for the
// same conversation never lose entities or counts.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/content"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

// Embedder turns the aggregate context text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string, kind models.ContentKind) ([]float32, error)
}

// Archiver stores a closing context as a searchable record and returns its
// id. An empty id means there was nothing worth archiving.
type Archiver interface {
	Archive(ctx context.Context, c *models.ConversationContext) (string, error)
}

// Tracker merges signals into conversation contexts.
type Tracker struct {
	contexts   *store.ContextStore
	embedder   Embedder
	archiver   Archiver
	clock      clock.Clock
	maxRetries int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewTracker(contexts *store.ContextStore, clk clock.Clock, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Tracker{
		contexts:   contexts,
		clock:      clk,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
	}
}

// WithEmbedder enables best-effort embedding of the aggregate context.
func (t *Tracker) WithEmbedder(e Embedder) *Tracker {
	t.embedder = e
	return t
}

// WithArchiver enables archiving on close.
func (t *Tracker) WithArchiver(a Archiver) *Tracker {
	t.archiver = a
	return t
}

// Merge folds sig into the conversation's context, creating it on the
// first signal.
//
// Entities are always appended, deduplicated. Scalars (sentiment, urgency,
// confidence, data keys and summary) apply only when the signal's ordering
// key is at least the last applied key of the same kind, so late arrivals
// cannot roll state back. Sequences and timestamps are tracked separately.
// When no ordering hint is given the arrival time is used, making the later
// writer win.
func (t *Tracker) Merge(ctx context.Context, conversationID string, sig *models.Signal) (*models.ConversationContext, error) {
	if err := validateSignal(conversationID, sig); err != nil {
		return nil, err
	}
	s := *sig
	if s.Sequence <= 0 && s.Timestamp <= 0 {
		s.Timestamp = clock.Millis(t.clock)
	}

	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := clock.Millis(t.clock)
		cur, err := t.contexts.Get(ctx, s.OwnerID, conversationID)
		if err != nil {
			return nil, err
		}

		if cur == nil {
			c := newContext(s.OwnerID, conversationID, &s, now)
			apply(c, &s, now)
			created, err := t.contexts.Create(ctx, c)
			if err != nil {
				return nil, err
			}
			if created {
				t.metrics.ContextMerge("created")
				t.logger.Info("conversation context opened", "conversation_id", conversationID, "owner_id", s.OwnerID)
				t.refreshEmbedding(ctx, c)
				return c, nil
			}
			// Lost the create race; merge into the winner's context.
			continue
		}

		if !cur.IsActive {
			t.metrics.ContextMerge("closed")
			return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrConversationClosed)
		}
		expected := cur.Version
		apply(cur, &s, now)
		ok, err := t.contexts.Update(ctx, cur, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			t.metrics.ContextMerge("merged")
			t.refreshEmbedding(ctx, cur)
			return cur, nil
		}
		t.metrics.ContextMerge("conflict")
		retryPause(attempt)
	}
	return nil, fmt.Errorf("merge %s after %d attempts: %w", conversationID, t.maxRetries, models.ErrConflict)
}

// Close makes the context terminal. Closing again with the same end time,
// or with no end time, returns the closed context unchanged; a different
// end time is ErrInvalidTransition.
func (t *Tracker) Close(ctx context.Context, conversationID string, req *models.CloseContextRequest) (*models.ConversationContext, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", models.ErrInvalidInput)
	}
	end := req.EndTime
	if end <= 0 {
		end = clock.Millis(t.clock)
	}

	archivedID := ""
	archived := false
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := t.contexts.Get(ctx, req.OwnerID, conversationID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		if !cur.IsActive {
			if req.EndTime <= 0 || (cur.EndTime != nil && *cur.EndTime == req.EndTime) {
				return cur, nil
			}
			return nil, fmt.Errorf("%w: conversation %s already closed at %d", models.ErrInvalidTransition, conversationID, derefOr(cur.EndTime, 0))
		}
		if end < cur.StartTime {
			return nil, fmt.Errorf("%w: end time %d precedes start time %d", models.ErrInvalidInput, end, cur.StartTime)
		}

		expected := cur.Version
		cur.IsActive = false
		cur.EndTime = &end
		cur.LastUpdated = clock.Millis(t.clock)

		if req.Archive && t.archiver != nil && !archived {
			archivedID = t.archive(ctx, cur)
			archived = true
		}
		if archivedID != "" {
			cur.ArchivedRecordID = archivedID
		}

		ok, err := t.contexts.Update(ctx, cur, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			t.metrics.ContextMerge("closed")
			t.logger.Info("conversation context closed", "conversation_id", conversationID,
				"owner_id", req.OwnerID, "signals", cur.SignalCount, "archived_record_id", archivedID)
			return cur, nil
		}
		t.metrics.ContextMerge("conflict")
		retryPause(attempt)
	}
	return nil, fmt.Errorf("close %s after %d attempts: %w", conversationID, t.maxRetries, models.ErrConflict)
}

// Get returns the context or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, ownerID, conversationID string) (*models.ConversationContext, error) {
	c, err := t.contexts.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	return c, nil
}

// ListActive returns the owner's open contexts.
func (t *Tracker) ListActive(ctx context.Context, ownerID string) ([]*models.ConversationContext, error) {
	return t.contexts.ListActive(ctx, ownerID)
}

func (t *Tracker) archive(ctx context.Context, c *models.ConversationContext) string {
	id, err := t.archiver.Archive(ctx, c)
	if err != nil {
		t.logger.Warn("failed to archive conversation", "conversation_id", c.ConversationID, "error", err)
		return ""
	}
	return id
}

// refreshEmbedding re-embeds the aggregate context when its text changed.
// Failures are logged; the next merge tries again.
func (t *Tracker) refreshEmbedding(ctx context.Context, c *models.ConversationContext) {
	if t.embedder == nil {
		return
	}
	text := Text(c)
	if text == "" {
		return
	}
	hash := content.Hash(text)
	if hash == c.VectorHash {
		return
	}
	vec, err := t.embedder.Embed(ctx, text, models.ContentContext)
	if err != nil {
		t.logger.Warn("context embedding skipped", "conversation_id", c.ConversationID, "error", err)
		return
	}
	expected := c.Version
	prevVec, prevHash := c.Vector, c.VectorHash
	c.Vector, c.VectorHash = vec, hash
	ok, err := t.contexts.Update(ctx, c, expected)
	if err != nil || !ok {
		c.Vector, c.VectorHash = prevVec, prevHash
		t.logger.Warn("context embedding not stored", "conversation_id", c.ConversationID, "error", err)
	}
}

// Text renders the parts of a context worth embedding or archiving.
func Text(c *models.ConversationContext) string {
	var parts []string
	if c.Summary != "" {
		parts = append(parts, c.Summary)
	}
	if len(c.Entities) > 0 {
		parts = append(parts, "Entities: "+strings.Join(c.Entities, ", "))
	}
	for _, k := range slices.Sorted(maps.Keys(c.Data)) {
		if v, ok := c.Data[k].(string); ok && v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	return strings.Join(parts, "\n")
}

func newContext(ownerID, conversationID string, sig *models.Signal, now int64) *models.ConversationContext {
	kind := sig.Kind
	if kind == "" {
		kind = models.ContextMixed
	}
	start := now
	if sig.Sequence <= 0 && sig.Timestamp > 0 {
		start = sig.Timestamp
	}
	return &models.ConversationContext{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Kind:           kind,
		Entities:       []string{},
		IsActive:       true,
		StartTime:      start,
		LastUpdated:    now,
	}
}

// apply merges sig into c in place.
func apply(c *models.ConversationContext, sig *models.Signal, now int64) {
	for _, e := range sig.Entities {
		if e = strings.TrimSpace(e); e != "" && !slices.Contains(c.Entities, e) {
			c.Entities = append(c.Entities, e)
		}
	}
	if sig.Kind != "" && sig.Kind != c.Kind {
		c.Kind = models.ContextMixed
	}

	if c.Accepts(sig) {
		mergeScalars(c, sig)
		if len(sig.Data) > 0 {
			if c.Data == nil {
				c.Data = make(map[string]any, len(sig.Data))
			}
			maps.Copy(c.Data, sig.Data)
		}
		if s := strings.TrimSpace(sig.Summary); s != "" {
			c.Summary = s
		}
		c.Applied(sig)
	}

	c.SignalCount++
	c.LastUpdated = now
}

// mergeScalars applies the confidence-weighted rule: a signal at least as
// confident as the context overwrites, a weaker one is averaged in by
// confidence and leaves the context's confidence unchanged.
func mergeScalars(c *models.ConversationContext, sig *models.Signal) {
	if sig.Confidence >= c.Confidence {
		if sig.Sentiment != nil {
			c.Sentiment = *sig.Sentiment
		}
		if sig.Urgency != nil {
			c.Urgency = *sig.Urgency
		}
		c.Confidence = sig.Confidence
		return
	}
	total := c.Confidence + sig.Confidence
	if sig.Sentiment != nil {
		c.Sentiment = (c.Sentiment*c.Confidence + *sig.Sentiment*sig.Confidence) / total
	}
	if sig.Urgency != nil {
		c.Urgency = (c.Urgency*c.Confidence + *sig.Urgency*sig.Confidence) / total
	}
}

func validateSignal(conversationID string, sig *models.Signal) error {
	switch {
	case strings.TrimSpace(sig.OwnerID) == "":
		return fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	case strings.TrimSpace(conversationID) == "":
		return fmt.Errorf("%w: conversation id is required", models.ErrInvalidInput)
	case sig.Kind != "" && !sig.Kind.IsValid():
		return fmt.Errorf("%w: unknown context kind %q", models.ErrInvalidInput, sig.Kind)
	case sig.Confidence < 0 || sig.Confidence > 1:
		return fmt.Errorf("%w: confidence must be in [0,1]", models.ErrInvalidInput)
	case sig.Sentiment != nil && (*sig.Sentiment < -1 || *sig.Sentiment > 1):
		return fmt.Errorf("%w: sentiment must be in [-1,1]", models.ErrInvalidInput)
	case sig.Urgency != nil && (*sig.Urgency < 0 || *sig.Urgency > 1):
		return fmt.Errorf("%w: urgency must be in [0,1]", models.ErrInvalidInput)
	}
	return nil
}

func derefOr(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}

func retryPause(attempt int) {
	ceiling := time.Duration(attempt) * 500 * time.Microsecond
	time.Sleep(time.Duration(rand.Int64N(int64(ceiling) + 1)))
}
