package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const contextColumns = `id, owner_id, conversation_id, kind, data, summary, embedding, embedding_hash,
	entities, sentiment, urgency, confidence, is_active, start_time, end_time, last_updated,
	last_sequence, last_signal_at, signal_count, version, archived_record_id`

// ContextStore persists conversation contexts. Updates are compare-and-swap
// on version.
type ContextStore struct {
	db *DB
}

func NewContextStore(db *DB) *ContextStore {
	return &ContextStore{db: db}
}

// Get returns the context for (owner, conversation), or nil if not found.
func (s *ContextStore) Get(ctx context.Context, ownerID, conversationID string) (*models.ConversationContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contextColumns+` FROM conversation_contexts
		WHERE owner_id = ? AND conversation_id = ?
	`, ownerID, conversationID)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return c, nil
}

// Create inserts a new context. It returns false when a context for the
// same conversation already exists.
func (s *ContextStore) Create(ctx context.Context, c *models.ConversationContext) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	cols, err := contextArgs(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_contexts (`+contextColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id) DO NOTHING
	`, append([]any{c.ID, c.OwnerID, c.ConversationID}, cols...)...)
	if err != nil {
		return false, fmt.Errorf("create context: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Update writes every mutable field when the stored version equals
// expectedVersion, bumping the version. It returns false on a lost race.
func (s *ContextStore) Update(ctx context.Context, c *models.ConversationContext, expectedVersion int64) (bool, error) {
	cols, err := contextArgs(c)
	if err != nil {
		return false, err
	}
	// contextArgs ends with version and archived_record_id; the version is
	// recomputed below.
	args := append(cols[:len(cols)-2], cols[len(cols)-1], c.ID, expectedVersion)
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_contexts SET
			kind = ?, data = ?, summary = ?, embedding = ?, embedding_hash = ?,
			entities = ?, sentiment = ?, urgency = ?, confidence = ?, is_active = ?,
			start_time = ?, end_time = ?, last_updated = ?, last_sequence = ?, last_signal_at = ?, signal_count = ?,
			archived_record_id = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		return false, fmt.Errorf("update context: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		c.Version = expectedVersion + 1
		return true, nil
	}
	return false, nil
}

// ListActive returns open contexts for an owner, most recently updated first.
func (s *ContextStore) ListActive(ctx context.Context, ownerID string) ([]*models.ConversationContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contextColumns+` FROM conversation_contexts
		WHERE owner_id = ? AND is_active = 1
		ORDER BY last_updated DESC, id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active contexts: %w", err)
	}
	defer rows.Close()

	var result []*models.ConversationContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// contextArgs returns the column values after id, owner_id and
// conversation_id, in contextColumns order.
func contextArgs(c *models.ConversationContext) ([]any, error) {
	var data sql.NullString
	if len(c.Data) > 0 {
		b, err := json.Marshal(c.Data)
		if err != nil {
			return nil, fmt.Errorf("encode context data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	entities := c.Entities
	if entities == nil {
		entities = []string{}
	}
	ents, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}
	var endTime sql.NullInt64
	if c.EndTime != nil {
		endTime = sql.NullInt64{Int64: *c.EndTime, Valid: true}
	}
	return []any{
		string(c.Kind), data, c.Summary, vectorBlob(c.Vector), nullIfEmpty(c.VectorHash),
		string(ents), c.Sentiment, c.Urgency, c.Confidence, boolToInt(c.IsActive),
		c.StartTime, endTime, c.LastUpdated, c.LastSequence, c.LastSignalAt, c.SignalCount,
		c.Version, nullIfEmpty(c.ArchivedRecordID),
	}, nil
}

func scanContext(row rowScanner) (*models.ConversationContext, error) {
	var c models.ConversationContext
	var kind string
	var data, vecHash, archived sql.NullString
	var emb []byte
	var ents string
	var active int
	var endTime sql.NullInt64

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ConversationID, &kind, &data, &c.Summary, &emb, &vecHash,
		&ents, &c.Sentiment, &c.Urgency, &c.Confidence, &active, &c.StartTime, &endTime, &c.LastUpdated,
		&c.LastSequence, &c.LastSignalAt, &c.SignalCount, &c.Version, &archived,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = models.ContextKind(kind)
	c.IsActive = active == 1
	c.VectorHash = vecHash.String
	c.ArchivedRecordID = archived.String
	if len(emb) > 0 {
		c.Vector = vector.FromBytes(emb)
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &c.Data); err != nil {
			return nil, fmt.Errorf("decode context data: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(ents), &c.Entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	if endTime.Valid {
		c.EndTime = &endTime.Int64
	}
	return &c, nil
}
