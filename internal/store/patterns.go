package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const patternColumns = `id, owner_id, pattern_key, pattern_type, payload, embedding, is_active,
	detection_count, false_positive_count, accuracy_rate, confidence_score, created_at, updated_at`

// PatternStore handles spam pattern persistence and feedback counters.
type PatternStore struct {
	db *DB
}

func NewPatternStore(db *DB) *PatternStore {
	return &PatternStore{db: db}
}

// Create inserts a new pattern with zeroed counters.
func (s *PatternStore) Create(ctx context.Context, p *models.SpamPattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	p.UpdatedAt = p.CreatedAt
	p.DetectionCount, p.FalsePositiveCount, p.AccuracyRate = 0, 0, 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spam_patterns (id, owner_id, pattern_key, pattern_type, payload, embedding, is_active,
			detection_count, false_positive_count, accuracy_rate, confidence_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
	`, p.ID, p.OwnerID, nullIfEmpty(p.Key), string(p.PatternType), p.Payload, vectorBlob(p.Vector),
		boolToInt(p.IsActive), p.ConfidenceScore, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create pattern: %w", err)
	}
	return nil
}

// UpsertByKey creates the pattern or updates the definition of the pattern
// with the same (owner, key). Feedback counters are preserved, and so is the
// active flag of an existing pattern unless setActive is true.
func (s *PatternStore) UpsertByKey(ctx context.Context, p *models.SpamPattern, setActive bool) (bool, error) {
	if p.Key == "" {
		return false, fmt.Errorf("%w: pattern key is required", models.ErrInvalidInput)
	}
	now := p.UpdatedAt
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert pattern: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM spam_patterns WHERE owner_id = ? AND pattern_key = ?`,
		p.OwnerID, p.Key).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spam_patterns (id, owner_id, pattern_key, pattern_type, payload, embedding, is_active,
				detection_count, false_positive_count, accuracy_rate, confidence_score, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
		`, p.ID, p.OwnerID, p.Key, string(p.PatternType), p.Payload, vectorBlob(p.Vector),
			boolToInt(p.IsActive), p.ConfidenceScore, now, now)
		if err != nil {
			return false, fmt.Errorf("insert pattern: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("lookup pattern key: %w", err)
	default:
		p.ID = existingID
		_, err = tx.ExecContext(ctx, `
			UPDATE spam_patterns SET
				pattern_type = ?, payload = ?, embedding = ?, confidence_score = ?, updated_at = ?,
				is_active = CASE WHEN ? THEN ? ELSE is_active END
			WHERE id = ?
		`, string(p.PatternType), p.Payload, vectorBlob(p.Vector), p.ConfidenceScore, now,
			boolToInt(setActive), boolToInt(p.IsActive), existingID)
		if err != nil {
			return false, fmt.Errorf("update pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert pattern: %w", err)
	}
	return existingID == "", nil
}

// Get returns a pattern by ID, or nil if not found.
func (s *PatternStore) Get(ctx context.Context, id string) (*models.SpamPattern, error) {
	p, err := scanPattern(s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM spam_patterns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// List returns patterns matching the request, ordered by id.
func (s *PatternStore) List(ctx context.Context, req *models.ListPatternsRequest) ([]*models.SpamPattern, error) {
	var conditions []string
	var args []any

	switch {
	case req.OwnerID != "" && req.IncludeGlobal:
		conditions = append(conditions, "owner_id IN (?, '')")
		args = append(args, req.OwnerID)
	case req.OwnerID != "":
		conditions = append(conditions, "owner_id = ?")
		args = append(args, req.OwnerID)
	}
	if req.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}
	if req.PatternType != "" {
		conditions = append(conditions, "pattern_type = ?")
		args = append(args, string(req.PatternType))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM spam_patterns `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var result []*models.SpamPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListActive returns the active patterns that apply to ownerID: its own
// plus the global ones.
func (s *PatternStore) ListActive(ctx context.Context, ownerID string) ([]*models.SpamPattern, error) {
	return s.List(ctx, &models.ListPatternsRequest{OwnerID: ownerID, IncludeGlobal: true, ActiveOnly: true})
}

// ReportOutcome records one classifier outcome in a single statement: the
// matching counter is incremented and accuracy_rate is recomputed from the
// new counter values.
func (s *PatternStore) ReportOutcome(ctx context.Context, id string, wasCorrect bool, now int64) (*models.SpamPattern, error) {
	det, fp := 0, 1
	if wasCorrect {
		det, fp = 1, 0
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE spam_patterns SET
			detection_count = detection_count + ?,
			false_positive_count = false_positive_count + ?,
			accuracy_rate = CAST(detection_count + ? AS REAL) / (detection_count + false_positive_count + 1),
			updated_at = ?
		WHERE id = ?
		RETURNING `+patternColumns,
		det, fp, det, now, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pattern %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("report outcome: %w", err)
	}
	return p, nil
}

// SetActive flips is_active. Patterns are deactivated, never deleted.
func (s *PatternStore) SetActive(ctx context.Context, id string, active bool, now int64) (*models.SpamPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE spam_patterns SET is_active = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+patternColumns,
		boolToInt(active), now, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pattern %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("set pattern active: %w", err)
	}
	return p, nil
}

func scanPattern(row rowScanner) (*models.SpamPattern, error) {
	var p models.SpamPattern
	var key sql.NullString
	var ptype string
	var emb []byte
	var active int

	err := row.Scan(
		&p.ID, &p.OwnerID, &key, &ptype, &p.Payload, &emb, &active,
		&p.DetectionCount, &p.FalsePositiveCount, &p.AccuracyRate, &p.ConfidenceScore,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Key = key.String
	p.PatternType = models.PatternType(ptype)
	p.IsActive = active == 1
	if len(emb) > 0 {
		p.Vector = vector.FromBytes(emb)
	}
	return &p, nil
}

func vectorBlob(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return vector.ToBytes(v)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
