package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const recordColumns = `id, owner_id, source_kind, source_ref, fingerprint, content_hash, content,
	embedding, metadata, relevance_score, relevance_at, usage_count, last_used_at,
	version, created_at, updated_at`

const defaultCandidateLimit = 500

// RecordStore is the SQLite-backed embedded record store.
type RecordStore struct {
	db  *DB
	dim int
}

var _ Records = (*RecordStore)(nil)

func NewRecordStore(db *DB, dim int) *RecordStore {
	return &RecordStore{db: db, dim: dim}
}

// Put inserts a record or, when the fingerprint already exists, overwrites
// its content, vector and metadata while keeping relevance, usage and
// last_used untouched.
func (s *RecordStore) Put(ctx context.Context, rec *models.EmbeddedRecord) (*PutResult, error) {
	if !vector.Valid(rec.Vector, s.dim) {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", models.ErrInvalidVector, len(rec.Vector), s.dim)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := rec.UpdatedAt
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	md, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	if err := ensureOwner(ctx, tx, rec.OwnerID, now); err != nil {
		return nil, err
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO records (id, owner_id, source_kind, source_ref, fingerprint, content_hash, content,
			embedding, dimension, metadata, relevance_score, relevance_at, usage_count, last_used_at,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id
	`,
		rec.ID, rec.OwnerID, string(rec.SourceKind), rec.SourceRef, rec.Fingerprint, rec.ContentHash, rec.Content,
		vector.ToBytes(rec.Vector), len(rec.Vector), md, rec.RelevanceScore, now,
		rec.CreatedAt, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit put: %w", err)
	}

	created := id == rec.ID
	rec.ID = id
	return &PutResult{ID: id, Created: created}, nil
}

// Get returns a record by ID, or nil if not found.
func (s *RecordStore) Get(ctx context.Context, id string) (*models.EmbeddedRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetByFingerprint returns the record for a logical source, or nil.
func (s *RecordStore) GetByFingerprint(ctx context.Context, fingerprint string) (*models.EmbeddedRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE fingerprint = ?`, fingerprint)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record by fingerprint: %w", err)
	}
	return rec, nil
}

// GetCandidates returns at most q.Limit records for the owner, preferring
// records with higher stored relevance, or the next id-ordered page when
// q.Paged is set. The vector hint is ignored; SQLite has no native vector
// index.
func (s *RecordStore) GetCandidates(ctx context.Context, q CandidateQuery) ([]*models.EmbeddedRecord, error) {
	if err := s.requireOwner(ctx, q.OwnerID); err != nil {
		return nil, err
	}

	conditions, args := recordFilter(q.OwnerID, q.Kinds, q.Metadata)
	if len(q.IDs) > 0 {
		conditions = append(conditions, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}

	order := "relevance_score DESC, COALESCE(last_used_at, 0) DESC, id ASC"
	if q.Paged {
		conditions = append(conditions, "id > ?")
		args = append(args, q.AfterID)
		order = "id ASC"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY `+order+`
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get candidates: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// KeywordSearch returns records whose content contains any of the terms,
// case-insensitively. Ranking is left to the caller.
func (s *RecordStore) KeywordSearch(ctx context.Context, q KeywordQuery) ([]*models.EmbeddedRecord, error) {
	if err := s.requireOwner(ctx, q.OwnerID); err != nil {
		return nil, err
	}
	if len(q.Terms) == 0 {
		return nil, nil
	}

	conditions, args := recordFilter(q.OwnerID, q.Kinds, q.Metadata)
	likes := make([]string, len(q.Terms))
	for i, term := range q.Terms {
		likes[i] = `lower(content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	conditions = append(conditions, "("+strings.Join(likes, " OR ")+")")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns a page of an owner's records, newest first, plus the total.
func (s *RecordStore) List(ctx context.Context, req *models.ListRecordsRequest) ([]*models.EmbeddedRecord, int, error) {
	var kinds []models.SourceKind
	if req.SourceKind != "" {
		kinds = []models.SourceKind{req.SourceKind}
	}
	conditions, args := recordFilter(req.OwnerID, kinds, nil)
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	limit, offset := pageBounds(req.Limit, req.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+where+`
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Delete removes a record. This is the owner-triggered deletion path; the
// engine never deletes records on its own.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// RecordUsage atomically increments usage_count, stamps last_used_at and
// stores the recomputed relevance, provided nobody else wrote since
// expectedVersion was read.
func (s *RecordStore) RecordUsage(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			usage_count = usage_count + 1,
			last_used_at = ?,
			relevance_score = ?,
			relevance_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, now, relevance, now, id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}
	return s.casResult(ctx, res, id)
}

// SetRelevance stores a decayed relevance under the same version guard.
func (s *RecordStore) SetRelevance(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			relevance_score = ?,
			relevance_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, relevance, now, id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("set relevance: %w", err)
	}
	return s.casResult(ctx, res, id)
}

// ListStale returns records with positive relevance last recomputed before
// the cutoff, paged by id.
func (s *RecordStore) ListStale(ctx context.Context, before int64, afterID string, limit int) ([]*models.EmbeddedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE relevance_score > 0 AND relevance_at < ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, before, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the total number of records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	return s.db.RecordCount(ctx)
}

func (s *RecordStore) casResult(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return false, nil
}

func (s *RecordStore) requireOwner(ctx context.Context, ownerID string) error {
	ok, err := s.OwnerExists(ctx, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("owner %s: %w", ownerID, models.ErrNotFound)
	}
	return nil
}

// recordFilter builds the shared owner/kind/metadata WHERE conditions.
// Metadata keys must already be validated against the registry.
func recordFilter(ownerID string, kinds []models.SourceKind, md models.Metadata) ([]string, []any) {
	conditions := []string{"owner_id = ?"}
	args := []any{ownerID}
	if len(kinds) > 0 {
		conditions = append(conditions, "source_kind IN ("+placeholders(len(kinds))+")")
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	for _, key := range sortedKeys(md) {
		conditions = append(conditions, "json_extract(metadata, ?) = ?")
		args = append(args, "$."+key, md[key])
	}
	return conditions, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EmbeddedRecord, error) {
	var r models.EmbeddedRecord
	var kind string
	var emb []byte
	var md sql.NullString
	var lastUsed sql.NullInt64

	err := row.Scan(
		&r.ID, &r.OwnerID, &kind, &r.SourceRef, &r.Fingerprint, &r.ContentHash, &r.Content,
		&emb, &md, &r.RelevanceScore, &r.RelevanceAt, &r.UsageCount, &lastUsed,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.SourceKind = models.SourceKind(kind)
	r.Vector = vector.FromBytes(emb)
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	if lastUsed.Valid {
		r.LastUsedAt = &lastUsed.Int64
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*models.EmbeddedRecord, error) {
	var result []*models.EmbeddedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
