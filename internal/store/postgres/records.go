package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

const recordColumns = `id, owner_id, source_kind, source_ref, fingerprint, content_hash, content,
	embedding, metadata, relevance_score, relevance_at, usage_count, last_used_at,
	version, created_at, updated_at`

const defaultCandidateLimit = 500

// RecordStore implements store.Records on Postgres with pgvector.
type RecordStore struct {
	d *DB
}

var _ store.Records = (*RecordStore)(nil)

func NewRecordStore(d *DB) *RecordStore {
	return &RecordStore{d: d}
}

// Put upserts by fingerprint. Scoring columns are only written on insert.
func (s *RecordStore) Put(ctx context.Context, rec *models.EmbeddedRecord) (*store.PutResult, error) {
	if !vector.Valid(rec.Vector, s.d.dim) {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", models.ErrInvalidVector, len(rec.Vector), s.d.dim)
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

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin put")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO owners (id, created_at, last_seen_at) VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, rec.OwnerID, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ensure owner")
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO records (id, owner_id, source_kind, source_ref, fingerprint, content_hash, content,
			embedding, metadata, relevance_score, relevance_at, usage_count, last_used_at,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, NULL, 0, $12, $13)
		ON CONFLICT (fingerprint) DO UPDATE SET
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`,
		rec.ID, rec.OwnerID, string(rec.SourceKind), rec.SourceRef, rec.Fingerprint, rec.ContentHash, rec.Content,
		pgvector.NewVector(rec.Vector), md, rec.RelevanceScore, now, rec.CreatedAt, now,
	).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert record")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit put")
	}
	created := id == rec.ID
	rec.ID = id
	return &store.PutResult{ID: id, Created: created}, nil
}

func (s *RecordStore) Get(ctx context.Context, id string) (*models.EmbeddedRecord, error) {
	rec, err := scanRecord(s.d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record")
	}
	return rec, nil
}

func (s *RecordStore) GetByFingerprint(ctx context.Context, fingerprint string) (*models.EmbeddedRecord, error) {
	rec, err := scanRecord(s.d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record by fingerprint")
	}
	return rec, nil
}

// NativeVectorSearch reports that GetCandidates orders by pgvector distance.
func (s *RecordStore) NativeVectorSearch() bool { return true }

// GetCandidates bounds the candidate set. With a Near hint the set is the
// Limit nearest records by cosine distance; otherwise the highest relevance.
// Paged queries walk the set in id order.
func (s *RecordStore) GetCandidates(ctx context.Context, q store.CandidateQuery) ([]*models.EmbeddedRecord, error) {
	if err := s.requireOwner(ctx, q.OwnerID); err != nil {
		return nil, err
	}
	where, args := recordFilter(q.OwnerID, q.Kinds, q.Metadata)
	if len(q.IDs) > 0 {
		args = append(args, stringArray(q.IDs))
		where = append(where, "id = ANY("+placeholder(len(args))+")")
	}

	order := "relevance_score DESC, COALESCE(last_used_at, 0) DESC, id ASC"
	switch {
	case q.Paged:
		args = append(args, q.AfterID)
		where = append(where, "id > "+placeholder(len(args)))
		order = "id ASC"
	case len(q.Near) > 0:
		args = append(args, pgvector.NewVector(q.Near))
		order = "embedding <=> " + placeholder(len(args)) + ", id ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	args = append(args, limit)

	rows, err := s.d.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+order+`
		LIMIT `+placeholder(len(args)), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get candidates")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *RecordStore) KeywordSearch(ctx context.Context, q store.KeywordQuery) ([]*models.EmbeddedRecord, error) {
	if err := s.requireOwner(ctx, q.OwnerID); err != nil {
		return nil, err
	}
	if len(q.Terms) == 0 {
		return nil, nil
	}
	where, args := recordFilter(q.OwnerID, q.Kinds, q.Metadata)
	likes := make([]string, len(q.Terms))
	for i, term := range q.Terms {
		args = append(args, "%"+escapeLike(term)+"%")
		likes[i] = "content ILIKE " + placeholder(len(args))
	}
	where = append(where, "("+strings.Join(likes, " OR ")+")")
	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	args = append(args, limit)

	rows, err := s.d.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id ASC
		LIMIT `+placeholder(len(args)), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search keywords")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *RecordStore) List(ctx context.Context, req *models.ListRecordsRequest) ([]*models.EmbeddedRecord, int, error) {
	var kinds []models.SourceKind
	if req.SourceKind != "" {
		kinds = []models.SourceKind{req.SourceKind}
	}
	where, args := recordFilter(req.OwnerID, kinds, nil)
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count records")
	}

	limit, offset := req.Limit, req.Offset
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	rows, err := s.d.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE `+cond+`
		ORDER BY created_at DESC, id ASC
		LIMIT `+placeholder(len(args)-1)+` OFFSET `+placeholder(len(args)), args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list records")
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *RecordStore) Delete(ctx context.Context, id string) error {
	res, err := s.d.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *RecordStore) RecordUsage(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error) {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE records SET
			usage_count = usage_count + 1,
			last_used_at = $1,
			relevance_score = $2,
			relevance_at = $1,
			version = version + 1
		WHERE id = $3 AND version = $4
	`, now, relevance, id, expectedVersion)
	if err != nil {
		return false, errors.Wrap(err, "failed to record usage")
	}
	return s.casResult(ctx, res, id)
}

func (s *RecordStore) SetRelevance(ctx context.Context, id string, expectedVersion, now int64, relevance float64) (bool, error) {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE records SET relevance_score = $1, relevance_at = $2, version = version + 1
		WHERE id = $3 AND version = $4
	`, relevance, now, id, expectedVersion)
	if err != nil {
		return false, errors.Wrap(err, "failed to set relevance")
	}
	return s.casResult(ctx, res, id)
}

func (s *RecordStore) ListStale(ctx context.Context, before int64, afterID string, limit int) ([]*models.EmbeddedRecord, error) {
	rows, err := s.d.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE relevance_score > 0 AND relevance_at < $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, before, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale records")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *RecordStore) OwnerExists(ctx context.Context, ownerID string) (bool, error) {
	var exists bool
	err := s.d.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM owners WHERE id = $1)`, ownerID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check owner")
	}
	return exists, nil
}

func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count records")
	}
	return n, nil
}

func (s *RecordStore) casResult(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
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

func recordFilter(ownerID string, kinds []models.SourceKind, md models.Metadata) ([]string, []any) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	if len(kinds) > 0 {
		ks := make([]string, len(kinds))
		for i, k := range kinds {
			ks[i] = string(k)
		}
		args = append(args, stringArray(ks))
		where = append(where, "source_kind = ANY("+placeholder(len(args))+")")
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, md[k])
		where = append(where, fmt.Sprintf("metadata->>%s = %s", placeholder(len(args)-1), placeholder(len(args))))
	}
	return where, args
}

func encodeMetadata(md models.Metadata) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	return string(b), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EmbeddedRecord, error) {
	var r models.EmbeddedRecord
	var kind string
	var emb pgvector.Vector
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
	r.Vector = emb.Slice()
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to decode metadata for %s", r.ID)
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
			return nil, errors.Wrap(err, "failed to scan record")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
