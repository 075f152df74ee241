// Package postgres is the pgvector-backed record store used when
// STORE_DRIVER=postgres. Spam patterns, conversation contexts and the
// embedding cache stay in SQLite.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DB wraps a Postgres connection pool with the pgvector schema applied.
type DB struct {
	db  *sql.DB
	dim int
}

// Open connects to dsn and creates the owners and records tables. dim fixes
// the vector column width.
func Open(ctx context.Context, dsn string, dim int) (*DB, error) {
	if dim <= 0 {
		return nil, errors.Errorf("invalid vector dimension %d", dim)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	d := &DB{db: db, dim: dim}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			source_kind TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			relevance_at BIGINT NOT NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_used_at BIGINT,
			version BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, d.dim),
		`CREATE INDEX IF NOT EXISTS idx_records_owner_kind ON records(owner_id, source_kind)`,
		`CREATE INDEX IF NOT EXISTS idx_records_owner_relevance ON records(owner_id, relevance_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_records_relevance_at ON records(relevance_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_embedding ON records USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate postgres schema")
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// stringArray adapts a string slice for `= ANY($n)` predicates.
func stringArray(values []string) any {
	return pq.Array(values)
}
