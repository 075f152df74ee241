package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{db}, nil
}

// runMigrations applies incremental schema changes that were added after the
// initial schema. Each migration is idempotent so it is safe to call on every
// database open.
func runMigrations(db *sql.DB) error {
	// --- Migration v2: catalog keys on spam patterns ---
	hasKey, err := columnExists(db, "spam_patterns", "pattern_key")
	if err != nil {
		return fmt.Errorf("check pattern_key column: %w", err)
	}
	if !hasKey {
		migrations := []string{
			`ALTER TABLE spam_patterns ADD COLUMN pattern_key TEXT`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_spam_patterns_key ON spam_patterns(owner_id, pattern_key) WHERE pattern_key IS NOT NULL`,
		}
		for _, m := range migrations {
			if _, err := db.Exec(m); err != nil {
				return fmt.Errorf("run migration v2: %w", err)
			}
		}
	}

	// --- Migration v3: archive link on closed contexts ---
	hasArchive, err := columnExists(db, "conversation_contexts", "archived_record_id")
	if err != nil {
		return fmt.Errorf("check archived_record_id column: %w", err)
	}
	if !hasArchive {
		if _, err := db.Exec(`ALTER TABLE conversation_contexts ADD COLUMN archived_record_id TEXT`); err != nil {
			return fmt.Errorf("run migration v3: %w", err)
		}
	}

	// --- Migration v4: separate sequence and timestamp ordering keys ---
	hasSeq, err := columnExists(db, "conversation_contexts", "last_sequence")
	if err != nil {
		return fmt.Errorf("check last_sequence column: %w", err)
	}
	if !hasSeq {
		migrations := []string{
			`ALTER TABLE conversation_contexts RENAME COLUMN last_order_key TO last_sequence`,
			`ALTER TABLE conversation_contexts ADD COLUMN last_signal_at INTEGER NOT NULL DEFAULT 0`,
		}
		for _, m := range migrations {
			if _, err := db.Exec(m); err != nil {
				return fmt.Errorf("run migration v4: %w", err)
			}
		}
	}

	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS owners (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  source_kind TEXT NOT NULL,
  source_ref TEXT NOT NULL,
  fingerprint TEXT NOT NULL UNIQUE,
  content_hash TEXT NOT NULL,
  content TEXT NOT NULL,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  metadata TEXT,
  relevance_score REAL NOT NULL DEFAULT 0,
  relevance_at INTEGER NOT NULL,
  usage_count INTEGER NOT NULL DEFAULT 0,
  last_used_at INTEGER,
  version INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY (owner_id) REFERENCES owners(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_records_owner_kind ON records(owner_id, source_kind);
CREATE INDEX IF NOT EXISTS idx_records_owner_relevance ON records(owner_id, relevance_score DESC);
CREATE INDEX IF NOT EXISTS idx_records_relevance_at ON records(relevance_at);

CREATE TABLE IF NOT EXISTS spam_patterns (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL DEFAULT '',
  pattern_type TEXT NOT NULL,
  payload TEXT NOT NULL,
  embedding BLOB,
  is_active INTEGER NOT NULL DEFAULT 1,
  detection_count INTEGER NOT NULL DEFAULT 0,
  false_positive_count INTEGER NOT NULL DEFAULT 0,
  accuracy_rate REAL NOT NULL DEFAULT 0,
  confidence_score REAL NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spam_patterns_active ON spam_patterns(is_active, pattern_type);
CREATE INDEX IF NOT EXISTS idx_spam_patterns_owner ON spam_patterns(owner_id);

CREATE TABLE IF NOT EXISTS conversation_contexts (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  data TEXT,
  summary TEXT NOT NULL DEFAULT '',
  embedding BLOB,
  embedding_hash TEXT,
  entities TEXT NOT NULL DEFAULT '[]',
  sentiment REAL NOT NULL DEFAULT 0,
  urgency REAL NOT NULL DEFAULT 0,
  confidence REAL NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  start_time INTEGER NOT NULL,
  end_time INTEGER,
  last_updated INTEGER NOT NULL,
  last_sequence INTEGER NOT NULL DEFAULT 0,
  last_signal_at INTEGER NOT NULL DEFAULT 0,
  signal_count INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 0,
  UNIQUE(owner_id, conversation_id)
);

CREATE INDEX IF NOT EXISTS idx_contexts_active ON conversation_contexts(is_active);

CREATE TABLE IF NOT EXISTS embedding_cache (
  content_hash TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  model TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// RecordCount returns the total number of embedded records.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// columnExists checks if a column exists in a table. It properly closes the
// rows cursor before returning, avoiding deadlocks with MaxOpenConns(1).
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}
