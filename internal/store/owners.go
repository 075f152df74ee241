package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ensureOwner registers an owner if it doesn't exist, or updates
// last_seen_at if it does.
func ensureOwner(ctx context.Context, ex execer, ownerID string, now int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO owners (id, created_at, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, ownerID, now, now)
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	return nil
}

// OwnerExists reports whether ownerID has been registered.
func (s *RecordStore) OwnerExists(ctx context.Context, ownerID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM owners WHERE id = ?`, ownerID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("owner exists: %w", err)
	}
	return true, nil
}

// ListOwners returns registered owners with their record counts.
func (s *RecordStore) ListOwners(ctx context.Context) ([]models.Owner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.created_at, o.last_seen_at, COUNT(r.id)
		FROM owners o LEFT JOIN records r ON r.owner_id = o.id
		GROUP BY o.id
		ORDER BY o.last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []models.Owner
	for rows.Next() {
		var o models.Owner
		if err := rows.Scan(&o.ID, &o.CreatedAt, &o.LastSeenAt, &o.RecordCount); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
