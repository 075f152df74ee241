package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// PatternCreator stores a pattern, upserting when the request has a key.
type PatternCreator interface {
	CreatePattern(ctx context.Context, req *models.CreatePatternRequest) (*models.SpamPattern, bool, error)
}

// SyncService upserts catalog patterns by (owner, key). Feedback counters
// on existing patterns survive a sync. Patterns removed from the catalog
// are left alone; deactivate them explicitly.
type SyncService struct {
	patterns PatternCreator
	dirs     []string
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewSyncService(patterns PatternCreator, dirs []string, logger *slog.Logger) *SyncService {
	return &SyncService{patterns: patterns, dirs: dirs, logger: logger}
}

func (s *SyncService) Dirs() []string {
	return s.dirs
}

// Sync scans the configured directories.
func (s *SyncService) Sync(ctx context.Context) (*models.CatalogSyncResponse, error) {
	return s.SyncDirs(ctx, s.dirs)
}

// SyncDirs runs a sync over specific directories. Entries without a key
// are skipped; invalid entries are reported and the rest still sync.
func (s *SyncService) SyncDirs(ctx context.Context, dirs []string) (*models.CatalogSyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, scanErrs := Scan(dirs)
	result := &models.CatalogSyncResponse{Files: len(files)}
	for _, err := range scanErrs {
		result.Errors = append(result.Errors, err.Error())
	}

	for _, f := range files {
		for i, e := range f.Patterns {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			req := e.Request(f.Owner)
			if req.Key == "" {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: pattern %d has no key", f.Path, i))
				continue
			}
			p, created, err := s.patterns.CreatePattern(ctx, req)
			if err != nil {
				s.logger.Error("failed to sync catalog pattern", "file", f.Path, "key", req.Key, "error", err)
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s: %v", f.Path, req.Key, err))
				continue
			}
			s.logger.Debug("catalog pattern synced", "pattern_id", p.ID, "key", req.Key, "created", created)
			result.Synced++
		}
	}

	s.logger.Info("pattern catalog synced",
		"files", result.Files, "synced", result.Synced, "skipped", result.Skipped)
	return result, nil
}
