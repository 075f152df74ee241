package relevance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

const compactBatch = 200

// Compactor persists idle decay for records whose relevance has not been
// recomputed for at least one half-life, so stored scores trend toward
// zero for records nobody retrieves.
type Compactor struct {
	records  store.Records
	updater  *Updater
	cache    CachePruner
	cacheTTL time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// CachePruner drops embedding cache entries not written since before.
type CachePruner interface {
	Prune(ctx context.Context, before int64) (int64, error)
}

func NewCompactor(records store.Records, updater *Updater, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Compactor {
	return &Compactor{
		records: records,
		updater: updater,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// WithCachePruner makes each sweep also drop embedding cache entries older
// than ttl.
func (c *Compactor) WithCachePruner(p CachePruner, ttl time.Duration) *Compactor {
	c.cache, c.cacheTTL = p, ttl
	return c
}

// Run performs one sweep. Per-record failures are counted and logged; only
// listing failures abort the sweep.
func (c *Compactor) Run(ctx context.Context) (*models.CompactResponse, error) {
	res := &models.CompactResponse{}
	c.pruneCache(ctx, res)

	halfLife := c.updater.Policy().HalfLife
	if halfLife <= 0 {
		return res, nil
	}
	cutoff := clock.Millis(c.clock) - halfLife.Milliseconds()

	after := ""
	for {
		page, err := c.records.ListStale(ctx, cutoff, after, compactBatch)
		if err != nil {
			return res, err
		}
		for _, rec := range page {
			res.Scanned++
			changed, err := c.updater.Decay(ctx, rec.ID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return res, err
				}
				res.Failed++
				c.logger.Warn("failed to decay record", "record_id", rec.ID, "error", err)
				continue
			}
			if changed {
				res.Decayed++
			}
		}
		if len(page) < compactBatch {
			break
		}
		after = page[len(page)-1].ID
	}

	c.metrics.Compacted(res.Decayed)
	if res.Decayed > 0 {
		c.logger.Info("decayed idle records", "count", res.Decayed, "scanned", res.Scanned)
	}
	return res, nil
}

func (c *Compactor) pruneCache(ctx context.Context, res *models.CompactResponse) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	n, err := c.cache.Prune(ctx, clock.Millis(c.clock)-c.cacheTTL.Milliseconds())
	if err != nil {
		c.logger.Warn("embedding cache prune failed", "error", err)
		return
	}
	res.CachePruned = n
	if n > 0 {
		c.logger.Info("pruned embedding cache", "count", n)
	}
}

// Start runs a sweep every interval until ctx is done.
func (c *Compactor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error("compaction failed", "error", err)
				}
			}
		}
	}()
}
