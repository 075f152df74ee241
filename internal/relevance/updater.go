package relevance

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

// Updater applies Policy through compare-and-swap writes on the record
// store. Updates to one record are linearizable; distinct records never
// contend.
type Updater struct {
	records    store.Records
	policy     Policy
	clock      clock.Clock
	maxRetries int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewUpdater(records store.Records, policy Policy, clk clock.Clock, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Updater {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Updater{
		records:    records,
		policy:     policy,
		clock:      clk,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
	}
}

func (u *Updater) Policy() Policy {
	return u.policy
}

// RecordUsage counts one use of the record: usage_count+1, last_used=now
// and a boosted relevance. It returns the record as written. A missing
// record is ErrNotFound; exhausting retries is ErrConflict.
func (u *Updater) RecordUsage(ctx context.Context, id string) (*models.EmbeddedRecord, error) {
	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := u.records.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			u.metrics.UsageUpdate("not_found")
			return nil, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
		}

		now := clock.Millis(u.clock)
		usage := rec.UsageCount + 1
		r := u.policy.Boosted(rec.RelevanceScore, idleSince(rec.RelevanceAt, now), usage)

		ok, err := u.records.RecordUsage(ctx, id, rec.Version, now, r)
		if err != nil {
			return nil, err
		}
		if ok {
			rec.UsageCount = usage
			rec.LastUsedAt = &now
			rec.RelevanceScore = r
			rec.RelevanceAt = now
			rec.Version++
			u.metrics.UsageUpdate("ok")
			return rec, nil
		}

		u.logger.Debug("usage update lost race", "record_id", id, "attempt", attempt)
		retryPause(attempt)
	}
	u.metrics.UsageUpdate("conflict")
	return nil, fmt.Errorf("record usage %s after %d attempts: %w", id, u.maxRetries, models.ErrConflict)
}

// Decay persists idle decay for a record without counting a use. It
// reports false when the record vanished or decay changed nothing.
func (u *Updater) Decay(ctx context.Context, id string) (bool, error) {
	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		rec, err := u.records.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, nil
		}
		now := clock.Millis(u.clock)
		r := u.policy.Decay(rec.RelevanceScore, idleSince(rec.RelevanceAt, now))
		if r == rec.RelevanceScore {
			return false, nil
		}
		ok, err := u.records.SetRelevance(ctx, id, rec.Version, now, r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		retryPause(attempt)
	}
	return false, fmt.Errorf("decay %s after %d attempts: %w", id, u.maxRetries, models.ErrConflict)
}

// retryPause sleeps a short jittered interval that grows with attempt so
// contending writers spread out.
func retryPause(attempt int) {
	ceiling := time.Duration(attempt) * 500 * time.Microsecond
	time.Sleep(time.Duration(rand.Int64N(int64(ceiling) + 1)))
}
