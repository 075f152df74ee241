package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/vector"
)

// GatewayConfig bounds what the gateway sends to the provider and how hard
// it retries.
type GatewayConfig struct {
	Dimension   int
	MaxChars    int
	MaxAttempts int
	RetryDelay  time.Duration
	// RateLimit is provider requests per second; 0 disables limiting.
	RateLimit float64
}

// Gateway isolates callers from the embedding provider: it enforces the
// input ceiling, retries with bounded exponential backoff, rate limits, and
// validates every vector it hands out.
type Gateway struct {
	embedder    Embedder
	dim         int
	maxChars    int
	maxAttempts int
	retryDelay  time.Duration
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewGateway(embedder Embedder, cfg GatewayConfig, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	g := &Gateway{
		embedder:    embedder,
		dim:         cfg.Dimension,
		maxChars:    cfg.MaxChars,
		maxAttempts: max(cfg.MaxAttempts, 1),
		retryDelay:  cfg.RetryDelay,
		metrics:     m,
		logger:      logger,
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return g
}

func (g *Gateway) Dimension() int { return g.dim }

func (g *Gateway) Model() string { return g.embedder.Model() }

// HealthCheck forwards to the provider when it supports health checks.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if hc, ok := g.embedder.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Embed returns the vector for text. It fails with ErrInvalidInput for empty
// text, ErrContentTooLarge above the character ceiling, and
// ErrEmbeddingUnavailable once retries are exhausted, the provider returns
// an unusable vector, or ctx ends. Provider errors wrapping ErrInvalidInput
// are returned at once. It never returns a zero vector.
func (g *Gateway) Embed(ctx context.Context, text string, kind models.ContentKind) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty content", models.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(text); n > g.maxChars {
		return nil, fmt.Errorf("%w: %d characters exceeds limit of %d", models.ErrContentTooLarge, n, g.maxChars)
	}

	start := time.Now()
	vec, err := g.embedWithRetry(ctx, text, kind)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	g.metrics.ObserveEmbed(string(kind), outcome, time.Since(start))
	return vec, err
}

func (g *Gateway) embedWithRetry(ctx context.Context, text string, kind models.ContentKind) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, Backoff(g.retryDelay, attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, err)
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, ctx.Err())
				}
				return nil, fmt.Errorf("%w: rate limited: %w", models.ErrEmbeddingUnavailable, context.DeadlineExceeded)
			}
		}

		vec, err := g.embedder.Embed(ctx, text)
		if err == nil {
			if !vector.Valid(vec, g.dim) {
				return nil, fmt.Errorf("%w: provider returned unusable vector (len %d, want %d)",
					models.ErrEmbeddingUnavailable, len(vec), g.dim)
			}
			return vec, nil
		}

		if errors.Is(err, models.ErrInvalidInput) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, ctx.Err())
		}
		g.logger.Warn("embedding attempt failed",
			"attempt", attempt,
			"max_attempts", g.maxAttempts,
			"kind", kind,
			"error", err,
		)
	}
	return nil, fmt.Errorf("%w: %d attempts: %w", models.ErrEmbeddingUnavailable, g.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTimeout reports whether err was caused by a cancelled or expired context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
