package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iammorganparry/clive/apps/relevance/internal/api"
	"github.com/iammorganparry/clive/apps/relevance/internal/catalog"
	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/config"
	"github.com/iammorganparry/clive/apps/relevance/internal/embedding"
	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
	"github.com/iammorganparry/clive/apps/relevance/internal/ranker"
	"github.com/iammorganparry/clive/apps/relevance/internal/relevance"
	"github.com/iammorganparry/clive/apps/relevance/internal/spam"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
	"github.com/iammorganparry/clive/apps/relevance/internal/store/postgres"
	"github.com/iammorganparry/clive/apps/relevance/internal/vectorstore"
)

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Logger
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clk := clock.System{}

	// SQLite holds patterns, contexts and the embedding cache, and records
	// unless the Postgres driver is selected.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var records store.Records = store.NewRecordStore(db, cfg.EmbeddingDim)
	if cfg.StoreDriver == "postgres" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.EmbeddingDim)
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		records = postgres.NewRecordStore(pg)
	}

	// Embedding: provider -> persistent cache -> gateway
	provider, err := embedding.NewProvider(embedding.ProviderConfig{
		Provider:      cfg.EmbeddingProvider,
		Model:         cfg.EmbeddingModel,
		Dimension:     cfg.EmbeddingDim,
		OllamaBaseURL: cfg.OllamaBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}, logger)
	if err != nil {
		logger.Error("failed to create embedding provider", "error", err)
		os.Exit(1)
	}
	cache := store.NewEmbeddingCacheStore(db)
	cached := embedding.NewCachedEmbedder(provider, cache, cfg.EmbeddingDim, m, logger)
	gateway := embedding.NewGateway(cached, embedding.GatewayConfig{
		Dimension:   cfg.EmbeddingDim,
		MaxChars:    cfg.EmbedMaxChars,
		MaxAttempts: cfg.EmbedMaxAttempts,
		RetryDelay:  cfg.EmbedRetryDelay,
		RateLimit:   cfg.EmbedRateLimit,
	}, m, logger)

	deps := engine.Deps{
		Records:        records,
		Patterns:       store.NewPatternStore(db),
		Contexts:       store.NewContextStore(db),
		Embedder:       gateway,
		EmbeddingCache: cache,
		Clock:          clk,
		Metrics:        m,
		Logger:         logger,
	}

	// Qdrant is an optional ANN mirror
	if cfg.QdrantURL != "" {
		index := vectorstore.NewIndex(vectorstore.NewQdrantClient(cfg.QdrantURL, cfg.EmbeddingDim))
		if err := index.HealthCheck(ctx); err != nil {
			logger.Warn("qdrant not available at startup, retrieval falls back to the store", "error", err)
		}
		deps.Index = index
	}

	eng, err := engine.New(deps, engine.Options{
		Policy:  relevance.Policy{Boost: cfg.RelevanceBoost, HalfLife: cfg.RelevanceHalfLife},
		Weights: ranker.Weights{FreshnessHalfLife: cfg.FreshnessHalfLife, UsageSaturation: cfg.UsageSaturation},
		Spam: spam.Config{
			SimilarityThreshold: cfg.SpamSimilarityThreshold,
			EmbeddingsEnabled:   cfg.SpamEmbeddingsEnabled,
			Timeout:             cfg.ClassifyTimeout,
		},
		CandidateLimit:   cfg.CandidateLimit,
		RetrieveTimeout:  cfg.RetrieveTimeout,
		UpdateMaxRetries: cfg.UpdateMaxRetries,
		EmbedCacheTTL:    cfg.EmbedCacheTTL,
		CatalogDirs:      cfg.PatternCatalogDirs,
	})
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	eng.StartCompactor(ctx, cfg.CompactInterval)

	// Pattern catalog: sync once, then follow edits when watching
	if svc := eng.Catalog(); svc != nil {
		go func() {
			res, err := svc.Sync(ctx)
			if err != nil {
				logger.Error("pattern catalog sync failed", "error", err)
			} else {
				logger.Info("pattern catalog sync complete", "files", res.Files, "synced", res.Synced, "skipped", res.Skipped)
			}
			if !cfg.PatternCatalogWatch {
				return
			}
			if err := catalog.NewWatcher(svc, 0, logger).Run(ctx); err != nil {
				logger.Error("pattern catalog watcher stopped", "error", err)
			}
		}()
	}

	// Router
	router := api.NewRouter(eng, m, cfg.APIKey, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("relevance server starting", "addr", addr, "store", cfg.StoreDriver, "embedder", cfg.EmbeddingProvider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
