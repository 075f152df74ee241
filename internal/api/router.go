package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/relevance/internal/engine"
	"github.com/iammorganparry/clive/apps/relevance/internal/metrics"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(eng *engine.Engine, m *metrics.Metrics, apiKey string, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger, m))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(eng)
	recordH := NewRecordHandler(eng)
	spamH := NewSpamHandler(eng)
	contextH := NewContextHandler(eng)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)
	r.Method("GET", "/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Post("/retrieve", recordH.Retrieve)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", recordH.List)
			r.Post("/", recordH.Ingest)
			r.Post("/compact", recordH.Compact)
			r.Get("/{id}", recordH.Get)
			r.Delete("/{id}", recordH.Delete)
		})

		r.Route("/spam", func(r chi.Router) {
			r.Post("/classify", spamH.Classify)
			r.Post("/catalog/sync", spamH.SyncCatalog)
			r.Route("/patterns", func(r chi.Router) {
				r.Get("/", spamH.ListPatterns)
				r.Post("/", spamH.CreatePattern)
				r.Get("/{id}", spamH.GetPattern)
				r.Post("/{id}/outcome", spamH.ReportOutcome)
				r.Post("/{id}/active", spamH.SetActive)
			})
		})

		r.Route("/contexts", func(r chi.Router) {
			r.Get("/", contextH.ListActive)
			r.Get("/{conversationID}", contextH.Get)
			r.Post("/{conversationID}/merge", contextH.Merge)
			r.Post("/{conversationID}/close", contextH.Close)
		})
	})

	return r
}
