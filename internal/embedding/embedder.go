package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Embedder converts text to a fixed-length vector. Implementations talk to
// an external provider and may fail transiently.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// HealthChecker is implemented by providers that can report reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProviderConfig selects and configures an Embedder.
type ProviderConfig struct {
	Provider      string // ollama | openai | hash
	Model         string
	Dimension     int
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewProvider builds the Embedder named by cfg.Provider.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.OllamaBaseURL, cfg.Model), nil
	case "openai":
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.Dimension), nil
	case "hash":
		logger.Warn("using hashing embedder; similarity is lexical only", "dim", cfg.Dimension)
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
