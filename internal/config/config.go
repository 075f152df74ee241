package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	DBPath   string
	LogLevel string
	APIKey   string
	// Storage
	StoreDriver string
	PostgresDSN string
	QdrantURL   string
	// Embedding provider
	EmbeddingProvider string
	OllamaBaseURL     string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	EmbeddingModel    string
	EmbeddingDim      int
	EmbedMaxChars     int
	EmbedMaxAttempts  int
	EmbedRetryDelay   time.Duration
	EmbedRateLimit    float64
	EmbedCacheTTL     time.Duration
	// Ranking and relevance policy
	CandidateLimit    int
	FreshnessHalfLife time.Duration
	UsageSaturation   float64
	RelevanceBoost    float64
	RelevanceHalfLife time.Duration
	UpdateMaxRetries  int
	RetrieveTimeout   time.Duration
	CompactInterval   time.Duration
	// Spam classification
	SpamSimilarityThreshold float64
	SpamEmbeddingsEnabled   bool
	ClassifyTimeout         time.Duration
	PatternCatalogDirs      []string
	PatternCatalogWatch     bool
	// MCP adapter
	ServerURL string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:                    envInt("PORT", 8742),
		DBPath:                  envStr("RELEVANCE_DB_PATH", "/data/relevance.db"),
		LogLevel:                envStr("LOG_LEVEL", "info"),
		APIKey:                  envStr("API_KEY", ""),
		StoreDriver:             envStr("STORE_DRIVER", "sqlite"),
		PostgresDSN:             envStr("POSTGRES_DSN", ""),
		QdrantURL:               envStr("QDRANT_URL", ""),
		EmbeddingProvider:       envStr("EMBEDDING_PROVIDER", "ollama"),
		OllamaBaseURL:           envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		OpenAIAPIKey:            envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:           envStr("OPENAI_BASE_URL", ""),
		EmbeddingModel:          envStr("EMBEDDING_MODEL", "all-minilm"),
		EmbeddingDim:            envInt("EMBEDDING_DIM", 384),
		EmbedMaxChars:           envInt("EMBED_MAX_CHARS", 8000),
		EmbedMaxAttempts:        envInt("EMBED_MAX_ATTEMPTS", 3),
		EmbedRetryDelay:         envDuration("EMBED_RETRY_DELAY", 200*time.Millisecond),
		EmbedRateLimit:          envFloat("EMBED_RATE_LIMIT", 0),
		EmbedCacheTTL:           envDuration("EMBED_CACHE_TTL", 30*24*time.Hour),
		CandidateLimit:          envInt("CANDIDATE_LIMIT", 500),
		FreshnessHalfLife:       envDuration("FRESHNESS_HALF_LIFE", 168*time.Hour),
		UsageSaturation:         envFloat("USAGE_SATURATION", 10),
		RelevanceBoost:          envFloat("RELEVANCE_BOOST", 1.0),
		RelevanceHalfLife:       envDuration("RELEVANCE_HALF_LIFE", 720*time.Hour),
		UpdateMaxRetries:        envInt("UPDATE_MAX_RETRIES", 8),
		RetrieveTimeout:         envDuration("RETRIEVE_TIMEOUT", 5*time.Second),
		CompactInterval:         envDuration("COMPACT_INTERVAL", time.Hour),
		SpamSimilarityThreshold: envFloat("SPAM_SIMILARITY_THRESHOLD", 0.85),
		SpamEmbeddingsEnabled:   envBool("SPAM_EMBEDDINGS_ENABLED", true),
		ClassifyTimeout:         envDuration("CLASSIFY_TIMEOUT", 3*time.Second),
		PatternCatalogDirs:      envList("PATTERN_CATALOG_DIRS"),
		PatternCatalogWatch:     envBool("PATTERN_CATALOG_WATCH", false),
		ServerURL:               envStr("RELEVANCE_SERVER_URL", "http://localhost:8742"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.StoreDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.DBPath == "" {
		return fmt.Errorf("RELEVANCE_DB_PATH must not be empty")
	}
	switch c.EmbeddingProvider {
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	case "openai":
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("OPENAI_API_KEY or OPENAI_BASE_URL is required when EMBEDDING_PROVIDER=openai")
		}
	case "hash":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be ollama, openai or hash, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.EmbedMaxChars < 1 {
		return fmt.Errorf("EMBED_MAX_CHARS must be positive, got %d", c.EmbedMaxChars)
	}
	if c.EmbedMaxAttempts < 1 {
		return fmt.Errorf("EMBED_MAX_ATTEMPTS must be at least 1, got %d", c.EmbedMaxAttempts)
	}
	if c.EmbedCacheTTL < 0 {
		return fmt.Errorf("EMBED_CACHE_TTL must not be negative, got %s", c.EmbedCacheTTL)
	}
	if c.EmbedRateLimit < 0 {
		return fmt.Errorf("EMBED_RATE_LIMIT must not be negative, got %f", c.EmbedRateLimit)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("CANDIDATE_LIMIT must be positive, got %d", c.CandidateLimit)
	}
	if c.FreshnessHalfLife <= 0 || c.RelevanceHalfLife <= 0 {
		return fmt.Errorf("FRESHNESS_HALF_LIFE and RELEVANCE_HALF_LIFE must be positive")
	}
	if c.UsageSaturation < 1 {
		return fmt.Errorf("USAGE_SATURATION must be at least 1, got %f", c.UsageSaturation)
	}
	if c.RelevanceBoost <= 0 {
		return fmt.Errorf("RELEVANCE_BOOST must be positive, got %f", c.RelevanceBoost)
	}
	if c.UpdateMaxRetries < 1 {
		return fmt.Errorf("UPDATE_MAX_RETRIES must be at least 1, got %d", c.UpdateMaxRetries)
	}
	if c.SpamSimilarityThreshold < -1 || c.SpamSimilarityThreshold > 1 {
		return fmt.Errorf("SPAM_SIMILARITY_THRESHOLD must be within [-1, 1], got %f", c.SpamSimilarityThreshold)
	}
	if c.RetrieveTimeout <= 0 || c.ClassifyTimeout <= 0 {
		return fmt.Errorf("RETRIEVE_TIMEOUT and CLASSIFY_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
