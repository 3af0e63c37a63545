// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the daemon configuration loaded from environment variables.
type Config struct {
	DBPath       string
	Workers      int
	PollInterval time.Duration
	MetricsAddr  string

	// Bootstrap account, seeded on first start when no account exists so a
	// fresh deployment can enqueue scans without a control plane.
	AccountName     string
	AccountAPIKey   string
	GitHubToken     string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	EmbeddingModel  string
	EmbeddingDims   int
}

// Load reads configuration from environment variables and returns a
// validated Config. All variables are optional with defaults except the
// provider credentials, which are only required when bootstrapping the
// default account (warned about otherwise).
func Load() (*Config, error) {
	cfg := Config{
		DBPath:         "dupescan.db",
		Workers:        4,
		PollInterval:   2 * time.Second,
		MetricsAddr:    "127.0.0.1:9090",
		AccountName:    "default",
		AnthropicModel: "claude-sonnet-4-5",
		EmbeddingModel: "text-embedding-3-small",
	}

	if v, ok := os.LookupEnv("DUPESCAN_DB_PATH"); ok {
		cfg.DBPath = v
	}

	if v, ok := os.LookupEnv("DUPESCAN_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("DUPESCAN_WORKERS must be a positive integer, got %q", v)
		}
		cfg.Workers = n
	}

	if v, ok := os.LookupEnv("DUPESCAN_POLL_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DUPESCAN_POLL_INTERVAL has invalid duration %q: %w", v, err)
		}
		cfg.PollInterval = parsed
	}

	if v, ok := os.LookupEnv("DUPESCAN_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	if v, ok := os.LookupEnv("DUPESCAN_ACCOUNT_NAME"); ok && v != "" {
		cfg.AccountName = v
	}
	cfg.AccountAPIKey = os.Getenv("DUPESCAN_ACCOUNT_API_KEY")

	cfg.GitHubToken = os.Getenv("DUPESCAN_GITHUB_TOKEN")
	cfg.AnthropicAPIKey = os.Getenv("DUPESCAN_ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("DUPESCAN_OPENAI_API_KEY")

	if v, ok := os.LookupEnv("DUPESCAN_ANTHROPIC_MODEL"); ok && v != "" {
		cfg.AnthropicModel = v
	}
	if v, ok := os.LookupEnv("DUPESCAN_EMBEDDING_MODEL"); ok && v != "" {
		cfg.EmbeddingModel = v
	}
	if v, ok := os.LookupEnv("DUPESCAN_EMBEDDING_DIMENSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("DUPESCAN_EMBEDDING_DIMENSIONS must be a positive integer, got %q", v)
		}
		cfg.EmbeddingDims = n
	}

	if !cfg.CanBootstrap() {
		slog.Warn("provider credentials incomplete — default account will not be seeded",
			"github", cfg.GitHubToken != "",
			"anthropic", cfg.AnthropicAPIKey != "",
			"openai", cfg.OpenAIAPIKey != "",
		)
	}

	return &cfg, nil
}

// CanBootstrap reports whether enough credentials are present to seed the
// default account.
func (c *Config) CanBootstrap() bool {
	return c.GitHubToken != "" && c.AnthropicAPIKey != "" && c.OpenAIAPIKey != "" && c.AccountAPIKey != ""
}
