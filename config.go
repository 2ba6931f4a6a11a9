package themedraft

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the generation core. Values map 1:1 to
// environment variables; ConfigFromEnv reads them with defaults.
type Config struct {
	// RedisURL is the connection string for the counter / pub-sub store.
	RedisURL string

	// DatabaseURL is the Postgres connection string for the durable store.
	DatabaseURL string

	// ListenAddr is the HTTP listen address for the API surface.
	ListenAddr string

	// OpenRouterAPIKey authenticates calls to the generation backend.
	OpenRouterAPIKey string

	// DefaultModel is the generation model used for every job.
	DefaultModel string

	// RateLimitPerMinute is the per-tenant admission ceiling per fixed
	// 60-second window.
	RateLimitPerMinute int

	// DefaultCreditsLimit is the credit ceiling for lazily created quotas.
	DefaultCreditsLimit int

	// DailySpendCapUSD is the global daily spend ceiling, used when a
	// tenant's quota carries no override.
	DailySpendCapUSD float64

	// MaxRetryAttempts bounds worker retries per job.
	MaxRetryAttempts int

	// BypassLimitsTenant, if non-empty, names a tenant exempt from quota
	// and spend checks (rate limiting still applies).
	BypassLimitsTenant string

	// Concurrency is the number of worker goroutines polling for jobs.
	Concurrency int

	// PollInterval is how often idle workers poll for due jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with the same defaults the hosted platform
// ships with.
func DefaultConfig() Config {
	return Config{
		RedisURL:            "redis://localhost:6379",
		ListenAddr:          ":8080",
		DefaultModel:        "google/gemini-2.0-flash-exp:free",
		RateLimitPerMinute:  5,
		DefaultCreditsLimit: 10,
		DailySpendCapUSD:    5.0,
		MaxRetryAttempts:    3,
		Concurrency:         4,
		PollInterval:        time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// DefaultConfig for anything unset. REDIS_URL and DATABASE_URL are required.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	cfg.BypassLimitsTenant = os.Getenv("BYPASS_LIMITS_TENANT")

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OPENROUTER_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("themedraft: RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}
	if v := os.Getenv("DEFAULT_CREDITS_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("themedraft: DEFAULT_CREDITS_LIMIT: %w", err)
		}
		cfg.DefaultCreditsLimit = n
	}
	if v := os.Getenv("DAILY_SPEND_CAP_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("themedraft: DAILY_SPEND_CAP_USD: %w", err)
		}
		cfg.DailySpendCapUSD = f
	}
	if v := os.Getenv("MAX_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("themedraft: MAX_RETRY_ATTEMPTS: %w", err)
		}
		cfg.MaxRetryAttempts = n
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("themedraft: WORKER_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}

	var missing []string
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("themedraft: missing required environment variables: %v", missing)
	}

	return cfg, nil
}
