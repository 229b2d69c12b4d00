package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	UseSupabase        bool

	// JWT (Supabase-issued access tokens)
	JWTSecret string

	// Workflow
	HydrationTimeout     time.Duration
	ApprovalPollInterval time.Duration
	EditDebounce         time.Duration // 0 = commit on blur only
	AwaitingStatuses     []domain.Status

	// Idempotency stores
	IdempotencySQLitePath string
	RedisURL              string
	IdempotencyRetention  time.Duration
	IdempotencySweepCron  string

	// Manager chat (Telegram)
	TelegramBotToken   string
	TelegramAPIURL     string
	TelegramChatID     string
	TelegramRatePerSec float64

	// Document analysis
	DocumentAnalyzerURL string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		UseSupabase:        getEnv("USE_SUPABASE", "true") == "true",

		JWTSecret: getEnv("JWT_SECRET", "tradeflow-default-dev-secret-change-me"),

		HydrationTimeout:     getEnvDuration("HYDRATION_TIMEOUT", 10*time.Second),
		ApprovalPollInterval: getEnvDuration("APPROVAL_POLL_INTERVAL", 3*time.Second),
		EditDebounce:         getEnvDuration("EDIT_DEBOUNCE", 0),
		AwaitingStatuses:     getEnvStatuses("AWAITING_STATUSES", domain.DefaultAwaitingStatuses()),

		IdempotencySQLitePath: getEnv("IDEMPOTENCY_SQLITE_PATH", "data/idempotency.db"),
		RedisURL:              getEnv("REDIS_URL", ""),
		IdempotencyRetention:  getEnvDuration("IDEMPOTENCY_RETENTION", 30*24*time.Hour),
		IdempotencySweepCron:  getEnv("IDEMPOTENCY_SWEEP_CRON", "@daily"),

		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:     getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramRatePerSec: getEnvFloat("TELEGRAM_RATE_PER_SEC", 1),

		DocumentAnalyzerURL: getEnv("DOCUMENT_ANALYZER_URL", ""),
	}
}

// Validate rejects configurations the workflow cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("PORT must be positive")
	}
	if c.ApprovalPollInterval <= 0 {
		return fmt.Errorf("APPROVAL_POLL_INTERVAL must be positive")
	}
	if _, err := domain.NewAwaitingSet(c.AwaitingStatuses...); err != nil {
		return fmt.Errorf("AWAITING_STATUSES: %w", err)
	}
	if c.TelegramRatePerSec <= 0 {
		return fmt.Errorf("TELEGRAM_RATE_PER_SEC must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvStatuses keeps unknown names so Validate can report them.
func getEnvStatuses(key string, fallback []domain.Status) []domain.Status {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []domain.Status
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.Status(part))
		}
	}
	return out
}
