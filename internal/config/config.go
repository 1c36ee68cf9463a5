package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port      int
	LogLevel  string
	LogSource bool

	DatabaseURL string
	SQLitePath  string

	NatsURL   string
	NatsToken string

	LLMProvider    string
	LLMAPIKey      string
	LLMModel       string
	LLMEndpoint    string
	LLMMaxRetries  int
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration

	ContextWindow  int
	ContextIdleTTL time.Duration
	SimilarityMin  float64
	SimilarityMax  float64
	EvalCacheTTL   time.Duration

	ReferenceDir   string
	UploadDir      string
	MaxUploadBytes int64

	SlackBotToken string
	SlackChannel  string

	MetricsNamespace string
}

func Load() Config {
	return Config{
		Port:      envInt("EMPRENDE_PORT", 8750),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogSource: envBool("LOG_SOURCE", false),

		DatabaseURL: envStr("DATABASE_URL", ""),
		SQLitePath:  envStr("SQLITE_PATH", "./data/emprende.db"),

		NatsURL:   envStr("NATS_URL", ""),
		NatsToken: envStr("NATS_TOKEN", ""),

		LLMProvider:    strings.ToLower(envStr("LLM_PROVIDER", "openai")),
		LLMAPIKey:      envStr("LLM_API_KEY", ""),
		LLMModel:       envStr("LLM_MODEL", "gpt-3.5-turbo"),
		LLMEndpoint:    envStr("LLM_ENDPOINT", ""),
		LLMMaxRetries:  envInt("LLM_MAX_RETRIES", 2),
		LLMMaxTokens:   envInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: envFloat("LLM_TEMPERATURE", 0.7),
		LLMTimeout:     envDuration("LLM_TIMEOUT", 60*time.Second),

		ContextWindow:  envInt("CONTEXT_WINDOW", 20),
		ContextIdleTTL: envDuration("CONTEXT_IDLE_TTL", 2*time.Hour),
		SimilarityMin:  envFloat("SIMILARITY_MIN", 5),
		SimilarityMax:  envFloat("SIMILARITY_MAX", 90),
		EvalCacheTTL:   envDuration("EVAL_CACHE_TTL", 24*time.Hour),

		ReferenceDir:   envStr("REFERENCE_DIR", "./reference"),
		UploadDir:      envStr("UPLOAD_DIR", "./uploads"),
		MaxUploadBytes: int64(envInt("MAX_UPLOAD_BYTES", 10<<20)),

		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:  envStr("SLACK_REVIEW_CHANNEL", ""),

		MetricsNamespace: envStr("METRICS_NAMESPACE", "emprende"),
	}
}

// Validate reports every setting the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("EMPRENDE_PORT out of range: %d", c.Port))
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("DATABASE_URL or SQLITE_PATH is required"))
	}
	switch c.LLMProvider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLMProvider))
	}
	if c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if c.SimilarityMin < 0 || c.SimilarityMax > 100 || c.SimilarityMin >= c.SimilarityMax {
		errs = append(errs, fmt.Errorf("similarity band %.1f..%.1f is invalid", c.SimilarityMin, c.SimilarityMax))
	}
	if c.ContextWindow <= 0 {
		errs = append(errs, fmt.Errorf("CONTEXT_WINDOW must be positive, got %d", c.ContextWindow))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if c.ReferenceDir == "" {
		errs = append(errs, errors.New("REFERENCE_DIR is required"))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
		if b, err := strconv.ParseBool(v); err == nil {
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
