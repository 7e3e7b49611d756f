package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the intent conversation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Store selection.
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisURL     string
	MaxTurns     int

	// Oracle endpoint.
	OracleMode         string
	OracleEndpoint     string
	OracleModel        string
	OracleTokenURL     string
	OracleClientID     string
	OracleClientSecret string
	OracleTimeout      time.Duration
	OracleMaxRetries   int

	// Classification and generation tuning.
	ConfidenceThreshold float64
	IntentTemperature   float64
	IntentMaxTokens     int
	ResponseTemperature float64
	ResponseMaxTokens   int

	// Conversation behavior.
	DefaultSession string
	WindowTurns    int
	WindowChars    int
	CommitRetries  int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "intentchat"),
		StoreBackend:        envOrDefault("STORE_BACKEND", ""),
		SQLitePath:          envOrDefault("SQLITE_PATH", "conversations.db"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		MaxTurns:            100,
		OracleMode:          envOrDefault("ORACLE_MODE", "auto"),
		OracleEndpoint:      stringsTrimSpace("ORACLE_ENDPOINT"),
		OracleModel:         envOrDefault("ORACLE_MODEL", "gpt-4o"),
		OracleTokenURL:      stringsTrimSpace("ORACLE_TOKEN_URL"),
		OracleClientID:      stringsTrimSpace("ORACLE_CLIENT_ID"),
		OracleClientSecret:  stringsTrimSpace("ORACLE_CLIENT_SECRET"),
		OracleTimeout:       30 * time.Second,
		OracleMaxRetries:    3,
		ConfidenceThreshold: 0.7,
		IntentTemperature:   0.1,
		IntentMaxTokens:     500,
		ResponseTemperature: 0.3,
		ResponseMaxTokens:   1500,
		DefaultSession:      envOrDefault("DEFAULT_SESSION", "main_session"),
		WindowTurns:         20,
		WindowChars:         4000,
		CommitRetries:       3,
		ShutdownTimeout:     15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleTimeout, err = durationFromEnv("ORACLE_TIMEOUT", cfg.OracleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleMaxRetries, err = intFromEnv("ORACLE_MAX_RETRIES", cfg.OracleMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTurns, err = intFromEnv("MAX_TURNS", cfg.MaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfidenceThreshold, err = floatFromEnv("CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.IntentTemperature, err = floatFromEnv("INTENT_TEMPERATURE", cfg.IntentTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.IntentMaxTokens, err = intFromEnv("INTENT_MAX_TOKENS", cfg.IntentMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseTemperature, err = floatFromEnv("RESPONSE_TEMPERATURE", cfg.ResponseTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseMaxTokens, err = intFromEnv("RESPONSE_MAX_TOKENS", cfg.ResponseMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.WindowTurns, err = intFromEnv("WINDOW_TURNS", cfg.WindowTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.WindowChars, err = intFromEnv("WINDOW_CHARS", cfg.WindowChars)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitRetries, err = intFromEnv("COMMIT_RETRIES", cfg.CommitRetries)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxTurns < 1 {
		return Config{}, fmt.Errorf("MAX_TURNS must be at least 1")
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return Config{}, fmt.Errorf("CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if cfg.OracleTimeout < time.Second {
		return Config{}, fmt.Errorf("ORACLE_TIMEOUT must be at least 1s")
	}
	if cfg.OracleMaxRetries < 0 {
		return Config{}, fmt.Errorf("ORACLE_MAX_RETRIES must be >= 0")
	}
	if cfg.WindowTurns < 1 {
		return Config{}, fmt.Errorf("WINDOW_TURNS must be at least 1")
	}
	if cfg.CommitRetries < 0 {
		return Config{}, fmt.Errorf("COMMIT_RETRIES must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
