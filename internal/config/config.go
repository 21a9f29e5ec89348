// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage (first match wins: Postgres, Redis, in-memory)
	DatabaseURL string // PostgreSQL connection string
	RedisURL    string // Redis address, e.g. "localhost:6379"

	// PayzCore monitoring service
	MonitoringBaseURL string
	MonitoringAPIKey  string
	WebhookSecret     string // Shared secret for inbound push notification HMAC

	// Commerce platform admin API
	CommerceBaseURL string
	CommerceToken   string

	// Reconciliation settings
	RecordRetention time.Duration // How long records stay queryable after creation
	ReplayWindow    time.Duration // Max accepted age of a signed push notification
	PaymentTTL      time.Duration // Default deadline for a new payment request

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRecordRetention = 7 * 24 * time.Hour
	DefaultReplayWindow    = 5 * time.Minute
	DefaultPaymentTTL      = 30 * time.Minute
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		MonitoringBaseURL: os.Getenv("PAYZCORE_API_URL"),
		MonitoringAPIKey:  os.Getenv("PAYZCORE_API_KEY"),
		WebhookSecret:     os.Getenv("PAYZCORE_WEBHOOK_SECRET"),
		CommerceBaseURL:   os.Getenv("COMMERCE_API_URL"),
		CommerceToken:     os.Getenv("COMMERCE_API_TOKEN"),
		RecordRetention:   getEnvDuration("RECORD_RETENTION", DefaultRecordRetention),
		ReplayWindow:      getEnvDuration("REPLAY_WINDOW", DefaultReplayWindow),
		PaymentTTL:        getEnvDuration("PAYMENT_TTL", DefaultPaymentTTL),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("PAYZCORE_WEBHOOK_SECRET is required")
	}
	if c.MonitoringBaseURL == "" {
		return fmt.Errorf("PAYZCORE_API_URL is required")
	}
	if c.CommerceBaseURL == "" {
		return fmt.Errorf("COMMERCE_API_URL is required")
	}
	if c.CommerceToken == "" {
		return fmt.Errorf("COMMERCE_API_TOKEN is required")
	}
	if c.RecordRetention <= 0 {
		return fmt.Errorf("RECORD_RETENTION must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
