// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Balance cache (optional)

	// Notifications
	AMQPURL          string // Revalidate queue (optional)
	RevalidateURL    string // Signed HTTP revalidate hook (optional)
	RevalidateSecret string

	// Payment provider
	PaymentProvider string // "stripe" or "fake"
	StripeSecretKey string
	WebhookSecret   string
	DefaultCurrency string
	GatewayTimeout  time.Duration

	// Background work
	SweepInterval      time.Duration
	OrphanGracePeriod  time.Duration
	HoldExpiry         time.Duration
	CompletionInterval time.Duration

	// Security
	JWTSecret    string
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // "*" allows any origin

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultPaymentProvider    = "fake"
	DefaultCurrency           = "usd"
	DefaultGatewayTimeout     = 10 * time.Second
	DefaultSweepInterval      = 5 * time.Minute
	DefaultOrphanGracePeriod  = 15 * time.Minute
	DefaultHoldExpiry         = 24 * time.Hour
	DefaultCompletionInterval = 10 * time.Minute
	DefaultRateLimitRPM       = 120
	DefaultDevWebhookSecret   = "whsec_dev"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		RevalidateURL:      os.Getenv("REVALIDATE_URL"),
		RevalidateSecret:   os.Getenv("REVALIDATE_SECRET"),
		PaymentProvider:    strings.ToLower(getEnv("PAYMENT_PROVIDER", DefaultPaymentProvider)),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		DefaultCurrency:    strings.ToLower(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OrphanGracePeriod:  getEnvDuration("ORPHAN_GRACE_PERIOD", DefaultOrphanGracePeriod),
		HoldExpiry:         getEnvDuration("HOLD_EXPIRY", DefaultHoldExpiry),
		CompletionInterval: getEnvDuration("COMPLETION_INTERVAL", DefaultCompletionInterval),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.WebhookSecret == "" && cfg.PaymentProvider == "fake" {
		cfg.WebhookSecret = DefaultDevWebhookSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.PaymentProvider {
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when PAYMENT_PROVIDER=stripe")
		}
	case "fake":
		if c.IsProduction() {
			return fmt.Errorf("PAYMENT_PROVIDER=fake is not allowed in production")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be \"stripe\" or \"fake\", got %q", c.PaymentProvider)
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
