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

	// Storage. Empty DatabaseURL runs on in-memory stores.
	DatabaseURL string
	RedisURL    string

	// Payment provider
	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	KafkaBrokers        []string
	KafkaTopic          string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// HTTP edge
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Settlement rules
	ReservationTTL   time.Duration
	HoldDurationDays int
	CommissionBPS    int64

	// Sweep intervals
	ReservationSweepInterval  time.Duration
	HoldReleaseInterval       time.Duration
	DisputeEscalationInterval time.Duration
	ReconciliationInterval    time.Duration

	// Operational tuning
	ReleaseCodeTTL             time.Duration
	ReleaseCodeMaxAttempts     int
	RefundGatewayMaxAttempts   int
	CircuitBreakerThreshold    int
	CircuitBreakerOpenDuration time.Duration
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultKafkaTopic       = "bazaar.notifications"
	DefaultReservationTTL   = 15 * time.Minute
	DefaultHoldDurationDays = 14
	DefaultCommissionBPS    = 1000 // 10%
	DefaultGatewayTimeout   = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		StripeSecretKey:            os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:             getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		NotifyWebhookURL:           os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:        os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		KafkaBrokers:               getEnvList("KAFKA_BROKERS"),
		KafkaTopic:                 getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:           getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		CORSAllowedOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:         int(getEnvInt64("RATE_LIMIT_RPM", 120)),
		RateLimitBurst:             int(getEnvInt64("RATE_LIMIT_BURST", 30)),
		ReservationTTL:             getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		HoldDurationDays:           int(getEnvInt64("HOLD_DURATION_DAYS", DefaultHoldDurationDays)),
		CommissionBPS:              getEnvInt64("COMMISSION_BPS", DefaultCommissionBPS),
		ReservationSweepInterval:   getEnvDuration("RESERVATION_SWEEP_INTERVAL", 30*time.Second),
		HoldReleaseInterval:        getEnvDuration("HOLD_RELEASE_INTERVAL", time.Minute),
		DisputeEscalationInterval:  getEnvDuration("DISPUTE_ESCALATION_INTERVAL", 5*time.Minute),
		ReconciliationInterval:     getEnvDuration("RECONCILIATION_INTERVAL", 15*time.Minute),
		ReleaseCodeTTL:             getEnvDuration("RELEASE_CODE_TTL", 10*time.Minute),
		ReleaseCodeMaxAttempts:     int(getEnvInt64("RELEASE_CODE_MAX_ATTEMPTS", 5)),
		RefundGatewayMaxAttempts:   int(getEnvInt64("REFUND_GATEWAY_MAX_ATTEMPTS", 3)),
		CircuitBreakerThreshold:    int(getEnvInt64("CIRCUIT_BREAKER_THRESHOLD", 5)),
		CircuitBreakerOpenDuration: getEnvDuration("CIRCUIT_BREAKER_OPEN_DURATION", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	if c.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
	}
	if c.HoldDurationDays < 0 {
		return fmt.Errorf("HOLD_DURATION_DAYS must not be negative")
	}
	if c.CommissionBPS < 0 || c.CommissionBPS > 10_000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
