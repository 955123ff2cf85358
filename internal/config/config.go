// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Data plane identity
	DataplaneID string // e.g. "ru-central1-a"

	// Control plane
	ControlAPIURL    string
	InterplaneSecret string // shared secret for inter-plane HMAC signing

	// Reconciliation intervals
	PolicySyncInterval time.Duration
	UsageFlushInterval time.Duration
	BudgetRefillCheck  time.Duration
	RefillCooldown     time.Duration
	RefillThreshold    float64 // refill when remaining < threshold * granted

	// Initial lease request amounts
	InitialBandwidthRequest int64
	InitialTransformsReq    int

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 600

	// 10 GiB bandwidth, 100k transforms per allocate request
	DefaultBandwidthRequest  = int64(10 << 30)
	DefaultTransformsRequest = 100_000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DataplaneID:             os.Getenv("DATAPLANE_ID"),      // Required, no default
		ControlAPIURL:           os.Getenv("CONTROL_API_URL"),   // Required, no default
		InterplaneSecret:        os.Getenv("INTERPLANE_SECRET"), // Required, no default
		PolicySyncInterval:      getEnvDuration("POLICY_SYNC_INTERVAL", time.Minute),
		UsageFlushInterval:      getEnvDuration("USAGE_FLUSH_INTERVAL", 10*time.Second),
		BudgetRefillCheck:       getEnvDuration("BUDGET_REFILL_INTERVAL", 5*time.Second),
		RefillCooldown:          getEnvDuration("REFILL_COOLDOWN", 10*time.Second),
		RefillThreshold:         getEnvFloat("BUDGET_REFILL_THRESHOLD", 0.2),
		InitialBandwidthRequest: getEnvInt64("INITIAL_BANDWIDTH_REQUEST", DefaultBandwidthRequest),
		InitialTransformsReq:    int(getEnvInt64("INITIAL_TRANSFORMS_REQUEST", DefaultTransformsRequest)),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DataplaneID == "" {
		return fmt.Errorf("DATAPLANE_ID is required")
	}

	if c.ControlAPIURL == "" {
		return fmt.Errorf("CONTROL_API_URL is required")
	}

	if c.InterplaneSecret == "" {
		return fmt.Errorf("INTERPLANE_SECRET is required")
	}
	if len(c.InterplaneSecret) < 32 {
		return fmt.Errorf("INTERPLANE_SECRET must be at least 32 characters")
	}

	if c.RefillThreshold <= 0 || c.RefillThreshold >= 1 {
		return fmt.Errorf("BUDGET_REFILL_THRESHOLD must be in (0, 1), got %v", c.RefillThreshold)
	}

	if c.InitialBandwidthRequest <= 0 {
		return fmt.Errorf("INITIAL_BANDWIDTH_REQUEST must be positive")
	}
	if c.InitialTransformsReq <= 0 {
		return fmt.Errorf("INITIAL_TRANSFORMS_REQUEST must be positive")
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
