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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Policy settings
	PolicyFile string // JSON document of segments and policies

	// Consent settings
	ConsentCacheTTL  time.Duration
	ConsentCacheSize int

	// Privacy settings
	BudgetThreshold float64 // epsilon block threshold per entity per window

	// Security
	RateLimitRPS   int
	AllowedOrigins string // comma-separated CORS origins, empty means same-origin only

	// Observability
	OTLPEndpoint string // OTLP gRPC trace endpoint (optional, tracing off if not set)
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultPolicyFile       = "policies.json"
	DefaultConsentCacheTTL  = 60 * time.Second
	DefaultConsentCacheSize = 10000
	DefaultBudgetThreshold  = 1.0
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PolicyFile:       getEnv("POLICY_FILE", DefaultPolicyFile),
		ConsentCacheTTL:  getEnvDuration("CONSENT_CACHE_TTL", DefaultConsentCacheTTL),
		ConsentCacheSize: int(getEnvInt64("CONSENT_CACHE_SIZE", DefaultConsentCacheSize)),
		BudgetThreshold:  getEnvFloat("BUDGET_THRESHOLD", DefaultBudgetThreshold),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:   os.Getenv("ALLOWED_ORIGINS"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PolicyFile == "" {
		return fmt.Errorf("POLICY_FILE is required")
	}
	if c.BudgetThreshold <= 0 {
		return fmt.Errorf("BUDGET_THRESHOLD must be positive, got %g", c.BudgetThreshold)
	}
	if c.ConsentCacheTTL <= 0 {
		return fmt.Errorf("CONSENT_CACHE_TTL must be positive, got %s", c.ConsentCacheTTL)
	}
	if c.ConsentCacheSize <= 0 {
		return fmt.Errorf("CONSENT_CACHE_SIZE must be positive, got %d", c.ConsentCacheSize)
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
