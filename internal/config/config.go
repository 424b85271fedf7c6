// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain clock. When RPC_URL is set, timelock windows follow the chain's
	// block number; otherwise a manually-advanced clock is used (dev mode).
	RPCURL string

	// Escrow settings
	MinSafetyDeposit string // base units

	// Intent settings
	IntentSweepInterval time.Duration

	// Security
	WebhookSecret string
	RateLimitRPS  int

	// Faucet (dev mode only)
	FaucetEnabled bool
	FaucetAmount  string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultMinSafetyDeposit = "1"
	DefaultRateLimit        = 100
	DefaultSweepInterval    = 15 * time.Second
	DefaultFaucetAmount     = "1000000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              os.Getenv("RPC_URL"),      // Optional, uses manual clock if not set
		MinSafetyDeposit:    getEnv("MIN_SAFETY_DEPOSIT", DefaultMinSafetyDeposit),
		IntentSweepInterval: getEnvDuration("INTENT_SWEEP_INTERVAL", DefaultSweepInterval),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		FaucetEnabled:       getEnvBool("FAUCET_ENABLED", true),
		FaucetAmount:        getEnv("FAUCET_AMOUNT", DefaultFaucetAmount),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, ok := new(big.Int).SetString(c.MinSafetyDeposit, 10); !ok {
		return fmt.Errorf("MIN_SAFETY_DEPOSIT must be a base-unit integer")
	}

	if _, ok := new(big.Int).SetString(c.FaucetAmount, 10); !ok {
		return fmt.Errorf("FAUCET_AMOUNT must be a base-unit integer")
	}

	if c.IsProduction() {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.FaucetEnabled {
			return fmt.Errorf("FAUCET_ENABLED must be false in production")
		}
	}

	return nil
}

// MinDeposit returns the minimum safety deposit as an integer. Call after
// Validate.
func (c *Config) MinDeposit() *big.Int {
	v, _ := new(big.Int).SetString(c.MinSafetyDeposit, 10)
	return v
}

// FaucetBaseUnits returns the faucet credit amount as an integer. Call after
// Validate.
func (c *Config) FaucetBaseUnits() *big.Int {
	v, _ := new(big.Int).SetString(c.FaucetAmount, 10)
	return v
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
