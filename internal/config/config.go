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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, in-memory stores if unset)

	// Processor webhook secrets. A processor with no secret configured
	// accepts unsigned deliveries with a warning; see webhooks.Pipeline.
	StripeWebhookSecret string
	PayPalWebhookSecret string
	PlaidWebhookSecret  string

	// Processor API credentials
	StripeAPIKey string

	// Bridge settings
	ExchangeFeeBps int64 // fee in basis points; 50 = 0.5%

	// Background loops
	SweepInterval     time.Duration // dispute auto-resolution sweep
	ReconcileInterval time.Duration // ledger/escrow reconciliation
	WalletTimeout     time.Duration // bound on wallet-provider calls
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultExchangeFeeBps    = 50
	DefaultSweepInterval     = 30 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultWalletTimeout     = 10 * time.Second
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PayPalWebhookSecret: os.Getenv("PAYPAL_WEBHOOK_SECRET"),
		PlaidWebhookSecret:  os.Getenv("PLAID_WEBHOOK_SECRET"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		ExchangeFeeBps:      getEnvInt64("EXCHANGE_FEE_BPS", DefaultExchangeFeeBps),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		WalletTimeout:       getEnvDuration("WALLET_TIMEOUT", DefaultWalletTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.ExchangeFeeBps < 0 || c.ExchangeFeeBps > 10_000 {
		return fmt.Errorf("EXCHANGE_FEE_BPS must be between 0 and 10000, got %d", c.ExchangeFeeBps)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.WalletTimeout <= 0 {
		return fmt.Errorf("WALLET_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
