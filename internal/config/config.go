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

	// Storefront (external collaborator resolving products and buyer wallets)
	StorefrontURL string // Optional, uses a seeded demo directory if not set

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string // Address of the deployed escrow contract
	ArbiterAddress string // Wallet allowed to sign dispute resolutions

	// Escrow protocol timing
	ConfirmTimeout       time.Duration // Pending intent age before reconciliation re-checks the chain
	ReconcileGracePeriod time.Duration // Pending intent age before flagging for manual review
	ReconcileInterval    time.Duration

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL    = "https://sepolia.base.org"
	DefaultChainID   = 84532 // Base Sepolia
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StorefrontURL:        os.Getenv("STOREFRONT_URL"),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"), // Required
		ArbiterAddress:       os.Getenv("ARBITER_ADDRESS"),
		ConfirmTimeout:       getEnvDuration("CONFIRM_TIMEOUT", 5*time.Minute),
		ReconcileGracePeriod: getEnvDuration("RECONCILE_GRACE_PERIOD", 24*time.Hour),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if len(c.EscrowContract) != 42 || c.EscrowContract[:2] != "0x" {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 20-byte address")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if c.ReconcileGracePeriod < c.ConfirmTimeout {
		return fmt.Errorf("RECONCILE_GRACE_PERIOD must not be shorter than CONFIRM_TIMEOUT")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
