// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Blockchain settings
	RPCURL               string
	ChainID              int64
	PrivateKey           string // Hex-encoded, 0x prefix optional
	CreditManagerAddress string
	AssetAddress         string
	StartBlock           uint64 // Recovery lower bound; 0 = current head

	// Clearing settings
	MinStakeAmount         string // Atomic units
	SlashBondAmount        string // Atomic units
	DefaultDeadlineSeconds int64

	// Facilitator (x402 verification/settlement)
	FacilitatorURL    string
	FacilitatorAPIKey string

	// Reputation oracle; empty means the neutral stub
	ReputationURL string

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532                                        // Base Sepolia
	DefaultAssetContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultMinStake        = "100000" // 0.1 units
	DefaultSlashBond       = "10000"  // 0.01 units
	DefaultDeadlineSeconds = 3600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:             os.Getenv("PRIVATE_KEY"), // Required, no default
		CreditManagerAddress:   os.Getenv("CREDIT_MANAGER_ADDRESS"),
		AssetAddress:           getEnv("ASSET_ADDRESS", DefaultAssetContract),
		StartBlock:             uint64(getEnvInt64("START_BLOCK", 0)),
		MinStakeAmount:         getEnv("MIN_STAKE_AMOUNT", DefaultMinStake),
		SlashBondAmount:        getEnv("SLASH_BOND_AMOUNT", DefaultSlashBond),
		DefaultDeadlineSeconds: getEnvInt64("DEFAULT_DEADLINE_SECONDS", DefaultDeadlineSeconds),
		FacilitatorURL:         os.Getenv("FACILITATOR_URL"),
		FacilitatorAPIKey:      os.Getenv("FACILITATOR_API_KEY"),
		ReputationURL:          os.Getenv("REPUTATION_URL"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.CreditManagerAddress == "" {
		return fmt.Errorf("CREDIT_MANAGER_ADDRESS is required")
	}

	if c.DefaultDeadlineSeconds <= 0 {
		return fmt.Errorf("DEFAULT_DEADLINE_SECONDS must be positive")
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
