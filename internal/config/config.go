// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
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
	DatabaseURL     string // PostgreSQL connection string (optional, in-memory if unset)
	RedisURL        string // Redis for the received-payment set (optional)
	IdentityBackend string // memory | postgres | log | contract
	TopicLogPath    string // SQLite file for the "log" identity backend
	RegistryTopicID string // topic replayed by the "log" backend; created when empty
	SettlementMode  string // ledger | wallet | facilitator

	// Chain
	RPCURL           string
	ChainID          int64
	PrivateKey       string   // Hex-encoded, optional 0x prefix
	AgentKeys        []string // extra buyer signing keys, same encoding as PrivateKey
	USDCContract     string
	RegistryContract string

	// External services
	FacilitatorURL  string
	ExternalTimeout time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration

	// Payments
	ProofMaxAge       time.Duration
	AllowedCurrencies []string
	MaxPayment        string

	// Validation registry
	ValidationDuplicatePolicy string // overwrite | reject

	// Reputation
	SnapshotInterval time.Duration

	// Observability / edge
	OTLPEndpoint string
	RateLimitRPM int
}

const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultUSDCContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultBackend        = "memory"
	DefaultSettlement     = "ledger"
	DefaultTopicLogPath   = "trustmesh-topics.db"
	DefaultTimeout        = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultProofMaxAge    = 24 * time.Hour
	DefaultCurrencies     = "USDC"
	DefaultMaxPayment     = "1000000"
	DefaultDupPolicy      = "overwrite"
	DefaultRateLimit      = 600
	DefaultSnapshotEvery  = time.Hour
)

// Load reads configuration from environment variables.
// A .env file is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		IdentityBackend:           strings.ToLower(getEnv("IDENTITY_BACKEND", DefaultBackend)),
		TopicLogPath:              getEnv("TOPIC_LOG_PATH", DefaultTopicLogPath),
		RegistryTopicID:           os.Getenv("REGISTRY_TOPIC_ID"),
		SettlementMode:            strings.ToLower(getEnv("SETTLEMENT_MODE", DefaultSettlement)),
		RPCURL:                    getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                   getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:                os.Getenv("PRIVATE_KEY"),
		AgentKeys:                 splitRaw(os.Getenv("AGENT_KEYS")),
		USDCContract:              getEnv("USDC_CONTRACT", DefaultUSDCContract),
		RegistryContract:          os.Getenv("REGISTRY_CONTRACT"),
		FacilitatorURL:            os.Getenv("FACILITATOR_URL"),
		ExternalTimeout:           getEnvDuration("EXTERNAL_TIMEOUT", DefaultTimeout),
		RetryAttempts:             int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:            getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		ProofMaxAge:               getEnvDuration("PROOF_MAX_AGE", DefaultProofMaxAge),
		AllowedCurrencies:         splitList(getEnv("ALLOWED_CURRENCIES", DefaultCurrencies)),
		MaxPayment:                getEnv("MAX_PAYMENT", DefaultMaxPayment),
		ValidationDuplicatePolicy: strings.ToLower(getEnv("VALIDATION_DUPLICATE_POLICY", DefaultDupPolicy)),
		SnapshotInterval:          getEnvDuration("SNAPSHOT_INTERVAL", DefaultSnapshotEvery),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:              int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PrivateKey != "" && !validKey(c.PrivateKey) {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	for i, k := range c.AgentKeys {
		if !validKey(k) {
			return fmt.Errorf("AGENT_KEYS entry %d must be 64 hex characters", i)
		}
	}

	switch c.IdentityBackend {
	case "memory", "log":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("IDENTITY_BACKEND=postgres requires DATABASE_URL")
		}
	case "contract":
		if c.RegistryContract == "" || c.PrivateKey == "" || c.RPCURL == "" {
			return fmt.Errorf("IDENTITY_BACKEND=contract requires RPC_URL, REGISTRY_CONTRACT and PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("IDENTITY_BACKEND must be one of memory, postgres, log, contract (got %q)", c.IdentityBackend)
	}

	switch c.SettlementMode {
	case "ledger":
	case "wallet":
		if c.PrivateKey == "" || c.RPCURL == "" {
			return fmt.Errorf("SETTLEMENT_MODE=wallet requires RPC_URL and PRIVATE_KEY")
		}
	case "facilitator":
		if c.FacilitatorURL == "" {
			return fmt.Errorf("SETTLEMENT_MODE=facilitator requires FACILITATOR_URL")
		}
	default:
		return fmt.Errorf("SETTLEMENT_MODE must be ledger, wallet or facilitator (got %q)", c.SettlementMode)
	}

	if c.ValidationDuplicatePolicy != "overwrite" && c.ValidationDuplicatePolicy != "reject" {
		return fmt.Errorf("VALIDATION_DUPLICATE_POLICY must be overwrite or reject")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if len(c.AllowedCurrencies) == 0 {
		return fmt.Errorf("ALLOWED_CURRENCIES must not be empty")
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitRaw(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validKey(k string) bool {
	k = strings.TrimPrefix(k, "0x")
	if len(k) != 64 {
		return false
	}
	_, err := hex.DecodeString(k)
	return err == nil
}
