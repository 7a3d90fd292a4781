package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("IDENTITY_BACKEND", "")
	t.Setenv("SETTLEMENT_MODE", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, "memory", cfg.IdentityBackend)
	assert.Equal(t, DefaultProofMaxAge, cfg.ProofMaxAge)
	assert.Equal(t, []string{"USDC"}, cfg.AllowedCurrencies)
	assert.Equal(t, "overwrite", cfg.ValidationDuplicatePolicy)
}

func TestLoad_ParsesDurationsAndLists(t *testing.T) {
	t.Setenv("EXTERNAL_TIMEOUT", "3s")
	t.Setenv("RETRY_BASE_DELAY", "50ms")
	t.Setenv("ALLOWED_CURRENCIES", "usdc, eurc ,")
	t.Setenv("VALIDATION_DUPLICATE_POLICY", "REJECT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ExternalTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, []string{"USDC", "EURC"}, cfg.AllowedCurrencies)
	assert.Equal(t, "reject", cfg.ValidationDuplicatePolicy)
}

func TestLoad_AgentKeys(t *testing.T) {
	k1 := strings.Repeat("a", 64)
	k2 := "0x" + strings.Repeat("b", 64)
	t.Setenv("AGENT_KEYS", k1+", "+k2)
	t.Setenv("REGISTRY_TOPIC_ID", "topic-7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2}, cfg.AgentKeys)
	assert.Equal(t, "topic-7", cfg.RegistryTopicID)
	assert.Equal(t, DefaultSnapshotEvery, cfg.SnapshotInterval)
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "tooshort")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func validConfig() Config {
	return Config{
		IdentityBackend:           "memory",
		SettlementMode:            "ledger",
		ValidationDuplicatePolicy: "overwrite",
		RetryAttempts:             3,
		ExternalTimeout:           time.Second,
		AllowedCurrencies:         []string{"USDC"},
		RPCURL:                    DefaultRPCURL,
		SnapshotInterval:          time.Hour,
	}
}

func TestConfig_Validate(t *testing.T) {
	key := "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"prefixed key", func(c *Config) { c.PrivateKey = key }, ""},
		{"unknown backend", func(c *Config) { c.IdentityBackend = "ipfs" }, "IDENTITY_BACKEND"},
		{"postgres without url", func(c *Config) { c.IdentityBackend = "postgres" }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) {
			c.IdentityBackend = "postgres"
			c.DatabaseURL = "postgres://localhost/db"
		}, ""},
		{"contract without registry", func(c *Config) {
			c.IdentityBackend = "contract"
			c.PrivateKey = key
		}, "REGISTRY_CONTRACT"},
		{"wallet without key", func(c *Config) { c.SettlementMode = "wallet" }, "PRIVATE_KEY"},
		{"facilitator without url", func(c *Config) { c.SettlementMode = "facilitator" }, "FACILITATOR_URL"},
		{"facilitator with url", func(c *Config) {
			c.SettlementMode = "facilitator"
			c.FacilitatorURL = "http://facilitator:9000"
		}, ""},
		{"non-hex agent key", func(c *Config) { c.AgentKeys = []string{strings.Repeat("z", 64)} }, "AGENT_KEYS"},
		{"zero snapshot interval", func(c *Config) { c.SnapshotInterval = 0 }, "SNAPSHOT_INTERVAL"},
		{"bad duplicate policy", func(c *Config) { c.ValidationDuplicatePolicy = "merge" }, "VALIDATION_DUPLICATE_POLICY"},
		{"zero attempts", func(c *Config) { c.RetryAttempts = 0 }, "RETRY_ATTEMPTS"},
		{"no currencies", func(c *Config) { c.AllowedCurrencies = nil }, "ALLOWED_CURRENCIES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
}
