package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	for _, name := range []string{
		"APP_ENV", "PORT", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "BADGER_DIR",
		"POOL_OWNER", "POOL_ADMIN", "POOL_ADDRESS", "TRANSFER_MODE", "GATEWAY_URL", "GATEWAY_TOKEN", "ASSET_DECIMALS",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())

	_, _, ok := cfg.BootstrapIdentities()
	assert.False(t, ok)
	assert.Equal(t, 15*time.Second, cfg.TransferTimeout())
}

func TestLoadConfigFromYAML(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "rewardd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: staging
port: "9090"
log_level: debug
store:
  driver: sqlite
  dsn: file:rewards.db
pool:
  owner: "0x00000000000000000000000000000000000000a1"
  admin: "0x00000000000000000000000000000000000000b2"
  address: "0x00000000000000000000000000000000000000d4"
transfer:
  mode: gateway
  gateway_url: https://custody.example
  decimals: 8
  timeout_seconds: 3
callers:
  - name: ops
    account: "0x00000000000000000000000000000000000000b2"
    key_hash: "00c0ffee:salt:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreOptions{Driver: "sqlite", DSN: "file:rewards.db"}, cfg.StoreOptions())
	assert.Equal(t, transferModeGateway, cfg.Transfer.Mode)
	assert.Equal(t, 8, cfg.Transfer.Decimals)
	assert.Equal(t, 3*time.Second, cfg.TransferTimeout())
	assert.Equal(t, "ALGO", cfg.Transfer.Asset)
	assert.Equal(t, poolAddr, cfg.PoolAddress())
	require.Len(t, cfg.Callers, 1)
	assert.Equal(t, "ops", cfg.Callers[0].Name)

	owner, admin, ok := cfg.BootstrapIdentities()
	require.True(t, ok)
	assert.Equal(t, ownerA, owner)
	assert.Equal(t, adminB, admin)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewardd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Run("DATABASE_URL selects postgres", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("DATABASE_URL", "postgres://localhost/rewards")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "postgres", cfg.Store.Driver)
		assert.Equal(t, "postgres://localhost/rewards", cfg.Store.DSN)
	})

	t.Run("STORE_DRIVER wins over DATABASE_URL", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("DATABASE_URL", "file:rewards.db")
		t.Setenv("STORE_DRIVER", "SQLite")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "file:rewards.db", cfg.Store.DSN)
	})

	t.Run("pool and transfer settings", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("PORT", "7000")
		t.Setenv("APP_ENV", "production")
		t.Setenv("POOL_OWNER", ownerA.Hex())
		t.Setenv("POOL_ADMIN", adminB.Hex())
		t.Setenv("TRANSFER_MODE", "Gateway")
		t.Setenv("GATEWAY_URL", "https://custody.example")
		t.Setenv("GATEWAY_TOKEN", "tok")
		t.Setenv("ASSET_DECIMALS", "2")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "7000", cfg.Port)
		assert.True(t, cfg.IsProduction())
		assert.Equal(t, ownerA.Hex(), cfg.Pool.Owner)
		assert.Equal(t, transferModeGateway, cfg.Transfer.Mode)
		assert.Equal(t, "tok", cfg.Transfer.GatewayToken)
		assert.Equal(t, 2, cfg.Transfer.Decimals)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad ASSET_DECIMALS keeps the default", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("ASSET_DECIMALS", "six")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, 6, cfg.Transfer.Decimals)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown transfer mode", func(c *Config) { c.Transfer.Mode = "carrier-pigeon" }},
		{"gateway without url", func(c *Config) { c.Transfer.Mode = transferModeGateway }},
		{"sandbox in production", func(c *Config) { c.Env = "production" }},
		{"decimals out of range", func(c *Config) { c.Transfer.Decimals = 30 }},
		{"owner without admin", func(c *Config) { c.Pool.Owner = ownerA.Hex() }},
		{"bad owner", func(c *Config) { c.Pool.Owner = "alice"; c.Pool.Admin = adminB.Hex() }},
		{"bad pool address", func(c *Config) { c.Pool.Address = "0x12" }},
		{"bad caller account", func(c *Config) {
			c.Callers = []CallerConfig{{Name: "x", Account: "nope", KeyHash: "a:b"}}
		}},
		{"bad caller hash", func(c *Config) {
			c.Callers = []CallerConfig{{Name: "x", Account: ownerA.Hex(), KeyHash: "plaintext"}}
		}},
		{"caller hash without key id", func(c *Config) {
			c.Callers = []CallerConfig{{Name: "x", Account: ownerA.Hex(), KeyHash: "salt:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
