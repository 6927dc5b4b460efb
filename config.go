package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	transferModeSandbox = "sandbox"
	transferModeGateway = "gateway"
)

var validStoreDrivers = []string{"memory", "badger", "postgres", "sqlite"}

type Config struct {
	Env      string         `yaml:"env"`
	Port     string         `yaml:"port"`
	LogLevel string         `yaml:"log_level"`
	Store    StoreConfig    `yaml:"store"`
	Pool     PoolConfig     `yaml:"pool"`
	Transfer TransferConfig `yaml:"transfer"`
	Callers  []CallerConfig `yaml:"callers"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	BadgerDir string `yaml:"badger_dir"`
}

// PoolConfig holds the identities used by the startup bootstrap. Owner and
// admin are only applied while the pool is uninitialized.
type PoolConfig struct {
	Owner   string `yaml:"owner"`
	Admin   string `yaml:"admin"`
	Address string `yaml:"address"`
}

type TransferConfig struct {
	Mode           string `yaml:"mode"`
	GatewayURL     string `yaml:"gateway_url"`
	GatewayToken   string `yaml:"gateway_token"`
	Asset          string `yaml:"asset"`
	Decimals       int    `yaml:"decimals"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CallerConfig maps an API key to an account. KeyHash is "id:salt:hash" as
// printed by scripts/caller_key.go; the raw key is never stored.
type CallerConfig struct {
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
	KeyHash string `yaml:"key_hash"`
}

func DefaultConfig() *Config {
	return &Config{
		Env:      "local",
		Port:     "8080",
		LogLevel: "info",
		Store: StoreConfig{
			Driver: "memory",
		},
		Transfer: TransferConfig{
			Mode:           transferModeSandbox,
			Asset:          "ALGO",
			Decimals:       6,
			TimeoutSeconds: 15,
		},
	}
}

// LoadConfig reads path (a missing file means defaults), then applies
// environment overrides. Call Validate before use.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "" {
		c.Env = env
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Port = port
	}
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.LogLevel = level
	}

	driverSet := false
	if driver := strings.TrimSpace(os.Getenv("STORE_DRIVER")); driver != "" {
		c.Store.Driver = strings.ToLower(driver)
		driverSet = true
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		c.Store.DSN = dsn
		// DATABASE_URL alone selects Postgres, as it always has.
		if !driverSet && (c.Store.Driver == "" || c.Store.Driver == "memory") {
			c.Store.Driver = "postgres"
		}
	}
	if dir := strings.TrimSpace(os.Getenv("BADGER_DIR")); dir != "" {
		c.Store.BadgerDir = dir
	}

	if owner := strings.TrimSpace(os.Getenv("POOL_OWNER")); owner != "" {
		c.Pool.Owner = owner
	}
	if admin := strings.TrimSpace(os.Getenv("POOL_ADMIN")); admin != "" {
		c.Pool.Admin = admin
	}
	if address := strings.TrimSpace(os.Getenv("POOL_ADDRESS")); address != "" {
		c.Pool.Address = address
	}

	if mode := strings.TrimSpace(os.Getenv("TRANSFER_MODE")); mode != "" {
		c.Transfer.Mode = strings.ToLower(mode)
	}
	if url := strings.TrimSpace(os.Getenv("GATEWAY_URL")); url != "" {
		c.Transfer.GatewayURL = url
	}
	if token := strings.TrimSpace(os.Getenv("GATEWAY_TOKEN")); token != "" {
		c.Transfer.GatewayToken = token
	}
	c.Transfer.Decimals = parseEnvInt("ASSET_DECIMALS", c.Transfer.Decimals)
}

func parseEnvInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (c *Config) Validate() error {
	validDriver := false
	for _, driver := range validStoreDrivers {
		if c.Store.Driver == driver {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, validStoreDrivers)
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite") && c.Store.DSN == "" {
		return fmt.Errorf("store driver %s requires a DSN (set DATABASE_URL)", c.Store.Driver)
	}

	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.Transfer.Mode {
	case transferModeSandbox:
		if c.IsProduction() {
			return fmt.Errorf("sandbox transfers are not allowed in production")
		}
	case transferModeGateway:
		if c.Transfer.GatewayURL == "" {
			return fmt.Errorf("gateway transfer mode requires GATEWAY_URL")
		}
	default:
		return fmt.Errorf("invalid transfer mode: %s", c.Transfer.Mode)
	}
	if c.Transfer.Decimals < 0 || c.Transfer.Decimals > 18 {
		return fmt.Errorf("asset decimals out of range: %d", c.Transfer.Decimals)
	}

	if (c.Pool.Owner == "") != (c.Pool.Admin == "") {
		return fmt.Errorf("pool owner and admin must be configured together")
	}
	for name, value := range map[string]string{"owner": c.Pool.Owner, "admin": c.Pool.Admin, "address": c.Pool.Address} {
		if value == "" {
			continue
		}
		if _, ok := parseAccountID(value); !ok {
			return fmt.Errorf("invalid pool %s account: %s", name, value)
		}
	}

	for i, caller := range c.Callers {
		if _, ok := parseAccountID(caller.Account); !ok {
			return fmt.Errorf("caller %d (%s): invalid account %q", i, caller.Name, caller.Account)
		}
		if _, _, _, ok := parseKeyHash(caller.KeyHash); !ok {
			return fmt.Errorf("caller %d (%s): key_hash must be id:salt:hash", i, caller.Name)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// BootstrapIdentities returns the configured owner and admin, if any.
func (c *Config) BootstrapIdentities() (owner, admin AccountID, ok bool) {
	if c.Pool.Owner == "" || c.Pool.Admin == "" {
		return AccountID{}, AccountID{}, false
	}
	owner, okOwner := parseAccountID(c.Pool.Owner)
	admin, okAdmin := parseAccountID(c.Pool.Admin)
	return owner, admin, okOwner && okAdmin
}

func (c *Config) PoolAddress() AccountID {
	return accountFromColumn(c.Pool.Address)
}

func (c *Config) TransferTimeout() time.Duration {
	if c.Transfer.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Transfer.TimeoutSeconds) * time.Second
}

func (c *Config) StoreOptions() StoreOptions {
	return StoreOptions{
		Driver:    c.Store.Driver,
		DSN:       c.Store.DSN,
		BadgerDir: c.Store.BadgerDir,
	}
}
