package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "rewardd.yaml"

func main() {
	configPath := os.Getenv("REWARDD_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("starting rewardd",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store.Driver),
		zap.String("transfer_mode", cfg.Transfer.Mode),
	)
	if cfg.Transfer.Mode == transferModeSandbox {
		logger.Warn("sandbox transfers enabled; no funds leave this process")
	}

	ctx := context.Background()
	store, err := OpenLedgerStore(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer store.Close()

	transfers, verifier, err := newTransfers(cfg)
	if err != nil {
		logger.Fatal("failed to configure transfers", zap.Error(err))
	}

	engine := NewEngine(store, transfers, logger.Named("settlement"), EngineConfig{
		PoolAddress: cfg.PoolAddress(),
		Verifier:    verifier,
	})
	if err := bootstrapPool(ctx, cfg, store, engine, logger); err != nil {
		logger.Fatal("pool bootstrap failed", zap.Error(err))
	}

	callers, err := NewCallerDirectory(cfg.Callers)
	if err != nil {
		logger.Fatal("invalid caller configuration", zap.Error(err))
	}
	logger.Info("callers loaded", zap.Int("count", callers.Len()))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	server := NewServer(engine, callers, logger.Named("http"))

	addr := "0.0.0.0:" + cfg.Port
	logger.Info("listening", zap.String("addr", addr))
	if err := server.Run(addr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = atomic
	return config.Build()
}

// newTransfers picks the executor for the configured mode. The gateway also
// verifies inbound payments; the sandbox trusts declared evidence.
func newTransfers(cfg *Config) (TransferExecutor, PaymentVerifier, error) {
	switch cfg.Transfer.Mode {
	case transferModeGateway:
		gateway, err := NewGatewayTransfers(GatewayOptions{
			BaseURL:  cfg.Transfer.GatewayURL,
			Token:    cfg.Transfer.GatewayToken,
			Asset:    cfg.Transfer.Asset,
			Decimals: cfg.Transfer.Decimals,
			Timeout:  cfg.TransferTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return gateway, gateway, nil
	case transferModeSandbox:
		return NewSandboxTransfers(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transfer mode %q", cfg.Transfer.Mode)
	}
}
