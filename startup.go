package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	startupAdvisoryLockID int64 = 824173921
	startupUnlockTimeout        = 5 * time.Second
)

// withStartupLock runs fn while holding the cluster-wide startup advisory
// lock. It reports false without running fn when another instance holds the
// lock. The lock is session scoped, so it is taken and released on one
// pinned connection.
func withStartupLock(ctx context.Context, db *sql.DB, logger *zap.Logger, fn func(context.Context) error) (bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, startupAdvisoryLockID).Scan(&acquired); err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// Closing conn returns the session to the pool with the lock still
		// held, so unlock explicitly even when ctx is done.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startupUnlockTimeout)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, startupAdvisoryLockID); err != nil {
			logger.Warn("failed to release startup lock", zap.Error(err))
		}
	}()

	return true, fn(ctx)
}

// bootstrapPool runs the one-time Init from configured identities. On
// Postgres only the instance holding the startup lock attempts it; an
// instance that loses the race sees ErrAlreadyInitialized, which is fine.
func bootstrapPool(ctx context.Context, cfg *Config, store LedgerStore, engine *Engine, logger *zap.Logger) error {
	owner, admin, ok := cfg.BootstrapIdentities()
	if !ok {
		logger.Info("pool bootstrap skipped: no owner/admin configured")
		return nil
	}

	if sqlStore, isSQL := store.(*SQLStore); isSQL && sqlStore.dialect == dialectPostgres {
		ran, err := withStartupLock(ctx, sqlStore.DB(), logger, func(ctx context.Context) error {
			return initPool(ctx, owner, admin, engine, logger)
		})
		if err != nil {
			return err
		}
		if !ran {
			logger.Info("startup lock held by another instance; skipping pool bootstrap")
		}
		return nil
	}
	return initPool(ctx, owner, admin, engine, logger)
}

func initPool(ctx context.Context, owner, admin AccountID, engine *Engine, logger *zap.Logger) error {
	pool, err := engine.PoolSnapshot(ctx)
	if err != nil {
		return err
	}
	if pool.Initialized {
		if pool.Owner != owner {
			logger.Warn("configured pool owner differs from the initialized pool",
				zap.String("configured", owner.Hex()),
				zap.String("stored", pool.Owner.Hex()),
			)
		}
		logger.Info("pool already initialized", zap.String("owner", pool.Owner.Hex()))
		return nil
	}

	if err := engine.Init(ctx, owner, admin); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		return err
	}
	return nil
}
