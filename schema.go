package main

import (
	"context"
	"database/sql"
)

// ensureSchema creates the ledger tables. Statements are idempotent and
// portable between Postgres and SQLite.
func ensureSchema(ctx context.Context, db *sql.DB) error {

	// 1️⃣ reward_pool singleton
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reward_pool (
			id INTEGER PRIMARY KEY,
			owner_account TEXT NOT NULL DEFAULT '',
			admin_account TEXT NOT NULL DEFAULT '',
			pool_account TEXT NOT NULL DEFAULT '',
			total_funded BIGINT NOT NULL DEFAULT 0,
			total_claimed BIGINT NOT NULL DEFAULT 0,
			initialized BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at_unix BIGINT NOT NULL DEFAULT 0,
			CHECK (total_claimed <= total_funded)
		);
	`)
	if err != nil {
		return err
	}

	// The row always exists so every unit can lock it.
	_, err = db.ExecContext(ctx, `
		INSERT INTO reward_pool (id) VALUES (1)
		ON CONFLICT (id) DO NOTHING;
	`)
	if err != nil {
		return err
	}

	// 2️⃣ reward_claims
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reward_claims (
			claim_key TEXT PRIMARY KEY,
			recipient TEXT NOT NULL,
			milestone_id TEXT NOT NULL,
			game_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			settlement_id TEXT NOT NULL,
			claimed_at_unix BIGINT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_reward_claims_recipient
		ON reward_claims (recipient);
	`)
	if err != nil {
		return err
	}

	// 3️⃣ pool_payments
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pool_payments (
			tx_id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			amount BIGINT NOT NULL,
			received_at_unix BIGINT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	// 4️⃣ settlement_journal
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_journal (
			entry_id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			settlement_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			caller TEXT NOT NULL,
			counterparty TEXT NOT NULL,
			milestone_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			transfer_ref TEXT NOT NULL DEFAULT '',
			created_at_unix_nano BIGINT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_journal_seq
		ON settlement_journal (seq);
	`)
	return err
}
