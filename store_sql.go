package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectPostgres sqlDialect = "postgres"
	dialectSQLite   sqlDialect = "sqlite"
)

var errAmountOutOfRange = errors.New("amount exceeds storable range")

// SQLStore keeps the ledger in Postgres (production) or SQLite (single node,
// tests). Every unit locks the reward_pool row, which serializes writers.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func OpenSQLStore(ctx context.Context, dialect sqlDialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a DSN", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case dialectPostgres:
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	case dialectSQLite:
		// One connection: SQLite serializes writers anyway and :memory:
		// databases are per connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// DB exposes the handle for startup coordination (advisory locks).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Atomic(ctx context.Context, fn func(LedgerUnit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	unit := &sqlUnit{ctx: ctx, tx: tx, dialect: s.dialect}
	if _, err := unit.lockPool(); err != nil {
		return err
	}
	if err := fn(unit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) View(ctx context.Context, fn func(LedgerUnit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(&sqlUnit{ctx: ctx, tx: tx, dialect: s.dialect, readOnly: true})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlUnit struct {
	ctx      context.Context
	tx       *sql.Tx
	dialect  sqlDialect
	readOnly bool
}

// rebind rewrites $N placeholders to SQLite's ?N form.
func (u *sqlUnit) rebind(query string) string {
	if u.dialect != dialectSQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

func (u *sqlUnit) exec(query string, args ...interface{}) (sql.Result, error) {
	if u.readOnly {
		return nil, errReadOnlyUnit
	}
	return u.tx.ExecContext(u.ctx, u.rebind(query), args...)
}

func (u *sqlUnit) queryRow(query string, args ...interface{}) *sql.Row {
	return u.tx.QueryRowContext(u.ctx, u.rebind(query), args...)
}

func storableAmount(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", errAmountOutOfRange, amount)
	}
	return int64(amount), nil
}

func (u *sqlUnit) lockPool() (Pool, error) {
	query := `
		SELECT owner_account, admin_account, pool_account, total_funded, total_claimed, initialized
		FROM reward_pool
		WHERE id = 1
	`
	if u.dialect == dialectPostgres && !u.readOnly {
		query += " FOR UPDATE"
	}

	var owner, admin, address string
	var funded, claimed int64
	var pool Pool
	if err := u.queryRow(query).Scan(&owner, &admin, &address, &funded, &claimed, &pool.Initialized); err != nil {
		return Pool{}, fmt.Errorf("load pool: %w", err)
	}
	pool.Owner = accountFromColumn(owner)
	pool.Admin = accountFromColumn(admin)
	pool.Address = accountFromColumn(address)
	pool.TotalFunded = uint64(funded)
	pool.TotalClaimed = uint64(claimed)
	return pool, nil
}

func accountFromColumn(value string) AccountID {
	account, ok := parseAccountID(value)
	if !ok {
		return AccountID{}
	}
	return account
}

func accountColumn(account AccountID) string {
	if account == (AccountID{}) {
		return ""
	}
	return account.Hex()
}

func (u *sqlUnit) Claims() ClaimStore {
	return sqlClaims{u}
}

func (u *sqlUnit) LoadPool() (Pool, error) {
	return u.lockPool()
}

func (u *sqlUnit) SavePool(pool Pool) error {
	funded, err := storableAmount(pool.TotalFunded)
	if err != nil {
		return err
	}
	claimed, err := storableAmount(pool.TotalClaimed)
	if err != nil {
		return err
	}
	_, err = u.exec(`
		UPDATE reward_pool
		SET owner_account = $1,
			admin_account = $2,
			pool_account = $3,
			total_funded = $4,
			total_claimed = $5,
			initialized = $6,
			updated_at_unix = $7
		WHERE id = 1
	`, accountColumn(pool.Owner), accountColumn(pool.Admin), accountColumn(pool.Address), funded, claimed, pool.Initialized, time.Now().UTC().Unix())
	return err
}

func (u *sqlUnit) RecordPayment(txID string, sender AccountID, amount uint64, at time.Time) error {
	stored, err := storableAmount(amount)
	if err != nil {
		return err
	}
	result, err := u.exec(`
		INSERT INTO pool_payments (tx_id, sender, amount, received_at_unix)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_id) DO NOTHING
	`, txID, accountColumn(sender), stored, at.UTC().Unix())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentReplayed
	}
	return nil
}

// AppendJournal numbers entries in commit order. The pool row lock taken by
// every unit serializes writers, so MAX(seq)+1 cannot be handed out twice.
func (u *sqlUnit) AppendJournal(entry JournalEntry) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	amount, err := storableAmount(entry.Amount)
	if err != nil {
		return err
	}
	var seq int64
	if err := u.queryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM settlement_journal`).Scan(&seq); err != nil {
		return err
	}
	_, err = u.exec(`
		INSERT INTO settlement_journal (
			entry_id,
			seq,
			settlement_id,
			operation,
			caller,
			counterparty,
			milestone_id,
			amount,
			transfer_ref,
			created_at_unix_nano
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, seq, entry.SettlementID, string(entry.Operation), accountColumn(entry.Caller), accountColumn(entry.Counterparty),
		entry.MilestoneID, amount, entry.TransferRef, entry.CreatedAt.UnixNano())
	return err
}

func (u *sqlUnit) ListJournal(limit int) ([]JournalEntry, error) {
	rows, err := u.tx.QueryContext(u.ctx, u.rebind(`
		SELECT entry_id, seq, settlement_id, operation, caller, counterparty, milestone_id, amount, transfer_ref, created_at_unix_nano
		FROM settlement_journal
		ORDER BY seq DESC
		LIMIT $1
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var entry JournalEntry
		var operation, caller, counterparty string
		var seq, amount, createdAt int64
		if err := rows.Scan(&entry.ID, &seq, &entry.SettlementID, &operation, &caller, &counterparty,
			&entry.MilestoneID, &amount, &entry.TransferRef, &createdAt); err != nil {
			return nil, err
		}
		entry.Seq = uint64(seq)
		entry.Operation = Operation(operation)
		entry.Caller = accountFromColumn(caller)
		entry.Counterparty = accountFromColumn(counterparty)
		entry.Amount = uint64(amount)
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type sqlClaims struct {
	unit *sqlUnit
}

func (c sqlClaims) Exists(key ClaimKey) (bool, error) {
	var one int
	err := c.unit.queryRow(`
		SELECT 1
		FROM reward_claims
		WHERE claim_key = $1
	`, key.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c sqlClaims) Get(key ClaimKey) (*ClaimRecord, error) {
	var recipient string
	var amount, claimedAt int64
	record := ClaimRecord{Key: key}
	err := c.unit.queryRow(`
		SELECT recipient, milestone_id, game_id, amount, settlement_id, claimed_at_unix
		FROM reward_claims
		WHERE claim_key = $1
	`, key.String()).Scan(&recipient, &record.MilestoneID, &record.GameID, &amount, &record.SettlementID, &claimedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.Recipient = accountFromColumn(recipient)
	record.Amount = uint64(amount)
	record.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	return &record, nil
}

func (c sqlClaims) Put(record ClaimRecord) error {
	amount, err := storableAmount(record.Amount)
	if err != nil {
		return err
	}
	result, err := c.unit.exec(`
		INSERT INTO reward_claims (
			claim_key,
			recipient,
			milestone_id,
			game_id,
			amount,
			settlement_id,
			claimed_at_unix
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_key) DO NOTHING
	`, record.Key.String(), accountColumn(record.Recipient), record.MilestoneID, record.GameID, amount,
		record.SettlementID, record.ClaimedAt.UTC().Unix())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}
