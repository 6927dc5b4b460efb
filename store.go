package main

import (
	"context"
	"fmt"
	"time"
)

type ClaimRecord struct {
	Key          ClaimKey  `json:"key"`
	Recipient    AccountID `json:"recipient"`
	MilestoneID  string    `json:"milestoneId"`
	GameID       string    `json:"gameId,omitempty"`
	Amount       uint64    `json:"amount"`
	SettlementID string    `json:"settlementId"`
	ClaimedAt    time.Time `json:"claimedAt"`
}

// ClaimStore is the single-write mapping from claim key to record.
type ClaimStore interface {
	Exists(key ClaimKey) (bool, error)
	// Get returns nil, nil when no record exists for key.
	Get(key ClaimKey) (*ClaimRecord, error)
	// Put fails with ErrAlreadyClaimed when key is already recorded.
	Put(record ClaimRecord) error
}

type Operation string

const (
	OpInit              Operation = "init"
	OpFundPool          Operation = "fund_pool"
	OpClaimReward       Operation = "claim_reward"
	OpUpdateAdmin       Operation = "update_admin"
	OpEmergencyWithdraw Operation = "emergency_withdraw"
)

type JournalEntry struct {
	ID           string    `json:"id"`
	// Seq is assigned by the store on append and increases in commit order.
	Seq          uint64    `json:"seq"`
	SettlementID string    `json:"settlementId"`
	Operation    Operation `json:"operation"`
	Caller       AccountID `json:"caller"`
	Counterparty AccountID `json:"counterparty"`
	MilestoneID  string    `json:"milestoneId,omitempty"`
	Amount       uint64    `json:"amount"`
	TransferRef  string    `json:"transferRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LedgerUnit is the view of ledger state inside one settlement unit. Writes
// made through a unit become visible to later reads in the same unit and to
// everyone else only once the unit commits.
type LedgerUnit interface {
	Claims() ClaimStore
	LoadPool() (Pool, error)
	SavePool(pool Pool) error
	// RecordPayment fails with ErrPaymentReplayed if txID was already used.
	RecordPayment(txID string, sender AccountID, amount uint64, at time.Time) error
	AppendJournal(entry JournalEntry) error
	// ListJournal returns the newest entries first, ordered by Seq.
	ListJournal(limit int) ([]JournalEntry, error)
}

// LedgerStore provides serializable units of work. Atomic commits every write
// made by fn when fn returns nil and discards all of them otherwise; no two
// Atomic units observe each other's partial state.
type LedgerStore interface {
	Atomic(ctx context.Context, fn func(LedgerUnit) error) error
	View(ctx context.Context, fn func(LedgerUnit) error) error
	Close() error
}

// StoreOptions selects and configures a backend.
type StoreOptions struct {
	Driver    string
	DSN       string
	BadgerDir string
}

func OpenLedgerStore(ctx context.Context, opts StoreOptions) (LedgerStore, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return OpenBadgerStore(opts.BadgerDir)
	case "postgres":
		return OpenSQLStore(ctx, dialectPostgres, opts.DSN)
	case "sqlite":
		return OpenSQLStore(ctx, dialectSQLite, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
