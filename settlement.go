package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// RewardLedger is the full operation surface of the reward pool. Every
// mutating operation is one settlement unit: it commits completely or leaves
// no trace.
type RewardLedger interface {
	Init(ctx context.Context, owner, admin AccountID) error
	FundPool(ctx context.Context, caller AccountID, amount uint64, payment PaymentEvidence) (*Settlement, error)
	ClaimReward(ctx context.Context, caller AccountID, req ClaimRequest) (*ClaimRecord, error)
	UpdateAdmin(ctx context.Context, caller, newAdmin AccountID) error
	EmergencyWithdraw(ctx context.Context, caller AccountID, amount uint64) (*Settlement, error)

	IsClaimed(ctx context.Context, user AccountID, milestoneID string) (bool, error)
	GetClaimedAmount(ctx context.Context, user AccountID, milestoneID string) (uint64, error)
	GetClaim(ctx context.Context, user AccountID, milestoneID string) (*ClaimRecord, error)
	GetTotalPool(ctx context.Context) (uint64, error)
	GetTotalClaimed(ctx context.Context) (uint64, error)
	GetAvailableBalance(ctx context.Context) (uint64, error)
	PoolSnapshot(ctx context.Context) (Pool, error)
	Journal(ctx context.Context, limit int) ([]JournalEntry, error)
}

type ClaimRequest struct {
	Recipient   AccountID
	MilestoneID string
	GameID      string
	Amount      uint64
}

// Settlement summarizes a committed pool movement.
type Settlement struct {
	ID          string    `json:"settlementId"`
	Operation   Operation `json:"operation"`
	Amount      uint64    `json:"amount"`
	TransferRef string    `json:"transferRef,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

type EngineConfig struct {
	// PoolAddress, when set, is the account inbound payments must be sent to.
	PoolAddress AccountID
	// Verifier, when set, replaces caller-declared payment evidence with
	// what the payment network confirms for the transaction id.
	Verifier PaymentVerifier
}

type Engine struct {
	store     LedgerStore
	transfers TransferExecutor
	logger    *zap.Logger
	cfg       EngineConfig
	now       func() time.Time
}

var _ RewardLedger = (*Engine)(nil)

func NewEngine(store LedgerStore, transfers TransferExecutor, logger *zap.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		transfers: transfers,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// timestamp is truncated to whole seconds so every backend stores the same
// value it returns.
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

func (e *Engine) journalEntry(settlementID string, op Operation, caller, counterparty AccountID, amount uint64, at time.Time) JournalEntry {
	return JournalEntry{
		ID:           uuid.NewString(),
		SettlementID: settlementID,
		Operation:    op,
		Caller:       caller,
		Counterparty: counterparty,
		Amount:       amount,
		CreatedAt:    at,
	}
}

func (e *Engine) aborted(op Operation, settlementID string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("settlement_id", settlementID),
		zap.String("operation", string(op)),
		zap.String("code", errorCode(err)),
		zap.Error(err),
	)
	e.logger.Warn("settlement aborted", fields...)
}

func (e *Engine) Init(ctx context.Context, owner, admin AccountID) error {
	settlementID := uuid.NewString()
	at := e.timestamp()

	err := e.store.Atomic(ctx, func(unit LedgerUnit) error {
		pool, err := unit.LoadPool()
		if err != nil {
			return err
		}
		if pool.Initialized {
			return ErrAlreadyInitialized
		}

		pool = Pool{
			Owner:       owner,
			Admin:       admin,
			Address:     e.cfg.PoolAddress,
			Initialized: true,
		}
		if err := unit.SavePool(pool); err != nil {
			return err
		}
		return unit.AppendJournal(e.journalEntry(settlementID, OpInit, owner, admin, 0, at))
	})
	if err != nil {
		e.aborted(OpInit, settlementID, err)
		return err
	}

	e.logger.Info("pool initialized",
		zap.String("settlement_id", settlementID),
		zap.String("owner", owner.Hex()),
		zap.String("admin", admin.Hex()),
	)
	return nil
}

// FundPool credits the pool with an inbound payment. The payment must carry
// exactly amount and may fund the pool only once. The sender is not checked:
// anyone may fund the pool. With a verifier configured only payment.TxID is
// read from the caller; the rest comes from the verifier, after the pool and
// amount gates.
func (e *Engine) FundPool(ctx context.Context, caller AccountID, amount uint64, payment PaymentEvidence) (*Settlement, error) {
	settlementID := uuid.NewString()
	paymentTxID := payment.TxID
	at := e.timestamp()

	err := e.store.Atomic(ctx, func(unit LedgerUnit) error {
		pool, err := unit.LoadPool()
		if err != nil {
			return err
		}
		if !pool.Initialized {
			return ErrNotInitialized
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		if payment.TxID == "" {
			return fmt.Errorf("%w: payment transaction id is required", ErrMalformedInput)
		}
		if e.cfg.Verifier != nil {
			confirmed, err := e.cfg.Verifier.VerifyPayment(ctx, payment.TxID)
			if err != nil {
				return err
			}
			if confirmed == nil {
				return fmt.Errorf("%w: no payment found for %s", ErrPaymentMismatch, payment.TxID)
			}
			if confirmed.TxID != "" && confirmed.TxID != payment.TxID {
				return fmt.Errorf("%w: confirmed transaction %s", ErrPaymentMismatch, confirmed.TxID)
			}
			payment = *confirmed
			payment.TxID = paymentTxID
		}
		if payment.Amount != amount {
			return fmt.Errorf("%w: declared %d, paid %d", ErrPaymentMismatch, amount, payment.Amount)
		}
		if pool.Address != (AccountID{}) && payment.Receiver != pool.Address {
			return fmt.Errorf("%w: payment sent to %s", ErrPaymentMismatch, payment.Receiver.Hex())
		}

		if err := unit.RecordPayment(payment.TxID, payment.Sender, payment.Amount, at); err != nil {
			return err
		}
		if err := pool.Fund(amount); err != nil {
			return err
		}
		if err := unit.SavePool(pool); err != nil {
			return err
		}

		entry := e.journalEntry(settlementID, OpFundPool, caller, payment.Sender, amount, at)
		entry.TransferRef = payment.TxID
		return unit.AppendJournal(entry)
	})
	if err != nil {
		e.aborted(OpFundPool, settlementID, err, zap.Uint64("amount", amount), zap.String("tx_id", payment.TxID))
		return nil, err
	}

	e.logger.Info("pool funded",
		zap.String("settlement_id", settlementID),
		zap.Uint64("amount", amount),
		zap.String("tx_id", payment.TxID),
		zap.String("sender", payment.Sender.Hex()),
	)
	return &Settlement{
		ID:          settlementID,
		Operation:   OpFundPool,
		Amount:      amount,
		TransferRef: payment.TxID,
		CompletedAt: at,
	}, nil
}

// ClaimReward pays req.Amount to req.Recipient for a milestone, at most once
// per (recipient, milestone). Bookkeeping is staged in the unit before the
// transfer is issued, so a failed transfer leaves neither a claim record nor
// a counter change behind.
func (e *Engine) ClaimReward(ctx context.Context, caller AccountID, req ClaimRequest) (*ClaimRecord, error) {
	record, _, err := e.claimReward(ctx, caller, req)
	return record, err
}

// claimIdempotencyKey is derived from the claim key alone. A claim that
// rolled back after the executor moved the funds (a response lost to a
// timeout) is retried under the same key and cannot pay twice.
func claimIdempotencyKey(key ClaimKey) string {
	return "claim-" + key.String()
}

func (e *Engine) claimReward(ctx context.Context, caller AccountID, req ClaimRequest) (*ClaimRecord, *claimMachine, error) {
	settlementID := uuid.NewString()
	at := e.timestamp()
	machine := newClaimMachine()

	var record ClaimRecord
	var receipt *TransferReceipt

	err := e.store.Atomic(ctx, func(unit LedgerUnit) error {
		pool, err := unit.LoadPool()
		if err != nil {
			return err
		}
		if !pool.Initialized {
			return ErrNotInitialized
		}
		if err := requireRole(pool, RoleAdmin, caller); err != nil {
			return err
		}
		if req.Amount == 0 {
			return ErrInvalidAmount
		}
		if !isValidMilestoneID(req.MilestoneID) {
			return fmt.Errorf("%w: milestone id %q", ErrMalformedInput, req.MilestoneID)
		}
		if err := machine.advance(ctx, claimEventValidate); err != nil {
			return err
		}

		key := DeriveClaimKey(req.Recipient, []byte(req.MilestoneID))
		claimed, err := unit.Claims().Exists(key)
		if err != nil {
			return err
		}
		if claimed {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyClaimed, req.Recipient.Hex(), req.MilestoneID)
		}

		if err := pool.Reserve(req.Amount); err != nil {
			return err
		}
		if err := unit.SavePool(pool); err != nil {
			return err
		}
		record = ClaimRecord{
			Key:          key,
			Recipient:    req.Recipient,
			MilestoneID:  req.MilestoneID,
			GameID:       req.GameID,
			Amount:       req.Amount,
			SettlementID: settlementID,
			ClaimedAt:    at,
		}
		if err := unit.Claims().Put(record); err != nil {
			return err
		}
		if err := machine.advance(ctx, claimEventReserve); err != nil {
			return err
		}

		receipt, err = e.transfers.Send(ctx, TransferRequest{
			SettlementID:   settlementID,
			IdempotencyKey: claimIdempotencyKey(key),
			Operation:      OpClaimReward,
			Recipient:      req.Recipient,
			Amount:         req.Amount,
		})
		if err != nil {
			return transferFailed(err)
		}
		if err := machine.advance(ctx, claimEventTransfer); err != nil {
			return err
		}

		entry := e.journalEntry(settlementID, OpClaimReward, caller, req.Recipient, req.Amount, at)
		entry.MilestoneID = req.MilestoneID
		entry.TransferRef = receipt.Reference
		return unit.AppendJournal(entry)
	})
	if err != nil {
		state := machine.abort(ctx)
		if receipt != nil {
			e.unrecordedTransfer(OpClaimReward, settlementID, req.Recipient, req.Amount, receipt, err)
		}
		e.aborted(OpClaimReward, settlementID, err,
			zap.String("state", state),
			zap.String("recipient", req.Recipient.Hex()),
			zap.String("milestone_id", req.MilestoneID),
			zap.Uint64("amount", req.Amount),
		)
		return nil, machine, err
	}
	if err := machine.advance(ctx, claimEventCommit); err != nil {
		e.logger.Error("claim state machine out of step", zap.String("settlement_id", settlementID), zap.Error(err))
	}

	e.logger.Info("reward claimed",
		zap.String("settlement_id", settlementID),
		zap.String("recipient", req.Recipient.Hex()),
		zap.String("milestone_id", req.MilestoneID),
		zap.Uint64("amount", req.Amount),
		zap.String("transfer_ref", receipt.Reference),
	)
	return &record, machine, nil
}

// unrecordedTransfer reports funds that left the pool in a unit that then
// failed to commit. Operators reconcile these from the log.
func (e *Engine) unrecordedTransfer(op Operation, settlementID string, recipient AccountID, amount uint64, receipt *TransferReceipt, err error) {
	e.logger.Error("transfer sent but settlement not committed",
		zap.String("settlement_id", settlementID),
		zap.String("operation", string(op)),
		zap.String("recipient", recipient.Hex()),
		zap.Uint64("amount", amount),
		zap.String("transfer_ref", receipt.Reference),
		zap.Error(err),
	)
}

func (e *Engine) UpdateAdmin(ctx context.Context, caller, newAdmin AccountID) error {
	settlementID := uuid.NewString()
	at := e.timestamp()

	err := e.store.Atomic(ctx, func(unit LedgerUnit) error {
		pool, err := unit.LoadPool()
		if err != nil {
			return err
		}
		if !pool.Initialized {
			return ErrNotInitialized
		}
		if err := requireRole(pool, RoleOwner, caller); err != nil {
			return err
		}

		pool.Admin = newAdmin
		if err := unit.SavePool(pool); err != nil {
			return err
		}
		return unit.AppendJournal(e.journalEntry(settlementID, OpUpdateAdmin, caller, newAdmin, 0, at))
	})
	if err != nil {
		e.aborted(OpUpdateAdmin, settlementID, err, zap.String("caller", caller.Hex()))
		return err
	}

	e.logger.Info("admin updated",
		zap.String("settlement_id", settlementID),
		zap.String("admin", newAdmin.Hex()),
	)
	return nil
}

// EmergencyWithdraw pays amount from the unclaimed balance to the owner and
// takes it out of the pool.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller AccountID, amount uint64) (*Settlement, error) {
	settlementID := uuid.NewString()
	at := e.timestamp()

	var receipt *TransferReceipt
	err := e.store.Atomic(ctx, func(unit LedgerUnit) error {
		pool, err := unit.LoadPool()
		if err != nil {
			return err
		}
		if !pool.Initialized {
			return ErrNotInitialized
		}
		if err := requireRole(pool, RoleOwner, caller); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}

		if err := pool.Reduce(amount); err != nil {
			return err
		}
		if err := unit.SavePool(pool); err != nil {
			return err
		}

		receipt, err = e.transfers.Send(ctx, TransferRequest{
			SettlementID: settlementID,
			Operation:    OpEmergencyWithdraw,
			Recipient:    pool.Owner,
			Amount:       amount,
		})
		if err != nil {
			return transferFailed(err)
		}

		entry := e.journalEntry(settlementID, OpEmergencyWithdraw, caller, pool.Owner, amount, at)
		entry.TransferRef = receipt.Reference
		return unit.AppendJournal(entry)
	})
	if err != nil {
		if receipt != nil {
			e.unrecordedTransfer(OpEmergencyWithdraw, settlementID, caller, amount, receipt, err)
		}
		e.aborted(OpEmergencyWithdraw, settlementID, err, zap.Uint64("amount", amount))
		return nil, err
	}

	e.logger.Info("emergency withdrawal",
		zap.String("settlement_id", settlementID),
		zap.Uint64("amount", amount),
		zap.String("transfer_ref", receipt.Reference),
	)
	return &Settlement{
		ID:          settlementID,
		Operation:   OpEmergencyWithdraw,
		Amount:      amount,
		TransferRef: receipt.Reference,
		CompletedAt: at,
	}, nil
}

func (e *Engine) claimRecord(ctx context.Context, user AccountID, milestoneID string) (*ClaimRecord, error) {
	if !isValidMilestoneID(milestoneID) {
		return nil, fmt.Errorf("%w: milestone id %q", ErrMalformedInput, milestoneID)
	}
	key := DeriveClaimKey(user, []byte(milestoneID))

	var record *ClaimRecord
	err := e.store.View(ctx, func(unit LedgerUnit) error {
		var err error
		record, err = unit.Claims().Get(key)
		return err
	})
	return record, err
}

func (e *Engine) IsClaimed(ctx context.Context, user AccountID, milestoneID string) (bool, error) {
	record, err := e.claimRecord(ctx, user, milestoneID)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// GetClaimedAmount returns the amount paid for the claim, or 0 if none.
func (e *Engine) GetClaimedAmount(ctx context.Context, user AccountID, milestoneID string) (uint64, error) {
	record, err := e.claimRecord(ctx, user, milestoneID)
	if err != nil || record == nil {
		return 0, err
	}
	return record.Amount, nil
}

// GetClaim returns the full record for a claim, or nil if none exists.
func (e *Engine) GetClaim(ctx context.Context, user AccountID, milestoneID string) (*ClaimRecord, error) {
	return e.claimRecord(ctx, user, milestoneID)
}

func (e *Engine) PoolSnapshot(ctx context.Context) (Pool, error) {
	var pool Pool
	err := e.store.View(ctx, func(unit LedgerUnit) error {
		var err error
		pool, err = unit.LoadPool()
		return err
	})
	return pool, err
}

func (e *Engine) GetTotalPool(ctx context.Context) (uint64, error) {
	pool, err := e.PoolSnapshot(ctx)
	return pool.TotalFunded, err
}

func (e *Engine) GetTotalClaimed(ctx context.Context) (uint64, error) {
	pool, err := e.PoolSnapshot(ctx)
	return pool.TotalClaimed, err
}

func (e *Engine) GetAvailableBalance(ctx context.Context) (uint64, error) {
	pool, err := e.PoolSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return pool.Available()
}

func (e *Engine) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}

	var entries []JournalEntry
	err := e.store.View(ctx, func(unit LedgerUnit) error {
		var err error
		entries, err = unit.ListJournal(limit)
		return err
	})
	return entries, err
}

// isLedgerError reports whether err is one of the ledger's own error kinds
// rather than an infrastructure failure.
func isLedgerError(err error) bool {
	for _, known := range ledgerErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
