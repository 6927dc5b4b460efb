package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type TransferRequest struct {
	SettlementID string
	// IdempotencyKey is stable across retries of the same payout, so an
	// executor that already moved the funds returns the earlier receipt
	// instead of paying again. Claims key on the claim key.
	IdempotencyKey string
	Operation      Operation
	Recipient      AccountID
	Amount         uint64
}

func (r TransferRequest) idempotencyKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.SettlementID
}

type TransferReceipt struct {
	Reference string
	SentAt    time.Time
}

// TransferExecutor moves value out of the pool. It is the only component
// that touches external funds. Send either moves exactly Amount or fails;
// the ledger never retries a failed send.
type TransferExecutor interface {
	Send(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
}

// PaymentEvidence describes the inbound payment that accompanies a fundPool
// submission.
type PaymentEvidence struct {
	TxID     string    `json:"txId"`
	Sender   AccountID `json:"sender"`
	Receiver AccountID `json:"receiver"`
	Amount   uint64    `json:"amount"`
}

// PaymentVerifier resolves a payment transaction id into evidence confirmed
// by the payment network.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txID string) (*PaymentEvidence, error)
}

var errSandboxRejected = errors.New("sandbox transfer rejected")

// SandboxTransfers is an in-process custody ledger used in dev mode. Every
// successful send credits the recipient's sandbox balance.
type SandboxTransfers struct {
	mu       sync.Mutex
	balances map[AccountID]uint64
	sent     []TransferRequest
	failFor  map[AccountID]error
	receipts map[string]TransferReceipt
	seq      int
}

func NewSandboxTransfers() *SandboxTransfers {
	return &SandboxTransfers{
		balances: make(map[AccountID]uint64),
		failFor:  make(map[AccountID]error),
		receipts: make(map[string]TransferReceipt),
	}
}

func (s *SandboxTransfers) Send(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failFor[req.Recipient]; ok {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", errSandboxRejected)
	}

	if req.IdempotencyKey != "" {
		if receipt, ok := s.receipts[req.IdempotencyKey]; ok {
			return &receipt, nil
		}
	}

	s.seq++
	s.balances[req.Recipient] += req.Amount
	s.sent = append(s.sent, req)
	receipt := TransferReceipt{
		Reference: fmt.Sprintf("sandbox-%d-%s", s.seq, req.SettlementID),
		SentAt:    time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		s.receipts[req.IdempotencyKey] = receipt
	}
	return &receipt, nil
}

// FailFor makes every send to recipient fail with err until Restore.
func (s *SandboxTransfers) FailFor(recipient AccountID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errSandboxRejected
	}
	s.failFor[recipient] = err
}

func (s *SandboxTransfers) Restore(recipient AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failFor, recipient)
}

func (s *SandboxTransfers) Balance(account AccountID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account]
}

func (s *SandboxTransfers) Sent() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferRequest, len(s.sent))
	copy(out, s.sent)
	return out
}
