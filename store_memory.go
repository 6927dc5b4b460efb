package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errReadOnlyUnit = errors.New("ledger unit is read-only")

// MemoryStore keeps the ledger in process memory. Units are serialized by a
// single writer lock and stage their writes until commit.
type MemoryStore struct {
	mu       sync.RWMutex
	pool     Pool
	claims   map[string]ClaimRecord
	payments map[string]struct{}
	journal  []JournalEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:   make(map[string]ClaimRecord),
		payments: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(LedgerUnit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unit := &memoryUnit{
		store:    s,
		pool:     s.pool,
		claims:   make(map[string]ClaimRecord),
		payments: make(map[string]struct{}),
	}
	if err := fn(unit); err != nil {
		return err
	}

	s.pool = unit.pool
	for key, record := range unit.claims {
		s.claims[key] = record
	}
	for txID := range unit.payments {
		s.payments[txID] = struct{}{}
	}
	s.journal = append(s.journal, unit.journal...)
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(LedgerUnit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryUnit{store: s, pool: s.pool, readOnly: true})
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryUnit struct {
	store    *MemoryStore
	readOnly bool
	pool     Pool
	claims   map[string]ClaimRecord
	payments map[string]struct{}
	journal  []JournalEntry
}

func (u *memoryUnit) Claims() ClaimStore {
	return memoryClaims{u}
}

func (u *memoryUnit) LoadPool() (Pool, error) {
	return u.pool, nil
}

func (u *memoryUnit) SavePool(pool Pool) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	u.pool = pool
	return nil
}

func (u *memoryUnit) RecordPayment(txID string, _ AccountID, _ uint64, _ time.Time) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	if _, ok := u.store.payments[txID]; ok {
		return ErrPaymentReplayed
	}
	if _, ok := u.payments[txID]; ok {
		return ErrPaymentReplayed
	}
	u.payments[txID] = struct{}{}
	return nil
}

func (u *memoryUnit) AppendJournal(entry JournalEntry) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	entry.Seq = uint64(len(u.store.journal) + len(u.journal) + 1)
	u.journal = append(u.journal, entry)
	return nil
}

func (u *memoryUnit) ListJournal(limit int) ([]JournalEntry, error) {
	all := make([]JournalEntry, 0, len(u.store.journal)+len(u.journal))
	all = append(all, u.store.journal...)
	all = append(all, u.journal...)

	entries := make([]JournalEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, all[i])
	}
	return entries, nil
}

type memoryClaims struct {
	unit *memoryUnit
}

func (c memoryClaims) Exists(key ClaimKey) (bool, error) {
	record, err := c.Get(key)
	return record != nil, err
}

func (c memoryClaims) Get(key ClaimKey) (*ClaimRecord, error) {
	if record, ok := c.unit.claims[key.String()]; ok {
		return &record, nil
	}
	if record, ok := c.unit.store.claims[key.String()]; ok {
		return &record, nil
	}
	return nil, nil
}

func (c memoryClaims) Put(record ClaimRecord) error {
	if c.unit.readOnly {
		return errReadOnlyUnit
	}
	exists, err := c.Exists(record.Key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyClaimed
	}
	c.unit.claims[record.Key.String()] = record
	return nil
}
