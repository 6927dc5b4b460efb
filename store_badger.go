package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerPoolKey       = "pool"
	badgerClaimPrefix   = "claim/"
	badgerPaymentPrefix = "payment/"
	badgerJournalPrefix = "journal/"
	badgerJournalSeqKey = "seq/journal"
	journalSeqBandwidth = 64
)

// BadgerStore keeps the ledger in an embedded badger database. Writers are
// serialized so a unit never hits a commit conflict after its transfer has
// been issued.
type BadgerStore struct {
	db         *badger.DB
	journalSeq *badger.Sequence
	writeMu    sync.Mutex
}

func OpenBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	seq, err := db.GetSequence([]byte(badgerJournalSeqKey), journalSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}
	return &BadgerStore{db: db, journalSeq: seq}, nil
}

func (s *BadgerStore) Atomic(ctx context.Context, fn func(LedgerUnit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerUnit{txn: txn, journalSeq: s.journalSeq})
	})
}

func (s *BadgerStore) View(ctx context.Context, fn func(LedgerUnit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerUnit{txn: txn, readOnly: true})
	})
}

func (s *BadgerStore) Close() error {
	if err := s.journalSeq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

type badgerUnit struct {
	txn        *badger.Txn
	journalSeq *badger.Sequence
	readOnly   bool
}

func (u *badgerUnit) getJSON(key string, target interface{}) (bool, error) {
	item, err := u.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(value, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (u *badgerUnit) setJSON(key string, value interface{}) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return u.txn.Set([]byte(key), payload)
}

func (u *badgerUnit) Claims() ClaimStore {
	return badgerClaims{u}
}

func (u *badgerUnit) LoadPool() (Pool, error) {
	var pool Pool
	if _, err := u.getJSON(badgerPoolKey, &pool); err != nil {
		return Pool{}, err
	}
	return pool, nil
}

func (u *badgerUnit) SavePool(pool Pool) error {
	return u.setJSON(badgerPoolKey, pool)
}

type badgerPayment struct {
	Sender     AccountID `json:"sender"`
	Amount     uint64    `json:"amount"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (u *badgerUnit) RecordPayment(txID string, sender AccountID, amount uint64, at time.Time) error {
	var existing badgerPayment
	found, err := u.getJSON(badgerPaymentPrefix+txID, &existing)
	if err != nil {
		return err
	}
	if found {
		return ErrPaymentReplayed
	}
	return u.setJSON(badgerPaymentPrefix+txID, badgerPayment{Sender: sender, Amount: amount, ReceivedAt: at})
}

// Journal keys sort by sequence number. Writers are serialized, so sequence
// order is commit order; a rolled back unit leaves a gap.
func badgerJournalKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", badgerJournalPrefix, seq)
}

func (u *badgerUnit) AppendJournal(entry JournalEntry) error {
	if u.readOnly {
		return errReadOnlyUnit
	}
	next, err := u.journalSeq.Next()
	if err != nil {
		return err
	}
	entry.Seq = next + 1
	return u.setJSON(badgerJournalKey(entry.Seq), entry)
}

func (u *badgerUnit) ListJournal(limit int) ([]JournalEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(badgerJournalPrefix)
	it := u.txn.NewIterator(opts)
	defer it.Close()

	entries := make([]JournalEntry, 0, limit)
	seek := append([]byte(badgerJournalPrefix), 0xFF)
	for it.Seek(seek); it.ValidForPrefix([]byte(badgerJournalPrefix)) && len(entries) < limit; it.Next() {
		var entry JournalEntry
		err := it.Item().Value(func(value []byte) error {
			return json.Unmarshal(value, &entry)
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type badgerClaims struct {
	unit *badgerUnit
}

func (c badgerClaims) Exists(key ClaimKey) (bool, error) {
	_, err := c.unit.txn.Get([]byte(badgerClaimPrefix + key.String()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c badgerClaims) Get(key ClaimKey) (*ClaimRecord, error) {
	var record ClaimRecord
	found, err := c.unit.getJSON(badgerClaimPrefix+key.String(), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (c badgerClaims) Put(record ClaimRecord) error {
	exists, err := c.Exists(record.Key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyClaimed
	}
	return c.unit.setJSON(badgerClaimPrefix+record.Key.String(), record)
}
