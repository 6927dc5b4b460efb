package main

import (
	"fmt"
	"math"
)

// Pool is the singleton funding pool. It is only mutated through the
// settlement engine, inside a ledger unit.
type Pool struct {
	Owner        AccountID `json:"owner"`
	Admin        AccountID `json:"admin"`
	Address      AccountID `json:"address"`
	TotalFunded  uint64    `json:"totalFunded"`
	TotalClaimed uint64    `json:"totalClaimed"`
	Initialized  bool      `json:"initialized"`
}

func (p *Pool) Fund(amount uint64) error {
	if !p.Initialized {
		return ErrNotInitialized
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if amount > math.MaxUint64-p.TotalFunded {
		return fmt.Errorf("%w: total funded would overflow", ErrInvalidAmount)
	}
	p.TotalFunded += amount
	return nil
}

func (p *Pool) Available() (uint64, error) {
	if p.TotalClaimed > p.TotalFunded {
		return 0, fmt.Errorf("%w: claimed %d exceeds funded %d", ErrUnderflow, p.TotalClaimed, p.TotalFunded)
	}
	return p.TotalFunded - p.TotalClaimed, nil
}

func (p *Pool) Covers(amount uint64) error {
	available, err := p.Available()
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amount, available)
	}
	return nil
}

// Reserve moves amount from available to claimed.
func (p *Pool) Reserve(amount uint64) error {
	if err := p.Covers(amount); err != nil {
		return err
	}
	p.TotalClaimed += amount
	return nil
}

// Reduce takes amount out of the pool entirely (withdrawal).
func (p *Pool) Reduce(amount uint64) error {
	if err := p.Covers(amount); err != nil {
		return err
	}
	p.TotalFunded -= amount
	return nil
}
