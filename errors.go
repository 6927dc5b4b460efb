package main

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized      = errors.New("NOT_INITIALIZED")
	ErrAlreadyInitialized  = errors.New("ALREADY_INITIALIZED")
	ErrUnauthorized        = errors.New("UNAUTHORIZED")
	ErrInvalidAmount       = errors.New("INVALID_AMOUNT")
	ErrAlreadyClaimed      = errors.New("ALREADY_CLAIMED")
	ErrInsufficientBalance = errors.New("INSUFFICIENT_BALANCE")
	ErrPaymentMismatch     = errors.New("PAYMENT_MISMATCH")
	ErrPaymentReplayed     = errors.New("PAYMENT_REPLAYED")
	ErrTransferFailed      = errors.New("TRANSFER_FAILED")
	ErrUnderflow           = errors.New("LEDGER_UNDERFLOW")
	ErrMalformedInput      = errors.New("MALFORMED_INPUT")
)

var ledgerErrors = []error{
	ErrNotInitialized,
	ErrAlreadyInitialized,
	ErrUnauthorized,
	ErrInvalidAmount,
	ErrAlreadyClaimed,
	ErrInsufficientBalance,
	ErrPaymentMismatch,
	ErrPaymentReplayed,
	ErrTransferFailed,
	ErrUnderflow,
	ErrMalformedInput,
}

// errorCode maps an error returned by the ledger to the code surfaced to
// callers. Anything that is not a ledger error is INTERNAL_ERROR.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range ledgerErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "INTERNAL_ERROR"
}

func transferFailed(reason error) error {
	return fmt.Errorf("%w: %v", ErrTransferFailed, reason)
}
