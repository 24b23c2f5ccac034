package types

import "errors"

// Errors shared across the ledger packages.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)
