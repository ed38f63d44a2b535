package models

import (
	"errors"

	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// Sentinel errors for the ledger domain.
var (
	// Validation errors, surfaced as field-level messages.
	ErrInvalidAmount     = money.ErrInvalidAmount
	ErrDuplicateDefault  = errors.New("ledger: only one account or currency can be the default")
	ErrOrderingViolation = errors.New("ledger: end time must be after start time")
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrOverpayment       = errors.New("ledger: payment exceeds dues")

	// Lookup errors
	ErrNotFound         = errors.New("ledger: not found")
	ErrAccountNotFound  = errors.New("ledger: account not found")
	ErrFablogNotFound   = errors.New("ledger: fablog not found")
	ErrCurrencyNotFound = errors.New("ledger: currency not found")
	ErrAlreadyExists    = errors.New("ledger: already exists")

	// State errors
	ErrRecordClosed = errors.New("ledger: fablog is closed")

	// Internal consistency errors. These indicate a defect, not user error.
	ErrAllocationMismatch = errors.New("ledger: allocated bookings do not match payments")
	ErrBalanceChainBroken = errors.New("ledger: balance snapshots do not replay")
)

// IsValidationError reports whether err should be shown to the user as a
// field-level validation message.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicateDefault) ||
		errors.Is(err, ErrOrderingViolation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrOverpayment)
}

// IsNotFound reports whether err is one of the lookup errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrFablogNotFound) ||
		errors.Is(err, ErrCurrencyNotFound)
}

// IsInternal reports whether err signals a logic defect.
func IsInternal(err error) bool {
	return errors.Is(err, ErrAllocationMismatch) ||
		errors.Is(err, ErrBalanceChainBroken)
}
