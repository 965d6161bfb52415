package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConcurrentRetry   = errors.New("request with this idempotency key is already in progress")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("ledger unavailable")
	ErrNotFound          = errors.New("not found")

	// ErrDuplicateIdempotencyKey is raised by record stores when an insert
	// hits an existing fingerprint. It never leaves the idempotency guard.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type InsufficientFundsError struct {
	TenantID    string
	MeteringKey string
	Required    int64
	Balance     int64
}

func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Required - e.Balance
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: required %d, balance %d", e.MeteringKey, e.Required, e.Balance)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Unavailable tags err as a transient storage or coordination failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsRetryable reports whether the caller may retry with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentRetry) || errors.Is(err, ErrUnavailable)
}
