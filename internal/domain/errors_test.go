package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	insufficient := &InsufficientFundsError{MeteringKey: "ai.tokens", Required: 700, Balance: 600}
	assert.ErrorIs(t, fmt.Errorf("Debit: %w", insufficient), ErrInsufficientFunds)
	assert.Equal(t, int64(100), insufficient.Shortfall())

	validation := NewValidationError("amount_minor_units", "must be positive")
	assert.ErrorIs(t, fmt.Errorf("AddCredits: %w", validation), ErrValidation)
	assert.NotErrorIs(t, validation, ErrInsufficientFunds)

	var target *InsufficientFundsError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", insufficient), &target))
	assert.Equal(t, int64(600), target.Balance)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"concurrent retry", fmt.Errorf("Do: %w", ErrConcurrentRetry), true},
		{"unavailable", Unavailable(context.DeadlineExceeded), true},
		{"validation", NewValidationError("x", "y"), false},
		{"insufficient funds", &InsufficientFundsError{}, false},
		{"conflict", ErrConflict, false},
		{"nil", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestUnavailableKeepsCause(t *testing.T) {
	err := Unavailable(context.Canceled)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, err, Unavailable(err))
	assert.NoError(t, Unavailable(nil))
}
