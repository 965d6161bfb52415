package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type insufficientFundsDetails struct {
	MeteringKey string `json:"metering_key"`
	Required    int64  `json:"required"`
	Balance     int64  `json:"balance"`
	Shortfall   int64  `json:"shortfall"`
	PrepayHint  int64  `json:"prepay_hint"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
			Details:   details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

// RespondDomainError maps ledger errors onto the HTTP contract. Retryable
// failures carry a Retry-After header.
func RespondDomainError(w http.ResponseWriter, err error) {
	var (
		validation   *domain.ValidationError
		insufficient *domain.InsufficientFundsError
	)

	switch {
	case errors.As(err, &validation):
		RespondValidationError(w, []FieldError{{Field: validation.Field, Message: validation.Message}})
	case errors.Is(err, domain.ErrValidation):
		RespondAppError(w, ErrValidationFailed, nil)
	case errors.As(err, &insufficient):
		RespondAppError(w, ErrInsufficientFunds, insufficientFundsDetails{
			MeteringKey: insufficient.MeteringKey,
			Required:    insufficient.Required,
			Balance:     insufficient.Balance,
			Shortfall:   insufficient.Shortfall(),
			PrepayHint:  prepayHint(insufficient.Shortfall()),
		})
	case errors.Is(err, domain.ErrInsufficientFunds):
		RespondAppError(w, ErrInsufficientFunds, nil)
	case errors.Is(err, domain.ErrConcurrentRetry):
		w.Header().Set("Retry-After", concurrentRetryAfter)
		RespondAppError(w, ErrConcurrentRetry, nil)
	case errors.Is(err, domain.ErrConflict):
		RespondAppError(w, ErrConflict, nil)
	case errors.Is(err, domain.ErrNotFound):
		RespondAppError(w, ErrResourceNotFound, nil)
	case errors.Is(err, domain.ErrUnavailable):
		slog.Warn("ledger unavailable", "error", err)
		w.Header().Set("Retry-After", unavailableRetryAfter)
		RespondAppError(w, ErrServiceUnavailable, nil)
	default:
		slog.Error("unhandled domain error", "error", err)
		RespondAppError(w, ErrInternalError, nil)
	}
}
