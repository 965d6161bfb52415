package handler

import "net/http"

type AppError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken          = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required", false}
	ErrInvalidToken          = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired", false}
	ErrInvalidRequest        = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", false}
	ErrValidationFailed      = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed", false}
	ErrInvalidIdempotencyKey = &AppError{http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key must be 1-128 characters of [A-Za-z0-9_.:-]", false}
	ErrResourceNotFound      = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", false}
	ErrInternalError         = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", false}
	ErrInsufficientFunds     = &AppError{http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Insufficient credits", false}
	ErrConflict              = &AppError{http.StatusConflict, "CONFLICT", "Request conflicts with the current ledger state", false}
	ErrConcurrentRetry       = &AppError{http.StatusConflict, "REQUEST_IN_PROGRESS", "A request with this idempotency key is still in progress, retry later", true}
	ErrServiceUnavailable    = &AppError{http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Ledger storage is temporarily unavailable, retry later", true}
)

const (
	concurrentRetryAfter  = "1"
	unavailableRetryAfter = "5"
)
