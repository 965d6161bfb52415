package domain

import "regexp"

var (
	meteringKeyPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)
)

const maxTenantIDLen = 128

func ValidateTenantID(id string) error {
	if id == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if len(id) > maxTenantIDLen {
		return NewValidationError("tenant_id", "must be at most 128 characters")
	}
	return nil
}

func ValidateMeteringKey(key string) error {
	if key == "" {
		return NewValidationError("metering_key", "is required")
	}
	if !meteringKeyPattern.MatchString(key) {
		return NewValidationError("metering_key", "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}
	return nil
}

func ValidateIdempotencyKey(key string) error {
	if !idempotencyKeyPattern.MatchString(key) {
		return NewValidationError("idempotency_key", "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}
	return nil
}
