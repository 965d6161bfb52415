package domain

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

type IdempotencyStatus string

const (
	StatusInProgress IdempotencyStatus = "in_progress"
	StatusCompleted  IdempotencyStatus = "completed"
	StatusFailed     IdempotencyStatus = "failed"
)

// Fingerprint identifies a mutating request. Two requests are the same only
// when tenant, operation and key all match.
type Fingerprint struct {
	TenantID  string
	Operation string
	Key       string
}

func (f Fingerprint) String() string {
	return strings.Join([]string{
		url.PathEscape(f.TenantID),
		url.PathEscape(f.Operation),
		url.PathEscape(f.Key),
	}, "/")
}

type IdempotencyRecord struct {
	Fingerprint
	Status        IdempotencyStatus
	ResultPayload json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type IdempotencyStats struct {
	Total       int64                       `json:"total"`
	Expired     int64                       `json:"expired"`
	ByStatus    map[IdempotencyStatus]int64 `json:"by_status"`
	ByOperation map[string]int64            `json:"by_operation"`
}
