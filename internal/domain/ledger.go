package domain

import "time"

// MaxAmountMinorUnits bounds the magnitude of a single entry.
const MaxAmountMinorUnits int64 = 1_000_000_000_000_000

type LedgerEntry struct {
	ID                     string
	TenantID               string
	MeteringKey            string
	AmountMinorUnits       int64
	Reason                 Reason
	ActorID                string
	IdempotencyFingerprint *string
	CreatedAt              time.Time
}

func (e *LedgerEntry) IsCredit() bool {
	return e.AmountMinorUnits > 0
}

func (e *LedgerEntry) Validate() error {
	if err := ValidateTenantID(e.TenantID); err != nil {
		return err
	}
	if err := ValidateMeteringKey(e.MeteringKey); err != nil {
		return err
	}
	if e.AmountMinorUnits == 0 {
		return NewValidationError("amount_minor_units", "must not be zero")
	}
	if e.AmountMinorUnits > MaxAmountMinorUnits || e.AmountMinorUnits < -MaxAmountMinorUnits {
		return NewValidationError("amount_minor_units", "exceeds the per-entry maximum")
	}
	if e.IsCredit() && !e.Reason.AllowsCredit() {
		return NewValidationError("reason", "reason "+string(e.Reason)+" cannot credit")
	}
	if !e.IsCredit() && !e.Reason.AllowsDebit() {
		return NewValidationError("reason", "reason "+string(e.Reason)+" cannot debit")
	}
	return nil
}

// Balance is the folded value for one (tenant, metering key) pair. Version is
// the number of entries folded into it and only ever grows.
type Balance struct {
	AmountMinorUnits int64
	Version          int64
}

// Apply folds delta into the balance. It fails with a ValidationError when the
// result does not fit in an int64.
func (b Balance) Apply(delta int64) (Balance, error) {
	sum := b.AmountMinorUnits + delta
	if (delta > 0 && sum < b.AmountMinorUnits) || (delta < 0 && sum > b.AmountMinorUnits) {
		return b, NewValidationError("amount_minor_units", "balance would overflow")
	}
	return Balance{AmountMinorUnits: sum, Version: b.Version + 1}, nil
}

type Reconciliation struct {
	TenantID            string    `json:"tenant_id"`
	MeteringKey         string    `json:"metering_key"`
	Materialized        int64     `json:"materialized_minor_units"`
	Folded              int64     `json:"folded_minor_units"`
	MaterializedVersion int64     `json:"materialized_version"`
	EntryCount          int64     `json:"entry_count"`
	Match               bool      `json:"match"`
	CheckedAt           time.Time `json:"checked_at"`
}
