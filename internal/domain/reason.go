package domain

type Reason string

const (
	ReasonPrepay     Reason = "prepay"
	ReasonTrial      Reason = "trial"
	ReasonReferral   Reason = "referral"
	ReasonRefund     Reason = "refund"
	ReasonAdjustment Reason = "adjustment"
	ReasonUsage      Reason = "usage"
	ReasonConversion Reason = "conversion"
	ReasonMigration  Reason = "migration"
)

// MinPrepayMinorUnits is the smallest accepted prepaid top-up.
const MinPrepayMinorUnits int64 = 100

func (r Reason) Valid() bool {
	return r.AllowsCredit() || r.AllowsDebit()
}

func (r Reason) AllowsCredit() bool {
	switch r {
	case ReasonPrepay, ReasonTrial, ReasonReferral, ReasonRefund, ReasonAdjustment:
		return true
	}
	return false
}

func (r Reason) AllowsDebit() bool {
	switch r {
	case ReasonUsage, ReasonConversion, ReasonMigration, ReasonAdjustment:
		return true
	}
	return false
}

func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", NewValidationError("reason", "unknown reason "+s)
	}
	return r, nil
}
