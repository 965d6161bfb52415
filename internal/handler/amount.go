package handler

import (
	"github.com/shopspring/decimal"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

// displayAmount renders minor units as a major-unit string with two places.
func displayAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// prepayHint is the smallest prepaid top-up, in minor units, that covers
// shortfall: rounded up to a whole major unit and never below the prepay
// minimum.
func prepayHint(shortfall int64) int64 {
	if shortfall <= 0 {
		return 0
	}
	major := decimal.New(shortfall, -2).Ceil()
	hint := major.Shift(2).IntPart()
	return max(hint, domain.MinPrepayMinorUnits)
}
