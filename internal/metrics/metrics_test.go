package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{domain.NewValidationError("f", "m"), OutcomeValidation},
		{&domain.InsufficientFundsError{}, OutcomeInsufficientFunds},
		{fmt.Errorf("x: %w", domain.ErrConcurrentRetry), OutcomeConcurrentRetry},
		{domain.ErrConflict, OutcomeConflict},
		{domain.Unavailable(fmt.Errorf("down")), OutcomeUnavailable},
		{fmt.Errorf("other"), OutcomeError},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Outcome(tc.err))
		})
	}
}

func TestLedgerCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveMutation("debit", nil)
	m.ObserveMutation("debit", &domain.InsufficientFundsError{})
	m.ObserveReplay("debit")
	m.CacheLookup(true)
	m.Swept("reclaimed", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("debit", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("debit", OutcomeInsufficientFunds)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("debit", OutcomeReplayed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.idempotencySwept.WithLabelValues("reclaimed")))
}

func TestNilLedgerIsNoop(t *testing.T) {
	var m *Ledger
	assert.NotPanics(t, func() {
		m.ObserveMutation("debit", nil)
		m.CacheLookup(false)
		m.ReconcileMismatch()
	})
}
