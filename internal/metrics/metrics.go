package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

const (
	OutcomeOK                = "ok"
	OutcomeReplayed          = "replayed"
	OutcomeValidation        = "validation"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeConcurrentRetry   = "concurrent_retry"
	OutcomeConflict          = "conflict"
	OutcomeUnavailable       = "unavailable"
	OutcomeError             = "error"
)

const (
	DecisionUnguarded = "unguarded"
	DecisionFirst     = "first"
	DecisionReplay    = "replay"
	DecisionInFlight  = "in_flight"
	DecisionTakeover  = "takeover"
)

// Ledger holds the ledger's Prometheus collectors. A nil *Ledger is valid and
// records nothing.
type Ledger struct {
	mutations         *prometheus.CounterVec
	idempotency       *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	lockWait          prometheus.Histogram
	reconcileMismatch prometheus.Counter
	idempotencySwept  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Ledger {
	m := &Ledger{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_mutations_total",
			Help: "Ledger mutation attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),
		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_idempotency_decisions_total",
			Help: "Idempotency guard decisions.",
		}, []string{"decision"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_balance_cache_total",
			Help: "Balance cache lookups by result.",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_lock_wait_seconds",
			Help:    "Time spent waiting for a per-key debit lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		reconcileMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconcile_mismatch_total",
			Help: "Reconciliations where the materialized balance disagreed with the entry fold.",
		}),
		idempotencySwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_idempotency_swept_total",
			Help: "Idempotency records reclaimed or deleted by the sweeper.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.idempotency, m.cacheLookups, m.lockWait, m.reconcileMismatch, m.idempotencySwept)
	}
	return m
}

func (m *Ledger) ObserveMutation(operation string, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, Outcome(err)).Inc()
}

func (m *Ledger) ObserveReplay(operation string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, OutcomeReplayed).Inc()
}

func (m *Ledger) IdempotencyDecision(decision string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(decision).Inc()
}

func (m *Ledger) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Ledger) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Ledger) ReconcileMismatch() {
	if m == nil {
		return
	}
	m.reconcileMismatch.Inc()
}

func (m *Ledger) Swept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.idempotencySwept.WithLabelValues(kind).Add(float64(n))
}

// Outcome maps an error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, domain.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, domain.ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, domain.ErrConcurrentRetry):
		return OutcomeConcurrentRetry
	case errors.Is(err, domain.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, domain.ErrUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}
