package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/audit"
	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/keylock"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/idempotency"
)

const (
	OperationAddCredits = "add_credits"
	OperationDebit      = "debit"
	OperationGrantTrial = "grant_trial"
)

const DefaultTrialCredits int64 = 1000

// DefaultLockHold bounds the work a debit does while holding its pair lock.
const DefaultLockHold = 30 * time.Second

type ledgerStore interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) (domain.Balance, error)
	ListEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error)
	Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error)
	RebuildBalance(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error)
}

type balanceProjector interface {
	GetBalance(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error)
	Fresh(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error)
	Observe(ctx context.Context, tenantID, meteringKey string, bal domain.Balance)
	Reset(ctx context.Context, tenantID, meteringKey string, bal domain.Balance)
	ListAllBalances(ctx context.Context, tenantID string) (map[string]int64, error)
}

type Service struct {
	store        ledgerStore
	balances     balanceProjector
	guard        *idempotency.Guard
	locker       keylock.Locker
	audit        audit.Sink
	metrics      *metrics.Ledger
	clock        clock.Clock
	ids          clock.IDGenerator
	trialCredits int64
	lockHold     time.Duration
}

func NewService(
	store ledgerStore,
	balances balanceProjector,
	guard *idempotency.Guard,
	locker keylock.Locker,
	sink audit.Sink,
	m *metrics.Ledger,
	c clock.Clock,
	ids clock.IDGenerator,
	trialCredits int64,
) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	if trialCredits <= 0 {
		trialCredits = DefaultTrialCredits
	}
	return &Service{
		store:        store,
		balances:     balances,
		guard:        guard,
		locker:       locker,
		audit:        sink,
		metrics:      m,
		clock:        c,
		ids:          ids,
		trialCredits: trialCredits,
		lockHold:     DefaultLockHold,
	}
}

// SetLockHold changes how long a debit may hold its pair lock before the
// remaining work is abandoned with domain.ErrUnavailable.
func (s *Service) SetLockHold(d time.Duration) {
	if d > 0 {
		s.lockHold = d
	}
}

type MutationRequest struct {
	TenantID         string
	MeteringKey      string
	AmountMinorUnits int64
	Reason           domain.Reason
	ActorID          string
	IdempotencyKey   string
}

// MutationResult is cached against the idempotency fingerprint and returned
// verbatim on replay, apart from Replayed.
type MutationResult struct {
	EntryID           string        `json:"entry_id"`
	TenantID          string        `json:"tenant_id"`
	MeteringKey       string        `json:"metering_key"`
	AmountMinorUnits  int64         `json:"amount_minor_units"`
	Reason            domain.Reason `json:"reason"`
	BalanceMinorUnits int64         `json:"balance_minor_units"`
	CreatedAt         time.Time     `json:"created_at"`
	Replayed          bool          `json:"-"`
}

func (s *Service) GetBalance(ctx context.Context, tenantID, meteringKey string) (int64, error) {
	if err := validatePair(tenantID, meteringKey); err != nil {
		return 0, fmt.Errorf("GetBalance: %w", err)
	}
	bal, err := s.balances.GetBalance(ctx, tenantID, meteringKey)
	if err != nil {
		return 0, fmt.Errorf("GetBalance: %w", err)
	}
	return bal.AmountMinorUnits, nil
}

func (s *Service) ListBalances(ctx context.Context, tenantID string) (map[string]int64, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("ListBalances: %w", err)
	}
	balances, err := s.balances.ListAllBalances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListBalances: %w", err)
	}
	return balances, nil
}

// CheckSufficient reports whether the pair can cover required without
// reserving anything. The answer is advisory; Debit re-checks under lock.
func (s *Service) CheckSufficient(ctx context.Context, tenantID, meteringKey string, required int64) error {
	if err := validatePair(tenantID, meteringKey); err != nil {
		return fmt.Errorf("CheckSufficient: %w", err)
	}
	if required <= 0 {
		return fmt.Errorf("CheckSufficient: %w", domain.NewValidationError("required", "must be greater than zero"))
	}
	bal, err := s.balances.GetBalance(ctx, tenantID, meteringKey)
	if err != nil {
		return fmt.Errorf("CheckSufficient: %w", err)
	}
	if bal.AmountMinorUnits < required {
		return fmt.Errorf("CheckSufficient: %w", &domain.InsufficientFundsError{
			TenantID:    tenantID,
			MeteringKey: meteringKey,
			Required:    required,
			Balance:     bal.AmountMinorUnits,
		})
	}
	return nil
}

func (s *Service) IdempotencyStats(ctx context.Context, tenantID string) (domain.IdempotencyStats, error) {
	stats, err := s.guard.Stats(ctx, tenantID)
	if err != nil {
		return domain.IdempotencyStats{}, fmt.Errorf("IdempotencyStats: %w", err)
	}
	return stats, nil
}

func (s *Service) observe(operation string, replayed bool, err error) {
	if replayed {
		s.metrics.ObserveReplay(operation)
		return
	}
	s.metrics.ObserveMutation(operation, err)
}

func validatePair(tenantID, meteringKey string) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}
	return domain.ValidateMeteringKey(meteringKey)
}
