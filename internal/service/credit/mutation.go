package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/audit"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/idempotency"
)

func (s *Service) AddCredits(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.Reason == "" {
		req.Reason = domain.ReasonPrepay
	}
	if err := validateCredit(req); err != nil {
		s.metrics.ObserveMutation(OperationAddCredits, err)
		return nil, fmt.Errorf("AddCredits: %w", err)
	}

	res, err := s.mutate(ctx, OperationAddCredits, req, func(ctx context.Context, fp domain.Fingerprint) (MutationResult, error) {
		return s.append(ctx, req, req.AmountMinorUnits, fp)
	})
	if err != nil {
		return nil, fmt.Errorf("AddCredits: %w", err)
	}
	return res, nil
}

// Debit removes credits when the balance covers the amount. The balance
// check and the append run under a per-pair lock; nothing else does.
func (s *Service) Debit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.Reason == "" {
		req.Reason = domain.ReasonUsage
	}
	if err := validateDebit(req); err != nil {
		s.metrics.ObserveMutation(OperationDebit, err)
		return nil, fmt.Errorf("Debit: %w", err)
	}

	res, err := s.mutate(ctx, OperationDebit, req, func(ctx context.Context, fp domain.Fingerprint) (MutationResult, error) {
		start := time.Now()
		unlock, err := s.locker.Lock(ctx, lockKey(req.TenantID, req.MeteringKey))
		s.metrics.LockWait(time.Since(start))
		if err != nil {
			return MutationResult{}, idempotency.NoEffect(err)
		}
		defer unlock()
		ctx, cancel := context.WithTimeout(ctx, s.lockHold)
		defer cancel()

		bal, err := s.balances.Fresh(ctx, req.TenantID, req.MeteringKey)
		if err != nil {
			return MutationResult{}, idempotency.NoEffect(err)
		}
		if bal.AmountMinorUnits-req.AmountMinorUnits < 0 {
			return MutationResult{}, &domain.InsufficientFundsError{
				TenantID:    req.TenantID,
				MeteringKey: req.MeteringKey,
				Required:    req.AmountMinorUnits,
				Balance:     bal.AmountMinorUnits,
			}
		}
		return s.append(ctx, req, -req.AmountMinorUnits, fp)
	})
	if err != nil {
		return nil, fmt.Errorf("Debit: %w", err)
	}
	return res, nil
}

// GrantTrial credits a pair with trial credits at most once per tenant and
// metering key. A retry inside the idempotency window replays the original
// grant; later attempts fail with domain.ErrConflict. An amount of zero uses
// the configured default.
func (s *Service) GrantTrial(ctx context.Context, tenantID, meteringKey, actorID string, amount int64) (*MutationResult, error) {
	if amount == 0 {
		amount = s.trialCredits
	}
	req := MutationRequest{
		TenantID:         tenantID,
		MeteringKey:      meteringKey,
		AmountMinorUnits: amount,
		Reason:           domain.ReasonTrial,
		ActorID:          actorID,
		IdempotencyKey:   meteringKey,
	}
	if err := validateCredit(req); err != nil {
		s.metrics.ObserveMutation(OperationGrantTrial, err)
		return nil, fmt.Errorf("GrantTrial: %w", err)
	}

	res, err := s.mutate(ctx, OperationGrantTrial, req, func(ctx context.Context, fp domain.Fingerprint) (MutationResult, error) {
		unlock, err := s.locker.Lock(ctx, lockKey(tenantID, meteringKey))
		if err != nil {
			return MutationResult{}, idempotency.NoEffect(err)
		}
		defer unlock()
		ctx, cancel := context.WithTimeout(ctx, s.lockHold)
		defer cancel()

		prior, err := s.listEntries(ctx, domain.EntryQuery{
			TenantID:    tenantID,
			MeteringKey: meteringKey,
			Reason:      domain.ReasonTrial,
			Limit:       1,
		})
		if err != nil {
			return MutationResult{}, idempotency.NoEffect(err)
		}
		if len(prior.Entries) > 0 {
			return MutationResult{}, fmt.Errorf("trial credits already granted for %s: %w", meteringKey, domain.ErrConflict)
		}
		return s.append(ctx, req, amount, fp)
	})
	if err != nil {
		return nil, fmt.Errorf("GrantTrial: %w", err)
	}
	return res, nil
}

func (s *Service) mutate(
	ctx context.Context,
	operation string,
	req MutationRequest,
	work func(ctx context.Context, fp domain.Fingerprint) (MutationResult, error),
) (*MutationResult, error) {
	fp := domain.Fingerprint{TenantID: req.TenantID, Operation: operation, Key: req.IdempotencyKey}

	res, replayed, err := idempotency.Run(ctx, s.guard, fp, func(ctx context.Context) (MutationResult, error) {
		return work(ctx, fp)
	})
	s.observe(operation, replayed, err)
	if err != nil {
		return nil, err
	}

	res.Replayed = replayed
	if replayed {
		logging.FromContext(ctx).Info("idempotent replay",
			"operation", operation,
			"tenant_id", req.TenantID,
			"entry_id", res.EntryID,
		)
	}
	return &res, nil
}

func (s *Service) append(ctx context.Context, req MutationRequest, delta int64, fp domain.Fingerprint) (MutationResult, error) {
	now := s.clock.Now()
	entry := &domain.LedgerEntry{
		ID:               s.ids.NewID(now),
		TenantID:         req.TenantID,
		MeteringKey:      req.MeteringKey,
		AmountMinorUnits: delta,
		Reason:           req.Reason,
		ActorID:          req.ActorID,
		CreatedAt:        now,
	}
	if fp.Key != "" {
		ref := fp.String()
		entry.IdempotencyFingerprint = &ref
	}

	bal, err := s.store.Append(ctx, entry)
	if err != nil {
		return MutationResult{}, err
	}
	s.balances.Observe(ctx, req.TenantID, req.MeteringKey, bal)

	action := audit.ActionCreditsAdded
	if delta < 0 {
		action = audit.ActionCreditsDebited
	}
	s.audit.Record(ctx, req.TenantID, action, req.ActorID, map[string]any{
		"entry_id":            entry.ID,
		"metering_key":        entry.MeteringKey,
		"amount_minor_units":  delta,
		"reason":              string(entry.Reason),
		"balance_minor_units": bal.AmountMinorUnits,
	})

	logging.FromContext(ctx).Info("ledger entry appended",
		"entry_id", entry.ID,
		"tenant_id", entry.TenantID,
		"metering_key", entry.MeteringKey,
		"amount_minor_units", delta,
		"balance_minor_units", bal.AmountMinorUnits,
	)

	return MutationResult{
		EntryID:           entry.ID,
		TenantID:          entry.TenantID,
		MeteringKey:       entry.MeteringKey,
		AmountMinorUnits:  delta,
		Reason:            entry.Reason,
		BalanceMinorUnits: bal.AmountMinorUnits,
		CreatedAt:         entry.CreatedAt,
	}, nil
}

func lockKey(tenantID, meteringKey string) string {
	return domain.Fingerprint{TenantID: tenantID, Operation: OperationDebit, Key: meteringKey}.String()
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError("amount_minor_units", "must be greater than zero")
	}
	if amount > domain.MaxAmountMinorUnits {
		return domain.NewValidationError("amount_minor_units", fmt.Sprintf("must not exceed %d", domain.MaxAmountMinorUnits))
	}
	return nil
}

func validateCredit(req MutationRequest) error {
	if err := validatePair(req.TenantID, req.MeteringKey); err != nil {
		return err
	}
	if err := validateAmount(req.AmountMinorUnits); err != nil {
		return err
	}
	if !req.Reason.AllowsCredit() {
		return domain.NewValidationError("reason", "reason "+string(req.Reason)+" cannot be used to add credits")
	}
	if req.Reason == domain.ReasonPrepay && req.AmountMinorUnits < domain.MinPrepayMinorUnits {
		return domain.NewValidationError("amount_minor_units", fmt.Sprintf("prepay must be at least %d", domain.MinPrepayMinorUnits))
	}
	return nil
}

func validateDebit(req MutationRequest) error {
	if err := validatePair(req.TenantID, req.MeteringKey); err != nil {
		return err
	}
	if err := validateAmount(req.AmountMinorUnits); err != nil {
		return err
	}
	if !req.Reason.AllowsDebit() {
		return domain.NewValidationError("reason", "reason "+string(req.Reason)+" cannot be used to debit")
	}
	return nil
}
