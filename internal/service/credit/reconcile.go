package credit

import (
	"context"
	"fmt"

	"github.com/christcr2012/StreamFlow-sub010/internal/audit"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
)

// Reconcile checks the materialized balance of a pair against a fold of its
// entries.
func (s *Service) Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error) {
	if err := validatePair(tenantID, meteringKey); err != nil {
		return domain.Reconciliation{}, fmt.Errorf("Reconcile: %w", err)
	}
	rec, err := s.store.Reconcile(ctx, tenantID, meteringKey)
	if err != nil {
		return domain.Reconciliation{}, fmt.Errorf("Reconcile: %w", domain.Unavailable(err))
	}
	rec.CheckedAt = s.clock.Now()

	if !rec.Match {
		s.metrics.ReconcileMismatch()
		logging.FromContext(ctx).Error("balance does not match ledger entries",
			"tenant_id", tenantID,
			"metering_key", meteringKey,
			"materialized", rec.Materialized,
			"folded", rec.Folded,
			"materialized_version", rec.MaterializedVersion,
			"entry_count", rec.EntryCount,
		)
	}
	return rec, nil
}

// RebuildBalance rewrites the materialized balance from the entries. The
// returned reconciliation describes the state before the rewrite.
func (s *Service) RebuildBalance(ctx context.Context, tenantID, meteringKey, actorID string) (domain.Reconciliation, error) {
	if err := validatePair(tenantID, meteringKey); err != nil {
		return domain.Reconciliation{}, fmt.Errorf("RebuildBalance: %w", err)
	}
	rec, err := s.store.RebuildBalance(ctx, tenantID, meteringKey)
	if err != nil {
		return domain.Reconciliation{}, fmt.Errorf("RebuildBalance: %w", domain.Unavailable(err))
	}
	rec.CheckedAt = s.clock.Now()

	s.balances.Reset(ctx, tenantID, meteringKey, domain.Balance{
		AmountMinorUnits: rec.Folded,
		Version:          rec.EntryCount,
	})
	s.audit.Record(ctx, tenantID, audit.ActionBalanceRebuilt, actorID, map[string]any{
		"metering_key": meteringKey,
		"previous":     rec.Materialized,
		"rebuilt":      rec.Folded,
		"entry_count":  rec.EntryCount,
		"was_in_sync":  rec.Match,
	})
	logging.FromContext(ctx).Info("balance rebuilt",
		"tenant_id", tenantID,
		"metering_key", meteringKey,
		"previous", rec.Materialized,
		"rebuilt", rec.Folded,
	)
	return rec, nil
}
