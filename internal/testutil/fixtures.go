package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type appender interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) (domain.Balance, error)
}

// NewTenantID returns a tenant id unique to the calling test.
func NewTenantID() string {
	return "tenant-" + uuid.NewString()
}

// SeedEntry appends an entry directly through the store, bypassing the
// service layer.
func SeedEntry(t *testing.T, store appender, tenantID, meteringKey string, amount int64, at time.Time) domain.LedgerEntry {
	t.Helper()

	reason := domain.ReasonPrepay
	if amount < 0 {
		reason = domain.ReasonUsage
	}
	entry := domain.LedgerEntry{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		MeteringKey:      meteringKey,
		AmountMinorUnits: amount,
		Reason:           reason,
		ActorID:          "seed",
		CreatedAt:        at,
	}
	if _, err := store.Append(context.Background(), &entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}
