package credit_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christcr2012/StreamFlow-sub010/internal/audit"
	"github.com/christcr2012/StreamFlow-sub010/internal/cache"
	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/keylock"
	"github.com/christcr2012/StreamFlow-sub010/internal/repository"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/balance"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/credit"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/idempotency"
	"github.com/christcr2012/StreamFlow-sub010/internal/testutil"
)

func newPostgresService(ledgerDB, lockDB *sql.DB) *credit.Service {
	db := repository.NewDB(ledgerDB)
	ledger := repository.NewLedgerRepository(db)
	return credit.NewService(
		ledger,
		balance.NewProjector(ledger, cache.NewMemory(time.Minute, clock.Real{}), nil),
		idempotency.NewGuard(repository.NewIdempotencyRepository(db), clock.Real{}, nil, time.Hour),
		keylock.NewPostgres(lockDB, 5*time.Second),
		audit.Nop{},
		nil,
		clock.Real{},
		clock.NewULIDs(),
		0,
	)
}

// Two services share one database, as two API replicas would.
func newPostgresServices(t *testing.T) (*credit.Service, *credit.Service) {
	t.Helper()
	url := testutil.SetupTestDatabaseURL(t)
	return newPostgresService(testutil.OpenTestDB(t, url), testutil.OpenTestDB(t, url)),
		newPostgresService(testutil.OpenTestDB(t, url), testutil.OpenTestDB(t, url))
}

func TestPostgresConcurrentDebitsAcrossReplicas(t *testing.T) {
	a, b := newPostgresServices(t)
	ctx := context.Background()
	tenant := testutil.NewTenantID()

	_, err := a.AddCredits(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: "ai.tokens", AmountMinorUnits: 100})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, svc := range []*credit.Service{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Debit(ctx, credit.MutationRequest{
				TenantID:         tenant,
				MeteringKey:      "ai.tokens",
				AmountMinorUnits: 80,
				IdempotencyKey:   fmt.Sprintf("job-%d", i),
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInsufficientFunds), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	for _, svc := range []*credit.Service{a, b} {
		bal, err := svc.GetBalance(ctx, tenant, "ai.tokens")
		require.NoError(t, err)
		assert.Equal(t, int64(20), bal)
	}

	rec, err := a.Reconcile(ctx, tenant, "ai.tokens")
	require.NoError(t, err)
	assert.True(t, rec.Match)
}

func TestPostgresRetriedDebitAcrossReplicas(t *testing.T) {
	a, b := newPostgresServices(t)
	ctx := context.Background()
	tenant := testutil.NewTenantID()

	_, err := a.AddCredits(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: "ai.tokens", AmountMinorUnits: 600})
	require.NoError(t, err)

	req := credit.MutationRequest{TenantID: tenant, MeteringKey: "ai.tokens", AmountMinorUnits: 100, IdempotencyKey: "req-42"}
	first, err := a.Debit(ctx, req)
	require.NoError(t, err)
	retry, err := b.Debit(ctx, req)
	require.NoError(t, err)

	assert.True(t, retry.Replayed)
	assert.Equal(t, first.EntryID, retry.EntryID)
	assert.Equal(t, int64(500), retry.BalanceMinorUnits)

	page, err := a.GetHistory(ctx, credit.HistoryRequest{TenantID: tenant, MeteringKey: "ai.tokens", Reason: domain.ReasonUsage})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(-100), page.Entries[0].AmountMinorUnits)
	require.NotNil(t, page.Entries[0].IdempotencyFingerprint)
}

func TestPostgresLockHoldersDoNotExhaustLedgerPool(t *testing.T) {
	url := testutil.SetupTestDatabaseURL(t)
	ledgerDB := testutil.OpenTestDB(t, url)
	ledgerDB.SetMaxOpenConns(2)
	lockDB := testutil.OpenTestDB(t, url)
	lockDB.SetMaxOpenConns(12)
	svc := newPostgresService(ledgerDB, lockDB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tenant := testutil.NewTenantID()

	const pairs = 6
	for i := range pairs {
		_, err := svc.AddCredits(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: fmt.Sprintf("pair-%d", i), AmountMinorUnits: 100})
		require.NoError(t, err)
	}
	_, err := svc.AddCredits(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: "shared", AmountMinorUnits: 100})
	require.NoError(t, err)

	var wg sync.WaitGroup
	distinct := make([]error, pairs)
	for i := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, distinct[i] = svc.Debit(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: fmt.Sprintf("pair-%d", i), AmountMinorUnits: 40})
		}()
	}
	shared := make([]error, 6)
	for i := range shared {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, shared[i] = svc.Debit(ctx, credit.MutationRequest{TenantID: tenant, MeteringKey: "shared", AmountMinorUnits: 30})
		}()
	}
	wg.Wait()

	for _, err := range distinct {
		assert.NoError(t, err)
	}
	succeeded := 0
	for _, err := range shared {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	assert.Equal(t, 3, succeeded)

	bal, err := svc.GetBalance(ctx, tenant, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}
