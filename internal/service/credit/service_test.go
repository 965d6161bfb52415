package credit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christcr2012/StreamFlow-sub010/internal/cache"
	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/keylock"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
	"github.com/christcr2012/StreamFlow-sub010/internal/repository/memory"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/balance"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/idempotency"
)

type recordingSink struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingSink) Record(_ context.Context, _, action, _ string, _ map[string]any) {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	r.mu.Unlock()
}

type harness struct {
	svc     *Service
	ledger  *memory.Ledger
	records *memory.Idempotency
	clock   *clock.Fake
	audit   *recordingSink
}

func newHarness(t *testing.T, locker keylock.Locker) *harness {
	t.Helper()
	if locker == nil {
		locker = keylock.NewLocal(time.Second)
	}
	ledger := memory.NewLedger()
	records := memory.NewIdempotency()
	clk := clock.NewFake(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))
	sink := &recordingSink{}

	svc := NewService(
		ledger,
		balance.NewProjector(ledger, cache.NewMemory(5*time.Minute, clk), nil),
		idempotency.NewGuard(records, clk, nil, 24*time.Hour),
		locker,
		sink,
		metrics.New(nil),
		clk,
		clock.NewULIDs(),
		0,
	)
	return &harness{svc: svc, ledger: ledger, records: records, clock: clk, audit: sink}
}

func credit(tenant, key string, amount int64, idemKey string) MutationRequest {
	return MutationRequest{TenantID: tenant, MeteringKey: key, AmountMinorUnits: amount, Reason: domain.ReasonPrepay, IdempotencyKey: idemKey}
}

func debit(tenant, key string, amount int64, idemKey string) MutationRequest {
	return MutationRequest{TenantID: tenant, MeteringKey: key, AmountMinorUnits: amount, Reason: domain.ReasonUsage, IdempotencyKey: idemKey}
}

func balanceOf(t *testing.T, h *harness, tenant, key string) int64 {
	t.Helper()
	bal, err := h.svc.GetBalance(context.Background(), tenant, key)
	require.NoError(t, err)
	return bal
}

func entryCount(t *testing.T, h *harness, tenant, key string) int {
	t.Helper()
	n := 0
	for _, err := range h.svc.History(context.Background(), HistoryRequest{TenantID: tenant, MeteringKey: key}) {
		require.NoError(t, err)
		n++
	}
	return n
}

func TestTopUpDebitAndRejectedOverdraft(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, int64(0), balanceOf(t, h, "t1", "ai.tokens"))

	res, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 1000, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.BalanceMinorUnits)

	res, err = h.svc.Debit(ctx, debit("t1", "ai.tokens", 400, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.BalanceMinorUnits)
	assert.Equal(t, int64(-400), res.AmountMinorUnits)

	_, err = h.svc.Debit(ctx, debit("t1", "ai.tokens", 700, ""))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	var insufficient *domain.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(700), insufficient.Required)
	assert.Equal(t, int64(600), insufficient.Balance)
	assert.Equal(t, int64(100), insufficient.Shortfall())

	assert.Equal(t, int64(600), balanceOf(t, h, "t1", "ai.tokens"))
	assert.Equal(t, 2, entryCount(t, h, "t1", "ai.tokens"))
	assert.Equal(t, []string{"credits.added", "credits.debited"}, h.audit.actions)
}

func TestRetriedCreditAppliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 500, "topup-1"))
	require.NoError(t, err)
	second, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 500, "topup-1"))
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, int64(500), second.BalanceMinorUnits)
	assert.Equal(t, int64(500), balanceOf(t, h, "t1", "ai.tokens"))
	assert.Equal(t, 1, entryCount(t, h, "t1", "ai.tokens"))
	assert.Len(t, h.audit.actions, 1, "replay must not audit again")
}

func TestDistinctKeysApplySeparately(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 500, "a"))
	require.NoError(t, err)
	_, err = h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 500, "b"))
	require.NoError(t, err)

	assert.Equal(t, int64(1000), balanceOf(t, h, "t1", "ai.tokens"))
}

func TestTenantsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 300, "same-key"))
	require.NoError(t, err)
	res, err := h.svc.AddCredits(ctx, credit("t2", "ai.tokens", 700, "same-key"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	assert.Equal(t, int64(300), balanceOf(t, h, "t1", "ai.tokens"))
	assert.Equal(t, int64(700), balanceOf(t, h, "t2", "ai.tokens"))

	all, err := h.svc.ListBalances(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ai.tokens": 300}, all)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 100, ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Debit(ctx, debit("t1", "ai.tokens", 80, fmt.Sprintf("d-%d", i)))
		}()
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(20), balanceOf(t, h, "t1", "ai.tokens"))
}

func TestManyConcurrentDebitsKeepBalanceNonNegative(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 1000, ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Debit(ctx, debit("t1", "ai.tokens", 30, fmt.Sprintf("d-%d", i)))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	assert.Equal(t, int64(10), balanceOf(t, h, "t1", "ai.tokens"))
}

func TestRetriedDebitObservesSameBalance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 600, ""))
	require.NoError(t, err)

	first, err := h.svc.Debit(ctx, debit("t1", "ai.tokens", 100, "req-42"))
	require.NoError(t, err)
	retry, err := h.svc.Debit(ctx, debit("t1", "ai.tokens", 100, "req-42"))
	require.NoError(t, err)

	assert.Equal(t, int64(500), first.BalanceMinorUnits)
	assert.Equal(t, int64(500), retry.BalanceMinorUnits)
	assert.True(t, retry.Replayed)
	assert.Equal(t, int64(500), balanceOf(t, h, "t1", "ai.tokens"))

	debits := 0
	for e, err := range h.svc.History(ctx, HistoryRequest{TenantID: "t1", MeteringKey: "ai.tokens", Reason: domain.ReasonUsage}) {
		require.NoError(t, err)
		assert.Equal(t, int64(-100), e.AmountMinorUnits)
		debits++
	}
	assert.Equal(t, 1, debits)
}

func TestConcurrentRetriesOfSameDebit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 600, ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*MutationResult, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.svc.Debit(ctx, debit("t1", "ai.tokens", 100, "req-42"))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrConcurrentRetry)
			continue
		}
		assert.Equal(t, int64(500), results[i].BalanceMinorUnits)
	}
	assert.Equal(t, int64(500), balanceOf(t, h, "t1", "ai.tokens"))
}

func TestInsufficientDebitCanBeRetriedWithSameKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 600, ""))
	require.NoError(t, err)

	_, err = h.svc.Debit(ctx, debit("t1", "ai.tokens", 700, "job-7"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 200, ""))
	require.NoError(t, err)

	res, err := h.svc.Debit(ctx, debit("t1", "ai.tokens", 700, "job-7"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(100), res.BalanceMinorUnits)
}

func TestCreditThatWouldOverflowIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ledger.SetBalance("t1", "ai.tokens", domain.Balance{AmountMinorUnits: math.MaxInt64 - 100, Version: 1})

	_, err := h.svc.AddCredits(ctx, credit("t1", "ai.tokens", 200, "big"))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, domain.IsRetryable(err))

	rec, err := h.records.Get(ctx, domain.Fingerprint{TenantID: "t1", Operation: OperationAddCredits, Key: "big"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	assert.Equal(t, int64(math.MaxInt64-100), balanceOf(t, h, "t1", "ai.tokens"))

	res, err := h.svc.Debit(ctx, debit("t1", "ai.tokens", 1, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-101), res.BalanceMinorUnits)
}

func TestMutationValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"zero credit", func() error { _, err := h.svc.AddCredits(ctx, credit("t1", "k", 0, "")); return err }},
		{"negative debit", func() error { _, err := h.svc.Debit(ctx, debit("t1", "k", -5, "")); return err }},
		{"missing tenant", func() error { _, err := h.svc.AddCredits(ctx, credit("", "k", 500, "")); return err }},
		{"bad metering key", func() error { _, err := h.svc.AddCredits(ctx, credit("t1", "has space", 500, "")); return err }},
		{"prepay below minimum", func() error { _, err := h.svc.AddCredits(ctx, credit("t1", "k", 99, "")); return err }},
		{"credit above maximum", func() error {
			_, err := h.svc.AddCredits(ctx, credit("t1", "k", domain.MaxAmountMinorUnits+1, ""))
			return err
		}},
		{"debit above maximum", func() error { _, err := h.svc.Debit(ctx, debit("t1", "k", math.MaxInt64, "")); return err }},
		{"debit reason on credit", func() error {
			req := credit("t1", "k", 500, "")
			req.Reason = domain.ReasonUsage
			_, err := h.svc.AddCredits(ctx, req)
			return err
		}},
		{"credit reason on debit", func() error {
			req := debit("t1", "k", 5, "")
			req.Reason = domain.ReasonRefund
			_, err := h.svc.Debit(ctx, req)
			return err
		}},
		{"bad idempotency key", func() error { _, err := h.svc.AddCredits(ctx, credit("t1", "k", 500, "no spaces allowed")); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.False(t, domain.IsRetryable(err))
		})
	}
	assert.Equal(t, 0, entryCount(t, h, "t1", "k"))
}

func TestRefundAndAdjustmentCredits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := credit("t1", "k", 5, "")
	req.Reason = domain.ReasonRefund
	_, err := h.svc.AddCredits(ctx, req)
	require.NoError(t, err, "prepay minimum does not apply to refunds")

	adj := debit("t1", "k", 5, "")
	adj.Reason = domain.ReasonAdjustment
	_, err = h.svc.Debit(ctx, adj)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balanceOf(t, h, "t1", "k"))
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, fmt.Errorf("lock: %w", domain.Unavailable(context.DeadlineExceeded))
}

func TestLockFailureIsRetryableAndReleasesKey(t *testing.T) {
	h := newHarness(t, failingLocker{})
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "k", 500, ""))
	require.NoError(t, err)

	_, err = h.svc.Debit(ctx, debit("t1", "k", 100, "req-1"))
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.True(t, domain.IsRetryable(err))

	rec, err := h.records.Get(ctx, domain.Fingerprint{TenantID: "t1", Operation: OperationDebit, Key: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, int64(500), balanceOf(t, h, "t1", "k"))
}

// stalledSums never answers a balance read before its context ends.
type stalledSums struct {
	*memory.Ledger
}

func (stalledSums) SumEntries(ctx context.Context, _, _ string) (domain.Balance, error) {
	<-ctx.Done()
	return domain.Balance{}, domain.Unavailable(ctx.Err())
}

func TestDebitGivesUpWhenLockHoldExpires(t *testing.T) {
	ledger := memory.NewLedger()
	records := memory.NewIdempotency()
	clk := clock.NewFake(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))
	locker := keylock.NewLocal(time.Second)
	svc := NewService(
		ledger,
		balance.NewProjector(stalledSums{ledger}, cache.Nop{}, nil),
		idempotency.NewGuard(records, clk, nil, time.Hour),
		locker,
		nil,
		metrics.New(nil),
		clk,
		clock.NewULIDs(),
		0,
	)
	svc.SetLockHold(20 * time.Millisecond)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Debit(ctx, debit("t1", "ai.tokens", 10, "slow"))
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrUnavailable)
		assert.True(t, domain.IsRetryable(err))
	case <-time.After(2 * time.Second):
		t.Fatal("debit held its lock past the deadline")
	}

	rec, err := records.Get(ctx, domain.Fingerprint{TenantID: "t1", Operation: OperationDebit, Key: "slow"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status, "nothing was written, so the key is released")

	unlock, err := locker.Lock(ctx, lockKey("t1", "ai.tokens"))
	require.NoError(t, err)
	unlock()
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.AddCredits(ctx, credit("t1", "k", 500, ""))
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestCheckSufficient(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "k", 500, ""))
	require.NoError(t, err)

	assert.NoError(t, h.svc.CheckSufficient(ctx, "t1", "k", 500))
	assert.ErrorIs(t, h.svc.CheckSufficient(ctx, "t1", "k", 501), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, h.svc.CheckSufficient(ctx, "t1", "k", 0), domain.ErrValidation)
}

func TestGrantTrialOnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.GrantTrial(ctx, "t1", "ai.tokens", "signup", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrialCredits, first.BalanceMinorUnits)
	assert.Equal(t, domain.ReasonTrial, first.Reason)

	again, err := h.svc.GrantTrial(ctx, "t1", "ai.tokens", "signup", 0)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.GrantTrial(ctx, "t1", "ai.tokens", "signup", 0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	other, err := h.svc.GrantTrial(ctx, "t1", "lead.billable", "signup", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), other.BalanceMinorUnits)

	assert.Equal(t, DefaultTrialCredits, balanceOf(t, h, "t1", "ai.tokens"))
}

func TestGetHistoryPagesNewestFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := range 5 {
		_, err := h.svc.AddCredits(ctx, credit("t1", "k", int64(100*(i+1)), ""))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	page, err := h.svc.GetHistory(ctx, HistoryRequest{TenantID: "t1", MeteringKey: "k", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, int64(500), page.Entries[0].AmountMinorUnits)
	assert.Equal(t, int64(400), page.Entries[1].AmountMinorUnits)
	require.NotEmpty(t, page.NextCursor)

	page, err = h.svc.GetHistory(ctx, HistoryRequest{TenantID: "t1", MeteringKey: "k", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, int64(300), page.Entries[0].AmountMinorUnits)

	_, err = h.svc.GetHistory(ctx, HistoryRequest{TenantID: "t1", MeteringKey: "k", Cursor: "garbage!"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBalanceEqualsSumOfEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ops := []int64{1000, -250, 300, -999, 120, -50, -121}
	for i, amt := range ops {
		var err error
		if amt > 0 {
			_, err = h.svc.AddCredits(ctx, credit("t1", "k", amt, fmt.Sprintf("op-%d", i)))
		} else {
			_, err = h.svc.Debit(ctx, debit("t1", "k", -amt, fmt.Sprintf("op-%d", i)))
		}
		if err != nil {
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		}
	}

	var sum int64
	for e, err := range h.svc.History(ctx, HistoryRequest{TenantID: "t1", MeteringKey: "k"}) {
		require.NoError(t, err)
		sum += e.AmountMinorUnits
	}
	assert.Equal(t, sum, balanceOf(t, h, "t1", "k"))
	assert.GreaterOrEqual(t, sum, int64(0))

	rec, err := h.svc.Reconcile(ctx, "t1", "k")
	require.NoError(t, err)
	assert.True(t, rec.Match)
}

func TestRebuildBalanceRepairsDrift(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "k", 700, ""))
	require.NoError(t, err)
	h.ledger.SetBalance("t1", "k", domain.Balance{AmountMinorUnits: 5, Version: 9})

	rec, err := h.svc.Reconcile(ctx, "t1", "k")
	require.NoError(t, err)
	assert.False(t, rec.Match)
	assert.Equal(t, h.clock.Now(), rec.CheckedAt)

	_, err = h.svc.RebuildBalance(ctx, "t1", "k", "operator")
	require.NoError(t, err)

	assert.Equal(t, int64(700), balanceOf(t, h, "t1", "k"))
	rec, err = h.svc.Reconcile(ctx, "t1", "k")
	require.NoError(t, err)
	assert.True(t, rec.Match)
	assert.Contains(t, h.audit.actions, "balance.rebuilt")
}

func TestIdempotencyStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.AddCredits(ctx, credit("t1", "k", 500, "a"))
	require.NoError(t, err)
	_, err = h.svc.Debit(ctx, debit("t1", "k", 900, "b"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.svc.AddCredits(ctx, credit("t2", "k", 500, "a"))
	require.NoError(t, err)

	stats, err := h.svc.IdempotencyStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[domain.StatusCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[domain.StatusFailed])
}
