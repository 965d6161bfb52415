package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type pair struct {
	tenantID    string
	meteringKey string
}

// Ledger keeps entries and materialized balances in process memory. It
// honours the same contract as the Postgres repository.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[pair][]domain.LedgerEntry
	balances map[pair]domain.Balance
	ids      map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		entries:  make(map[pair][]domain.LedgerEntry),
		balances: make(map[pair]domain.Balance),
		ids:      make(map[string]struct{}),
	}
}

func (l *Ledger) Append(ctx context.Context, entry *domain.LedgerEntry) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, fmt.Errorf("Append: %w", domain.Unavailable(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[entry.ID]; ok {
		return domain.Balance{}, fmt.Errorf("Append: entry %s: %w", entry.ID, domain.ErrConflict)
	}

	p := pair{entry.TenantID, entry.MeteringKey}
	bal, err := l.balances[p].Apply(entry.AmountMinorUnits)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("Append: %w", err)
	}

	e := *entry
	e.CreatedAt = e.CreatedAt.UTC()
	l.entries[p] = append(l.entries[p], e)
	l.ids[e.ID] = struct{}{}
	l.balances[p] = bal
	return bal, nil
}

func (l *Ledger) ListEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.EntryPage{}, fmt.Errorf("ListEntries: %w", domain.Unavailable(err))
	}
	q, err := q.Normalize()
	if err != nil {
		return domain.EntryPage{}, fmt.Errorf("ListEntries: %w", err)
	}

	var cursor *domain.Cursor
	if q.Cursor != "" {
		c, _ := domain.DecodeCursor(q.Cursor)
		cursor = &c
	}

	l.mu.RLock()
	all := slices.Clone(l.entries[pair{q.TenantID, q.MeteringKey}])
	l.mu.RUnlock()

	slices.SortFunc(all, func(a, b domain.LedgerEntry) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			switch {
			case a.ID < b.ID:
				c = -1
			case a.ID > b.ID:
				c = 1
			}
		}
		if q.Order == domain.OrderDesc {
			return -c
		}
		return c
	})

	page := domain.EntryPage{Entries: make([]domain.LedgerEntry, 0, q.Limit)}
	for _, e := range all {
		if q.Since != nil && e.CreatedAt.Before(*q.Since) {
			continue
		}
		if q.Reason != "" && e.Reason != q.Reason {
			continue
		}
		if cursor != nil && !cursor.After(e, q.Order) {
			continue
		}
		if len(page.Entries) == q.Limit {
			page.NextCursor = domain.CursorFor(page.Entries[q.Limit-1])
			break
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

func (l *Ledger) SumEntries(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, fmt.Errorf("SumEntries: %w", domain.Unavailable(err))
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[pair{tenantID, meteringKey}], nil
}

func (l *Ledger) ListBalances(ctx context.Context, tenantID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ListBalances: %w", domain.Unavailable(err))
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]int64)
	for p, bal := range l.balances {
		if p.tenantID == tenantID {
			out[p.meteringKey] = bal.AmountMinorUnits
		}
	}
	return out, nil
}

func (l *Ledger) Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reconciliation{}, fmt.Errorf("Reconcile: %w", domain.Unavailable(err))
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reconcileLocked(pair{tenantID, meteringKey}), nil
}

func (l *Ledger) RebuildBalance(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reconciliation{}, fmt.Errorf("RebuildBalance: %w", domain.Unavailable(err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := pair{tenantID, meteringKey}
	rec := l.reconcileLocked(p)
	if _, ok := l.balances[p]; ok || rec.EntryCount > 0 {
		l.balances[p] = domain.Balance{AmountMinorUnits: rec.Folded, Version: rec.EntryCount}
	}
	return rec, nil
}

func (l *Ledger) reconcileLocked(p pair) domain.Reconciliation {
	rec := domain.Reconciliation{TenantID: p.tenantID, MeteringKey: p.meteringKey}
	bal := l.balances[p]
	rec.Materialized = bal.AmountMinorUnits
	rec.MaterializedVersion = bal.Version
	for _, e := range l.entries[p] {
		rec.Folded += e.AmountMinorUnits
		rec.EntryCount++
	}
	rec.Match = rec.Materialized == rec.Folded && rec.MaterializedVersion == rec.EntryCount
	return rec
}

// SetBalance overwrites the materialized balance without touching entries.
// It exists so tests can simulate counter drift.
func (l *Ledger) SetBalance(tenantID, meteringKey string, bal domain.Balance) {
	l.mu.Lock()
	l.balances[pair{tenantID, meteringKey}] = bal
	l.mu.Unlock()
}
