package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
)

type balanceStore interface {
	SumEntries(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error)
	ListBalances(ctx context.Context, tenantID string) (map[string]int64, error)
}

type Cache interface {
	Get(ctx context.Context, tenantID, meteringKey string) (domain.Balance, bool, error)
	Set(ctx context.Context, tenantID, meteringKey string, bal domain.Balance) error
	Delete(ctx context.Context, tenantID, meteringKey string) error
}

const (
	// floorEntries caps how many pairs keep a read-your-writes floor. The
	// least recently written pairs are forgotten first.
	floorEntries       = 100_000
	defaultLoadTimeout = 5 * time.Second
)

// Projector serves balances from a cache in front of the ledger store. A
// cached value is only used when it is at least as new as the last balance
// this process wrote for the pair.
type Projector struct {
	store       balanceStore
	cache       Cache
	metrics     *metrics.Ledger
	group       singleflight.Group
	loadTimeout time.Duration

	mu     sync.Mutex
	floors *lru.Cache[domain.Fingerprint, int64]
}

func NewProjector(store balanceStore, cache Cache, m *metrics.Ledger) *Projector {
	floors, err := lru.New[domain.Fingerprint, int64](floorEntries)
	if err != nil {
		panic(err)
	}
	return &Projector{
		store:       store,
		cache:       cache,
		metrics:     m,
		loadTimeout: defaultLoadTimeout,
		floors:      floors,
	}
}

func pairOf(tenantID, meteringKey string) domain.Fingerprint {
	return domain.Fingerprint{TenantID: tenantID, Operation: "balance", Key: meteringKey}
}

func (p *Projector) GetBalance(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error) {
	pair := pairOf(tenantID, meteringKey)
	floor := p.floor(pair)

	cached, ok, err := p.cache.Get(ctx, tenantID, meteringKey)
	if err != nil {
		logging.FromContext(ctx).Warn("balance cache read failed", "error", err)
	}
	if err == nil && ok && cached.Version >= floor {
		p.metrics.CacheLookup(true)
		return cached, nil
	}
	p.metrics.CacheLookup(false)

	// The load is shared with every caller that joins it, so it must not
	// end when the caller that started it goes away.
	ch := p.group.DoChan(pair.String(), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()
		return p.load(lctx, tenantID, meteringKey)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.Balance{}, fmt.Errorf("GetBalance: %w", domain.Unavailable(ctx.Err()))
	}
	if res.Err != nil {
		return domain.Balance{}, fmt.Errorf("GetBalance: %w", res.Err)
	}

	bal := res.Val.(domain.Balance)
	if bal.Version < floor {
		// joined a load that started before our own write landed
		return p.Fresh(ctx, tenantID, meteringKey)
	}
	return bal, nil
}

// Fresh bypasses the cache and reads the store.
func (p *Projector) Fresh(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error) {
	bal, err := p.load(ctx, tenantID, meteringKey)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("Fresh: %w", err)
	}
	return bal, nil
}

// Observe records a balance produced by an append.
func (p *Projector) Observe(ctx context.Context, tenantID, meteringKey string, bal domain.Balance) {
	pair := pairOf(tenantID, meteringKey)
	p.mu.Lock()
	if cur, _ := p.floors.Get(pair); bal.Version > cur {
		p.floors.Add(pair, bal.Version)
	}
	p.mu.Unlock()
	p.fill(ctx, tenantID, meteringKey, bal)
}

// Reset discards what the projector knows about a pair and seeds it with
// bal. Used after the materialized balance is rebuilt.
func (p *Projector) Reset(ctx context.Context, tenantID, meteringKey string, bal domain.Balance) {
	pair := pairOf(tenantID, meteringKey)
	p.mu.Lock()
	p.floors.Add(pair, bal.Version)
	p.mu.Unlock()

	if err := p.cache.Delete(ctx, tenantID, meteringKey); err != nil {
		logging.FromContext(ctx).Warn("balance cache delete failed", "error", err)
	}
	p.fill(ctx, tenantID, meteringKey, bal)
}

func (p *Projector) ListAllBalances(ctx context.Context, tenantID string) (map[string]int64, error) {
	balances, err := p.store.ListBalances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListAllBalances: %w", domain.Unavailable(err))
	}
	return balances, nil
}

func (p *Projector) load(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error) {
	bal, err := p.store.SumEntries(ctx, tenantID, meteringKey)
	if err != nil {
		return domain.Balance{}, domain.Unavailable(err)
	}
	p.fill(ctx, tenantID, meteringKey, bal)
	return bal, nil
}

func (p *Projector) fill(ctx context.Context, tenantID, meteringKey string, bal domain.Balance) {
	if err := p.cache.Set(ctx, tenantID, meteringKey, bal); err != nil {
		logging.FromContext(ctx).Warn("balance cache write failed", "error", err)
	}
}

func (p *Projector) floor(pair domain.Fingerprint) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.floors.Peek(pair)
	return v
}
