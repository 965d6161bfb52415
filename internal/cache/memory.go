// Package cache holds balance caches for the projector. A cache never
// replaces a newer balance with an older one.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type memoryItem struct {
	balance   domain.Balance
	expiresAt time.Time
}

type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	ttl   time.Duration
	clock clock.Clock
}

func NewMemory(ttl time.Duration, c clock.Clock) *Memory {
	return &Memory{items: make(map[string]memoryItem), ttl: ttl, clock: c}
}

func (m *Memory) Get(_ context.Context, tenantID, meteringKey string) (domain.Balance, bool, error) {
	key := balanceKey(tenantID, meteringKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return domain.Balance{}, false, nil
	}
	if !m.clock.Now().Before(item.expiresAt) {
		delete(m.items, key)
		return domain.Balance{}, false, nil
	}
	return item.balance, true, nil
}

func (m *Memory) Set(_ context.Context, tenantID, meteringKey string, bal domain.Balance) error {
	key := balanceKey(tenantID, meteringKey)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.items[key]; ok && now.Before(cur.expiresAt) && cur.balance.Version > bal.Version {
		return nil
	}
	m.items[key] = memoryItem{balance: bal, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID, meteringKey string) error {
	m.mu.Lock()
	delete(m.items, balanceKey(tenantID, meteringKey))
	m.mu.Unlock()
	return nil
}

type Nop struct{}

func (Nop) Get(context.Context, string, string) (domain.Balance, bool, error) {
	return domain.Balance{}, false, nil
}

func (Nop) Set(context.Context, string, string, domain.Balance) error { return nil }

func (Nop) Delete(context.Context, string, string) error { return nil }

func balanceKey(tenantID, meteringKey string) string {
	return "ledger:balance:" + domain.Fingerprint{TenantID: tenantID, Operation: "balance", Key: meteringKey}.String()
}
