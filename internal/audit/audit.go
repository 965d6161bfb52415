// Package audit forwards ledger mutations to audit consumers. Delivery is
// best-effort: sinks never report failure back to the ledger.
package audit

import (
	"context"
	"time"
)

const (
	ActionCreditsAdded   = "credits.added"
	ActionCreditsDebited = "credits.debited"
	ActionBalanceRebuilt = "balance.rebuilt"
)

type Sink interface {
	Record(ctx context.Context, tenantID, action, actorID string, metadata map[string]any)
}

type Event struct {
	TenantID   string         `json:"tenant_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

type Nop struct{}

func (Nop) Record(context.Context, string, string, string, map[string]any) {}

// Multi fans a record out to every sink in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, tenantID, action, actorID string, metadata map[string]any) {
	for _, s := range m {
		s.Record(ctx, tenantID, action, actorID, metadata)
	}
}
