package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
)

const (
	DefaultTTL             = 24 * time.Hour
	defaultFinalizeTimeout = 5 * time.Second
)

type recordStore interface {
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) error
	Get(ctx context.Context, fp domain.Fingerprint) (*domain.IdempotencyRecord, error)
	TakeOver(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error)
	Complete(ctx context.Context, fp domain.Fingerprint, attempt time.Time, payload json.RawMessage, now time.Time) error
	Fail(ctx context.Context, fp domain.Fingerprint, attempt time.Time, now time.Time) error
	Stats(ctx context.Context, tenantID string, now time.Time) (domain.IdempotencyStats, error)
}

type Work func(ctx context.Context) (json.RawMessage, error)

// Guard makes a mutating operation take effect at most once per fingerprint.
type Guard struct {
	store           recordStore
	clock           clock.Clock
	metrics         *metrics.Ledger
	ttl             time.Duration
	finalizeTimeout time.Duration
}

func NewGuard(store recordStore, c clock.Clock, m *metrics.Ledger, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		store:           store,
		clock:           c,
		metrics:         m,
		ttl:             ttl,
		finalizeTimeout: defaultFinalizeTimeout,
	}
}

// Do runs work once for fp and caches its result. A retry of a completed
// request returns the cached payload with replayed set. An empty key runs
// work without any protection.
func (g *Guard) Do(ctx context.Context, fp domain.Fingerprint, work Work) (json.RawMessage, bool, error) {
	if fp.Key == "" {
		g.metrics.IdempotencyDecision(metrics.DecisionUnguarded)
		payload, err := work(ctx)
		return payload, false, err
	}
	if err := domain.ValidateIdempotencyKey(fp.Key); err != nil {
		return nil, false, fmt.Errorf("Do: %w", err)
	}

	cached, attempt, err := g.claim(ctx, fp)
	if err != nil {
		return nil, false, fmt.Errorf("Do: %w", err)
	}
	if cached != nil {
		return cached, true, nil
	}

	payload, err := work(ctx)
	g.finish(ctx, fp, attempt, payload, err)
	return payload, false, err
}

// claim returns a cached payload for a completed request, or nil once the
// caller owns the record and must execute. The returned attempt is the
// record's created_at and identifies this execution when it settles.
func (g *Guard) claim(ctx context.Context, fp domain.Fingerprint) (json.RawMessage, time.Time, error) {
	now := g.clock.Now().UTC().Truncate(time.Microsecond)
	rec := &domain.IdempotencyRecord{
		Fingerprint: fp,
		Status:      domain.StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}

	err := g.store.Insert(ctx, rec)
	if err == nil {
		g.metrics.IdempotencyDecision(metrics.DecisionFirst)
		return nil, now, nil
	}
	if !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		return nil, now, fmt.Errorf("claim: %w", domain.Unavailable(err))
	}

	existing, err := g.store.Get(ctx, fp)
	if errors.Is(err, domain.ErrNotFound) {
		// swept between insert and read
		g.metrics.IdempotencyDecision(metrics.DecisionInFlight)
		return nil, now, domain.ErrConcurrentRetry
	}
	if err != nil {
		return nil, now, fmt.Errorf("claim: %w", domain.Unavailable(err))
	}

	live := !existing.Expired(now)
	switch {
	case existing.Status == domain.StatusCompleted && live:
		g.metrics.IdempotencyDecision(metrics.DecisionReplay)
		return existing.ResultPayload, now, nil
	case existing.Status == domain.StatusInProgress && live:
		g.metrics.IdempotencyDecision(metrics.DecisionInFlight)
		return nil, now, domain.ErrConcurrentRetry
	}

	won, err := g.store.TakeOver(ctx, rec, now)
	if err != nil {
		return nil, now, fmt.Errorf("claim: takeover: %w", domain.Unavailable(err))
	}
	if !won {
		g.metrics.IdempotencyDecision(metrics.DecisionInFlight)
		return nil, now, domain.ErrConcurrentRetry
	}
	g.metrics.IdempotencyDecision(metrics.DecisionTakeover)
	logging.FromContext(ctx).Info("idempotency record taken over",
		"fingerprint", fp.String(),
		"previous_status", existing.Status,
	)
	return nil, now, nil
}

// finish records the outcome of work. Transitions run detached from the
// caller's context so a cancelled request still settles its record.
func (g *Guard) finish(ctx context.Context, fp domain.Fingerprint, attempt time.Time, payload json.RawMessage, workErr error) {
	log := logging.FromContext(ctx)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.finalizeTimeout)
	defer cancel()
	now := g.clock.Now()

	switch {
	case workErr == nil:
		err := g.store.Complete(fctx, fp, attempt, payload, now)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("idempotency record superseded by a newer attempt", "fingerprint", fp.String())
		} else if err != nil {
			log.Error("failed to complete idempotency record", "fingerprint", fp.String(), "error", err)
		}
	case isAmbiguous(workErr):
		log.Warn("outcome unknown, leaving idempotency record in progress",
			"fingerprint", fp.String(),
			"error", workErr,
		)
	default:
		if err := g.store.Fail(fctx, fp, attempt, now); err != nil {
			log.Error("failed to mark idempotency record failed", "fingerprint", fp.String(), "error", err)
		}
	}
}

func (g *Guard) Stats(ctx context.Context, tenantID string) (domain.IdempotencyStats, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return domain.IdempotencyStats{}, fmt.Errorf("Stats: %w", err)
	}
	stats, err := g.store.Stats(ctx, tenantID, g.clock.Now())
	if err != nil {
		return domain.IdempotencyStats{}, fmt.Errorf("Stats: %w", domain.Unavailable(err))
	}
	return stats, nil
}

// Run is Do for typed results, encoded as JSON in the record.
func Run[T any](ctx context.Context, g *Guard, fp domain.Fingerprint, work func(ctx context.Context) (T, error)) (T, bool, error) {
	var result, zero T
	payload, replayed, err := g.Do(ctx, fp, func(ctx context.Context) (json.RawMessage, error) {
		v, err := work(ctx)
		if err != nil {
			return nil, err
		}
		result = v
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}
	if !replayed {
		return result, false, nil
	}

	var cached T
	if err := json.Unmarshal(payload, &cached); err != nil {
		return zero, true, fmt.Errorf("Run: decode cached result: %w", err)
	}
	return cached, true, nil
}
