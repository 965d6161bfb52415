package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
)

const DefaultStaleAfter = 3 * time.Minute

type sweepStore interface {
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper marks abandoned in_progress records failed so their keys can be
// retried, and deletes records past their expiry.
type Sweeper struct {
	store      sweepStore
	clock      clock.Clock
	metrics    *metrics.Ledger
	logger     *slog.Logger
	staleAfter time.Duration
	interval   time.Duration
}

func NewSweeper(store sweepStore, c clock.Clock, m *metrics.Ledger, logger *slog.Logger, staleAfter, interval time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		store:      store,
		clock:      c,
		metrics:    m,
		logger:     logger,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("idempotency sweeper started", "interval", s.interval, "stale_after", s.staleAfter)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idempotency sweeper stopped")
			return
		case <-ticker.C:
			if _, _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("idempotency sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (reclaimed, deleted int64, err error) {
	now := s.clock.Now()

	reclaimed, err = s.store.ReclaimStale(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, 0, fmt.Errorf("SweepOnce: reclaim: %w", err)
	}
	s.metrics.Swept("reclaimed", reclaimed)

	deleted, err = s.store.DeleteExpired(ctx, now)
	if err != nil {
		return reclaimed, 0, fmt.Errorf("SweepOnce: delete expired: %w", err)
	}
	s.metrics.Swept("deleted", deleted)

	if reclaimed > 0 || deleted > 0 {
		s.logger.Info("idempotency sweep", "reclaimed", reclaimed, "deleted", deleted)
	}
	return reclaimed, deleted, nil
}
