package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type Idempotency struct {
	mu      sync.Mutex
	records map[domain.Fingerprint]domain.IdempotencyRecord
}

func NewIdempotency() *Idempotency {
	return &Idempotency{records: make(map[domain.Fingerprint]domain.IdempotencyRecord)}
}

func (s *Idempotency) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("Insert: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Fingerprint]; ok {
		return domain.ErrDuplicateIdempotencyKey
	}
	s.records[rec.Fingerprint] = cloneRecord(*rec)
	return nil
}

func (s *Idempotency) Get(ctx context.Context, fp domain.Fingerprint) (*domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Get: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *Idempotency) TakeOver(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("TakeOver: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.Fingerprint]
	if !ok || (cur.Status != domain.StatusFailed && !cur.Expired(now)) {
		return false, nil
	}
	cur.Status = domain.StatusInProgress
	cur.ResultPayload = nil
	cur.CreatedAt = rec.CreatedAt
	cur.UpdatedAt = rec.CreatedAt
	cur.ExpiresAt = rec.ExpiresAt
	s.records[rec.Fingerprint] = cur
	return true, nil
}

func (s *Idempotency) Complete(ctx context.Context, fp domain.Fingerprint, attempt time.Time, payload json.RawMessage, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("Complete: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[fp]
	if !ok || cur.Status == domain.StatusCompleted || !cur.CreatedAt.Equal(attempt) {
		return fmt.Errorf("Complete: %w", domain.ErrNotFound)
	}
	cur.Status = domain.StatusCompleted
	cur.ResultPayload = slices.Clone(payload)
	cur.UpdatedAt = now
	s.records[fp] = cur
	return nil
}

func (s *Idempotency) Fail(ctx context.Context, fp domain.Fingerprint, attempt time.Time, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("Fail: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[fp]
	if !ok || cur.Status != domain.StatusInProgress || !cur.CreatedAt.Equal(attempt) {
		return fmt.Errorf("Fail: %w", domain.ErrNotFound)
	}
	cur.Status = domain.StatusFailed
	cur.UpdatedAt = now
	s.records[fp] = cur
	return nil
}

func (s *Idempotency) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("ReclaimStale: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for fp, rec := range s.records {
		if rec.Status == domain.StatusInProgress && rec.UpdatedAt.Before(cutoff) {
			rec.Status = domain.StatusFailed
			rec.UpdatedAt = now
			s.records[fp] = rec
			n++
		}
	}
	return n, nil
}

func (s *Idempotency) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("DeleteExpired: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for fp, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, fp)
			n++
		}
	}
	return n, nil
}

func (s *Idempotency) Stats(ctx context.Context, tenantID string, now time.Time) (domain.IdempotencyStats, error) {
	stats := domain.IdempotencyStats{
		ByStatus:    map[domain.IdempotencyStatus]int64{},
		ByOperation: map[string]int64{},
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("Stats: %w", domain.Unavailable(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for fp, rec := range s.records {
		if fp.TenantID != tenantID {
			continue
		}
		stats.Total++
		if rec.Expired(now) {
			stats.Expired++
		}
		stats.ByStatus[rec.Status]++
		stats.ByOperation[fp.Operation]++
	}
	return stats, nil
}

func cloneRecord(r domain.IdempotencyRecord) domain.IdempotencyRecord {
	r.ResultPayload = slices.Clone(r.ResultPayload)
	return r
}
