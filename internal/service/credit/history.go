package credit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type HistoryRequest struct {
	TenantID    string
	MeteringKey string
	Limit       int
	Cursor      string
	Reason      domain.Reason
	Since       *time.Time
}

func (r HistoryRequest) query() domain.EntryQuery {
	return domain.EntryQuery{
		TenantID:    r.TenantID,
		MeteringKey: r.MeteringKey,
		Since:       r.Since,
		Reason:      r.Reason,
		Cursor:      r.Cursor,
		Limit:       r.Limit,
		Order:       domain.OrderDesc,
	}
}

// GetHistory returns one page of entries, most recent first.
func (s *Service) GetHistory(ctx context.Context, req HistoryRequest) (domain.EntryPage, error) {
	page, err := s.listEntries(ctx, req.query())
	if err != nil {
		return domain.EntryPage{}, fmt.Errorf("GetHistory: %w", err)
	}
	return page, nil
}

// History walks every entry of the pair, most recent first, fetching pages
// as the caller consumes them.
func (s *Service) History(ctx context.Context, req HistoryRequest) iter.Seq2[domain.LedgerEntry, error] {
	return domain.Entries(ctx, entryListerFunc(s.listEntries), req.query())
}

func (s *Service) listEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error) {
	q, err := q.Normalize()
	if err != nil {
		return domain.EntryPage{}, err
	}
	page, err := s.store.ListEntries(ctx, q)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return domain.EntryPage{}, err
		}
		return domain.EntryPage{}, domain.Unavailable(err)
	}
	return page, nil
}

type entryListerFunc func(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error)

func (f entryListerFunc) ListEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error) {
	return f(ctx, q)
}
