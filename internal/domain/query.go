package domain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"iter"
	"time"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type EntryQuery struct {
	TenantID    string
	MeteringKey string
	Since       *time.Time
	Reason      Reason
	Cursor      string
	Limit       int
	Order       Order
}

// Normalize validates q and fills in the default page size and order.
func (q EntryQuery) Normalize() (EntryQuery, error) {
	if err := ValidateTenantID(q.TenantID); err != nil {
		return q, err
	}
	if err := ValidateMeteringKey(q.MeteringKey); err != nil {
		return q, err
	}
	if q.Reason != "" && !q.Reason.Valid() {
		return q, NewValidationError("reason", "unknown reason "+string(q.Reason))
	}
	switch {
	case q.Limit < 0:
		return q, NewValidationError("limit", "must not be negative")
	case q.Limit == 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}
	switch q.Order {
	case "":
		q.Order = OrderAsc
	case OrderAsc, OrderDesc:
	default:
		return q, NewValidationError("order", "must be asc or desc")
	}
	if q.Cursor != "" {
		if _, err := DecodeCursor(q.Cursor); err != nil {
			return q, err
		}
	}
	return q, nil
}

type EntryPage struct {
	Entries    []LedgerEntry
	NextCursor string
}

// Cursor marks the last entry of a page in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func EncodeCursor(c Cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, NewValidationError("cursor", "malformed cursor")
	}
	if err := json.Unmarshal(b, &c); err != nil || c.ID == "" {
		return c, NewValidationError("cursor", "malformed cursor")
	}
	return c, nil
}

func CursorFor(e LedgerEntry) string {
	return EncodeCursor(Cursor{CreatedAt: e.CreatedAt, ID: e.ID})
}

// After reports whether e sorts strictly after c in the given order.
func (c Cursor) After(e LedgerEntry, order Order) bool {
	cmp := e.CreatedAt.Compare(c.CreatedAt)
	if cmp == 0 {
		switch {
		case e.ID > c.ID:
			cmp = 1
		case e.ID < c.ID:
			cmp = -1
		}
	}
	if order == OrderDesc {
		return cmp < 0
	}
	return cmp > 0
}

type EntryLister interface {
	ListEntries(ctx context.Context, q EntryQuery) (EntryPage, error)
}

// Entries walks every page of q lazily. Ranging over the result again starts
// from q.Cursor once more.
func Entries(ctx context.Context, l EntryLister, q EntryQuery) iter.Seq2[LedgerEntry, error] {
	return func(yield func(LedgerEntry, error) bool) {
		for {
			page, err := l.ListEntries(ctx, q)
			if err != nil {
				yield(LedgerEntry{}, err)
				return
			}
			for _, e := range page.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			q.Cursor = page.NextCursor
		}
	}
}
