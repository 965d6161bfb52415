package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

const ledgerColumns = `id, tenant_id, metering_key, amount_minor, reason, actor_id,
	idempotency_fingerprint, created_at`

type LedgerRepository struct {
	db *DB
}

func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func pairAttrs(tenantID, meteringKey string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("ledger.tenant_id", tenantID),
		attribute.String("ledger.metering_key", meteringKey),
	)
}

// Append writes the entry and folds it into the materialized balance inside
// one transaction, entry first. CreatedAt is truncated to the column's
// microsecond precision.
func (r *LedgerRepository) Append(ctx context.Context, entry *domain.LedgerEntry) (domain.Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.Append", pairAttrs(entry.TenantID, entry.MeteringKey))
	defer span.End()

	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)

	var bal domain.Balance
	err := r.db.inTx(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (`+ledgerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.TenantID, entry.MeteringKey, entry.AmountMinorUnits,
			entry.Reason, entry.ActorID, entry.IdempotencyFingerprint, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", classify(err))
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO ledger_balances (tenant_id, metering_key, balance_minor, entry_count, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (tenant_id, metering_key) DO UPDATE SET
				balance_minor = ledger_balances.balance_minor + EXCLUDED.balance_minor,
				entry_count = ledger_balances.entry_count + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING balance_minor, entry_count`,
			entry.TenantID, entry.MeteringKey, entry.AmountMinorUnits, entry.CreatedAt,
		).Scan(&bal.AmountMinorUnits, &bal.Version)
		if err != nil {
			return fmt.Errorf("update balance: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Balance{}, fmt.Errorf("Append: %w", err)
	}
	return bal, nil
}

func (r *LedgerRepository) ListEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error) {
	ctx, span := tracer.Start(ctx, "ledger.ListEntries", pairAttrs(q.TenantID, q.MeteringKey))
	defer span.End()

	q, err := q.Normalize()
	if err != nil {
		return domain.EntryPage{}, fmt.Errorf("ListEntries: %w", err)
	}

	args := []any{q.TenantID, q.MeteringKey}
	conds := []string{"tenant_id = $1", "metering_key = $2"}
	if q.Since != nil {
		args = append(args, q.Since.UTC())
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.Reason != "" {
		args = append(args, q.Reason)
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}
	if q.Cursor != "" {
		c, _ := domain.DecodeCursor(q.Cursor)
		op := ">"
		if q.Order == domain.OrderDesc {
			op = "<"
		}
		args = append(args, c.CreatedAt.UTC(), c.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) %s ($%d, $%d)", op, len(args)-1, len(args)))
	}

	dir := "ASC"
	if q.Order == domain.OrderDesc {
		dir = "DESC"
	}
	args = append(args, q.Limit+1)

	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY created_at `+dir+`, id `+dir+`
		LIMIT `+fmt.Sprintf("$%d", len(args)),
		args...,
	)
	if err != nil {
		span.RecordError(err)
		return domain.EntryPage{}, fmt.Errorf("ListEntries: %w", classify(err))
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, q.Limit)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return domain.EntryPage{}, fmt.Errorf("ListEntries: scan: %w", classify(err))
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return domain.EntryPage{}, fmt.Errorf("ListEntries: rows: %w", classify(err))
	}

	page := domain.EntryPage{Entries: entries}
	if len(entries) > q.Limit {
		page.Entries = entries[:q.Limit]
		page.NextCursor = domain.CursorFor(page.Entries[q.Limit-1])
	}
	return page, nil
}

func (r *LedgerRepository) SumEntries(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.SumEntries", pairAttrs(tenantID, meteringKey))
	defer span.End()

	bal, err := readCounter(ctx, r.db.Conn(), tenantID, meteringKey, false)
	if err != nil {
		span.RecordError(err)
		return domain.Balance{}, fmt.Errorf("SumEntries: %w", err)
	}
	return bal, nil
}

func (r *LedgerRepository) ListBalances(ctx context.Context, tenantID string) (map[string]int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.ListBalances",
		trace.WithAttributes(attribute.String("ledger.tenant_id", tenantID)))
	defer span.End()

	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT metering_key, balance_minor FROM ledger_balances WHERE tenant_id = $1`, tenantID,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ListBalances: %w", classify(err))
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var key string
		var amount int64
		if err := rows.Scan(&key, &amount); err != nil {
			return nil, fmt.Errorf("ListBalances: scan: %w", classify(err))
		}
		balances[key] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBalances: rows: %w", classify(err))
	}
	return balances, nil
}

// Reconcile compares the materialized balance with a fold of the entries
// inside a single repeatable-read snapshot.
func (r *LedgerRepository) Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error) {
	ctx, span := tracer.Start(ctx, "ledger.Reconcile", pairAttrs(tenantID, meteringKey))
	defer span.End()

	rec := domain.Reconciliation{TenantID: tenantID, MeteringKey: meteringKey}
	err := r.db.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sql.Tx) error {
		counter, err := readCounter(ctx, tx, tenantID, meteringKey, false)
		if err != nil {
			return err
		}
		folded, count, err := foldEntries(ctx, tx, tenantID, meteringKey)
		if err != nil {
			return err
		}
		rec.Materialized = counter.AmountMinorUnits
		rec.MaterializedVersion = counter.Version
		rec.Folded = folded
		rec.EntryCount = count
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Reconciliation{}, fmt.Errorf("Reconcile: %w", err)
	}
	rec.Match = rec.Materialized == rec.Folded && rec.MaterializedVersion == rec.EntryCount
	return rec, nil
}

// RebuildBalance overwrites the materialized balance with the fold of the
// entries. The counter row stays locked for the duration so concurrent
// appends land on top of the rebuilt value.
func (r *LedgerRepository) RebuildBalance(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error) {
	ctx, span := tracer.Start(ctx, "ledger.RebuildBalance", pairAttrs(tenantID, meteringKey))
	defer span.End()

	rec := domain.Reconciliation{TenantID: tenantID, MeteringKey: meteringKey}
	err := r.db.inTx(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_balances (tenant_id, metering_key, balance_minor, entry_count, updated_at)
			VALUES ($1, $2, 0, 0, now())
			ON CONFLICT (tenant_id, metering_key) DO NOTHING`,
			tenantID, meteringKey,
		)
		if err != nil {
			return fmt.Errorf("ensure balance row: %w", classify(err))
		}

		counter, err := readCounter(ctx, tx, tenantID, meteringKey, true)
		if err != nil {
			return err
		}
		folded, count, err := foldEntries(ctx, tx, tenantID, meteringKey)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE ledger_balances SET balance_minor = $3, entry_count = $4, updated_at = now()
			WHERE tenant_id = $1 AND metering_key = $2`,
			tenantID, meteringKey, folded, count,
		)
		if err != nil {
			return fmt.Errorf("rewrite balance: %w", classify(err))
		}

		rec.Materialized = counter.AmountMinorUnits
		rec.MaterializedVersion = counter.Version
		rec.Folded = folded
		rec.EntryCount = count
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Reconciliation{}, fmt.Errorf("RebuildBalance: %w", err)
	}
	rec.Match = rec.Materialized == rec.Folded && rec.MaterializedVersion == rec.EntryCount
	return rec, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCounter(ctx context.Context, q queryRower, tenantID, meteringKey string, forUpdate bool) (domain.Balance, error) {
	query := `SELECT balance_minor, entry_count FROM ledger_balances
		WHERE tenant_id = $1 AND metering_key = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var bal domain.Balance
	err := q.QueryRowContext(ctx, query, tenantID, meteringKey).Scan(&bal.AmountMinorUnits, &bal.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Balance{}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("read balance: %w", classify(err))
	}
	return bal, nil
}

func foldEntries(ctx context.Context, q queryRower, tenantID, meteringKey string) (int64, int64, error) {
	var sum, count int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0), COUNT(*) FROM ledger_entries
		WHERE tenant_id = $1 AND metering_key = $2`,
		tenantID, meteringKey,
	).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("fold entries: %w", classify(err))
	}
	return sum, count, nil
}

func scanLedgerEntry(s scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var fingerprint sql.NullString
	err := s.Scan(
		&e.ID, &e.TenantID, &e.MeteringKey, &e.AmountMinorUnits, &e.Reason,
		&e.ActorID, &fingerprint, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if fingerprint.Valid {
		e.IdempotencyFingerprint = &fingerprint.String
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
