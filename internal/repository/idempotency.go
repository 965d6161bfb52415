package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

const idempotencyColumns = `tenant_id, operation, idempotency_key, status, result_payload,
	created_at, updated_at, expires_at`

type IdempotencyRepository struct {
	db *DB
}

func NewIdempotencyRepository(db *DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func fingerprintAttrs(fp domain.Fingerprint) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("idempotency.tenant_id", fp.TenantID),
		attribute.String("idempotency.operation", fp.Operation),
	)
}

// Insert claims the fingerprint. An existing record, in any state, yields
// domain.ErrDuplicateIdempotencyKey.
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	ctx, span := tracer.Start(ctx, "idempotency.Insert", fingerprintAttrs(rec.Fingerprint))
	defer span.End()

	_, err := r.db.Conn().ExecContext(ctx,
		`INSERT INTO idempotency_records (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TenantID, rec.Operation, rec.Key, rec.Status, nullablePayload(rec.ResultPayload),
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("Insert: %w", classify(err))
	}
	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, fp domain.Fingerprint) (*domain.IdempotencyRecord, error) {
	ctx, span := tracer.Start(ctx, "idempotency.Get", fingerprintAttrs(fp))
	defer span.End()

	rec, err := scanIdempotencyRecord(r.db.Conn().QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records
		WHERE tenant_id = $1 AND operation = $2 AND idempotency_key = $3`,
		fp.TenantID, fp.Operation, fp.Key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("Get: %w", classify(err))
	}
	return rec, nil
}

// TakeOver resets a failed or expired record to in_progress for a new
// attempt. It reports false when another caller already holds the record.
func (r *IdempotencyRepository) TakeOver(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "idempotency.TakeOver", fingerprintAttrs(rec.Fingerprint))
	defer span.End()

	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE idempotency_records
		SET status = $4, result_payload = NULL, created_at = $5, updated_at = $5, expires_at = $6
		WHERE tenant_id = $1 AND operation = $2 AND idempotency_key = $3
			AND (status = $7 OR expires_at <= $8)`,
		rec.TenantID, rec.Operation, rec.Key, domain.StatusInProgress,
		rec.CreatedAt, rec.ExpiresAt, domain.StatusFailed, now,
	)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("TakeOver: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("TakeOver: rows affected: %w", classify(err))
	}
	return n == 1, nil
}

// Complete stores the result of the attempt that started at attempt. A
// record taken over by a newer attempt is left alone and ErrNotFound is
// returned.
func (r *IdempotencyRepository) Complete(ctx context.Context, fp domain.Fingerprint, attempt time.Time, payload json.RawMessage, now time.Time) error {
	ctx, span := tracer.Start(ctx, "idempotency.Complete", fingerprintAttrs(fp))
	defer span.End()

	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE idempotency_records SET status = $4, result_payload = $5, updated_at = $6
		WHERE tenant_id = $1 AND operation = $2 AND idempotency_key = $3
			AND status <> $4 AND created_at = $7`,
		fp.TenantID, fp.Operation, fp.Key, domain.StatusCompleted, nullablePayload(payload), now,
		attempt.UTC(),
	)
	return r.expectOne(span, "Complete", res, err)
}

func (r *IdempotencyRepository) Fail(ctx context.Context, fp domain.Fingerprint, attempt time.Time, now time.Time) error {
	ctx, span := tracer.Start(ctx, "idempotency.Fail", fingerprintAttrs(fp))
	defer span.End()

	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE idempotency_records SET status = $4, updated_at = $5
		WHERE tenant_id = $1 AND operation = $2 AND idempotency_key = $3
			AND status = $6 AND created_at = $7`,
		fp.TenantID, fp.Operation, fp.Key, domain.StatusFailed, now, domain.StatusInProgress,
		attempt.UTC(),
	)
	return r.expectOne(span, "Fail", res, err)
}

// ReclaimStale marks in_progress records untouched since cutoff as failed.
func (r *IdempotencyRepository) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "idempotency.ReclaimStale")
	defer span.End()

	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE idempotency_records SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		domain.StatusFailed, now, domain.StatusInProgress, cutoff,
	)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("ReclaimStale: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ReclaimStale: rows affected: %w", classify(err))
	}
	return n, nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "idempotency.DeleteExpired")
	defer span.End()

	res, err := r.db.Conn().ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now,
	)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("DeleteExpired: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteExpired: rows affected: %w", classify(err))
	}
	return n, nil
}

func (r *IdempotencyRepository) Stats(ctx context.Context, tenantID string, now time.Time) (domain.IdempotencyStats, error) {
	ctx, span := tracer.Start(ctx, "idempotency.Stats")
	defer span.End()

	stats := domain.IdempotencyStats{
		ByStatus:    map[domain.IdempotencyStatus]int64{},
		ByOperation: map[string]int64{},
	}

	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT operation, status, COUNT(*), COUNT(*) FILTER (WHERE expires_at <= $2)
		FROM idempotency_records WHERE tenant_id = $1
		GROUP BY operation, status`,
		tenantID, now,
	)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("Stats: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			operation      string
			status         domain.IdempotencyStatus
			count, expired int64
		)
		if err := rows.Scan(&operation, &status, &count, &expired); err != nil {
			return stats, fmt.Errorf("Stats: scan: %w", classify(err))
		}
		stats.Total += count
		stats.Expired += expired
		stats.ByStatus[status] += count
		stats.ByOperation[operation] += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("Stats: rows: %w", classify(err))
	}
	return stats, nil
}

func (r *IdempotencyRepository) expectOne(span trace.Span, op string, res sql.Result, err error) error {
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, classify(err))
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func scanIdempotencyRecord(s scanner) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var payload []byte
	err := s.Scan(
		&rec.TenantID, &rec.Operation, &rec.Key, &rec.Status, &payload,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		rec.ResultPayload = json.RawMessage(payload)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}
