package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

const (
	uniqueViolation   = pq.ErrorCode("23505")
	numericOutOfRange = pq.ErrorCode("22003")
)

// classify maps driver failures onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return domain.Unavailable(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		if pqErr.Code == numericOutOfRange {
			return fmt.Errorf("%w: %w", domain.NewValidationError("amount_minor_units", "balance would overflow"), err)
		}
		switch pqErr.Code.Class() {
		case "22":
			return fmt.Errorf("%w: %w", domain.NewValidationError("request", pqErr.Message), err)
		case "08", "53", "57":
			return domain.Unavailable(err)
		case "40":
			// serialization failure or deadlock
			return domain.Unavailable(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Unavailable(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
