package idempotency

import (
	"context"
	"errors"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

type noEffectError struct {
	err error
}

func (e *noEffectError) Error() string { return e.err.Error() }
func (e *noEffectError) Unwrap() error { return e.err }

// NoEffect marks err as raised before any state was written, so the guard
// can release the key for a retry even when err is transient.
func NoEffect(err error) error {
	if err == nil {
		return nil
	}
	return &noEffectError{err: err}
}

// isAmbiguous reports whether err leaves the effect of the work unknown.
func isAmbiguous(err error) bool {
	var ne *noEffectError
	if errors.As(err, &ne) {
		return false
	}
	return errors.Is(err, domain.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
