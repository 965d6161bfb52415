// Package keylock serializes work per key. Holders of different keys never
// contend.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var errEmptyKey = errors.New("lock key is empty")

// waitContext bounds a lock wait by timeout when one is configured.
func waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func waitFailed(key string, err error) error {
	return fmt.Errorf("lock %s: %w", key, domain.Unavailable(err))
}
