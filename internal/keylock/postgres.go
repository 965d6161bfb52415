package keylock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

// Postgres takes session-level advisory locks. Each holder and each waiter
// pins one connection of db until it unlocks or gives up. db must be a pool
// of its own: if lock holders share a pool with the queries they run under
// the lock, a full pool leaves every holder waiting for a connection.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgres(db *sql.DB, waitTimeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: waitTimeout}
}

func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errEmptyKey
	}

	wctx, cancel := waitContext(ctx, p.timeout)
	defer cancel()

	conn, err := p.db.Conn(wctx)
	if err != nil {
		return nil, waitFailed(key, err)
	}

	// lib/pq cancels the running query when wctx ends.
	if _, err := conn.ExecContext(wctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Close()
		if wctx.Err() != nil {
			return nil, waitFailed(key, wctx.Err())
		}
		return nil, fmt.Errorf("lock %s: %w", key, domain.Unavailable(err))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				// Closing the session drops the lock anyway; make sure the
				// connection is not returned to the pool still holding it.
				slog.Warn("advisory unlock failed", "key", key, "error", err)
				conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, nil
}
