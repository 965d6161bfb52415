package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	minPollInterval = 5 * time.Millisecond
	maxPollInterval = 100 * time.Millisecond
)

// Redis is a Locker shared across processes. The TTL bounds how long a
// crashed holder can block the key.
type Redis struct {
	client  redis.UniversalClient
	script  *redis.Script
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedis(client redis.UniversalClient, ttl, waitTimeout time.Duration) *Redis {
	return &Redis{
		client:  client,
		script:  redis.NewScript(releaseScript),
		prefix:  "ledger:lock:",
		ttl:     ttl,
		timeout: waitTimeout,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errEmptyKey
	}

	wctx, cancel := waitContext(ctx, r.timeout)
	defer cancel()

	redisKey := r.prefix + key
	token := uuid.NewString()
	interval := minPollInterval

	for {
		ok, err := r.client.SetNX(wctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if wctx.Err() != nil {
				return nil, waitFailed(key, wctx.Err())
			}
			return nil, fmt.Errorf("lock %s: %w", key, domain.Unavailable(err))
		}
		if ok {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-wctx.Done():
			timer.Stop()
			return nil, waitFailed(key, wctx.Err())
		case <-timer.C:
		}
		interval = min(interval*2, maxPollInterval)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.script.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("redis unlock failed", "key", key, "error", err)
			}
		})
	}, nil
}
