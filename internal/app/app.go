// Package app assembles the ledger from configuration. Both the API server
// and the operator CLI build their dependencies here.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/christcr2012/StreamFlow-sub010/internal/audit"
	"github.com/christcr2012/StreamFlow-sub010/internal/cache"
	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
	"github.com/christcr2012/StreamFlow-sub010/internal/config"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/handler"
	"github.com/christcr2012/StreamFlow-sub010/internal/keylock"
	"github.com/christcr2012/StreamFlow-sub010/internal/metrics"
	"github.com/christcr2012/StreamFlow-sub010/internal/repository"
	"github.com/christcr2012/StreamFlow-sub010/internal/repository/memory"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/balance"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/credit"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/idempotency"
)

const databaseConnectAttempts = 30

type ledgerStore interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) (domain.Balance, error)
	ListEntries(ctx context.Context, q domain.EntryQuery) (domain.EntryPage, error)
	SumEntries(ctx context.Context, tenantID, meteringKey string) (domain.Balance, error)
	ListBalances(ctx context.Context, tenantID string) (map[string]int64, error)
	Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error)
	RebuildBalance(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error)
}

type recordStore interface {
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) error
	Get(ctx context.Context, fp domain.Fingerprint) (*domain.IdempotencyRecord, error)
	TakeOver(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error)
	Complete(ctx context.Context, fp domain.Fingerprint, attempt time.Time, payload json.RawMessage, now time.Time) error
	Fail(ctx context.Context, fp domain.Fingerprint, attempt time.Time, now time.Time) error
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context, tenantID string, now time.Time) (domain.IdempotencyStats, error)
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Ledger
	Ledger   *credit.Service
	Guard    *idempotency.Guard
	Sweeper  *idempotency.Sweeper

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	clk := clock.Real{}

	ledger, records, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	if cfg.UsesRedis() {
		if err := a.openRedis(ctx); err != nil {
			return err
		}
	}

	var balanceCache balance.Cache
	switch cfg.BalanceCache {
	case config.BalanceCacheRedis:
		balanceCache = cache.NewRedis(a.Redis, cfg.BalanceCacheTTL)
	case config.BalanceCacheMemory:
		balanceCache = cache.NewMemory(cfg.BalanceCacheTTL, clk)
	default:
		balanceCache = cache.Nop{}
	}

	var locker keylock.Locker
	switch cfg.LockBackend {
	case config.LockBackendPostgres:
		lockDB, err := a.openLockPool(ctx)
		if err != nil {
			return err
		}
		locker = keylock.NewPostgres(lockDB, cfg.LockWaitTimeout)
	case config.LockBackendRedis:
		locker = keylock.NewRedis(a.Redis, cfg.LockTTL, cfg.LockWaitTimeout)
	default:
		locker = keylock.NewLocal(cfg.LockWaitTimeout)
	}

	a.Guard = idempotency.NewGuard(records, clk, a.Metrics, cfg.IdempotencyTTL)
	a.Sweeper = idempotency.NewSweeper(records, clk, a.Metrics,
		slog.Default().With("component", "idempotency_sweeper"),
		cfg.IdempotencyStaleAfter, cfg.IdempotencySweepInterval)

	a.Ledger = credit.NewService(
		ledger,
		balance.NewProjector(ledger, balanceCache, a.Metrics),
		a.Guard,
		locker,
		a.auditSink(clk),
		a.Metrics,
		clk,
		clock.NewULIDs(),
		cfg.TrialCredits,
	)
	a.Ledger.SetLockHold(cfg.LockTTL)
	return nil
}

func (a *App) openStores(ctx context.Context) (ledgerStore, recordStore, error) {
	cfg := a.Config
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Warn("using in-memory ledger store; balances are lost on restart")
		return memory.NewLedger(), memory.NewIdempotency(), nil
	}

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeS) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second,
		ConnectAttempts: databaseConnectAttempts,
	})
	if err != nil {
		return nil, nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if cfg.MigrateOnStart {
		if err := repository.RunMigrations(db); err != nil {
			return nil, nil, err
		}
	}

	wrapped := repository.NewDB(db)
	return repository.NewLedgerRepository(wrapped), repository.NewIdempotencyRepository(wrapped), nil
}

// openLockPool opens the pool advisory locks are held on. Lock holders pin a
// connection for the whole critical section, so they must not draw from the
// pool the ledger queries use.
func (a *App) openLockPool(ctx context.Context) (*sql.DB, error) {
	cfg := a.Config
	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:    cfg.DBLockMaxConns,
		MaxIdleConns:    cfg.DBLockMaxConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeS) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *App) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.Redis = client
	return nil
}

func (a *App) auditSink(clk clock.Clock) audit.Sink {
	if !a.Config.KafkaEnabled() {
		return audit.LogSink{}
	}
	sink := audit.NewKafkaSink(audit.NewKafkaWriter(a.Config.KafkaBrokers, a.Config.KafkaAuditTopic), clk)
	a.closers = append(a.closers, sink.Close)
	return audit.Multi{audit.LogSink{}, sink}
}

// HealthChecks lists the backing services the readiness probe pings.
func (a *App) HealthChecks() []handler.Check {
	var checks []handler.Check
	if a.DB != nil {
		checks = append(checks, handler.Check{Name: "database", Ping: a.DB.PingContext})
	}
	if a.Redis != nil {
		checks = append(checks, handler.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
