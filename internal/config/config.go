package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	LockBackendLocal    = "local"
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"

	BalanceCacheMemory = "memory"
	BalanceCacheRedis  = "redis"
	BalanceCacheNone   = "none"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"production"`
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	StoreBackend   string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
	// DBLockMaxConns sizes the separate pool holding advisory locks when
	// LOCK_BACKEND=postgres. It caps concurrent lock holders and waiters.
	DBLockMaxConns int `env:"DB_LOCK_MAX_CONNS" envDefault:"25"`

	RedisURL string `env:"REDIS_URL"`

	LockBackend     string        `env:"LOCK_BACKEND" envDefault:"local"`
	LockWaitTimeout time.Duration `env:"LOCK_WAIT_TIMEOUT" envDefault:"5s"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	BalanceCache    string        `env:"BALANCE_CACHE" envDefault:"memory"`
	BalanceCacheTTL time.Duration `env:"BALANCE_CACHE_TTL" envDefault:"5m"`

	IdempotencyTTL           time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyStaleAfter    time.Duration `env:"IDEMPOTENCY_STALE_AFTER" envDefault:"3m"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1m"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"ledger.audit"`

	TrialCredits int64 `env:"TRIAL_CREDITS" envDefault:"1000"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", c.StoreBackend)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LockBackend {
	case LockBackendLocal:
	case LockBackendPostgres:
		if c.StoreBackend != StoreBackendPostgres {
			return fmt.Errorf("LOCK_BACKEND=postgres requires STORE_BACKEND=postgres")
		}
		if c.DBLockMaxConns < 1 {
			return fmt.Errorf("DB_LOCK_MAX_CONNS must be at least 1 when LOCK_BACKEND=postgres")
		}
	case LockBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}

	switch c.BalanceCache {
	case BalanceCacheMemory, BalanceCacheNone:
	case BalanceCacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when BALANCE_CACHE=redis")
		}
	default:
		return fmt.Errorf("unknown BALANCE_CACHE %q", c.BalanceCache)
	}

	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyStaleAfter <= 0 || c.IdempotencySweepInterval <= 0 {
		return fmt.Errorf("idempotency durations must be positive")
	}
	if c.IdempotencyStaleAfter >= c.IdempotencyTTL {
		return fmt.Errorf("IDEMPOTENCY_STALE_AFTER must be shorter than IDEMPOTENCY_TTL")
	}
	if c.TrialCredits <= 0 {
		return fmt.Errorf("TRIAL_CREDITS must be positive")
	}
	return nil
}

func (c *Config) UsesRedis() bool {
	return c.LockBackend == LockBackendRedis || c.BalanceCache == BalanceCacheRedis
}

func (c *Config) KafkaEnabled() bool {
	for _, b := range c.KafkaBrokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}
