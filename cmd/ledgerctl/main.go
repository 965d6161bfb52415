// Command ledgerctl runs operator tasks against the ledger store: balance
// reconciliation and repair, an idempotency sweep, and schema migrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/app"
	"github.com/christcr2012/StreamFlow-sub010/internal/config"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/repository"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  reconcile -tenant T -key K   compare a balance with the sum of its entries
  rebuild   -tenant T -key K   rewrite a balance from its entries
  sweep                        reclaim stale idempotency records and delete expired ones
  migrate                      apply schema migrations
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		slog.Error("ledgerctl failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init("ledgerctl", cfg.LogLevel, cfg.AppEnv)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		return migrate(ctx, cfg)
	case "reconcile", "rebuild", "sweep":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	var tenant, key string
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if cmd != "sweep" {
		fs.StringVar(&tenant, "tenant", "", "tenant id")
		fs.StringVar(&key, "key", "", "metering key")
	}
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if cmd != "sweep" && (tenant == "" || key == "") {
		return fmt.Errorf("%w: -tenant and -key are required", errUsage)
	}

	// Operator commands never create tables as a side effect.
	cfg.MigrateOnStart = false
	ledger, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	switch cmd {
	case "reconcile":
		rec, err := ledger.Ledger.Reconcile(ctx, tenant, key)
		if err != nil {
			return err
		}
		if err := printJSON(out, rec); err != nil {
			return err
		}
		if !rec.Match {
			return fmt.Errorf("balance for %s/%s is out of sync: materialized %d, entries sum to %d",
				tenant, key, rec.Materialized, rec.Folded)
		}
		return nil
	case "rebuild":
		rec, err := ledger.Ledger.RebuildBalance(ctx, tenant, key, "ledgerctl")
		if err != nil {
			return err
		}
		return printJSON(out, rec)
	default:
		reclaimed, deleted, err := ledger.Sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]int64{"reclaimed": reclaimed, "deleted": deleted})
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s", config.StoreBackendPostgres)
	}
	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.RunMigrations(db); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
