package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christcr2012/StreamFlow-sub010/api"
	"github.com/christcr2012/StreamFlow-sub010/internal/app"
	"github.com/christcr2012/StreamFlow-sub010/internal/config"
	"github.com/christcr2012/StreamFlow-sub010/internal/handler"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("credit-ledger", cfg.LogLevel, cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			slog.Error("failed to release resources", "error", err)
		}
	}()

	go ledger.Sweeper.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           routes(cfg, ledger),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started",
			"addr", addr,
			"store", cfg.StoreBackend,
			"lock", cfg.LockBackend,
			"balance_cache", cfg.BalanceCache,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	cancel()
	slog.Info("server stopped")
}

func routes(cfg *config.Config, a *app.App) http.Handler {
	ledger := handler.NewLedgerHandler(a.Ledger)
	health := handler.NewHealthHandler(a.HealthChecks()...)

	v1 := http.NewServeMux()
	v1.HandleFunc("GET /api/v1/balances", ledger.GetBalances)
	v1.HandleFunc("GET /api/v1/balances/check", ledger.CheckBalance)
	v1.HandleFunc("POST /api/v1/credits", ledger.AddCredits)
	v1.HandleFunc("POST /api/v1/debits", ledger.Debit)
	v1.HandleFunc("POST /api/v1/trial", ledger.GrantTrial)
	v1.HandleFunc("GET /api/v1/history", ledger.GetHistory)
	v1.HandleFunc("GET /api/v1/reconciliation", ledger.Reconcile)
	v1.HandleFunc("GET /api/v1/idempotency/stats", ledger.IdempotencyStats)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Liveness)
	mux.HandleFunc("GET /health/ready", health.Readiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /docs", handler.ServeDocs("/docs/openapi.yaml"))
	mux.HandleFunc("GET /docs/openapi.yaml", handler.ServeSpec(api.OpenAPISpec))
	mux.Handle("/api/v1/", middleware.Chain(v1,
		middleware.Auth(cfg.JWTSecret),
		middleware.Logging,
		middleware.IdempotencyKey,
	))

	return middleware.Chain(mux, middleware.Tracing, middleware.Recovery)
}
