package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/custodia-tech/walletd/internal/api"
	"github.com/custodia-tech/walletd/internal/auth"
	"github.com/custodia-tech/walletd/internal/config"
	"github.com/custodia-tech/walletd/internal/ledger"
	"github.com/custodia-tech/walletd/internal/notify"
	"github.com/custodia-tech/walletd/internal/store"
	"github.com/custodia-tech/walletd/internal/store/memory"
	"github.com/custodia-tech/walletd/internal/store/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ledgerStore store.Store
	if cfg.DBSource != "" {
		pg, err := postgres.NewStore(ctx, cfg.DBSource)
		if err != nil {
			logger.Error("unable to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migration failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		ledgerStore = pg
		logger.Info("using postgres store")
	} else {
		ledgerStore = memory.NewStore()
		logger.Warn("DB_SOURCE not set, using in-memory store")
	}

	sink := notify.NewSink(ledgerStore, cfg.NotifyWorkers, cfg.NotifyBuffer, logger)
	engine := ledger.NewEngine(ledgerStore, sink, logger, ledger.Config{
		MaxAttempts:    cfg.MaxApplyAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		SubmitTimeout:  cfg.SubmitTimeout,
	})
	sweeper := ledger.NewSweeper(ledgerStore, sink, logger,
		cfg.SweepInterval, cfg.PendingAbandonAfter, cfg.IdempotencyRetention)
	go sweeper.Run(ctx)

	gateway := auth.NewGateway(ledgerStore, cfg.JWTSecret, cfg.TokenTTL, cfg.InitialBalance, logger)
	handler := api.NewHandler(ledgerStore, engine, gateway, logger)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{cfg.AllowedOrigin}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Idempotency-Key"}),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      cors(handlers.LoggingHandler(os.Stdout, api.NewRouter(handler))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr), slog.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	if err := sink.Shutdown(shutdownCtx); err != nil {
		logger.Error("notification sink shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}
