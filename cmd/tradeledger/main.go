package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
	"tradeledger/internal/query"
	"tradeledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := observability.NewLogger("main")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLoggerWithLevel("main", observability.ParseLevel(cfg.LogLevel))

	db, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("open store")
	}
	defer db.Close()

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	migrator := persistence.NewMigrator(db, migrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	ds := datasource.NewHyperliquid(cfg.APIBaseURL, observability.NewLogger("datasource"), metrics)
	svc := query.NewService(db, ds, cfg, observability.NewLogger("query"), metrics)
	srv := server.New(cfg, svc, ds, health, observability.NewLogger("http"), metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	health.SetReady(true)
	log.Info().
		Int("port", cfg.Port).
		Str("builder", cfg.TargetBuilder.Lower()).
		Str("attribution_mode", string(cfg.AttributionMode)).
		Msg("tradeledger up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		health.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}
