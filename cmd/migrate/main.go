package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"timecapsule/internal/config"
	"timecapsule/internal/logging"
	"timecapsule/internal/store/pg"
)

// migrate applies the embedded schema once and exits. Long-running binaries
// do the same on startup unless DB_AUTO_MIGRATE=false.
func main() {
	cfg := config.LoadMigrate()
	logging.Init("migrate", cfg.LogFormat, "info", logging.FileOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: 1})
	if err != nil {
		slog.Error("migrate db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool); err != nil {
		slog.Error("migrate failed", "err", err)
		os.Exit(1)
	}
	slog.Info("schema up to date")
}
