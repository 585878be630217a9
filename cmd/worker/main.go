package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"timecapsule/internal/bootstrap"
	"timecapsule/internal/config"
	"timecapsule/internal/httpserver"
	"timecapsule/internal/observability"
	"timecapsule/internal/providers/resend"
	"timecapsule/internal/render"
	"timecapsule/internal/util"
	"timecapsule/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	bootstrap.Logger("worker", cfg.Common)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg.Common)
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer closeRepo()

	observability.Register(prometheus.DefaultRegisterer)

	// health server (liveness + readiness + metrics)
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.NewHealthServer(repo.Ping).Handler(),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// Resend + limiter/breaker + sweeper
	client := &resend.Client{
		APIKey:  cfg.ResendAPIKey,
		From:    cfg.FromEmail,
		BaseURL: cfg.ResendBaseURL,
		HTTP:    &http.Client{Timeout: cfg.SendTimeout + 2*time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ResendRPS), cfg.ResendBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "resend",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	sweeper := &worker.Sweeper{
		Store:       repo,
		Sender:      client,
		Renderer:    render.New(cfg.BaseURL),
		Limiter:     limiter,
		Breaker:     cb,
		WorkerID:    util.NewWorkerID("worker"),
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
		SendTimeout: cfg.SendTimeout,
		Lease:       cfg.ClaimLease,
		NewLogID:    util.NewLogID,
		Now:         util.NowUTC,
	}
	pruner := &worker.Pruner{Store: repo, Retention: cfg.RateLimitRetention, Now: util.NowUTC}

	sweepErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting sweep loop", "worker_id", sweeper.WorkerID, "interval", cfg.SweepInterval, "batch", cfg.SweepBatchSize)
		sweepErrCh <- sweeper.Run(ctx, cfg.SweepInterval)
	}()
	go func() {
		_ = pruner.Run(ctx, cfg.PruneInterval)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-sweepErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker sweep loop failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-sweepErrCh:
	case <-time.After(cfg.SendTimeout + 5*time.Second):
		slog.Info("worker shutdown timeout waiting for in-flight sends")
	}
}
