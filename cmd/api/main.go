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

	"timecapsule/internal/awsutil"
	"timecapsule/internal/bootstrap"
	"timecapsule/internal/config"
	"timecapsule/internal/httpserver"
	"timecapsule/internal/observability"
	sqsqueue "timecapsule/internal/queue/sqs"
	"timecapsule/internal/ratelimit"
	"timecapsule/internal/service"
	"timecapsule/internal/settings"
	"timecapsule/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	bootstrap.Logger("api", cfg.Common)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg.Common)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer closeRepo()

	counter, closeCounter, err := bootstrap.RateLimitCounter(ctx, cfg.Redis, repo)
	if err != nil {
		slog.Error("api rate limit backend init failed", "backend", cfg.RateLimitBackend, "err", err)
		os.Exit(1)
	}
	defer closeCounter()

	observability.Register(prometheus.DefaultRegisterer)

	policy := settings.New(repo, cfg.Defaults())

	s := httpserver.New()
	(&httpserver.API{
		Intake: &service.SubmissionService{
			Store:    repo,
			Settings: policy,
			Limiter:  ratelimit.New(counter),
			NewID:    util.NewCapsuleID,
		},
		Status: &service.StatusService{Store: repo},
		Now:    util.NowUTC,
	}).Register(s.Mux)

	if cfg.AdminPassword == "" {
		slog.Warn("ADMIN_PASSWORD not set, admin login disabled")
	}
	(&httpserver.Admin{
		Password:     cfg.AdminPassword,
		CookieSecure: cfg.CookieSecure,
		Service:      &service.AdminService{Store: repo},
		Settings:     policy,
		Now:          util.NowUTC,
	}).Register(s.Mux)

	if cfg.ServeWebhook {
		wh := &httpserver.Webhook{
			Reconciler: &service.Reconciler{Store: repo, Secret: cfg.WebhookSecret, NewID: util.NewLogID},
			Now:        util.NowUTC,
		}
		if cfg.EventsQueueURL != "" {
			sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue)
			if err != nil {
				slog.Error("api sqs client init failed", "err", err)
				os.Exit(1)
			}
			wh.Queue = &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
		}
		wh.Register(s.Mux)
	}

	s.Mux.HandleFunc("/health", httpserver.Health(repo.Ping)).Methods(http.MethodGet)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, repo.Ping)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
