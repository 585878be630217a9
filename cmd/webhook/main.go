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
	"timecapsule/internal/service"
	"timecapsule/internal/util"
)

// The webhook binary takes Resend callbacks off the API process. With
// WEBHOOK_EVENTS_QUEUE_URL set it only verifies and enqueues; otherwise it
// applies events inline.
func main() {
	cfg := config.LoadWebhook()
	bootstrap.Logger("webhook", cfg.Common)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg.Common)
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer closeRepo()

	observability.Register(prometheus.DefaultRegisterer)

	wh := &httpserver.Webhook{
		Reconciler: &service.Reconciler{Store: repo, Secret: cfg.WebhookSecret, NewID: util.NewLogID},
		Now:        util.NowUTC,
	}
	if cfg.EventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue)
		if err != nil {
			slog.Error("webhook sqs client init failed", "err", err)
			os.Exit(1)
		}
		wh.Queue = &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
		slog.Info("webhook events will be queued", "queue_url", cfg.EventsQueueURL)
	}

	s := httpserver.NewHealthServer(repo.Ping)
	wh.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
