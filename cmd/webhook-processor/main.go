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
	"timecapsule/internal/domain"
	"timecapsule/internal/httpserver"
	"timecapsule/internal/observability"
	sqsqueue "timecapsule/internal/queue/sqs"
	"timecapsule/internal/service"
	"timecapsule/internal/util"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	bootstrap.Logger("webhook-processor", cfg.Common)
	if cfg.EventsQueueURL == "" {
		slog.Error("WEBHOOK_EVENTS_QUEUE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	repo, closeRepo, err := bootstrap.OpenRepository(ctx, cfg.Common)
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer closeRepo()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.WebhookConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.EventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	reconciler := &service.Reconciler{Store: repo, NewID: util.NewLogID}

	// health + metrics
	health := httpserver.NewHealthServer(repo.Ping, awsutil.QueueCheck(sqsClient, cfg.EventsQueueURL))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.EventsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.Concurrency, func(ctx context.Context, ev sqsqueue.WebhookEvent) error {
			return processWebhookEvent(reconciler, ev)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}

// processWebhookEvent applies an event the receiver already verified. Storage
// errors are returned so SQS redelivers; malformed bodies are dropped.
func processWebhookEvent(r *service.Reconciler, ev sqsqueue.WebhookEvent) error {
	// Make DB work bounded.
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := r.Apply(dbCtx, ev.Body, ev.ReceivedAt)
	if err != nil {
		if domain.KindOf(err) == domain.KindInvalidInput {
			slog.Warn("webhook event dropped", "svix_id", ev.Headers.ID, "err", err)
			return nil
		}
		return err
	}
	slog.Debug("webhook event processed", "svix_id", ev.Headers.ID, "outcome", string(outcome))
	return nil
}
