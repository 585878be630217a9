package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"timecapsule/internal/domain"
	"timecapsule/internal/providers/resend"
	sqsqueue "timecapsule/internal/queue/sqs"
	"timecapsule/internal/service"
)

const maxWebhookBytes = 1 << 20

type WebhookQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook receives Resend delivery events. With a Queue configured, verified
// events are handed off for asynchronous processing instead of applied inline.
type Webhook struct {
	Reconciler *service.Reconciler
	Queue      WebhookQueue
	Now        func() time.Time
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/api/webhook/resend", w.handleResend).Methods(http.MethodPost)
}

func (w *Webhook) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func headersFrom(r *http.Request) resend.Headers {
	return resend.Headers{
		ID:        r.Header.Get(resend.HeaderID),
		Timestamp: r.Header.Get(resend.HeaderTimestamp),
		Signature: r.Header.Get(resend.HeaderSignature),
	}
}

func (w *Webhook) handleResend(rw http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	h := headersFrom(r)

	if w.Queue != nil {
		if err := w.Reconciler.Verify(h, raw); err != nil {
			http.Error(rw, ErrInvalidSignature, http.StatusBadRequest)
			return
		}
		// The queue envelope carries the body as raw JSON.
		if !json.Valid(raw) {
			http.Error(rw, ErrInvalidPayload, http.StatusBadRequest)
			return
		}
		if err := w.Queue.Enqueue(r.Context(), sqsqueue.WebhookEvent{Headers: h, Body: raw, ReceivedAt: w.now().UTC()}); err != nil {
			slog.Error("webhook enqueue failed", "svix_id", h.ID, "err", err)
			http.Error(rw, ErrServer, http.StatusInternalServerError)
			return
		}
		writeText(rw, http.StatusOK, string(service.OutcomeOK))
		return
	}

	outcome, err := w.Reconciler.Handle(r.Context(), h, raw, w.now())
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindSignatureInvalid:
			http.Error(rw, ErrInvalidSignature, http.StatusBadRequest)
		case domain.KindInvalidInput:
			http.Error(rw, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("webhook apply failed", "svix_id", h.ID, "err", err)
			http.Error(rw, ErrServer, http.StatusInternalServerError)
		}
		return
	}
	writeText(rw, http.StatusOK, string(outcome))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
