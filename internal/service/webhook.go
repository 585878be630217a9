package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"timecapsule/internal/domain"
	"timecapsule/internal/observability"
	"timecapsule/internal/providers/resend"
	"timecapsule/internal/store"
)

type WebhookStore interface {
	FindByProviderID(ctx context.Context, providerEmailID string) (string, error)
	ApplyWebhookEvent(ctx context.Context, in store.WebhookUpdate) error
	InsertSendLog(ctx context.Context, in domain.SendLog) error
}

const (
	EventSent      = "email.sent"
	EventDelivered = "email.delivered"
	EventBounced   = "email.bounced"
	EventFailed    = "email.failed"
)

// WebhookOutcome is the plain-text acknowledgement body.
type WebhookOutcome string

const (
	OutcomeOK        WebhookOutcome = "ok"
	OutcomeNoEmailID WebhookOutcome = "no email_id"
)

type providerEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID string `json:"email_id"`
		Bounce  struct {
			Message string `json:"message"`
		} `json:"bounce"`
		Failed struct {
			Reason string `json:"reason"`
		} `json:"failed"`
	} `json:"data"`
}

// Reconciler folds Resend delivery events into capsule status. Events are
// applied in arrival order without comparing against the current status.
type Reconciler struct {
	Store  WebhookStore
	Secret string
	NewID  func() string
}

func (r *Reconciler) Verify(h resend.Headers, raw []byte) error {
	if err := resend.VerifySignature(r.Secret, h, raw); err != nil {
		observability.WebhookEvents.WithLabelValues("", "invalid_signature").Inc()
		return &domain.Error{Kind: domain.KindSignatureInvalid, Message: "invalid signature"}
	}
	return nil
}

// Handle verifies and applies one delivery.
func (r *Reconciler) Handle(ctx context.Context, h resend.Headers, raw []byte, now time.Time) (WebhookOutcome, error) {
	if err := r.Verify(h, raw); err != nil {
		return "", err
	}
	return r.Apply(ctx, raw, now)
}

// Apply processes an already verified event body.
func (r *Reconciler) Apply(ctx context.Context, raw []byte, now time.Time) (WebhookOutcome, error) {
	var ev providerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", domain.Invalid("invalid event payload")
	}
	if ev.Data.EmailID == "" {
		observability.WebhookEvents.WithLabelValues(ev.Type, "no_email_id").Inc()
		return OutcomeNoEmailID, nil
	}
	at := eventTime(ev.CreatedAt, now)

	capsuleID, err := r.Store.FindByProviderID(ctx, ev.Data.EmailID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		capsuleID = ""
	case err != nil:
		return "", err
	}

	logID := domain.UnknownCapsule
	if capsuleID != "" {
		logID = capsuleID
	}
	r.audit(ctx, domain.SendLog{
		CapsuleID:       logID,
		At:              at,
		Outcome:         domain.OutcomeEvent,
		ProviderEmailID: ev.Data.EmailID,
		Event:           ev.Type,
	})
	if capsuleID == "" {
		observability.WebhookEvents.WithLabelValues(ev.Type, "unknown_capsule").Inc()
		return OutcomeOK, nil
	}

	upd := store.WebhookUpdate{CapsuleID: capsuleID, At: at}
	switch ev.Type {
	case EventDelivered:
		upd.Kind = store.WebhookDelivered
	case EventBounced:
		upd.Kind = store.WebhookBounced
		upd.Reason = orDefault(ev.Data.Bounce.Message, "bounced")
	case EventFailed:
		upd.Kind = store.WebhookFailed
		upd.Reason = orDefault(ev.Data.Failed.Reason, "failed")
	case EventSent:
		upd.Kind = store.WebhookSent
	default:
		observability.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
		return OutcomeOK, nil
	}
	if err := r.Store.ApplyWebhookEvent(ctx, upd); err != nil {
		return "", err
	}
	observability.WebhookEvents.WithLabelValues(ev.Type, "applied").Inc()
	slog.Info("webhook applied", "capsule_id", capsuleID, "provider_email_id", ev.Data.EmailID, "type", ev.Type)
	return OutcomeOK, nil
}

// audit appends to the send log. Failures are logged and swallowed.
func (r *Reconciler) audit(ctx context.Context, entry domain.SendLog) {
	entry.ID = r.NewID()
	if err := r.Store.InsertSendLog(ctx, entry); err != nil {
		slog.Warn("send log insert failed", "capsule_id", entry.CapsuleID, "event", entry.Event, "err", err)
	}
}

func eventTime(createdAt string, now time.Time) int64 {
	if createdAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			return t.Unix()
		}
	}
	return now.Unix()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
