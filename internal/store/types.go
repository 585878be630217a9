package store

import (
	"context"

	"timecapsule/internal/domain"
)

type CapsuleInsert struct {
	ID           string
	Email        string
	Content      string
	Signer       string
	Contact      string
	IPAddr       string
	SendAt       int64
	SendAtYMD    string
	CreatedAt    int64
	CreatedOnYMD string
}

// Claim describes one sweep's atomic lease over due pending capsules.
type Claim struct {
	Now        int64
	Limit      int
	WorkerID   string
	LeaseUntil int64
}

type DispatchResult struct {
	CapsuleID       string
	OK              bool
	ProviderEmailID string
	Error           string
	At              int64
}

type WebhookKind string

const (
	WebhookDelivered WebhookKind = "delivered"
	WebhookBounced   WebhookKind = "bounced"
	WebhookFailed    WebhookKind = "failed"
	WebhookSent      WebhookKind = "sent"
)

type WebhookUpdate struct {
	CapsuleID string
	Kind      WebhookKind
	At        int64
	Reason    string
}

type IPCounts struct {
	Daily  int
	Bucket int
}

// Repository is the full persistence surface. Consumers depend on narrower
// interfaces declared next to them.
type Repository interface {
	Ping(ctx context.Context) error

	GetSettings(ctx context.Context, defaults domain.Settings) (domain.Settings, error)
	UpdateSettings(ctx context.Context, s domain.Settings) error

	IncrementIPCounters(ctx context.Context, ip, ymd, bucket string, now int64) (IPCounts, error)
	PruneRateLimits(ctx context.Context, before int64) (int64, error)

	InsertCapsule(ctx context.Context, in CapsuleInsert) error
	GetCapsuleView(ctx context.Context, id string) (domain.CapsuleView, error)
	ListCapsules(ctx context.Context, f domain.CapsuleFilter, limit int) ([]domain.Capsule, error)
	SoftDelete(ctx context.Context, id string) (bool, error)
	CountBySendDate(ctx context.Context, ymd string) (int, error)
	Stats(ctx context.Context, sinceYMD string) (domain.Stats, error)

	ClaimDue(ctx context.Context, c Claim) ([]domain.Capsule, error)
	ReleaseClaim(ctx context.Context, capsuleID string) error
	ApplyDispatchResult(ctx context.Context, in DispatchResult) error

	FindByProviderID(ctx context.Context, providerEmailID string) (string, error)
	ApplyWebhookEvent(ctx context.Context, in WebhookUpdate) error

	InsertSendLog(ctx context.Context, in domain.SendLog) error
}

const (
	AdminListLimit = 1000
	StatsDateLimit = 100
	StatsTopNLimit = 50
)
