package service

import (
	"context"
	"time"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
)

type StatusStore interface {
	GetCapsuleView(ctx context.Context, id string) (domain.CapsuleView, error)
}

// PublicStatus is the status payload for untrusted callers. It never carries
// content, email or IP.
type PublicStatus struct {
	ID               string               `json:"id"`
	Status           domain.CapsuleStatus `json:"status"`
	SendAt           int64                `json:"send_at"`
	SendAtCivil      string               `json:"send_at_civil"`
	SendAtShanghai   string               `json:"send_at_shanghai"`
	CountdownSeconds int64                `json:"countdown_seconds"`
	SentAt           *int64               `json:"sent_at"`
	DeliveredAt      *int64               `json:"delivered_at"`
	BouncedAt        *int64               `json:"bounced_at"`
	BounceReason     *string              `json:"bounce_reason"`
	TZ               string               `json:"tz"`
}

type StatusService struct {
	Store StatusStore
}

func (s *StatusService) Get(ctx context.Context, id string, now time.Time) (PublicStatus, error) {
	if id == "" {
		return PublicStatus{}, domain.ErrNotFound
	}
	v, err := s.Store.GetCapsuleView(ctx, id)
	if err != nil {
		return PublicStatus{}, err
	}
	civil := clock.CivilDateTime(v.SendAt)
	out := PublicStatus{
		ID:               v.ID,
		Status:           v.Status,
		SendAt:           v.SendAt,
		SendAtCivil:      civil,
		SendAtShanghai:   civil,
		CountdownSeconds: max(0, v.SendAt-now.Unix()),
		SentAt:           v.SentAt,
		DeliveredAt:      v.DeliveredAt,
		BouncedAt:        v.BouncedAt,
		TZ:               clock.ZoneName,
	}
	if v.BounceReason != "" {
		out.BounceReason = &v.BounceReason
	}
	return out, nil
}
