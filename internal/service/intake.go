package service

import (
	"context"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
	"timecapsule/internal/observability"
	"timecapsule/internal/ratelimit"
	"timecapsule/internal/store"
)

type IntakeStore interface {
	CountBySendDate(ctx context.Context, ymd string) (int, error)
	InsertCapsule(ctx context.Context, in store.CapsuleInsert) error
}

type SettingsReader interface {
	Read(ctx context.Context) (domain.Settings, error)
}

type RateLimiter interface {
	Check(ctx context.Context, ip string, now int64, s domain.Settings) (ratelimit.Decision, error)
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type SubmissionService struct {
	Store    IntakeStore
	Settings SettingsReader
	Limiter  RateLimiter
	NewID    func() string
}

// Submit validates and persists a new pending capsule. Rate-limit counters are
// bumped before any validation, so a request rejected later still counts.
func (s *SubmissionService) Submit(ctx context.Context, req domain.SubmitRequest, ip string, now time.Time) (domain.SubmitResponse, error) {
	resp, err := s.submit(ctx, req.Normalize(), ip, now.Unix())
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	observability.Submissions.WithLabelValues(result).Inc()
	return resp, err
}

func (s *SubmissionService) submit(ctx context.Context, req domain.SubmitRequest, ip string, nowSec int64) (domain.SubmitResponse, error) {
	settings, err := s.Settings.Read(ctx)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	// 1) per-IP rate limit
	decision, err := s.Limiter.Check(ctx, ip, nowSec, settings)
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	if err := decision.Err(); err != nil {
		return domain.SubmitResponse{}, err
	}

	// 2) field validation
	if req.Content == "" {
		return domain.SubmitResponse{}, domain.ErrEmptyContent
	}
	if utf8.RuneCountInString(req.Content) > domain.MaxContentChars {
		return domain.SubmitResponse{}, domain.ErrContentTooLong
	}
	if !emailPattern.MatchString(req.Email) {
		return domain.SubmitResponse{}, domain.ErrInvalidEmail
	}
	sendAt, err := clock.ToEpoch(req.SendAt)
	if err != nil {
		return domain.SubmitResponse{}, domain.ErrInvalidTimeFormat
	}

	// 3) lead time, inclusive boundary
	if sendAt < nowSec+settings.MinLeadSeconds {
		return domain.SubmitResponse{}, domain.Invalid(fmt.Sprintf(
			"delivery time must be at least %s from now (UTC+8)", clock.Humanize(settings.MinLeadSeconds)))
	}

	// 4) per-date creation cap
	sendYMD := clock.CivilDate(sendAt)
	n, err := s.Store.CountBySendDate(ctx, sendYMD)
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	if n >= settings.DailyCreateLimit {
		return domain.SubmitResponse{}, domain.QuotaExceeded(fmt.Sprintf(
			"%s has reached its delivery limit (%d), please pick another date", sendYMD, settings.DailyCreateLimit))
	}

	// 5) persist
	id := s.NewID()
	err = s.Store.InsertCapsule(ctx, store.CapsuleInsert{
		ID:           id,
		Email:        req.Email,
		Content:      req.Content,
		Signer:       req.Sign,
		Contact:      req.Contact,
		IPAddr:       ip,
		SendAt:       sendAt,
		SendAtYMD:    sendYMD,
		CreatedAt:    nowSec,
		CreatedOnYMD: clock.CivilDate(nowSec),
	})
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	return domain.SubmitResponse{OK: true, ID: id, StatusURL: "/status/" + id}, nil
}
