package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"timecapsule/internal/domain"
	"timecapsule/internal/observability"
	"timecapsule/internal/providers/resend"
	"timecapsule/internal/render"
	"timecapsule/internal/store"
)

type Store interface {
	ClaimDue(ctx context.Context, c store.Claim) ([]domain.Capsule, error)
	ReleaseClaim(ctx context.Context, capsuleID string) error
	ApplyDispatchResult(ctx context.Context, in store.DispatchResult) error
	InsertSendLog(ctx context.Context, in domain.SendLog) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, req resend.SendRequest) (resend.SendResponse, int, []byte, error)
}

type Renderer interface {
	Render(c domain.Capsule) (render.Email, error)
}

// Sweeper dispatches due capsules. Each sweep claims a bounded batch, sends
// every capsule at most once and records the outcome.
type Sweeper struct {
	Store    Store
	Sender   EmailSender
	Renderer Renderer
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	WorkerID    string
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	Lease       time.Duration

	NewLogID func() string
	Now      func() time.Time
}

type SweepResult struct {
	Claimed  int
	Sent     int
	Failed   int
	Released int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunOnce performs one sweep. Only the claim query can fail the sweep; per
// capsule errors are recorded and never abort the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.now()
	due, err := s.Store.ClaimDue(ctx, store.Claim{
		Now:        now.Unix(),
		Limit:      s.BatchSize,
		WorkerID:   s.WorkerID,
		LeaseUntil: now.Add(s.Lease).Unix(),
	})
	if err != nil {
		return SweepResult{}, err
	}
	observability.SweepBatch.Set(float64(len(due)))

	outcomes := make([]dispatchOutcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Concurrency))
	for i, c := range due {
		g.Go(func() error {
			outcomes[i] = s.dispatch(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Claimed: len(due)}
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeReleased:
			res.Released++
		}
	}
	if len(due) > 0 {
		slog.Info("sweep done", "claimed", res.Claimed, "sent", res.Sent, "failed", res.Failed, "released", res.Released)
	}
	return res, nil
}

type dispatchOutcome int

const (
	outcomeSent dispatchOutcome = iota + 1
	outcomeFailed
	outcomeReleased
)

func (s *Sweeper) dispatch(ctx context.Context, c domain.Capsule) dispatchOutcome {
	email, err := s.Renderer.Render(c)
	if err != nil {
		return s.fail(ctx, c, 0, err)
	}

	// 1) Rate limit before calling Resend (per pod)
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			// shutdown or a pacing backlog; the lease lapses and a later sweep retries
			observability.Dispatches.WithLabelValues("rate_limited_local", "0").Inc()
			return s.release(c, err)
		}
	}

	// 2) Circuit breaker wraps the Resend call
	start := time.Now()
	resAny, err := s.executeWithBreaker(ctx, resend.SendRequest{To: c.Email, Subject: email.Subject, HTML: email.HTML})

	// 3) Breaker open: the message never reached the provider, so it is not failed
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.Dispatches.WithLabelValues("cb_open", "0").Inc()
		return s.release(c, err)
	}

	if err != nil {
		var ce sendCallError
		status := 0
		if errors.As(err, &ce) {
			status = ce.httpStatus
		}
		return s.fail(ctx, c, status, err)
	}

	r := resAny.(sendResult)
	observability.Dispatches.WithLabelValues("ok", strconv.Itoa(r.httpStatus)).Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	at := s.now().Unix()
	if err := s.Store.ApplyDispatchResult(ctx, store.DispatchResult{
		CapsuleID: c.ID, OK: true, ProviderEmailID: r.resp.ID, At: at,
	}); err != nil {
		// the email is out; leaving the claim to expire would resend it
		slog.Error("mark sent failed", "capsule_id", c.ID, "provider_email_id", r.resp.ID, "err", err)
	}
	s.audit(ctx, domain.SendLog{
		CapsuleID: c.ID, At: at, Outcome: domain.OutcomeSuccess,
		ProviderEmailID: r.resp.ID, Event: domain.EventAPISent,
	})
	slog.Info("capsule sent", "capsule_id", c.ID, "provider_email_id", r.resp.ID)
	return outcomeSent
}

func (s *Sweeper) fail(ctx context.Context, c domain.Capsule, httpStatus int, cause error) dispatchOutcome {
	observability.Dispatches.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
	at := s.now().Unix()
	msg := cause.Error()
	if err := s.Store.ApplyDispatchResult(ctx, store.DispatchResult{
		CapsuleID: c.ID, OK: false, Error: msg, At: at,
	}); err != nil {
		slog.Error("mark capsule failed errored", "capsule_id", c.ID, "err", err)
	}
	s.audit(ctx, domain.SendLog{
		CapsuleID: c.ID, At: at, Outcome: domain.OutcomeFail, Error: msg, Event: domain.EventAPIFailed,
	})
	slog.Warn("capsule send failed", "capsule_id", c.ID, "http_status", httpStatus, "err", cause)
	return outcomeFailed
}

func (s *Sweeper) release(c domain.Capsule, cause error) dispatchOutcome {
	// ctx may already be cancelled here
	relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Store.ReleaseClaim(relCtx, c.ID); err != nil {
		slog.Warn("release claim failed", "capsule_id", c.ID, "err", err)
	}
	slog.Info("capsule deferred", "capsule_id", c.ID, "reason", cause)
	return outcomeReleased
}

func (s *Sweeper) audit(ctx context.Context, entry domain.SendLog) {
	entry.ID = s.NewLogID()
	if err := s.Store.InsertSendLog(ctx, entry); err != nil {
		slog.Warn("send log insert failed", "capsule_id", entry.CapsuleID, "err", err)
	}
}

func (s *Sweeper) executeWithBreaker(ctx context.Context, req resend.SendRequest) (any, error) {
	call := func() (any, error) {
		timeout := s.SendTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, raw, callErr := s.Sender.SendEmail(reqCtx, req)
		if callErr != nil {
			return nil, sendCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	if s.Breaker == nil {
		return call()
	}
	return s.Breaker.Execute(call)
}

type sendResult struct {
	resp       resend.SendResponse
	httpStatus int
	raw        []byte
}

type sendCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e sendCallError) Error() string { return e.err.Error() }
func (e sendCallError) Unwrap() error { return e.err }
