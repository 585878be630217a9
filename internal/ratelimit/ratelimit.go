// Package ratelimit enforces per-IP submission caps over a civil-day window
// and a ten-minute window.
//
// Counters are incremented before the limits are checked and are never rolled
// back, so rejected attempts still consume quota.
package ratelimit

import (
	"context"
	"fmt"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
	"timecapsule/internal/observability"
	"timecapsule/internal/store"
)

// Counter atomically bumps both windows for ip and returns the new counts.
type Counter interface {
	IncrementIPCounters(ctx context.Context, ip, ymd, bucket string, now int64) (store.IPCounts, error)
}

type Window string

const (
	WindowDaily   Window = "daily"
	WindowTenMins Window = "10min"
)

type Decision struct {
	Allowed bool
	Window  Window // set when rejected
	Counts  store.IPCounts
}

// Err returns the rejection as a domain error, or nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Window == WindowDaily:
		return domain.RateLimited("too many submissions from this IP today, try again tomorrow")
	default:
		return domain.RateLimited("too many submissions, please try again in 10 minutes")
	}
}

type Limiter struct {
	Counter Counter
}

func New(c Counter) *Limiter { return &Limiter{Counter: c} }

func (l *Limiter) Check(ctx context.Context, ip string, now int64, s domain.Settings) (Decision, error) {
	counts, err := l.Counter.IncrementIPCounters(ctx, ip, clock.CivilDate(now), clock.TenMinuteBucket(now), now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ip, err)
	}
	d := Decision{Allowed: true, Counts: counts}
	switch {
	case counts.Daily > s.IPDailyLimit:
		d.Allowed, d.Window = false, WindowDaily
	case counts.Bucket > s.IP10MinLimit:
		d.Allowed, d.Window = false, WindowTenMins
	}
	if !d.Allowed {
		observability.RateLimited.WithLabelValues(string(d.Window)).Inc()
	}
	return d, nil
}
