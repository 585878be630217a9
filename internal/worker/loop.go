package worker

import (
	"context"
	"log/slog"
	"time"
)

// Run sweeps immediately and then on every tick until ctx is done. Sweeps never
// overlap within one process.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type RateLimitPruner interface {
	PruneRateLimits(ctx context.Context, before int64) (int64, error)
}

// Pruner drops rate-limit counter rows that have not been touched within
// Retention.
type Pruner struct {
	Store     RateLimitPruner
	Retention time.Duration
	Now       func() time.Time
}

func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	return p.Store.PruneRateLimits(ctx, now.Add(-p.Retention).Unix())
}

func (p *Pruner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.RunOnce(ctx)
			if err != nil {
				slog.Error("rate limit prune failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("rate limit rows pruned", "rows", n)
			}
		}
	}
}
