// Package bootstrap wires shared infrastructure for the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"timecapsule/internal/config"
	"timecapsule/internal/logging"
	"timecapsule/internal/ratelimit"
	"timecapsule/internal/store"
	"timecapsule/internal/store/memory"
	"timecapsule/internal/store/pg"
)

func Logger(service string, c config.Common) *slog.Logger {
	return logging.Init(service, c.LogFormat, c.LogLevel, logging.FileOptions{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	})
}

// OpenRepository connects to Postgres, or falls back to the in-memory store
// when DB_DSN is empty. The returned close func is never nil.
func OpenRepository(ctx context.Context, c config.Common) (store.Repository, func(), error) {
	if c.DBDSN == "" {
		slog.Warn("DB_DSN not set, using in-memory store")
		return memory.New(), func() {}, nil
	}

	pool, err := pg.Open(ctx, c.DBDSN, pg.PoolOptions{
		MaxConns:          c.DBPoolMaxConns,
		MinConns:          c.DBPoolMinConns,
		MaxConnLifetime:   c.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	if c.DBAutoMigrate {
		if err := pg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg.New(pool), pool.Close, nil
}

// RateLimitCounter picks the IP counter backend. "store" counts in the
// repository; "redis" counts in Redis with key expiry.
func RateLimitCounter(ctx context.Context, c config.Redis, repo store.Repository) (ratelimit.Counter, func(), error) {
	switch strings.ToLower(c.RateLimitBackend) {
	case "", "store":
		return repo, func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return ratelimit.NewRedisCounter(rdb), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
}
