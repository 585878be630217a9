package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"timecapsule/internal/store"
)

// RedisCounter keeps both windows in Redis. Keys expire on their own, so no
// pruning job is needed for this backend.
type RedisCounter struct {
	Client    redis.Cmdable
	Prefix    string
	DailyTTL  time.Duration
	BucketTTL time.Duration
}

func NewRedisCounter(c redis.Cmdable) *RedisCounter {
	return &RedisCounter{
		Client:    c,
		Prefix:    "capsule:rl:",
		DailyTTL:  48 * time.Hour,
		BucketTTL: 20 * time.Minute,
	}
}

func (r *RedisCounter) IncrementIPCounters(ctx context.Context, ip, ymd, bucket string, now int64) (store.IPCounts, error) {
	dayKey := r.Prefix + "d:" + ip + ":" + ymd
	bucketKey := r.Prefix + "b:" + ip + ":" + bucket

	pipe := r.Client.TxPipeline()
	day := pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, r.DailyTTL)
	b := pipe.Incr(ctx, bucketKey)
	pipe.Expire(ctx, bucketKey, r.BucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.IPCounts{}, err
	}
	return store.IPCounts{Daily: int(day.Val()), Bucket: int(b.Val())}, nil
}
