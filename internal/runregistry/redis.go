package runregistry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retry parameters: bounded exponential backoff with jitter around
// transient Redis errors, rather than failing run ownership operations on
// the first blip.
const (
	maxRetries     = 5
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
	retryJitter    = 0.1
	ownerKeyPrefix = "agentrun:run-owner:"
	byInstanceZSet = "agentrun:instances:"
)

// RedisRegistry is the cluster-visible Registry backed by Redis, so any
// instance can observe which runs the others own and recover orphaned runs
// after a crash. Ownership records are plain keys with a TTL; ListOwnedBy and
// ListExpired are backed by per-instance/global sorted sets scored by
// expiry, avoiding a KEYS scan in production.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry wraps an existing *redis.Client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func ownerKey(runID string) string { return ownerKeyPrefix + runID }

func (r *RedisRegistry) Register(ctx context.Context, runID, instanceID string, ttl time.Duration) error {
	expiresAt := float64(time.Now().Add(ttl).Unix())
	return withRetry(ctx, func() error {
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, ownerKey(runID), instanceID, ttl)
		pipe.ZAdd(ctx, byInstanceZSet+instanceID, redis.Z{Score: expiresAt, Member: runID})
		pipe.ZAdd(ctx, byInstanceZSet+"__all__", redis.Z{Score: expiresAt, Member: runID})
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, runID string, ttl time.Duration) error {
	return withRetry(ctx, func() error {
		instanceID, err := r.client.Get(ctx, ownerKey(runID)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		expiresAt := float64(time.Now().Add(ttl).Unix())
		pipe := r.client.TxPipeline()
		pipe.Expire(ctx, ownerKey(runID), ttl)
		pipe.ZAdd(ctx, byInstanceZSet+instanceID, redis.Z{Score: expiresAt, Member: runID})
		pipe.ZAdd(ctx, byInstanceZSet+"__all__", redis.Z{Score: expiresAt, Member: runID})
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) Unregister(ctx context.Context, runID string) error {
	return withRetry(ctx, func() error {
		instanceID, err := r.client.Get(ctx, ownerKey(runID)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, ownerKey(runID))
		pipe.ZRem(ctx, byInstanceZSet+"__all__", runID)
		if instanceID != "" {
			pipe.ZRem(ctx, byInstanceZSet+instanceID, runID)
		}
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *RedisRegistry) ListOwnedBy(ctx context.Context, instanceID string) ([]string, error) {
	var out []string
	err := withRetry(ctx, func() error {
		members, err := r.client.ZRange(ctx, byInstanceZSet+instanceID, 0, -1).Result()
		if err != nil {
			return err
		}
		out = members
		return nil
	})
	return out, err
}

func (r *RedisRegistry) ListExpired(ctx context.Context) ([]string, error) {
	var out []string
	err := withRetry(ctx, func() error {
		now := fmt.Sprintf("%d", time.Now().Unix())
		members, err := r.client.ZRangeByScore(ctx, byInstanceZSet+"__all__", &redis.ZRangeBy{
			Min: "0", Max: now,
		}).Result()
		if err != nil {
			return err
		}
		out = members
		return nil
	})
	return out, err
}

// withRetry retries fn with exponential backoff and jitter, mirroring
// redis.py's with_retry. It does not distinguish error classes: Redis
// connection errors, timeouts, and cluster failovers are all treated as
// transient, matching the original's broad except clause.
func withRetry(ctx context.Context, fn func() error) error {
	delay := baseRetryDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == maxRetries {
			break
		}
		jitter := 1 + (rand.Float64()*2-1)*retryJitter
		wait := time.Duration(float64(delay) * jitter)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return fmt.Errorf("redis operation failed after %d retries: %w", maxRetries, lastErr)
}
