// Package lock provides the single-flight lease that keeps two daily sweeps from
// running at the same time across worker instances.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultSweepKey is the Redis key guarding the daily sweep
const DefaultSweepKey = "idea_tagger:sweep_lock"

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases a lock taken over by another worker
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseFunc gives a lease back
type ReleaseFunc func(ctx context.Context) error

// NewRedisClient parses redisURL and verifies the server is reachable
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisLock is a SET NX lease with a TTL
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLock creates a lease on key that expires after ttl if never released
func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultSweepKey
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryAcquire takes the lease without waiting. ok is false when another holder
// owns it.
func (l *RedisLock) TryAcquire(ctx context.Context) (ReleaseFunc, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}

// LocalLock is an in-process lease for single-instance deployments and the CLI
type LocalLock struct {
	held chan struct{}
}

// NewLocalLock creates an unheld in-process lease
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(chan struct{}, 1)}
}

// TryAcquire takes the lease without waiting
func (l *LocalLock) TryAcquire(ctx context.Context) (ReleaseFunc, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	select {
	case l.held <- struct{}{}:
		return func(context.Context) error {
			<-l.held
			return nil
		}, true, nil
	default:
		return nil, false, nil
	}
}

// DefaultScheduleKeyPrefix namespaces the per-day sweep scheduling claims
const DefaultScheduleKeyPrefix = "idea_tagger:sweep_scheduled"

// SlotClaimer records one-shot claims so that only one worker instance acts
// for a given slot, such as a calendar day
type SlotClaimer struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewSlotClaimer creates a claimer whose claims expire after ttl
func NewSlotClaimer(client redis.Cmdable, prefix string, ttl time.Duration) *SlotClaimer {
	if prefix == "" {
		prefix = DefaultScheduleKeyPrefix
	}
	return &SlotClaimer{client: client, prefix: prefix, ttl: ttl}
}

// Claim reports whether this caller is the first to claim slot
func (c *SlotClaimer) Claim(ctx context.Context, slot string) (bool, error) {
	key := c.prefix + ":" + slot
	ok, err := c.client.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}
