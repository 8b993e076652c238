// Package lock implements the per-dimension counting semaphore that bounds
// how many processors race on the same convergence group. It is a hint for
// fan-out control, not a mutual exclusion: correctness of group creation
// rests on the storage layer's idempotent find-or-create.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTTL auto-releases slots held by crashed processors.
	DefaultTTL = 600 * time.Second

	keyPrefix = "fta_action.converge.lock."
)

// acquireScript atomically increments the holder counter, refreshes the
// TTL on every touch, and backs the increment out when the slot limit is
// exceeded.
var acquireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
if current > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[1])
    return 0
end
return 1
`)

// releaseScript decrements the counter without ever going below zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
    return 0
end
return redis.call("DECR", KEYS[1])
`)

// Semaphore is an N-slot counting lock keyed by dimension, with TTL
// auto-release.
type Semaphore struct {
	client redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewSemaphore creates a semaphore. ttl <= 0 selects the default.
func NewSemaphore(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Semaphore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Semaphore{
		client: client,
		logger: logger.Named("converge-lock"),
		ttl:    ttl,
	}
}

// TryAcquire attempts to take one of limit slots for the dimension key.
// It never blocks; callers that fail to acquire re-enqueue with a short
// delay instead.
func (s *Semaphore) TryAcquire(ctx context.Context, key string, limit int) (bool, error) {
	if limit < 1 {
		limit = 1
	}

	result, err := acquireScript.Run(ctx, s.client,
		[]string{keyPrefix + key}, limit, int(s.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire converge lock: %w", err)
	}

	acquired := result == 1
	if !acquired {
		s.logger.Debug("Converge lock saturated",
			zap.String("dimension_key", key),
			zap.Int("limit", limit))
	}
	return acquired, nil
}

// Release gives back one slot. It is idempotent: the counter never goes
// below zero, so a stray release after TTL expiry is harmless.
func (s *Semaphore) Release(ctx context.Context, key string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{keyPrefix + key}).Int(); err != nil {
		return fmt.Errorf("failed to release converge lock: %w", err)
	}
	return nil
}

// Holders returns the current holder count for a dimension key.
func (s *Semaphore) Holders(ctx context.Context, key string) (int, error) {
	count, err := s.client.Get(ctx, keyPrefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read converge lock holders: %w", err)
	}
	return count, nil
}
