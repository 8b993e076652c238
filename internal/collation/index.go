// Package collation maintains the TTL-bounded index that lets a downstream
// collator merge notifications of the same recipient into one digest. Keys
// are deterministic over (channel, signal, canonical alert-id list); values
// map recipient to instance id, last writer wins.
package collation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

const (
	// DefaultTTL is the digest horizon of a collation slot.
	DefaultTTL = 120 * time.Second

	keyPrefix = "fta_action.collect."
)

// Index is the Redis-backed collation index
type Index struct {
	client redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewIndex creates an index. ttl <= 0 selects the default.
func NewIndex(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{
		client: client,
		logger: logger.Named("collation"),
		ttl:    ttl,
	}
}

// Key derives the deterministic slot key. Alert ids are canonicalised by
// sorting so logically equal tuples always collide.
func Key(channel string, signal model.Signal, alertIDs []string) string {
	canonical := make([]string, len(alertIDs))
	copy(canonical, alertIDs)
	sort.Strings(canonical)

	sum := sha1.Sum([]byte(channel + "|" + string(signal) + "|" + strings.Join(canonical, ",")))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Put records recipient → instance id under the tuple's slot and refreshes
// the slot TTL. Duplicate writes are idempotent because instance ids are
// stable.
func (i *Index) Put(ctx context.Context, channel string, signal model.Signal, alertIDs []string, recipient, instanceID string) error {
	key := Key(channel, signal, alertIDs)

	pipe := i.client.TxPipeline()
	pipe.HSet(ctx, key, recipient, instanceID)
	pipe.Expire(ctx, key, i.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write collation slot: %w", err)
	}

	i.logger.Debug("Collation slot written",
		zap.String("key", key),
		zap.String("recipient", recipient),
		zap.String("instance_id", instanceID))
	return nil
}

// Get returns the recipient → instance id pairs of a slot. An expired or
// absent slot yields an empty map.
func (i *Index) Get(ctx context.Context, channel string, signal model.Signal, alertIDs []string) (map[string]string, error) {
	entries, err := i.client.HGetAll(ctx, Key(channel, signal, alertIDs)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read collation slot: %w", err)
	}
	return entries, nil
}
