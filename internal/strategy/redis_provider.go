package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

const (
	strategyKey     = "cache.strategy"
	actionConfigKey = "cache.action_config"
	shieldKeyPrefix = "cache.shield."
)

// RedisProvider reads metadata snapshots that the business-metadata service
// publishes into Redis hashes as JSON. The core never writes these keys.
type RedisProvider struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisProvider creates the provider.
func NewRedisProvider(client redis.UniversalClient, logger *zap.Logger) *RedisProvider {
	return &RedisProvider{
		client: client,
		logger: logger.Named("strategy-cache"),
	}
}

// GetStrategy implements Provider.
func (p *RedisProvider) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	raw, err := p.client.HGet(ctx, strategyKey, strconv.FormatInt(id, 10)).Result()
	if err == redis.Nil {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy cache: %w", err)
	}

	var s Strategy
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy %d: %w", id, err)
	}
	if s.IsDeleted {
		return nil, ErrStrategyNotFound
	}
	return &s, nil
}

// GetActionConfig implements Provider.
func (p *RedisProvider) GetActionConfig(ctx context.Context, id int64) (*ActionConfig, error) {
	raw, err := p.client.HGet(ctx, actionConfigKey, strconv.FormatInt(id, 10)).Result()
	if err == redis.Nil {
		return nil, ErrActionConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read action config cache: %w", err)
	}

	var c ActionConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action config %d: %w", id, err)
	}
	if c.IsDeleted {
		return nil, ErrActionConfigNotFound
	}
	return &c, nil
}

// ListActiveShields implements Provider. Shield configs are cached per biz;
// the union over the alerts' biz ids is returned in matching order.
func (p *RedisProvider) ListActiveShields(ctx context.Context, alerts []model.Alert) ([]*model.ShieldRule, error) {
	seen := make(map[int64]bool)
	var rules []*model.ShieldRule

	for _, alert := range alerts {
		if seen[alert.BizID] {
			continue
		}
		seen[alert.BizID] = true

		entries, err := p.client.HGetAll(ctx, shieldKeyPrefix+strconv.FormatInt(alert.BizID, 10)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read shield cache: %w", err)
		}
		for field, raw := range entries {
			var rule model.ShieldRule
			if err := json.Unmarshal([]byte(raw), &rule); err != nil {
				p.logger.Warn("Skipping malformed shield config",
					zap.String("field", field),
					zap.Error(err))
				continue
			}
			rules = append(rules, &rule)
		}
	}

	SortRules(rules)
	return rules, nil
}

// SortRules orders shield rules by explicit priority, ties broken by the
// most recently updated.
func SortRules(rules []*model.ShieldRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].UpdatedAt.After(rules[j].UpdatedAt)
	})
}
