package strategy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/testutil"
)

func TestRedisProviderStrategyLookup(t *testing.T) {
	client, _ := testutil.SetupRedis(t)
	provider := NewRedisProvider(client, zap.NewNop())
	ctx := context.Background()

	raw, _ := json.Marshal(&Strategy{ID: 42, Name: "cpu usage high", BizID: 2})
	require.NoError(t, client.HSet(ctx, "cache.strategy", "42", raw).Err())

	s, err := provider.GetStrategy(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "cpu usage high", s.Name)

	_, err = provider.GetStrategy(ctx, 7)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestRedisProviderTombstone(t *testing.T) {
	client, _ := testutil.SetupRedis(t)
	provider := NewRedisProvider(client, zap.NewNop())
	ctx := context.Background()

	raw, _ := json.Marshal(&Strategy{ID: 7, Name: "deleted", BizID: 2, IsDeleted: true})
	require.NoError(t, client.HSet(ctx, "cache.strategy", "7", raw).Err())

	_, err := provider.GetStrategy(ctx, 7)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestRedisProviderShieldOrdering(t *testing.T) {
	client, _ := testutil.SetupRedis(t)
	provider := NewRedisProvider(client, zap.NewNop())
	ctx := context.Background()

	now := time.Now().UTC()
	low, _ := json.Marshal(&model.ShieldRule{ID: 1, BizID: 2, Priority: 1, UpdatedAt: now})
	high, _ := json.Marshal(&model.ShieldRule{ID: 2, BizID: 2, Priority: 9, UpdatedAt: now.Add(-time.Hour)})
	fresh, _ := json.Marshal(&model.ShieldRule{ID: 3, BizID: 2, Priority: 1, UpdatedAt: now.Add(time.Hour)})
	require.NoError(t, client.HSet(ctx, "cache.shield.2", "1", low, "2", high, "3", fresh).Err())

	rules, err := provider.ListActiveShields(ctx, []model.Alert{{ID: "a", BizID: 2}})
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, int64(2), rules[0].ID) // highest priority first
	assert.Equal(t, int64(3), rules[1].ID) // then most recently updated
	assert.Equal(t, int64(1), rules[2].ID)
}

func TestMemoryProviderActionConfig(t *testing.T) {
	provider := NewMemoryProvider()
	ctx := context.Background()

	provider.PutActionConfig(&ActionConfig{ID: 5, PluginKind: model.PluginKindWebhook, Timeout: 60})

	c, err := provider.GetActionConfig(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.PluginKindWebhook, c.PluginKind)

	_, err = provider.GetActionConfig(ctx, 6)
	assert.ErrorIs(t, err, ErrActionConfigNotFound)
}
