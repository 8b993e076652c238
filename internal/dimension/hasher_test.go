package dimension

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/alert-converge/internal/model"
)

func newRule(fn model.ConvergeFunc, conditions ...model.Condition) *model.ConvergeRule {
	return &model.ConvergeRule{
		Enabled:   true,
		Timedelta: 120,
		Count:     3,
		Function:  fn,
		Condition: conditions,
	}
}

func TestHashDeterminism(t *testing.T) {
	hasher := NewHasher(0)

	rule := newRule(model.ConvergeFuncCollect,
		model.Condition{Dimension: "strategy_id", Value: []string{"self"}},
		model.Condition{Dimension: "signal", Value: []string{"abnormal", "no_data"}},
	)

	ctx := Context{
		"strategy_id": {"42"},
		"signal":      {"abnormal"},
	}

	key1, resolved := hasher.Hash(rule, ctx)
	require.True(t, strings.HasPrefix(key1, KeyPrefix))
	assert.Equal(t, []string{"42"}, resolved["strategy_id"])

	// Same logical content, reversed condition order. The "signal" entry
	// wins per-dimension on merge either way, so the key must not move.
	reversed := newRule(model.ConvergeFuncCollect,
		model.Condition{Dimension: "signal", Value: []string{"abnormal", "no_data"}},
		model.Condition{Dimension: "strategy_id", Value: []string{"self"}},
	)

	for i := 0; i < 50; i++ {
		key2, _ := hasher.Hash(reversed, ctx)
		assert.Equal(t, key1, key2)
	}
}

func TestHashFunctionDistinguishesRules(t *testing.T) {
	hasher := NewHasher(0)
	cond := model.Condition{Dimension: "strategy_id", Value: []string{"self"}}
	ctx := Context{"strategy_id": {"7"}}

	skipKey, _ := hasher.Hash(newRule(model.ConvergeFuncSkip, cond), ctx)
	collectKey, _ := hasher.Hash(newRule(model.ConvergeFuncCollect, cond), ctx)
	assert.NotEqual(t, skipKey, collectKey)
}

func TestHashMissingDimensionDegrades(t *testing.T) {
	hasher := NewHasher(0)
	rule := newRule(model.ConvergeFuncSkip,
		model.Condition{Dimension: "host", Value: []string{"self"}})

	key, resolved := hasher.Hash(rule, Context{})
	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.Equal(t, []string{""}, resolved["host"])
}

func TestHashLaterConditionWins(t *testing.T) {
	hasher := NewHasher(0)
	ctx := Context{}

	first := newRule(model.ConvergeFuncSkip,
		model.Condition{Dimension: "signal", Value: []string{"abnormal"}},
		model.Condition{Dimension: "signal", Value: []string{"recovered"}})
	only := newRule(model.ConvergeFuncSkip,
		model.Condition{Dimension: "signal", Value: []string{"recovered"}})

	k1, _ := hasher.Hash(first, ctx)
	k2, _ := hasher.Hash(only, ctx)
	assert.Equal(t, k2, k1)
}

func TestCompactLongValueLists(t *testing.T) {
	short := []string{"a", "b", "c"}
	assert.Equal(t, short, compact(short))

	long := []string{"a", "b", "c", "d", "e", "f"}
	out := compact(long)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0])
	assert.Equal(t, "f", out[2])
	assert.True(t, strings.HasSuffix(out[1], ".4"))

	// Compaction is itself deterministic.
	assert.Equal(t, out, compact(long))
}

func TestKeyTruncation(t *testing.T) {
	hasher := NewHasher(16)
	rule := newRule(model.ConvergeFuncSkip,
		model.Condition{Dimension: "signal", Value: []string{"abnormal"}})
	key, _ := hasher.Hash(rule, Context{})
	assert.Len(t, key, 16)
}
