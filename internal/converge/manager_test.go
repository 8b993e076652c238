package converge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/dimension"
	"github.com/t77yq/alert-converge/internal/lock"
	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/storage"
	"github.com/t77yq/alert-converge/internal/testutil"
)

type managerFixture struct {
	manager *Manager
	sem     *lock.Semaphore
	store   *storage.ConvergeStore
	clock   *time.Time
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "converge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewConvergeStore(db, zap.NewNop())
	require.NoError(t, err)

	client, _ := testutil.SetupRedis(t)
	sem := lock.NewSemaphore(client, 0, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, sem, dimension.NewHasher(0), client, Config{}, zap.NewNop())
	m.now = func() time.Time { return now }

	return &managerFixture{manager: m, sem: sem, store: store, clock: &now}
}

func collectRule(count, timedelta int) *model.ConvergeRule {
	return &model.ConvergeRule{
		Enabled:   true,
		Timedelta: timedelta,
		Count:     count,
		Function:  model.ConvergeFuncCollect,
		Condition: []model.Condition{{Dimension: "strategy_id", Value: []string{"self"}}},
	}
}

func instanceAt(id string, createdAt time.Time) *model.ActionInstance {
	return &model.ActionInstance{
		ID:         id,
		BizID:      2,
		PluginKind: model.PluginKindNotice,
		Status:     model.ActionStatusReceived,
		Signal:     model.SignalAbnormal,
		Alerts:     []string{"alert-" + id},
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestFirstInstanceCreatesGroupAndSleeps(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	dimCtx := dimension.Context{"strategy_id": {"42"}}

	outcome, err := f.manager.Process(ctx, instanceAt("i1", *f.clock), collectRule(3, 120), dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSleep, outcome.Decision)
	require.NotNil(t, outcome.Group)
	assert.Equal(t, []string{"42"}, outcome.Resolved["strategy_id"])

	open, err := f.store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestQuorumFiresGroup(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	rule := collectRule(3, 120)
	dimCtx := dimension.Context{"strategy_id": {"42"}}
	start := *f.clock

	// t=0 and t=30 join without firing.
	outcome, err := f.manager.Process(ctx, instanceAt("i1", start), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSleep, outcome.Decision)

	*f.clock = start.Add(30 * time.Second)
	outcome, err = f.manager.Process(ctx, instanceAt("i2", start.Add(30*time.Second)), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSleep, outcome.Decision)

	// t=60: quorum of three fires the group.
	*f.clock = start.Add(60 * time.Second)
	outcome, err = f.manager.Process(ctx, instanceAt("i3", start.Add(60*time.Second)), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionFired, outcome.Decision)
	assert.True(t, outcome.ClosedByUs)
	assert.Equal(t, []string{"i1", "i2", "i3"}, outcome.Members)

	open, err := f.store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestWindowExpiryFiresWithPresentMembers(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	rule := collectRule(3, 120)
	dimCtx := dimension.Context{"strategy_id": {"42"}}
	start := *f.clock

	_, err := f.manager.Process(ctx, instanceAt("i1", start), rule, dimCtx)
	require.NoError(t, err)

	*f.clock = start.Add(30 * time.Second)
	_, err = f.manager.Process(ctx, instanceAt("i2", start.Add(30*time.Second)), rule, dimCtx)
	require.NoError(t, err)

	// The first member re-enters at t=120 via the delayed queue; the
	// matching window has run out, so the group fires with two members.
	*f.clock = start.Add(120 * time.Second)
	outcome, err := f.manager.Process(ctx, instanceAt("i1", start), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionFired, outcome.Decision)
	assert.True(t, outcome.ClosedByUs)
	assert.Equal(t, []string{"i1", "i2"}, outcome.Members)
}

func TestLateInstanceGoesDirect(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	created := f.clock.Add(-10 * time.Minute)
	outcome, err := f.manager.Process(ctx, instanceAt("i1", created), collectRule(3, 120),
		dimension.Context{"strategy_id": {"42"}})
	require.NoError(t, err)
	assert.Equal(t, DecisionDirect, outcome.Decision)
}

func TestLockSaturationRetries(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	rule := collectRule(4, 120) // parallel limit 2
	dimCtx := dimension.Context{"strategy_id": {"42"}}

	// Occupy both slots out-of-band, as two in-flight processors would.
	key, _ := dimension.NewHasher(0).Hash(rule, dimCtx)
	for i := 0; i < 2; i++ {
		ok, err := f.sem.TryAcquire(ctx, key, rule.ParallelLimit())
		require.NoError(t, err)
		require.True(t, ok)
	}

	outcome, err := f.manager.Process(ctx, instanceAt("i1", *f.clock), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, outcome.Decision)

	// Freeing a slot lets the next attempt proceed.
	require.NoError(t, f.sem.Release(ctx, key))
	outcome, err = f.manager.Process(ctx, instanceAt("i1", *f.clock), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSleep, outcome.Decision)
}

func TestStaleOpenGroupIsSweptOnLookup(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	rule := collectRule(3, 120)
	dimCtx := dimension.Context{"strategy_id": {"42"}}
	start := *f.clock

	first, err := f.manager.Process(ctx, instanceAt("i1", start), rule, dimCtx)
	require.NoError(t, err)
	staleID := first.Group.ID

	// Far past the absorption window a fresh instance arrives: the stale
	// group is closed lazily and a new one begins.
	*f.clock = start.Add(10 * time.Minute)
	outcome, err := f.manager.Process(ctx, instanceAt("i2", *f.clock), rule, dimCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSleep, outcome.Decision)
	assert.NotEqual(t, staleID, outcome.Group.ID)

	stale, err := f.store.Get(ctx, staleID)
	require.NoError(t, err)
	assert.False(t, stale.Open())
}

func TestRecordBizRollup(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	fire := func(id string) *model.ConvergeInstance {
		group, _, err := f.store.FindOrCreate(ctx, &model.ConvergeInstance{
			DimensionKey: "key-" + id,
			BizID:        2,
			Kind:         model.ConvergeKindAction,
			Rule:         *collectRule(3, 120),
			StartedAt:    *f.clock,
		})
		require.NoError(t, err)
		_, err = f.store.Close(ctx, group.ID, *f.clock, "quorum")
		require.NoError(t, err)
		return group
	}

	// Two fired groups stay below the platform threshold of three.
	rolled, err := f.manager.RecordBizRollup(ctx, fire("a"))
	require.NoError(t, err)
	assert.False(t, rolled)
	rolled, err = f.manager.RecordBizRollup(ctx, fire("b"))
	require.NoError(t, err)
	assert.False(t, rolled)

	third := fire("c")
	rolled, err = f.manager.RecordBizRollup(ctx, third)
	require.NoError(t, err)
	assert.True(t, rolled)

	got, err := f.store.Get(ctx, third.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ParentID)

	parent, err := f.store.Get(ctx, *got.ParentID)
	require.NoError(t, err)
	assert.Equal(t, model.ConvergeKindConverge, parent.Kind)
}
