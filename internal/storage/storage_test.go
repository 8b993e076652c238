package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

func setupDB(t *testing.T) (*ActionStore, *ConvergeStore, *AuditStore) {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "converge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	actions, err := NewActionStore(db, logger)
	require.NoError(t, err)
	converges, err := NewConvergeStore(db, logger)
	require.NoError(t, err)
	audit, err := NewAuditStore(db, logger)
	require.NoError(t, err)

	return actions, converges, audit
}

func newInstance(status model.ActionStatus) *model.ActionInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.ActionInstance{
		ID:         uuid.New().String(),
		BizID:      2,
		PluginKind: model.PluginKindNotice,
		Status:     status,
		Signal:     model.SignalAbnormal,
		Alerts:     []string{"alert-1"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestActionStoreRoundTrip(t *testing.T) {
	actions, _, _ := setupDB(t)
	ctx := context.Background()

	inst := newInstance(model.ActionStatusReceived)
	strategyID := int64(42)
	inst.StrategyID = &strategyID
	inst.Receivers = []string{"ops"}
	inst.Channel = "mail"
	inst.ExecuteConfig.Timeout = 30

	require.NoError(t, actions.Insert(ctx, inst))

	got, err := actions.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, inst.Status, got.Status)
	require.NotNil(t, got.StrategyID)
	assert.Equal(t, strategyID, *got.StrategyID)
	assert.Equal(t, []string{"alert-1"}, got.Alerts)
	assert.Equal(t, 30, got.ExecuteConfig.Timeout)
	assert.Nil(t, got.EndedAt)
}

func TestActionStoreGetNotFound(t *testing.T) {
	actions, _, _ := setupDB(t)

	_, err := actions.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestActionStoreUpdateStatusCAS(t *testing.T) {
	actions, _, _ := setupDB(t)
	ctx := context.Background()

	inst := newInstance(model.ActionStatusReceived)
	require.NoError(t, actions.Insert(ctx, inst))

	inst.Status = model.ActionStatusRunning
	inst.ExecuteTimes = 1
	inst.UpdatedAt = time.Now().UTC()
	require.NoError(t, actions.UpdateStatus(ctx, inst, model.ActionStatusReceived))

	// A second transition from the stale expected status loses the CAS.
	stale := *inst
	stale.Status = model.ActionStatusSkipped
	err := actions.UpdateStatus(ctx, &stale, model.ActionStatusReceived)
	assert.ErrorIs(t, err, ErrStaleInstance)

	got, err := actions.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionStatusRunning, got.Status)
	assert.Equal(t, 1, got.ExecuteTimes)
}

func TestActionStoreListNonTerminal(t *testing.T) {
	actions, _, _ := setupDB(t)
	ctx := context.Background()

	old := newInstance(model.ActionStatusSleeping)
	old.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, actions.Insert(ctx, old))

	ended := newInstance(model.ActionStatusSuccess)
	ended.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	endedAt := time.Now().UTC()
	ended.EndedAt = &endedAt
	require.NoError(t, actions.Insert(ctx, ended))

	fresh := newInstance(model.ActionStatusReceived)
	require.NoError(t, actions.Insert(ctx, fresh))

	got, err := actions.ListNonTerminalCreatedBefore(ctx, time.Now().UTC().Add(-time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)
}

func newGroup(key string) *model.ConvergeInstance {
	return &model.ConvergeInstance{
		DimensionKey: key,
		BizID:        2,
		Kind:         model.ConvergeKindAction,
		Rule: model.ConvergeRule{
			Enabled:   true,
			Timedelta: 120,
			Count:     3,
			Function:  model.ConvergeFuncCollect,
			Condition: []model.Condition{{Dimension: "strategy_id", Value: []string{"self"}}},
		},
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestConvergeStoreFindOrCreate(t *testing.T) {
	_, converges, _ := setupDB(t)
	ctx := context.Background()

	first, created, err := converges.FindOrCreate(ctx, newGroup("key-1"))
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first)

	second, created, err := converges.FindOrCreate(ctx, newGroup("key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestConvergeStoreFindOrCreateConcurrent(t *testing.T) {
	_, converges, _ := setupDB(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	ids := make([]int64, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			group, _, err := converges.FindOrCreate(ctx, newGroup("key-racy"))
			require.NoError(t, err)
			require.NotNil(t, group)
			ids[i] = group.ID
		}(i)
	}
	wg.Wait()

	// Exactly one open group exists and every racer saw it.
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	open, err := converges.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestConvergeStoreNewGroupAfterClose(t *testing.T) {
	_, converges, _ := setupDB(t)
	ctx := context.Background()

	group, _, err := converges.FindOrCreate(ctx, newGroup("key-2"))
	require.NoError(t, err)

	closed, err := converges.Close(ctx, group.ID, time.Now().UTC(), "quorum reached")
	require.NoError(t, err)
	assert.True(t, closed)

	// Double close is a no-op.
	closed, err = converges.Close(ctx, group.ID, time.Now().UTC(), "again")
	require.NoError(t, err)
	assert.False(t, closed)

	// The key is free for a fresh group once the old one is closed.
	next, created, err := converges.FindOrCreate(ctx, newGroup("key-2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, group.ID, next.ID)
}

func TestConvergeStoreMembers(t *testing.T) {
	_, converges, _ := setupDB(t)
	ctx := context.Background()

	group, _, err := converges.FindOrCreate(ctx, newGroup("key-3"))
	require.NoError(t, err)

	count, err := converges.AddMember(ctx, group.ID, "inst-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = converges.AddMember(ctx, group.ID, "inst-2", false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Relinking is idempotent.
	count, err = converges.AddMember(ctx, group.ID, "inst-2", false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	members, err := converges.Members(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-1", "inst-2"}, members)
}

func TestAuditStoreAppendAndTrim(t *testing.T) {
	_, _, audit := setupDB(t)
	ctx := context.Background()

	require.NoError(t, audit.Append(ctx, "inst-9", model.ActionStatusReceived, model.ActionStatusSleeping, "waiting for group"))
	require.NoError(t, audit.Append(ctx, "inst-9", model.ActionStatusSleeping, model.ActionStatusConverged, "group 1 fired"))

	entries, err := audit.ListByInstance(ctx, "inst-9")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ActionStatusSleeping, entries[0].ToStatus)
	assert.Equal(t, model.ActionStatusConverged, entries[1].ToStatus)

	require.NoError(t, audit.DeleteBefore(ctx, time.Now().UTC().Add(time.Minute)))
	entries, err = audit.ListByInstance(ctx, "inst-9")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvergeStoreHonoursContextCancellation(t *testing.T) {
	_, converges, _ := setupDB(t)
	ctx := context.Background()

	group, created, err := converges.FindOrCreate(ctx, newGroup("key-ctx"))
	require.NoError(t, err)
	require.True(t, created)
	_, err = converges.AddMember(ctx, group.ID, "inst-1", true)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = converges.GetOpenByKey(canceled, "key-ctx")
	assert.Error(t, err)
	_, err = converges.Get(canceled, group.ID)
	assert.Error(t, err)
}
