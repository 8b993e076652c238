package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("worker-1", nil, 0, zap.NewNop())

	c.PushAction(2, model.PluginKindNotice, model.SignalAbnormal)
	c.PushAction(2, model.PluginKindNotice, model.SignalAbnormal)
	c.PushAction(3, model.PluginKindWebhook, model.SignalRecovered)
	c.PushConverge(2, model.ConvergeKindAction)
	c.SetOpenGroups(4)
	c.SetLockHolders(1)

	report := c.Snapshot()
	assert.Equal(t, uint64(2), report.PushActionTotal["2|notice|abnormal"])
	assert.Equal(t, uint64(1), report.PushActionTotal["3|webhook|recovered"])
	assert.Equal(t, uint64(1), report.PushConvergeTotal["2|action"])
	assert.Equal(t, 4, report.OpenGroups)
	assert.Equal(t, 1, report.LockHolders)
}

func TestCollectorConcurrentIncrements(t *testing.T) {
	c := NewCollector("worker-1", nil, 0, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.PushAction(2, model.PluginKindNotice, model.SignalAbnormal)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), c.Snapshot().PushActionTotal["2|notice|abnormal"])
}

func TestCollectorReportsToRedis(t *testing.T) {
	client, _ := testutil.SetupRedis(t)
	c := NewCollector("worker-2", client, 10*time.Millisecond, zap.NewNop())

	c.PushConverge(7, model.ConvergeKindConverge)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	c.Stop()

	raw, err := client.Get(context.Background(), "metrics.converge.worker-2").Bytes()
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, "worker-2", report.WorkerID)
	assert.Equal(t, uint64(1), report.PushConvergeTotal["7|converge"])
}
