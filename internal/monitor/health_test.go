package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/testutil"
)

func TestSampleReportsProcessFacts(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	r, err := NewReporter("worker-1", js, time.Second, zap.NewNop())
	require.NoError(t, err)

	health, err := r.Sample()
	require.NoError(t, err)
	assert.Equal(t, "worker-1", health.WorkerID)
	assert.NotZero(t, health.PID)
	assert.Greater(t, health.Goroutines, 0)
	assert.False(t, health.Timestamp.IsZero())
}

func TestReporterPublishesHeartbeats(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	r, err := NewReporter("worker-1", js, 200*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	messages, err := testutil.ConsumeMessages(js, "worker.health.worker-1", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, messages)

	var health Health
	require.NoError(t, json.Unmarshal(messages[0], &health))
	assert.Equal(t, "worker-1", health.WorkerID)
}
