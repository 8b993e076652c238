// Package metrics collects the convergence counters and reports them to
// Redis on an interval so operators can scrape a single place. Counters are
// monotonic since process start; the report carries a TTL so a dead worker
// goes stale instead of lying.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

const (
	reportKeyPrefix = "metrics.converge."

	// ReportTTL is how long a report stays visible without refresh.
	ReportTTL = 2 * time.Minute

	// DefaultReportInterval is the default reporting period.
	DefaultReportInterval = 30 * time.Second
)

// Report is the snapshot written to Redis
type Report struct {
	WorkerID    string            `json:"worker_id"`
	StartedAt   time.Time         `json:"started_at"`
	LastUpdated time.Time         `json:"last_updated"`

	// converge_push_action_total{biz,plugin,signal}
	PushActionTotal map[string]uint64 `json:"converge_push_action_total"`
	// converge_push_converge_total{biz,kind}
	PushConvergeTotal map[string]uint64 `json:"converge_push_converge_total"`

	OpenGroups  int `json:"open_groups"`
	LockHolders int `json:"lock_holders"`
}

// Collector accumulates counters and reports them periodically
type Collector struct {
	workerID  string
	client    redis.UniversalClient
	logger    *zap.Logger
	interval  time.Duration
	startedAt time.Time

	mu           sync.RWMutex
	pushAction   map[string]*atomic.Uint64
	pushConverge map[string]*atomic.Uint64

	openGroups  atomic.Int64
	lockHolders atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCollector creates a collector. interval <= 0 selects the default.
func NewCollector(workerID string, client redis.UniversalClient, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Collector{
		workerID:     workerID,
		client:       client,
		logger:       logger.Named("metrics"),
		interval:     interval,
		startedAt:    time.Now().UTC(),
		pushAction:   make(map[string]*atomic.Uint64),
		pushConverge: make(map[string]*atomic.Uint64),
		stop:         make(chan struct{}),
	}
}

// PushAction counts one executor enqueue.
func (c *Collector) PushAction(bizID int64, plugin model.PluginKind, signal model.Signal) {
	c.counter(c.pushAction, fmt.Sprintf("%d|%s|%s", bizID, plugin, signal)).Add(1)
}

// PushConverge counts one delayed re-enqueue.
func (c *Collector) PushConverge(bizID int64, kind model.ConvergeKind) {
	c.counter(c.pushConverge, fmt.Sprintf("%d|%s", bizID, kind)).Add(1)
}

// SetOpenGroups updates the open-group gauge.
func (c *Collector) SetOpenGroups(n int) {
	c.openGroups.Store(int64(n))
}

// SetLockHolders updates the lock-holder gauge.
func (c *Collector) SetLockHolders(n int) {
	c.lockHolders.Store(int64(n))
}

func (c *Collector) counter(m map[string]*atomic.Uint64, key string) *atomic.Uint64 {
	c.mu.RLock()
	counter, ok := m[key]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = m[key]; !ok {
		counter = &atomic.Uint64{}
		m[key] = counter
	}
	return counter
}

// Snapshot returns the current report without writing it.
func (c *Collector) Snapshot() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := &Report{
		WorkerID:          c.workerID,
		StartedAt:         c.startedAt,
		LastUpdated:       time.Now().UTC(),
		PushActionTotal:   make(map[string]uint64, len(c.pushAction)),
		PushConvergeTotal: make(map[string]uint64, len(c.pushConverge)),
		OpenGroups:        int(c.openGroups.Load()),
		LockHolders:       int(c.lockHolders.Load()),
	}
	for k, v := range c.pushAction {
		report.PushActionTotal[k] = v.Load()
	}
	for k, v := range c.pushConverge {
		report.PushConvergeTotal[k] = v.Load()
	}
	return report
}

// Start begins the periodic reporting.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.write(context.Background())
				return
			case <-c.stop:
				c.write(context.Background())
				return
			case <-ticker.C:
				c.write(ctx)
			}
		}
	}()
}

// Stop stops the reporting after a final write.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Collector) write(ctx context.Context) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		c.logger.Error("Failed to marshal metrics report", zap.Error(err))
		return
	}

	key := reportKeyPrefix + c.workerID
	if err := c.client.Set(ctx, key, data, ReportTTL).Err(); err != nil {
		c.logger.Error("Failed to write metrics report", zap.Error(err))
	}
}
