// Package monitor publishes worker health heartbeats so operators can tell
// a drained worker from a dead one.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	healthStreamName = "HEALTH"
	healthSubject    = "worker.health.%s"

	// DefaultInterval is the heartbeat period.
	DefaultInterval = 30 * time.Second

	healthMaxAge = time.Hour
)

// Health is one heartbeat sample
type Health struct {
	WorkerID   string    `json:"worker_id"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	Load1      float64   `json:"load_1"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reporter periodically samples the host and publishes heartbeats
type Reporter struct {
	workerID string
	js       nats.JetStreamContext
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewReporter creates a reporter and its stream. interval <= 0 selects the
// default.
func NewReporter(workerID string, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) (*Reporter, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reporter{
		workerID: workerID,
		js:       js,
		logger:   logger.Named("monitor"),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     healthStreamName,
		Subjects: []string{"worker.health.*"},
		Storage:  nats.FileStorage,
		MaxAge:   healthMaxAge,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to setup health stream: %w", err)
	}
	return r, nil
}

// Start begins the heartbeat loop.
func (r *Reporter) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.publish()
			}
		}
	}()
	r.logger.Info("Health reporter started",
		zap.String("worker_id", r.workerID),
		zap.Duration("interval", r.interval))
}

// Stop halts the loop and waits for it to exit.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}

// Sample collects one health snapshot without publishing it.
func (r *Reporter) Sample() (*Health, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	health := &Health{
		WorkerID:   r.workerID,
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		MemPercent: memInfo.UsedPercent,
		Timestamp:  time.Now().UTC(),
	}
	if hostname, err := os.Hostname(); err == nil {
		health.Hostname = hostname
	}
	if len(cpuPercent) > 0 {
		health.CPUPercent = cpuPercent[0]
	}
	// Load averages are unavailable on some platforms; the heartbeat is
	// still useful without them.
	if avg, err := load.Avg(); err == nil {
		health.Load1 = avg.Load1
	}
	return health, nil
}

func (r *Reporter) publish() {
	health, err := r.Sample()
	if err != nil {
		r.logger.Error("Failed to sample worker health", zap.Error(err))
		return
	}

	data, err := json.Marshal(health)
	if err != nil {
		r.logger.Error("Failed to marshal health sample", zap.Error(err))
		return
	}

	subject := fmt.Sprintf(healthSubject, r.workerID)
	if _, err := r.js.Publish(subject, data); err != nil {
		r.logger.Error("Failed to publish health sample",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
