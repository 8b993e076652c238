// Package sweeper runs the periodic housekeeping jobs: expiring instances
// that outlived their deadline, closing groups crashed workers left open,
// and trimming the audit trail.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/metrics"
	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/storage"
)

const (
	// DefaultMaxAbsorbWindow caps how long any rule is allowed to keep an
	// instance pending; the deadline sweep assumes no rule exceeds it.
	DefaultMaxAbsorbWindow = 10 * time.Minute

	// DefaultAuditRetention is how long finished audit entries are kept.
	DefaultAuditRetention = 7 * 24 * time.Hour

	sweepBatchSize = 500

	deadlineSpec  = "0 * * * * *"   // every minute
	groupSpec     = "30 * * * * *"  // every minute, offset from the deadline sweep
	retentionSpec = "0 0 4 * * *"   // daily at 04:00
)

// Config tunes the sweeper
type Config struct {
	MaxAbsorbWindow time.Duration
	AuditRetention  time.Duration
}

// Sweeper owns the cron jobs
type Sweeper struct {
	actions   *storage.ActionStore
	converges *storage.ConvergeStore
	audit     *storage.AuditStore
	collector *metrics.Collector
	logger    *zap.Logger
	cfg       Config
	cron      *cron.Cron
	now       func() time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// New creates a sweeper. Zero-valued cfg fields select the defaults.
func New(actions *storage.ActionStore, converges *storage.ConvergeStore, audit *storage.AuditStore,
	collector *metrics.Collector, cfg Config, logger *zap.Logger) *Sweeper {

	if cfg.MaxAbsorbWindow <= 0 {
		cfg.MaxAbsorbWindow = DefaultMaxAbsorbWindow
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultAuditRetention
	}

	log := logger.Named("sweeper")
	return &Sweeper{
		actions:   actions,
		converges: converges,
		audit:     audit,
		collector: collector,
		logger:    log,
		cfg:       cfg,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(&cronLogger{logger: log.Named("cron")})),
		),
		now: time.Now,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Sweeper) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		run  func(context.Context)
	}{
		{deadlineSpec, s.SweepDeadlines},
		{groupSpec, s.SweepGroups},
		{retentionSpec, s.SweepAudit},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Sweeper started",
		zap.Duration("max_absorb_window", s.cfg.MaxAbsorbWindow),
		zap.Duration("audit_retention", s.cfg.AuditRetention))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// SweepDeadlines ends every in-flight instance whose deadline passed.
// Pending instances become skipped; a running one that never reported back
// becomes expired.
func (s *Sweeper) SweepDeadlines(ctx context.Context) {
	now := s.now()
	cutoff := now.Add(-time.Minute)

	instances, err := s.actions.ListNonTerminalCreatedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list in-flight instances", zap.Error(err))
		return
	}

	swept := 0
	for _, inst := range instances {
		if !now.After(inst.Deadline(s.cfg.MaxAbsorbWindow)) {
			continue
		}

		to := model.ActionStatusSkipped
		message := "deadline exceeded"
		if inst.Status == model.ActionStatusRunning {
			to = model.ActionStatusExpired
			message = "execution never reported back"
		}

		from := inst.Status
		inst.Status = to
		inst.UpdatedAt = now
		ended := now
		inst.EndedAt = &ended
		inst.SetOutput("message", message)

		if err := s.actions.UpdateStatus(ctx, inst, from); err != nil {
			// Lost to a live worker; that worker owns the instance.
			continue
		}
		if err := s.audit.Append(ctx, inst.ID, from, to, message); err != nil {
			s.logger.Warn("Failed to append audit entry",
				zap.String("instance_id", inst.ID),
				zap.Error(err))
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("Swept expired instances", zap.Int("count", swept))
	}
}

// SweepGroups closes open groups whose absorption window ran out, then
// refreshes the open-group gauge.
func (s *Sweeper) SweepGroups(ctx context.Context) {
	now := s.now()

	groups, err := s.converges.ListOpenStartedBefore(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list open groups", zap.Error(err))
		return
	}

	closed := 0
	for _, group := range groups {
		if now.Before(group.AbsorbUntil()) {
			continue
		}
		ok, err := s.converges.Close(ctx, group.ID, now, "absorption window expired")
		if err != nil {
			s.logger.Error("Failed to close stale group",
				zap.Int64("converge_id", group.ID),
				zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}
	if closed > 0 {
		s.logger.Info("Closed stale converge groups", zap.Int("count", closed))
	}

	if s.collector != nil {
		if open, err := s.converges.CountOpen(ctx); err == nil {
			s.collector.SetOpenGroups(open)
		}
	}
}

// SweepAudit trims audit entries older than the retention window.
func (s *Sweeper) SweepAudit(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.AuditRetention)
	if err := s.audit.DeleteBefore(ctx, cutoff); err != nil {
		s.logger.Error("Failed to trim audit trail", zap.Error(err))
		return
	}
	s.logger.Info("Audit trail trimmed", zap.Time("cutoff", cutoff))
}
