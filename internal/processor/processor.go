// Package processor is the top-level state machine run for each action
// instance pulled off the convergence queue. It ties shielding, dimension
// hashing, the counting lock and the convergence manager together, persists
// every transition, and re-enqueues whenever a decision cannot yet be made.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/collation"
	"github.com/t77yq/alert-converge/internal/converge"
	"github.com/t77yq/alert-converge/internal/dimension"
	"github.com/t77yq/alert-converge/internal/metrics"
	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/queue"
	"github.com/t77yq/alert-converge/internal/shield"
	"github.com/t77yq/alert-converge/internal/storage"
	"github.com/t77yq/alert-converge/internal/strategy"
)

const (
	// DefaultRetryDelay re-enqueues after transient failures.
	DefaultRetryDelay = 30 * time.Second

	// DefaultLockRetryDelay re-enqueues after a saturated lock.
	DefaultLockRetryDelay = 3 * time.Second
)

// Queue is the slice of the queue adapter the processor uses
type Queue interface {
	EnqueueExecutor(ctx context.Context, payload queue.ExecutorPayload, countdown time.Duration) error
	EnqueueDelayed(ctx context.Context, task queue.ConvergeTask, countdown time.Duration) error
}

// Config tunes the retry policy
type Config struct {
	RetryDelay     time.Duration
	LockRetryDelay time.Duration
}

// Processor orchestrates the per-instance state machine
type Processor struct {
	actions   *storage.ActionStore
	audit     *storage.AuditStore
	manager   *converge.Manager
	evaluator *shield.Evaluator
	provider  strategy.Provider
	queue     Queue
	collation *collation.Index
	metrics   *metrics.Collector
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// New creates a processor. Zero-valued cfg fields select the defaults.
func New(actions *storage.ActionStore, audit *storage.AuditStore, manager *converge.Manager,
	evaluator *shield.Evaluator, provider strategy.Provider, q Queue,
	index *collation.Index, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Processor {

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = DefaultLockRetryDelay
	}
	return &Processor{
		actions:   actions,
		audit:     audit,
		manager:   manager,
		evaluator: evaluator,
		provider:  provider,
		queue:     q,
		collation: index,
		metrics:   collector,
		logger:    logger.Named("processor"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Process runs one instance through the state machine. A nil return means
// the message may be acked: either the instance reached a decision or it
// was re-enqueued for later. A non-nil return asks the queue layer to
// redeliver.
func (p *Processor) Process(ctx context.Context, task queue.ConvergeTask) error {
	inst, err := p.actions.Get(ctx, task.InstanceID)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		p.logger.Warn("Instance not found, dropping task",
			zap.String("instance_id", task.InstanceID))
		return nil
	}
	if err != nil {
		return p.retryLater(ctx, task, 0, err)
	}

	// Converged members are settled: their group's closer already chose
	// their disposition, so a redelivered recheck must not re-enter the
	// join/create protocol and seed a fresh group.
	if inst.Status.IsTerminal() || inst.Status == model.ActionStatusConverged {
		p.logger.Info("Instance already settled",
			zap.String("instance_id", inst.ID),
			zap.String("status", string(inst.Status)))
		return nil
	}

	now := p.now()

	// The instance-level deadline always wins over retries.
	if now.After(inst.Deadline(task.Rule.MaxWindow())) {
		return p.finish(ctx, inst, model.ActionStatusSkipped, "deadline exceeded")
	}

	// A deleted strategy ends the instance before any side effect.
	if inst.StrategyID != nil {
		if _, err := p.provider.GetStrategy(ctx, *inst.StrategyID); err != nil {
			if errors.Is(err, strategy.ErrStrategyNotFound) {
				return p.finish(ctx, inst, model.ActionStatusSkipped,
					fmt.Sprintf("strategy %d no longer exists", *inst.StrategyID))
			}
			return p.retryLater(ctx, task, inst.BizID, err)
		}
	}

	alerts := task.Alerts
	if len(alerts) == 0 {
		alerts = p.reconstructAlerts(inst)
	}

	result, err := p.evaluator.Match(ctx, inst, alerts)
	if err != nil {
		return p.retryLater(ctx, task, inst.BizID, err)
	}
	if result.Matched {
		inst.SetOutput("shield", result)
		return p.finish(ctx, inst, model.ActionStatusShielded,
			fmt.Sprintf("Suppressed: %s", result.Detail))
	}

	// Parents are organisational and always execute; illegal rules route
	// to direct execution without convergence.
	if inst.IsParent || !task.Rule.Legal() {
		return p.dispatch(ctx, inst, inst.Alerts, "")
	}

	dimCtx := task.Context
	if len(dimCtx) == 0 {
		dimCtx = p.reconstructContext(inst)
	}

	outcome, err := p.manager.Process(ctx, inst, &task.Rule, dimCtx)
	if err != nil {
		return p.retryLater(ctx, task, inst.BizID, err)
	}

	switch outcome.Decision {
	case converge.DecisionDirect:
		return p.dispatch(ctx, inst, inst.Alerts, outcome.Description)

	case converge.DecisionRetry:
		if err := p.sleep(ctx, inst, "waiting for converge slot"); err != nil {
			return err
		}
		return p.pushDelayed(ctx, task, inst, p.cfg.LockRetryDelay)

	case converge.DecisionSleep:
		if err := p.sleep(ctx, inst, fmt.Sprintf("converging under group %d", outcome.Group.ID)); err != nil {
			return err
		}
		return p.pushDelayed(ctx, task, inst, p.recheckDelay(outcome.Group, now))

	case converge.DecisionFired:
		if !outcome.ClosedByUs {
			// The closer owns the dispositions for every member,
			// including this instance.
			return nil
		}
		return p.applyDispositions(ctx, task, outcome)
	}

	return fmt.Errorf("unknown converge decision %q", outcome.Decision)
}

// applyDispositions carries out the fired group's per-child effects.
func (p *Processor) applyDispositions(ctx context.Context, task queue.ConvergeTask, outcome *converge.Outcome) error {
	plans := converge.PlanDispositions(outcome.Group, outcome.Members)

	var digest *converge.ChildPlan
	var mergedAlerts []string
	var children []queue.ExecutorChild
	seen := make(map[string]bool)

	for i := range plans {
		plan := &plans[i]

		member, err := p.actions.Get(ctx, plan.InstanceID)
		if errors.Is(err, storage.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return p.retryLater(ctx, task, outcome.Group.BizID, err)
		}
		if member.Status.IsTerminal() {
			continue
		}

		for _, alertID := range member.Alerts {
			if !seen[alertID] {
				seen[alertID] = true
				mergedAlerts = append(mergedAlerts, alertID)
			}
		}
		children = append(children, queue.ExecutorChild{
			InstanceID: member.ID,
			Alerts:     member.Alerts,
		})

		// Absorbed children end here; the representative stays open until
		// its executor reports back.
		if plan.Status == model.ActionStatusConverged && !plan.Enqueue {
			ended := p.now()
			member.EndedAt = &ended
		}

		if err := p.transition(ctx, member, plan.Status, plan.Message); err != nil {
			if errors.Is(err, ErrAlreadyFinished) {
				continue
			}
			return p.retryLater(ctx, task, outcome.Group.BizID, err)
		}

		if plan.RetryIn > 0 {
			memberTask := task
			memberTask.InstanceID = member.ID
			if err := p.pushDelayed(ctx, memberTask, member, plan.RetryIn); err != nil {
				return err
			}
		}
		if plan.Enqueue {
			digest = plan
		}
	}

	if digest != nil {
		representative, err := p.actions.Get(ctx, digest.InstanceID)
		if err != nil {
			return p.retryLater(ctx, task, outcome.Group.BizID, err)
		}
		// The digest always carries the merged alert union so the single
		// dispatch covers every member; collect_alarm additionally keeps
		// the per-member breakdown.
		var breakdown []queue.ExecutorChild
		if digest.PreserveAlerts {
			breakdown = children
		}
		if err := p.enqueueExecutor(ctx, representative, mergedAlerts, breakdown); err != nil {
			return p.retryLater(ctx, task, outcome.Group.BizID, err)
		}
	}

	if rolled, err := p.manager.RecordBizRollup(ctx, outcome.Group); err != nil {
		p.logger.Warn("Failed to record biz rollup",
			zap.Int64("converge_id", outcome.Group.ID),
			zap.Error(err))
	} else if rolled && p.metrics != nil {
		p.metrics.PushConverge(outcome.Group.BizID, model.ConvergeKindConverge)
	}

	return nil
}

// dispatch moves an instance to running and hands it to its executor
// queue. This is the first real dispatch, so execute_times increments.
func (p *Processor) dispatch(ctx context.Context, inst *model.ActionInstance, alerts []string, reason string) error {
	inst.ExecuteTimes++
	message := "executing directly"
	if reason != "" {
		message = fmt.Sprintf("executing directly: %s", reason)
	}
	if err := p.transition(ctx, inst, model.ActionStatusRunning, message); err != nil {
		if errors.Is(err, ErrAlreadyFinished) {
			return nil
		}
		return err
	}
	return p.enqueueExecutor(ctx, inst, alerts, nil)
}

// enqueueExecutor writes the collation slot (for child notices) and then
// pushes the action onto its executor queue. The write happens strictly
// before the enqueue so the executor never runs ahead of its collation
// slot.
func (p *Processor) enqueueExecutor(ctx context.Context, inst *model.ActionInstance, alerts []string, children []queue.ExecutorChild) error {
	if inst.PluginKind == model.PluginKindNotice && !inst.IsParent && p.collation != nil {
		for _, recipient := range inst.Receivers {
			if err := p.collation.Put(ctx, inst.Channel, inst.Signal, alerts, recipient, inst.ID); err != nil {
				return err
			}
		}
	}

	fn := queue.FunctionExecute
	if inst.PluginKind == model.PluginKindITSM {
		fn = queue.FunctionCreateApproveTicket
	}

	err := p.queue.EnqueueExecutor(ctx, queue.ExecutorPayload{
		PluginKind: inst.PluginKind,
		Action: queue.ExecutorAction{
			ID:       inst.ID,
			Function: fn,
			Alerts:   alerts,
			Children: children,
		},
	}, 0)
	if err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.PushAction(inst.BizID, inst.PluginKind, inst.Signal)
	}
	return nil
}

// sleep parks the instance without counting an execution.
func (p *Processor) sleep(ctx context.Context, inst *model.ActionInstance, message string) error {
	if inst.Status == model.ActionStatusSleeping {
		return nil
	}
	err := p.transition(ctx, inst, model.ActionStatusSleeping, message)
	if errors.Is(err, ErrAlreadyFinished) {
		return nil
	}
	return err
}

// finish moves an instance to a terminal state.
func (p *Processor) finish(ctx context.Context, inst *model.ActionInstance, to model.ActionStatus, message string) error {
	err := p.transition(ctx, inst, to, message)
	if errors.Is(err, ErrAlreadyFinished) {
		return nil
	}
	return err
}

// transition persists a status change via compare-and-set and appends the
// audit entry. ErrAlreadyFinished means another worker moved the row first.
func (p *Processor) transition(ctx context.Context, inst *model.ActionInstance, to model.ActionStatus, message string) error {
	from := inst.Status
	now := p.now()

	inst.Status = to
	inst.UpdatedAt = now
	if to.IsTerminal() {
		inst.EndedAt = &now
	}
	if message != "" {
		inst.SetOutput("message", message)
	}

	if err := p.actions.UpdateStatus(ctx, inst, from); err != nil {
		if errors.Is(err, storage.ErrStaleInstance) {
			p.logger.Info("Transition lost to a concurrent worker",
				zap.String("instance_id", inst.ID),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
			return ErrAlreadyFinished
		}
		return err
	}

	if err := p.audit.Append(ctx, inst.ID, from, to, message); err != nil {
		p.logger.Warn("Failed to append audit entry",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}

	p.logger.Info("Instance transitioned",
		zap.String("instance_id", inst.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("message", message))
	return nil
}

// pushDelayed re-enqueues the task onto the convergence queue.
func (p *Processor) pushDelayed(ctx context.Context, task queue.ConvergeTask, inst *model.ActionInstance, countdown time.Duration) error {
	if err := p.queue.EnqueueDelayed(ctx, task, countdown); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.PushConverge(inst.BizID, task.Kind)
	}
	return nil
}

// retryLater handles transient failures: log, re-enqueue with the default
// delay, ack. If even the re-enqueue fails the queue layer's redelivery is
// the backstop.
func (p *Processor) retryLater(ctx context.Context, task queue.ConvergeTask, bizID int64, cause error) error {
	p.logger.Warn("Transient failure, re-enqueueing instance",
		zap.String("instance_id", task.InstanceID),
		zap.Error(cause))

	if err := p.queue.EnqueueDelayed(ctx, task, p.cfg.RetryDelay); err != nil {
		return fmt.Errorf("failed to re-enqueue after transient failure: %w", err)
	}
	if p.metrics != nil {
		p.metrics.PushConverge(bizID, task.Kind)
	}
	return nil
}

// recheckDelay schedules the next evaluation of a sleeping member: the
// remainder of the group's matching window, at least one second out.
func (p *Processor) recheckDelay(group *model.ConvergeInstance, now time.Time) time.Duration {
	delay := group.StartedAt.Add(group.Rule.Window()).Sub(now)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// reconstructAlerts builds the minimal alert views from the instance
// record when the task carried none.
func (p *Processor) reconstructAlerts(inst *model.ActionInstance) []model.Alert {
	alerts := make([]model.Alert, 0, len(inst.Alerts))
	for _, id := range inst.Alerts {
		alert := model.Alert{ID: id, BizID: inst.BizID}
		if inst.StrategyID != nil {
			alert.StrategyID = *inst.StrategyID
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// reconstructContext rebuilds a dimension context from the instance record
// when the task carried none.
func (p *Processor) reconstructContext(inst *model.ActionInstance) dimension.Context {
	ctx := dimension.Context{
		"bk_biz_id":   {strconv.FormatInt(inst.BizID, 10)},
		"signal":      {string(inst.Signal)},
		"plugin_kind": {string(inst.PluginKind)},
		"alerts":      inst.Alerts,
	}
	if inst.StrategyID != nil {
		ctx["strategy_id"] = []string{strconv.FormatInt(*inst.StrategyID, 10)}
	}
	return ctx
}
