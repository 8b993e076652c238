// Package converge maintains the sliding-window groups that merge similar
// action instances, and the dispositions applied when a group fires.
package converge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/dimension"
	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/storage"
)

const (
	bizRollupKeyPrefix = "fta_action.sub_converge."

	// DefaultBizWindow and DefaultBizThreshold are the platform defaults
	// for the biz-level rollup (MULTI_STRATEGY_COLLECT_WINDOW and
	// MULTI_STRATEGY_COLLECT_THRESHOLD).
	DefaultBizWindow    = 120 * time.Second
	DefaultBizThreshold = 3
)

// Decision is the manager's verdict for one instance
type Decision string

const (
	// DecisionDirect means no convergence applies; execute directly.
	DecisionDirect Decision = "direct"
	// DecisionSleep means the instance joined an open group that has not
	// fired; re-evaluate later.
	DecisionSleep Decision = "sleep"
	// DecisionRetry means the lock was unavailable; re-enqueue shortly.
	DecisionRetry Decision = "retry"
	// DecisionFired means the group closed; dispositions were chosen.
	DecisionFired Decision = "fired"
)

// Outcome describes what the manager decided for one instance
type Outcome struct {
	Decision    Decision
	Group       *model.ConvergeInstance
	Members     []string // set when fired; link order, first is representative
	ClosedByUs  bool     // this call closed the group and owns the dispositions
	Description string
	Resolved    map[string][]string // post-substitution condition map
}

// Config carries the platform-level rollup settings
type Config struct {
	BizWindow    time.Duration
	BizThreshold int
}

// Semaphore is the slice of the counting lock the manager needs.
type Semaphore interface {
	TryAcquire(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// Manager implements the find-or-create group protocol
type Manager struct {
	store  *storage.ConvergeStore
	sem    Semaphore
	hasher *dimension.Hasher
	client redis.UniversalClient
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// NewManager creates a manager. Zero-valued cfg fields select platform
// defaults.
func NewManager(store *storage.ConvergeStore, sem Semaphore, hasher *dimension.Hasher, client redis.UniversalClient, cfg Config, logger *zap.Logger) *Manager {
	if cfg.BizWindow <= 0 {
		cfg.BizWindow = DefaultBizWindow
	}
	if cfg.BizThreshold <= 0 {
		cfg.BizThreshold = DefaultBizThreshold
	}
	return &Manager{
		store:  store,
		sem:    sem,
		hasher: hasher,
		client: client,
		logger: logger.Named("converge-manager"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Process runs the join/create protocol for one instance under a legal
// rule. The returned outcome tells the orchestrator how to proceed; when
// the decision is DecisionFired with ClosedByUs, the caller owns applying
// the dispositions to every member.
func (m *Manager) Process(ctx context.Context, inst *model.ActionInstance, rule *model.ConvergeRule, dimCtx dimension.Context) (*Outcome, error) {
	key, resolved := m.hasher.Hash(rule, dimCtx)
	now := m.now()

	// An instance past its own absorption window is already late; it
	// must not seed a group it could never ride.
	windowEnd := inst.CreatedAt.Add(rule.MaxWindow())
	if now.After(windowEnd) {
		return &Outcome{
			Decision:    DecisionDirect,
			Description: "instance arrived after its absorption window",
			Resolved:    resolved,
		}, nil
	}

	group, err := m.lookup(ctx, key, inst, rule, now)
	if err != nil {
		return nil, err
	}

	// The lock is only needed while the group decision is still racy:
	// no group yet, or members below quorum. With a parallel limit of 1
	// it is skipped entirely; the storage-level unique index keeps
	// find-or-create correct regardless.
	limit := rule.ParallelLimit()
	needLock := limit > 1 && (group == nil || group.MemberCount < rule.Count)
	if needLock {
		acquired, err := m.sem.TryAcquire(ctx, key, limit)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return &Outcome{Decision: DecisionRetry, Resolved: resolved}, nil
		}
		defer m.sem.Release(ctx, key)
	}

	if group == nil {
		group, err = m.create(ctx, key, inst, rule, now, resolved)
		if err != nil {
			return nil, err
		}
		if group == nil {
			// The creation race winner already closed; its disposition is
			// decided, so this instance falls through to direct execution.
			return &Outcome{
				Decision:    DecisionDirect,
				Description: "previous group already closed",
				Resolved:    resolved,
			}, nil
		}
	}

	count, err := m.store.AddMember(ctx, group.ID, inst.ID, count0(group))
	if err != nil {
		return nil, err
	}

	// Re-read after linking: joining a group that closed underneath us
	// means the closer's member snapshot may not include this instance.
	fresh, err := m.store.Get(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	if fresh == nil || !fresh.Open() {
		return &Outcome{
			Decision:    DecisionDirect,
			Description: "group closed while joining",
			Resolved:    resolved,
		}, nil
	}
	group = fresh

	return m.evaluateFiring(ctx, group, rule, count, now, resolved)
}

// lookup finds the open group whose window can still absorb the instance,
// lazily closing a stale one left behind by a crashed worker.
func (m *Manager) lookup(ctx context.Context, key string, inst *model.ActionInstance, rule *model.ConvergeRule, now time.Time) (*model.ConvergeInstance, error) {
	group, err := m.store.GetOpenByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, nil
	}

	// On subsequent lookups max_timedelta governs absorption.
	if now.After(group.AbsorbUntil()) {
		if _, err := m.store.Close(ctx, group.ID, now, "absorption window expired"); err != nil {
			return nil, err
		}
		m.logger.Info("Closed stale converge group",
			zap.Int64("converge_id", group.ID),
			zap.String("dimension_key", group.DimensionKey))
		return nil, nil
	}

	// The group must overlap the instance's own candidate window.
	if group.StartedAt.Before(inst.CreatedAt.Add(-rule.MaxWindow())) {
		return nil, nil
	}
	return group, nil
}

func (m *Manager) create(ctx context.Context, key string, inst *model.ActionInstance, rule *model.ConvergeRule, now time.Time, resolved map[string][]string) (*model.ConvergeInstance, error) {
	kind := model.ConvergeKindAction
	if inst.IsParent {
		kind = model.ConvergeKindConverge
	}

	group, created, err := m.store.FindOrCreate(ctx, &model.ConvergeInstance{
		DimensionKey: key,
		BizID:        inst.BizID,
		Kind:         kind,
		Rule:         *rule,
		Description:  describeGroup(rule, resolved),
		StartedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	if group != nil && created {
		m.logger.Info("Converge group created",
			zap.Int64("converge_id", group.ID),
			zap.String("dimension_key", key),
			zap.String("function", string(rule.Function)))
	}
	return group, nil
}

// evaluateFiring closes the group when quorum is reached or the matching
// window has run out.
func (m *Manager) evaluateFiring(ctx context.Context, group *model.ConvergeInstance, rule *model.ConvergeRule, count int, now time.Time, resolved map[string][]string) (*Outcome, error) {
	var reason string
	switch {
	case count >= rule.Count:
		reason = fmt.Sprintf("quorum reached: %d members", count)
	case !now.Before(group.StartedAt.Add(rule.Window())):
		reason = fmt.Sprintf("window expired with %d members", count)
	default:
		return &Outcome{
			Decision: DecisionSleep,
			Group:    group,
			Resolved: resolved,
		}, nil
	}

	closed, err := m.store.Close(ctx, group.ID, now, reason)
	if err != nil {
		return nil, err
	}

	members, err := m.store.Members(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Converge group fired",
		zap.Int64("converge_id", group.ID),
		zap.String("reason", reason),
		zap.Bool("closed_by_us", closed),
		zap.Int("members", len(members)))

	return &Outcome{
		Decision:    DecisionFired,
		Group:       group,
		Members:     members,
		ClosedByUs:  closed,
		Description: reason,
		Resolved:    resolved,
	}, nil
}

// RecordBizRollup counts a fired action-level group toward the biz-level
// rollup window. When the platform threshold is exceeded it links the group
// under a biz-level ConvergeInstance and reports rolledUp=true; downstream
// fan-out for rolled-up groups is merged per biz.
func (m *Manager) RecordBizRollup(ctx context.Context, group *model.ConvergeInstance) (bool, error) {
	if m.client == nil || group.Kind != model.ConvergeKindAction {
		return false, nil
	}

	now := m.now()
	key := bizRollupKeyPrefix + strconv.FormatInt(group.BizID, 10)

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.Unix()),
		Member: strconv.FormatInt(group.ID, 10),
	})
	pipe.ZRemRangeByScore(ctx, key, "0",
		strconv.FormatInt(now.Add(-m.cfg.BizWindow).Unix(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, m.cfg.BizWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record biz rollup: %w", err)
	}

	if card.Val() < int64(m.cfg.BizThreshold) {
		return false, nil
	}

	bizRule := model.ConvergeRule{
		Enabled:   true,
		Timedelta: int(m.cfg.BizWindow.Seconds()),
		Count:     m.cfg.BizThreshold,
		Function:  model.ConvergeFuncCollect,
		Condition: []model.Condition{{Dimension: "bk_biz_id", Value: []string{strconv.FormatInt(group.BizID, 10)}}},
	}
	parent, _, err := m.store.FindOrCreate(ctx, &model.ConvergeInstance{
		DimensionKey: fmt.Sprintf("!biz#%d", group.BizID),
		BizID:        group.BizID,
		Kind:         model.ConvergeKindConverge,
		Rule:         bizRule,
		Description:  fmt.Sprintf("biz %d exceeded %d converged groups in %s", group.BizID, m.cfg.BizThreshold, m.cfg.BizWindow),
		StartedAt:    now,
	})
	if err != nil {
		return false, err
	}
	if parent == nil {
		return false, nil
	}

	if err := m.store.SetParent(ctx, group.ID, parent.ID); err != nil {
		return false, err
	}

	m.logger.Info("Group rolled up under biz converge",
		zap.Int64("converge_id", group.ID),
		zap.Int64("parent_id", parent.ID),
		zap.Int64("bk_biz_id", group.BizID))
	return true, nil
}

// count0 reports whether the group has no members yet, making the next
// linked instance its representative.
func count0(group *model.ConvergeInstance) bool {
	return group.MemberCount == 0
}

func describeGroup(rule *model.ConvergeRule, resolved map[string][]string) string {
	return fmt.Sprintf("%s within %ds on %d dimensions",
		rule.Function, rule.Timedelta, len(resolved))
}
