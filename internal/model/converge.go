package model

import "time"

// ConvergeFunc represents the disposition applied to a fired converge group
type ConvergeFunc string

const (
	ConvergeFuncSkip         ConvergeFunc = "skip"
	ConvergeFuncDefer        ConvergeFunc = "defer"
	ConvergeFuncCollect      ConvergeFunc = "collect"
	ConvergeFuncCollectAlarm ConvergeFunc = "collect_alarm"
)

// SelfValue is the sentinel in a rule condition meaning "substitute the
// instance's own value for that dimension at runtime".
const SelfValue = "self"

// Condition is one entry of a converge rule condition: a dimension name and
// the values that select group members on it.
type Condition struct {
	Dimension string   `json:"dimension"`
	Value     []string `json:"value"`
}

// ConvergeRule is a user-authored convergence rule
type ConvergeRule struct {
	Enabled      bool         `json:"is_enabled"`
	Timedelta    int          `json:"timedelta"`               // matching window, seconds
	MaxTimedelta int          `json:"max_timedelta,omitempty"` // absorption window, seconds
	Count        int          `json:"count"`
	Function     ConvergeFunc `json:"converge_func"`
	Condition    []Condition  `json:"condition"`
}

// Window returns the matching window as a duration.
func (r *ConvergeRule) Window() time.Duration {
	return time.Duration(r.Timedelta) * time.Second
}

// MaxWindow returns the absorption window; when unset it equals the
// matching window.
func (r *ConvergeRule) MaxWindow() time.Duration {
	if r.MaxTimedelta > r.Timedelta {
		return time.Duration(r.MaxTimedelta) * time.Second
	}
	return r.Window()
}

// Legal reports whether the rule can drive convergence at all. Illegal
// rules route the instance to direct execution.
func (r *ConvergeRule) Legal() bool {
	return r.Enabled && len(r.Condition) > 0 && r.Timedelta > 0 && r.Count >= 0
}

// ParallelLimit returns the slot count of the per-dimension counting lock.
func (r *ConvergeRule) ParallelLimit() int {
	n := r.Count / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ConvergeKind distinguishes the two convergence levels sharing the
// ConvergeInstance entity
type ConvergeKind string

const (
	ConvergeKindAction   ConvergeKind = "action"   // executions of one recipient merged into a digest
	ConvergeKindConverge ConvergeKind = "converge" // action-level groups rolled up per biz
)

// ConvergeInstance represents a group of converged members
type ConvergeInstance struct {
	ID           int64        `json:"id"`
	DimensionKey string       `json:"dimension_key"`
	BizID        int64        `json:"bk_biz_id"`
	Kind         ConvergeKind `json:"kind"`
	Rule         ConvergeRule `json:"rule_snapshot"` // rule frozen at creation time
	Description  string       `json:"description"`
	MemberCount  int          `json:"member_count"`
	ParentID     *int64       `json:"biz_converge_parent,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
}

// Open reports whether the group still accepts members.
func (c *ConvergeInstance) Open() bool {
	return c.EndedAt == nil
}

// AbsorbUntil returns the instant after which the group stops absorbing
// matching instances even while open.
func (c *ConvergeInstance) AbsorbUntil() time.Time {
	return c.StartedAt.Add(c.Rule.MaxWindow())
}
