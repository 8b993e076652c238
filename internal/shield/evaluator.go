// Package shield decides whether an action instance is suppressed by an
// active business-defined shield rule.
package shield

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
	"github.com/t77yq/alert-converge/internal/strategy"
)

// Result describes a shield match. The orchestrator records it under the
// instance's outputs and transitions to shielded.
type Result struct {
	Matched bool   `json:"matched"`
	RuleID  int64  `json:"rule_id,omitempty"`
	Type    string `json:"type,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Evaluator matches instances against active shield rules
type Evaluator struct {
	provider strategy.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(provider strategy.Provider, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		provider: provider,
		logger:   logger.Named("shield"),
		now:      time.Now,
	}
}

// Match returns the first active rule shielding the instance, or a
// non-matched result. Parent actions are organisational only and never
// shielded. An instance is shielded only when every one of its alerts
// satisfies the rule.
func (e *Evaluator) Match(ctx context.Context, inst *model.ActionInstance, alerts []model.Alert) (*Result, error) {
	if inst.IsParent || len(alerts) == 0 {
		return &Result{}, nil
	}

	rules, err := e.provider.ListActiveShields(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to list shield rules: %w", err)
	}

	now := e.now()
	for _, rule := range rules {
		if !active(rule, now) {
			continue
		}
		if !matchesAll(rule, alerts) {
			continue
		}

		e.logger.Info("Instance shielded",
			zap.String("instance_id", inst.ID),
			zap.Int64("shield_id", rule.ID),
			zap.String("rationale", rule.Rationale))

		return &Result{
			Matched: true,
			RuleID:  rule.ID,
			Type:    rule.Type,
			Detail:  rule.Rationale,
		}, nil
	}

	return &Result{}, nil
}

// active reports whether the rule's interval covers the given instant.
func active(rule *model.ShieldRule, now time.Time) bool {
	iv := rule.Interval
	if now.Before(iv.Begin) || now.After(iv.End) {
		return false
	}

	switch iv.Cycle {
	case "", model.ShieldCycleOnce:
		return true
	case model.ShieldCycleWeekly:
		if len(iv.Weekdays) > 0 && !containsInt(iv.Weekdays, int(now.Weekday())) {
			return false
		}
		return withinDaySlice(iv, now)
	case model.ShieldCycleDaily:
		return withinDaySlice(iv, now)
	}
	return false
}

// withinDaySlice checks the recurring "HH:MM"–"HH:MM" slice of the day.
// A malformed or absent slice degrades to all-day.
func withinDaySlice(iv model.ShieldInterval, now time.Time) bool {
	start, okStart := minutesOfDay(iv.StartTime)
	end, okEnd := minutesOfDay(iv.EndTime)
	if !okStart || !okEnd {
		return true
	}
	current := now.Hour()*60 + now.Minute()
	if start <= end {
		return current >= start && current < end
	}
	// Slice crosses midnight.
	return current >= start || current < end
}

func minutesOfDay(v string) (int, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return h*60 + m, true
}

func matchesAll(rule *model.ShieldRule, alerts []model.Alert) bool {
	for i := range alerts {
		if !matchesAlert(rule, &alerts[i]) {
			return false
		}
	}
	return true
}

// matchesAlert evaluates the rule predicate on one alert. Unset fields are
// wildcards; set fields are AND-ed.
func matchesAlert(rule *model.ShieldRule, alert *model.Alert) bool {
	m := rule.Match

	if rule.BizID != 0 && rule.BizID != alert.BizID {
		return false
	}
	if len(m.StrategyIDs) > 0 && !containsInt64(m.StrategyIDs, alert.StrategyID) {
		return false
	}
	if len(m.AlertIDs) > 0 && !containsString(m.AlertIDs, alert.ID) {
		return false
	}
	if len(m.Hosts) > 0 && !containsString(m.Hosts, alert.HostID) {
		return false
	}
	if len(m.Services) > 0 && !containsString(m.Services, alert.Service) {
		return false
	}
	if len(m.TopoNodes) > 0 && !intersects(m.TopoNodes, alert.TopoNodes) {
		return false
	}
	if len(m.Dimensions) > 0 && !subsetOf(m.Dimensions, alert.Dimensions) {
		return false
	}
	if len(m.Tags) > 0 && !subsetOf(m.Tags, alert.Tags) {
		return false
	}
	return true
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt64(values []int64, v int64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsString(b, x) {
			return true
		}
	}
	return false
}

func subsetOf(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
