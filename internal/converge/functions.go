package converge

import (
	"fmt"
	"time"

	"github.com/t77yq/alert-converge/internal/model"
)

// ChildPlan is the disposition applied to one member of a fired group
type ChildPlan struct {
	InstanceID string
	Status     model.ActionStatus
	Message    string
	// Enqueue marks the digest representative of a collect* group: the
	// single child that goes to an executor queue on behalf of everyone.
	Enqueue bool
	// PreserveAlerts keeps the per-child alert breakdown in the digest
	// payload (collect_alarm) alongside the merged union.
	PreserveAlerts bool
	// RetryIn re-enqueues the child onto the convergence queue (defer).
	RetryIn time.Duration
}

// PlanDispositions chooses the per-child effects of a fired group. Members
// are in link order; the first is the representative that seeds a digest.
func PlanDispositions(group *model.ConvergeInstance, members []string) []ChildPlan {
	rule := group.Rule
	plans := make([]ChildPlan, 0, len(members))

	switch rule.Function {
	case model.ConvergeFuncSkip:
		message := fmt.Sprintf("Converged under group %d: %s", group.ID, group.Description)
		for _, id := range members {
			plans = append(plans, ChildPlan{
				InstanceID: id,
				Status:     model.ActionStatusSkipped,
				Message:    message,
			})
		}

	case model.ConvergeFuncDefer:
		delay := rule.Window() / 2
		message := fmt.Sprintf("Deferred by group %d for %s", group.ID, delay)
		for _, id := range members {
			plans = append(plans, ChildPlan{
				InstanceID: id,
				Status:     model.ActionStatusSleeping,
				Message:    message,
				RetryIn:    delay,
			})
		}

	case model.ConvergeFuncCollect, model.ConvergeFuncCollectAlarm:
		message := fmt.Sprintf("Converged under group %d: %d similar actions in %ds",
			group.ID, len(members), rule.Timedelta)
		for i, id := range members {
			plans = append(plans, ChildPlan{
				InstanceID:     id,
				Status:         model.ActionStatusConverged,
				Message:        message,
				Enqueue:        i == 0,
				PreserveAlerts: rule.Function == model.ConvergeFuncCollectAlarm,
			})
		}

	default:
		// Unknown function degrades to skip so nothing executes twice.
		message := fmt.Sprintf("Unknown converge function %q on group %d", rule.Function, group.ID)
		for _, id := range members {
			plans = append(plans, ChildPlan{
				InstanceID: id,
				Status:     model.ActionStatusSkipped,
				Message:    message,
			})
		}
	}

	return plans
}
