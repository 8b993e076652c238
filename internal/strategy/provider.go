// Package strategy exposes the read-only business metadata the core
// consults: strategies, action configs and shield rules. All of it is
// maintained elsewhere; tombstoned entries return not-found, never stale
// data.
package strategy

import (
	"context"
	"errors"

	"github.com/t77yq/alert-converge/internal/model"
)

// ErrStrategyNotFound is returned for missing or soft-deleted strategies.
var ErrStrategyNotFound = errors.New("strategy not found")

// ErrActionConfigNotFound is returned for missing or soft-deleted action configs.
var ErrActionConfigNotFound = errors.New("action config not found")

// Strategy is the frozen strategy view the core needs
type Strategy struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	BizID     int64  `json:"bk_biz_id"`
	IsDeleted bool   `json:"is_deleted"`
}

// ActionConfig is the execution template of an action
type ActionConfig struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	PluginKind model.PluginKind `json:"plugin_kind"`
	Timeout    int              `json:"timeout"` // seconds
	IsDeleted  bool             `json:"is_deleted"`
}

// Provider is the read-only metadata lookup contract
type Provider interface {
	// GetStrategy returns a strategy by id, or ErrStrategyNotFound.
	GetStrategy(ctx context.Context, id int64) (*Strategy, error)

	// GetActionConfig returns an action config by id, or ErrActionConfigNotFound.
	GetActionConfig(ctx context.Context, id int64) (*ActionConfig, error)

	// ListActiveShields returns the shield rules that could apply to the
	// given alerts, ordered by priority descending then updated_at
	// descending.
	ListActiveShields(ctx context.Context, alerts []model.Alert) ([]*model.ShieldRule, error)
}
