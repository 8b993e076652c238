package strategy

import (
	"context"
	"sync"

	"github.com/t77yq/alert-converge/internal/model"
)

// MemoryProvider is an in-memory Provider used in tests and local runs.
type MemoryProvider struct {
	mu            sync.RWMutex
	strategies    map[int64]*Strategy
	actionConfigs map[int64]*ActionConfig
	shields       []*model.ShieldRule
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		strategies:    make(map[int64]*Strategy),
		actionConfigs: make(map[int64]*ActionConfig),
	}
}

// PutStrategy adds or replaces a strategy.
func (p *MemoryProvider) PutStrategy(s *Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies[s.ID] = s
}

// DeleteStrategy tombstones a strategy.
func (p *MemoryProvider) DeleteStrategy(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.strategies, id)
}

// PutActionConfig adds or replaces an action config.
func (p *MemoryProvider) PutActionConfig(c *ActionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actionConfigs[c.ID] = c
}

// PutShield adds a shield rule.
func (p *MemoryProvider) PutShield(rule *model.ShieldRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shields = append(p.shields, rule)
}

// GetStrategy implements Provider.
func (p *MemoryProvider) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.strategies[id]
	if !ok || s.IsDeleted {
		return nil, ErrStrategyNotFound
	}
	return s, nil
}

// GetActionConfig implements Provider.
func (p *MemoryProvider) GetActionConfig(ctx context.Context, id int64) (*ActionConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.actionConfigs[id]
	if !ok || c.IsDeleted {
		return nil, ErrActionConfigNotFound
	}
	return c, nil
}

// ListActiveShields implements Provider.
func (p *MemoryProvider) ListActiveShields(ctx context.Context, alerts []model.Alert) ([]*model.ShieldRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rules := make([]*model.ShieldRule, len(p.shields))
	copy(rules, p.shields)
	SortRules(rules)
	return rules, nil
}
