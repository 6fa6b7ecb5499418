// Package rules keeps the per-tenant risk rules the engine reads, loads
// them from the repository or from YAML rule files, and seeds new tenants.
package rules

import (
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// RuleSet holds the enabled risk rules per tenant for hot reloading.
// Readers receive copies, so a reload never changes a slice already handed
// to the engine.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string][]domain.RiskRule // key: tenantID
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		rules: make(map[string][]domain.RiskRule),
	}
}

// Load replaces the tenant's rules, keeping only enabled ones in order.
func (rs *RuleSet) Load(tenantID string, rules []*domain.RiskRule) {
	enabled := make([]domain.RiskRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			enabled = append(enabled, *r)
		}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules[tenantID] = enabled
}

// Rules returns a copy of the tenant's enabled rules.
func (rs *RuleSet) Rules(tenantID string) []domain.RiskRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	src := rs.rules[tenantID]
	out := make([]domain.RiskRule, len(src))
	copy(out, src)
	return out
}

// Count returns the number of enabled rules loaded for the tenant.
func (rs *RuleSet) Count(tenantID string) int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules[tenantID])
}

// Loaded reports whether rules have been loaded for the tenant.
func (rs *RuleSet) Loaded(tenantID string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.rules[tenantID]
	return ok
}
