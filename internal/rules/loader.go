package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Store is the subset of the repository the loader needs.
type Store interface {
	SaveRiskRule(ctx context.Context, tenantID string, rule *domain.RiskRule) error
	ListRiskRules(ctx context.Context, tenantID string) ([]*domain.RiskRule, error)
}

// Reload replaces the tenant's rules in rs with the enabled rules in store
// and returns how many were loaded.
func Reload(ctx context.Context, store Store, rs *RuleSet, tenantID string) (int, error) {
	stored, err := store.ListRiskRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list risk rules: %w", err)
	}

	rs.Load(tenantID, stored)
	count := rs.Count(tenantID)

	slog.Info("risk rules loaded",
		"tenant_id", tenantID,
		"stored", len(stored),
		"enabled", count,
	)
	return count, nil
}

// Seed saves rules for a tenant that has none yet. It returns the number of
// rules written; a tenant with existing rules is left untouched.
func Seed(ctx context.Context, store Store, tenantID string, seed []domain.RiskRule) (int, error) {
	existing, err := store.ListRiskRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list risk rules: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i := range seed {
		r := seed[i]
		if err := store.SaveRiskRule(ctx, tenantID, &r); err != nil {
			return i, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	return len(seed), nil
}

// Ensure returns the tenant's enabled rules, loading them from store on
// first use. A nil store yields whatever is already loaded.
func (rs *RuleSet) Ensure(ctx context.Context, store Store, tenantID string) ([]domain.RiskRule, error) {
	if !rs.Loaded(tenantID) && store != nil {
		if _, err := Reload(ctx, store, rs, tenantID); err != nil {
			return nil, err
		}
	}
	return rs.Rules(tenantID), nil
}
