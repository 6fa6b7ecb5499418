package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
)

// RuleRequest is the request body for creating or updating a rule, and the
// element type of inline rule overrides. Enabled defaults to true.
type RuleRequest struct {
	ID                  string              `json:"id,omitempty"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	IncidentType        domain.IncidentType `json:"incidentType"`
	Severity            domain.Severity     `json:"severity,omitempty"`
	TrustScorePenalty   int                 `json:"trustScorePenalty"`
	AutoSuspend         bool                `json:"autoSuspend"`
	SuspendDurationDays *int                `json:"suspendDurationDays,omitempty"`
	Enabled             *bool               `json:"enabled,omitempty"`
}

func (req *RuleRequest) toRule() domain.RiskRule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return domain.RiskRule{
		ID:                  req.ID,
		Name:                req.Name,
		Description:         req.Description,
		IncidentType:        req.IncidentType,
		Severity:            req.Severity,
		TrustScorePenalty:   req.TrustScorePenalty,
		AutoSuspend:         req.AutoSuspend,
		SuspendDurationDays: req.SuspendDurationDays,
		Enabled:             enabled,
	}
}

// ListRules returns every stored rule of the tenant, disabled ones included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		loaded := h.deps.Rules.Rules(tenantID)
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":   loaded,
			"count":   len(loaded),
			"enabled": len(loaded),
			"source":  "memory",
		})
		return
	}

	stored, err := h.deps.Repo.ListRiskRules(ctx, tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	enabled := 0
	for _, rule := range stored {
		if rule.Enabled {
			enabled++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   stored,
		"count":   len(stored),
		"enabled": enabled,
		"source":  "database",
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.deps.Repo == nil {
		for _, rule := range h.deps.Rules.Rules(tenantID) {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	rule, err := h.deps.Repo.GetRiskRule(ctx, tenantID, ruleID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule stores a new rule and reloads the tenant's rule set.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	rule := req.toRule()
	if rule.ID != "" {
		_, err := h.deps.Repo.GetRiskRule(ctx, tenantID, rule.ID)
		switch {
		case err == nil:
			writeError(w, http.StatusConflict, "rule already exists")
			return
		case !errors.Is(err, repository.ErrNotFound):
			writeErr(w, err)
			return
		}
	}
	if err := h.deps.Repo.SaveRiskRule(ctx, tenantID, &rule); err != nil {
		writeErr(w, err)
		return
	}
	h.reloadAfterChange(r, tenantID)

	slog.Info("risk rule created",
		"tenant_id", tenantID,
		"rule_id", rule.ID,
		"incident_type", rule.IncidentType,
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// UpdateRule replaces an existing rule and reloads the tenant's rule set.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	existing, err := h.deps.Repo.GetRiskRule(ctx, tenantID, ruleID)
	if err != nil {
		writeErr(w, err)
		return
	}

	rule := req.toRule()
	rule.ID = ruleID
	rule.CreatedAt = existing.CreatedAt
	if err := h.deps.Repo.SaveRiskRule(ctx, tenantID, &rule); err != nil {
		writeErr(w, err)
		return
	}
	h.reloadAfterChange(r, tenantID)

	slog.Info("risk rule updated", "tenant_id", tenantID, "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule": rule,
	})
}

// DeleteRule disables a rule. Rules are never hard-deleted.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.deps.Repo.DisableRiskRule(ctx, tenantID, ruleID); err != nil {
		writeErr(w, err)
		return
	}
	h.reloadAfterChange(r, tenantID)

	slog.Info("risk rule disabled", "tenant_id", tenantID, "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// ReloadRules reloads the tenant's rules from the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	count, err := rules.Reload(ctx, h.deps.Repo, h.deps.Rules, tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// reloadAfterChange refreshes the rule set after a write. A failure leaves
// the previous rules in place until the next reload.
func (h *Handler) reloadAfterChange(r *http.Request, tenantID string) {
	if _, err := rules.Reload(r.Context(), h.deps.Repo, h.deps.Rules, tenantID); err != nil {
		slog.Error("failed to reload rules after change",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
