package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

// AssessRequest is the body of POST /assess: a snapshot plus optional
// inline rules. When Rules is omitted the tenant's loaded rules apply; an
// explicit empty list assesses without rules.
type AssessRequest struct {
	SnapshotRequest
	Rules []RuleRequest `json:"rules,omitempty"`
}

// BatchRequest is the body of POST /assess/batch.
type BatchRequest struct {
	Snapshots []*SnapshotRequest `json:"snapshots"`
	Rules     []RuleRequest      `json:"rules,omitempty"`
}

// BatchResponse lists assessments in request order and per-provider errors.
type BatchResponse struct {
	Assessments []*domain.RiskAssessment `json:"assessments"`
	Errors      map[string]string        `json:"errors"`
	Count       int                      `json:"count"`
	Failed      int                      `json:"failed"`
	DurationMs  int64                    `json:"durationMs"`
}

// AsyncRequest is the body of POST /assess/async. Empty ProviderIDs
// assesses every provider of the tenant.
type AsyncRequest struct {
	ProviderIDs []string `json:"providerIds"`
}

// resolveRules returns inline rules when given, otherwise the tenant's
// loaded rules.
func (h *Handler) resolveRules(ctx context.Context, tenantID string, inline []RuleRequest) ([]domain.RiskRule, error) {
	if inline == nil {
		return h.deps.Rules.Ensure(ctx, h.ruleStore(), tenantID)
	}
	out := make([]domain.RiskRule, 0, len(inline))
	for i := range inline {
		rule := inline[i].toRule()
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("inline-%d", i+1)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidRule, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

var errInvalidRule = errors.New("invalid rule")

// Assess handles POST /assess.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AssessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	snap, err := req.ToSnapshot(h.now())
	if err != nil {
		h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, nil, 1, time.Since(start))
		writeErr(w, err)
		return
	}
	snap.TenantID = tenantID

	ruleList, err := h.resolveRules(ctx, tenantID, req.Rules)
	if err != nil {
		h.writeRuleErr(w, err)
		return
	}

	a, err := h.deps.Engine.Assess(snap, ruleList)
	if err != nil {
		h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, nil, 1, time.Since(start))
		writeErr(w, err)
		return
	}
	h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, []*domain.RiskAssessment{a}, 0, time.Since(start))

	slog.Debug("provider assessed",
		"tenant_id", tenantID,
		"provider_id", a.ProviderID,
		"risk_score", a.RiskScore,
		"risk_level", a.RiskLevel,
	)
	writeJSON(w, http.StatusOK, a)
}

// AssessBatch handles POST /assess/batch. One malformed snapshot is
// reported under its provider ID and does not fail the batch. When a
// provider ID repeats, the later snapshot wins.
func (h *Handler) AssessBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Snapshots) == 0 {
		writeError(w, http.StatusBadRequest, "snapshots are required")
		return
	}

	ruleList, err := h.resolveRules(ctx, tenantID, req.Rules)
	if err != nil {
		h.writeRuleErr(w, err)
		return
	}

	now := h.now()
	keys := make([]string, len(req.Snapshots))
	wireErrs := make(map[int]error)
	valid := make([]*domain.ProviderMetricsSnapshot, 0, len(req.Snapshots))
	for i, sr := range req.Snapshots {
		keys[i] = batchKey(sr, i)
		snap, err := sr.ToSnapshot(now)
		if err != nil {
			wireErrs[i] = err
			continue
		}
		snap.TenantID = tenantID
		valid = append(valid, snap)
	}

	result, err := h.deps.Engine.AssessBatch(ctx, valid, ruleList)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// The last occurrence of each key decides its outcome.
	last := make(map[string]int, len(keys))
	for i, k := range keys {
		last[k] = i
	}

	resp := BatchResponse{
		Assessments: make([]*domain.RiskAssessment, 0, len(result.Assessments)),
		Errors:      make(map[string]string),
	}
	emitted := make(map[string]bool, len(keys))
	for _, k := range keys {
		if emitted[k] {
			continue
		}
		emitted[k] = true
		if werr, ok := wireErrs[last[k]]; ok {
			resp.Errors[k] = werr.Error()
			continue
		}
		if aerr, ok := result.Errors[k]; ok {
			resp.Errors[k] = aerr.Error()
			continue
		}
		if a, ok := result.Assessments[k]; ok {
			resp.Assessments = append(resp.Assessments, a)
		}
	}
	resp.Count = len(resp.Assessments)
	resp.Failed = len(resp.Errors)
	resp.DurationMs = time.Since(start).Milliseconds()

	h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, resp.Assessments, resp.Failed, time.Since(start))
	slog.Info("batch assessed",
		"tenant_id", tenantID,
		"requested", len(req.Snapshots),
		"assessed", resp.Count,
		"failed", resp.Failed,
		"duration_ms", resp.DurationMs,
	)
	writeJSON(w, http.StatusOK, resp)
}

// batchKey identifies a batch entry by provider ID, or by position when the
// ID is missing.
func batchKey(sr *SnapshotRequest, i int) string {
	if sr == nil || sr.ProviderID == "" {
		return fmt.Sprintf("#%d", i)
	}
	return sr.ProviderID
}

// AssessAsync handles POST /assess/async by queueing an assessment request
// for the worker.
func (h *Handler) AssessAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var req AsyncRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	busTenant := h.busTenant(tenantID)
	if busTenant == "" {
		writeError(w, http.StatusServiceUnavailable, "no worker subscribed for tenant")
		return
	}

	msg := worker.AssessmentRequest{
		RequestID:   uuid.New().String(),
		TenantID:    tenantID,
		ProviderIDs: req.ProviderIDs,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.deps.Bus.Publish(ctx, busTenant, domain.TopicAssessmentRequested, payload); err != nil {
		slog.Error("failed to queue assessment",
			"tenant_id", tenantID,
			"request_id", msg.RequestID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue assessment")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestId": msg.RequestID,
		"status":    "queued",
		"providers": len(req.ProviderIDs),
	})
}

// busTenant returns the bus tenant the worker listens on for tenantID, or
// "" when no worker subscription covers it.
func (h *Handler) busTenant(tenantID string) string {
	if len(h.deps.WorkerTenants) == 0 {
		return worker.GlobalTenant
	}
	if slices.Contains(h.deps.WorkerTenants, tenantID) {
		return tenantID
	}
	return ""
}

// ProviderRisk handles GET /providers/{id}/risk. With ?refresh=true the
// cached snapshot is discarded first.
func (h *Handler) ProviderRisk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	providerID := chi.URLParam(r, "id")

	if h.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if err := h.deps.Snapshots.Invalidate(ctx, tenantID, providerID); err != nil {
			slog.Warn("failed to invalidate snapshot",
				"tenant_id", tenantID,
				"provider_id", providerID,
				"error", err,
			)
		}
	}

	snaps, err := h.deps.Snapshots.Fetch(ctx, tenantID, []string{providerID})
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(snaps) == 0 {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	ruleList, err := h.resolveRules(ctx, tenantID, nil)
	if err != nil {
		writeErr(w, err)
		return
	}

	a, err := h.deps.Engine.Assess(snaps[0], ruleList)
	if err != nil {
		h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, nil, 1, time.Since(start))
		writeErr(w, err)
		return
	}
	h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, []*domain.RiskAssessment{a}, 0, time.Since(start))

	writeJSON(w, http.StatusOK, newProviderHealth(snaps[0], a))
}

func (h *Handler) writeRuleErr(w http.ResponseWriter, err error) {
	if errors.Is(err, errInvalidRule) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeErr(w, err)
}
