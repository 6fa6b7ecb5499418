package api

import (
	"cmp"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

// ProviderHealth pairs a provider's identity with its assessment.
type ProviderHealth struct {
	ProviderID string                 `json:"providerId"`
	Name       string                 `json:"name,omitempty"`
	Status     domain.ProviderStatus  `json:"status,omitempty"`
	TrustScore int                    `json:"trustScore"`
	Bookings   int                    `json:"totalBookings"`
	Incidents  int                    `json:"unresolvedIncidents"`
	Assessment *domain.RiskAssessment `json:"assessment"`
}

func newProviderHealth(s *domain.ProviderMetricsSnapshot, a *domain.RiskAssessment) ProviderHealth {
	return ProviderHealth{
		ProviderID: s.ProviderID,
		Name:       s.Name,
		Status:     s.Status,
		TrustScore: s.TrustScore,
		Bookings:   s.Bookings.AllTime.Total,
		Incidents:  s.Incidents.Unresolved,
		Assessment: a,
	}
}

// Sort keys accepted by GET /providers/health.
const (
	SortRiskScore           = "riskScore"
	SortRiskLevel           = "riskLevel"
	SortTrustScore          = "trustScore"
	SortCompletionRate      = "completionRate"
	SortCancellationRate    = "cancellationRate"
	SortTotalBookings       = "totalBookings"
	SortUnresolvedIncidents = "unresolvedIncidents"
	SortGrowth30d           = "growth30d"
)

var sortKeys = map[string]func(p ProviderHealth) float64{
	SortRiskScore:           func(p ProviderHealth) float64 { return float64(p.Assessment.RiskScore) },
	SortRiskLevel:           func(p ProviderHealth) float64 { return float64(p.Assessment.RiskLevel.Rank()) },
	SortTrustScore:          func(p ProviderHealth) float64 { return float64(p.TrustScore) },
	SortCompletionRate:      func(p ProviderHealth) float64 { return p.Assessment.Metrics.CompletionRate },
	SortCancellationRate:    func(p ProviderHealth) float64 { return p.Assessment.Metrics.CancellationRate },
	SortTotalBookings:       func(p ProviderHealth) float64 { return float64(p.Bookings) },
	SortUnresolvedIncidents: func(p ProviderHealth) float64 { return float64(p.Incidents) },
	SortGrowth30d:           func(p ProviderHealth) float64 { return p.Assessment.Metrics.Growth30d },
}

// healthQuery is the parsed query string of GET /providers/health.
type healthQuery struct {
	ids      []string
	levels   []domain.RiskLevel
	statuses []domain.ProviderStatus
	category domain.IncidentType
	sortBy   string
	desc     bool
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseHealthQuery(r *http.Request) (*healthQuery, error) {
	q := r.URL.Query()
	hq := &healthQuery{
		ids:    splitList(q.Get("ids")),
		sortBy: SortRiskScore,
		desc:   true,
	}

	for _, l := range splitList(q.Get("level")) {
		level, err := domain.ParseRiskLevel(l)
		if err != nil {
			return nil, err
		}
		hq.levels = append(hq.levels, level)
	}
	for _, s := range splitList(q.Get("status")) {
		hq.statuses = append(hq.statuses, domain.ProviderStatus(s))
	}
	if c := q.Get("category"); c != "" {
		hq.category = domain.IncidentType(c)
		if !hq.category.Valid() {
			return nil, fmt.Errorf("invalid category: %s", c)
		}
	}
	if s := q.Get("sort"); s != "" {
		if _, ok := sortKeys[s]; !ok {
			return nil, fmt.Errorf("invalid sort key: %s", s)
		}
		hq.sortBy = s
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		hq.desc = false
	default:
		return nil, fmt.Errorf("invalid order: %s", q.Get("order"))
	}
	return hq, nil
}

func (hq *healthQuery) match(p ProviderHealth) bool {
	if len(hq.levels) > 0 && !slices.Contains(hq.levels, p.Assessment.RiskLevel) {
		return false
	}
	if len(hq.statuses) > 0 && !slices.Contains(hq.statuses, p.Status) {
		return false
	}
	if hq.category != "" {
		return slices.ContainsFunc(p.Assessment.ApplicableRules, func(r domain.RiskRule) bool {
			return r.IncidentType == hq.category
		})
	}
	return true
}

// sort orders providers by the chosen key; ties keep provider ID order.
func (hq *healthQuery) sort(ps []ProviderHealth) {
	key := sortKeys[hq.sortBy]
	slices.SortStableFunc(ps, func(a, b ProviderHealth) int {
		c := cmp.Compare(key(a), key(b))
		if hq.desc {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.ProviderID, b.ProviderID)
		}
		return c
	})
}

// ProvidersHealth handles GET /providers/health. It aggregates metrics for
// the requested providers (all of the tenant's when ids is omitted),
// assesses them, then filters and sorts the result.
func (h *Handler) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil || h.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	hq, err := parseHealthQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := hq.ids
	if len(ids) == 0 {
		if ids, err = h.deps.Repo.ListProviderIDs(ctx, tenantID); err != nil {
			writeErr(w, err)
			return
		}
	}

	snaps, err := h.deps.Snapshots.Fetch(ctx, tenantID, ids)
	if err != nil {
		writeErr(w, err)
		return
	}

	ruleList, err := h.resolveRules(ctx, tenantID, nil)
	if err != nil {
		writeErr(w, err)
		return
	}

	result, err := h.deps.Engine.AssessBatch(ctx, snaps, ruleList)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	assessed := make([]*domain.RiskAssessment, 0, len(result.Assessments))
	providers := make([]ProviderHealth, 0, len(snaps))
	for _, s := range snaps {
		a, ok := result.Assessments[s.ProviderID]
		if !ok {
			continue
		}
		assessed = append(assessed, a)
		if p := newProviderHealth(s, a); hq.match(p) {
			providers = append(providers, p)
		}
	}
	hq.sort(providers)

	errs := make(map[string]string, len(result.Errors))
	for id, aerr := range result.Errors {
		errs[id] = aerr.Error()
	}

	h.deps.Metrics.ObserveBatch(telemetry.SourceAPI, assessed, len(result.Errors), time.Since(start))
	slog.Info("provider health listed",
		"tenant_id", tenantID,
		"requested", len(ids),
		"assessed", len(assessed),
		"returned", len(providers),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"count":     len(providers),
		"assessed":  len(assessed),
		"errors":    errs,
		"sort":      hq.sortBy,
	})
}
