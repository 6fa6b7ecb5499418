package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/snapshots"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

const testTenant = "tenant-001"

type testEnv struct {
	server  *Server
	repo    *repository.SQLRepository
	bus     *bus.ChannelBus
	metrics *telemetry.Metrics
}

// newTestEnv creates a server backed by a temporary SQLite database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := risk.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(10)
	t.Cleanup(func() { b.Close() })
	metrics := telemetry.NewMetrics()

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Repo:      repo,
		Cache:     c,
		Bus:       b,
		Engine:    engine,
		Rules:     rules.NewRuleSet(),
		Snapshots: snapshots.NewService(repo, c, time.Minute),
		Metrics:   metrics,
	}, "test-v1")

	return &testEnv{server: server, repo: repo, bus: b, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

// snapshotBody returns a complete, healthy snapshot as a JSON object.
func snapshotBody(id string) map[string]any {
	return map[string]any{
		"providerId": id,
		"trustScore": 85,
		"bookings": map[string]any{
			"allTime":    map[string]any{"total": 20, "completed": 18, "cancelled": 1},
			"last30Days": map[string]any{"total": 5, "completed": 5, "cancelled": 0},
			"last90Days": map[string]any{"total": 12, "completed": 11, "cancelled": 1},
		},
		"reviews":     map[string]any{"total": 10, "averageRating": 4.5},
		"incidents":   map[string]any{"total": 0, "unresolved": 0, "recent30Days": 0},
		"suspensions": map[string]any{"total": 0, "active": 0},
		"disputes":    map[string]any{"total": 0, "unresolved": 0},
		"refunds":     map[string]any{"total": 0, "amount": "0"},
		"verification": map[string]any{
			"documentsSubmitted": true,
			"onboardingComplete": true,
			"payoutsConnected":   true,
		},
		"createdAt": "2025-01-01T00:00:00Z",
		"asOf":      "2025-06-01T00:00:00Z",
	}
}

// riskySnapshotBody scores 100: trust flag 30, low completion 20, high
// cancellation 15, low trust 25, one unresolved incident 10.
func riskySnapshotBody(id string) map[string]any {
	b := snapshotBody(id)
	b["trustScore"] = 40
	b["bookings"] = map[string]any{
		"allTime":    map[string]any{"total": 10, "completed": 5, "cancelled": 4},
		"last30Days": map[string]any{"total": 2, "completed": 1, "cancelled": 1},
		"last90Days": map[string]any{"total": 6, "completed": 3, "cancelled": 3},
	}
	b["incidents"] = map[string]any{"total": 3, "unresolved": 1, "recent30Days": 1}
	return b
}

func TestAssessEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HealthyProvider", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess", snapshotBody("prov-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		a := decode[domain.RiskAssessment](t, rr)
		if a.ProviderID != "prov-1" {
			t.Errorf("expected providerId prov-1, got %s", a.ProviderID)
		}
		if a.RiskScore != 0 || a.RiskLevel != domain.RiskLevelLow {
			t.Errorf("expected score 0/low, got %d/%s", a.RiskScore, a.RiskLevel)
		}
		if a.Metrics.CompletionRate != 90 {
			t.Errorf("expected completion rate 90, got %v", a.Metrics.CompletionRate)
		}
		if len(a.Recommendations) != 0 {
			t.Errorf("expected no recommendations, got %v", a.Recommendations)
		}
		if a.ApplicableRules == nil {
			t.Error("expected empty applicableRules array, got null")
		}
	})

	t.Run("RiskyProvider", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess", riskySnapshotBody("prov-2"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		a := decode[domain.RiskAssessment](t, rr)
		if a.RiskScore != 100 {
			t.Errorf("expected score 100, got %d (factors %v)", a.RiskScore, a.RiskFactors)
		}
		if a.RiskLevel != domain.RiskLevelCritical {
			t.Errorf("expected critical, got %s", a.RiskLevel)
		}
		if len(a.Alerts) == 0 {
			t.Error("expected trust flag alert")
		}
	})

	t.Run("InlineRules", func(t *testing.T) {
		body := snapshotBody("prov-3")
		body["reviews"] = map[string]any{"total": 4, "averageRating": 2.5}
		body["rules"] = []map[string]any{
			{"id": "low-rating", "name": "Low rating", "incidentType": "review_abuse", "severity": "high"},
			{"id": "off", "name": "Disabled", "incidentType": "review_abuse", "enabled": false},
			{"id": "complaints", "name": "Complaints", "incidentType": "complaint"},
		}

		rr := env.do(t, http.MethodPost, "/assess", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		a := decode[domain.RiskAssessment](t, rr)
		if len(a.ApplicableRules) != 1 || a.ApplicableRules[0].ID != "low-rating" {
			t.Errorf("expected only low-rating to apply, got %+v", a.ApplicableRules)
		}
	})

	t.Run("InvalidInlineRule", func(t *testing.T) {
		body := snapshotBody("prov-4")
		body["rules"] = []map[string]any{{"name": "Bad", "incidentType": "fraud"}}

		rr := env.do(t, http.MethodPost, "/assess", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingRequiredCount", func(t *testing.T) {
		body := snapshotBody("prov-5")
		delete(body["bookings"].(map[string]any), "last30Days")

		rr := env.do(t, http.MethodPost, "/assess", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		resp := decode[map[string]string](t, rr)
		if !strings.Contains(resp["error"], "invalid metrics snapshot") ||
			!strings.Contains(resp["error"], "bookings.last30Days") {
			t.Errorf("unexpected error message: %s", resp["error"])
		}
	})

	t.Run("ContradictoryCounts", func(t *testing.T) {
		body := snapshotBody("prov-6")
		body["incidents"] = map[string]any{"total": 1, "unresolved": 2, "recent30Days": 0}

		rr := env.do(t, http.MethodPost, "/assess", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/assess", bytes.NewBufferString("{}"))
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestAssessBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	broken := snapshotBody("broken")
	delete(broken, "trustScore")

	dupFirst := riskySnapshotBody("dup")
	dupLast := snapshotBody("dup")

	rr := env.do(t, http.MethodPost, "/assess/batch", map[string]any{
		"snapshots": []any{
			snapshotBody("a"),
			broken,
			dupFirst,
			riskySnapshotBody("b"),
			dupLast,
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode[BatchResponse](t, rr)
	if resp.Count != 3 || resp.Failed != 1 {
		t.Fatalf("expected 3 assessed and 1 failed, got %d/%d", resp.Count, resp.Failed)
	}

	order := make([]string, len(resp.Assessments))
	for i, a := range resp.Assessments {
		order[i] = a.ProviderID
	}
	if strings.Join(order, ",") != "a,dup,b" {
		t.Errorf("expected request order a,dup,b, got %v", order)
	}
	if resp.Assessments[1].RiskLevel != domain.RiskLevelLow {
		t.Errorf("expected later dup snapshot to win, got %s", resp.Assessments[1].RiskLevel)
	}
	if !strings.Contains(resp.Errors["broken"], "trustScore") {
		t.Errorf("expected trustScore error for broken, got %q", resp.Errors["broken"])
	}

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess/batch", map[string]any{"snapshots": []any{}})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MetricsRecorded", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		out := rr.Body.String()
		if !strings.Contains(out, `harrier_assessments_total{level="low",source="api"}`) {
			t.Error("expected assessments counter in /metrics output")
		}
		if !strings.Contains(out, `route="/assess/batch"`) {
			t.Error("expected route label for /assess/batch")
		}
	})
}

// seedProviders stores a healthy and a risky provider.
func seedProviders(t *testing.T, repo *repository.SQLRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	providers := []*domain.Provider{
		{ID: "good", Name: "Good Co", Status: domain.ProviderStatusActive, TrustScore: 90,
			DocumentsSubmitted: true, OnboardingComplete: true, PayoutsConnected: true,
			CreatedAt: now.AddDate(0, -6, 0)},
		{ID: "risky", Name: "Risky Co", Status: domain.ProviderStatusActive, TrustScore: 30,
			CreatedAt: now.AddDate(0, -1, 0)},
		{ID: "new", Name: "New Co", Status: domain.ProviderStatusPending, TrustScore: 60,
			CreatedAt: now.AddDate(0, 0, -2)},
	}
	for _, p := range providers {
		if err := repo.SaveProvider(ctx, testTenant, p); err != nil {
			t.Fatalf("SaveProvider failed: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		b := &domain.Booking{ProviderID: "good", Status: domain.BookingStatusCompleted, CreatedAt: now.AddDate(0, 0, -i)}
		if err := repo.RecordBooking(ctx, testTenant, b); err != nil {
			t.Fatalf("RecordBooking failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		inc := &domain.Incident{ProviderID: "risky", Category: domain.IncidentType("complaint"), CreatedAt: now.AddDate(0, 0, -1)}
		if err := repo.RecordIncident(ctx, testTenant, inc); err != nil {
			t.Fatalf("RecordIncident failed: %v", err)
		}
	}
}

func TestProvidersHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedProviders(t, env.repo)

	complaint := &domain.RiskRule{ID: "complaints", Name: "Complaints", IncidentType: "complaint", Enabled: true}
	if err := env.repo.SaveRiskRule(context.Background(), testTenant, complaint); err != nil {
		t.Fatalf("SaveRiskRule failed: %v", err)
	}

	type listResponse struct {
		Providers []ProviderHealth `json:"providers"`
		Count     int              `json:"count"`
		Assessed  int              `json:"assessed"`
	}

	ids := func(resp listResponse) string {
		out := make([]string, len(resp.Providers))
		for i, p := range resp.Providers {
			out[i] = p.ProviderID
		}
		return strings.Join(out, ",")
	}

	t.Run("DefaultSortRiskScoreDesc", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/providers/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[listResponse](t, rr)
		if resp.Assessed != 3 {
			t.Errorf("expected 3 assessed, got %d", resp.Assessed)
		}
		if got := ids(resp); got != "risky,new,good" {
			t.Errorf("expected risky,new,good, got %s", got)
		}
	})

	t.Run("FilterByLevel", func(t *testing.T) {
		resp := decode[listResponse](t, env.do(t, http.MethodGet, "/providers/health?level=critical", nil))
		if got := ids(resp); got != "risky" {
			t.Errorf("expected risky, got %s", got)
		}
	})

	t.Run("FilterByStatus", func(t *testing.T) {
		resp := decode[listResponse](t, env.do(t, http.MethodGet, "/providers/health?status=pending", nil))
		if got := ids(resp); got != "new" {
			t.Errorf("expected new, got %s", got)
		}
	})

	t.Run("FilterByCategory", func(t *testing.T) {
		resp := decode[listResponse](t, env.do(t, http.MethodGet, "/providers/health?category=complaint", nil))
		if got := ids(resp); got != "risky" {
			t.Errorf("expected risky, got %s", got)
		}
	})

	t.Run("SortByTrustScoreAsc", func(t *testing.T) {
		resp := decode[listResponse](t, env.do(t, http.MethodGet, "/providers/health?sort=trustScore&order=asc", nil))
		if got := ids(resp); got != "risky,new,good" {
			t.Errorf("expected risky,new,good, got %s", got)
		}
	})

	t.Run("SelectedIDs", func(t *testing.T) {
		resp := decode[listResponse](t, env.do(t, http.MethodGet, "/providers/health?ids=good,missing", nil))
		if got := ids(resp); got != "good" {
			t.Errorf("expected good, got %s", got)
		}
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		for _, q := range []string{"level=severe", "sort=name", "order=up", "category=fraud"} {
			rr := env.do(t, http.MethodGet, "/providers/health?"+q, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})
}

func TestProviderRiskEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedProviders(t, env.repo)

	rr := env.do(t, http.MethodGet, "/providers/good/risk", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	p := decode[ProviderHealth](t, rr)
	if p.Assessment == nil || p.Assessment.RiskLevel != domain.RiskLevelLow {
		t.Errorf("expected low risk assessment, got %+v", p.Assessment)
	}
	if p.Bookings != 10 {
		t.Errorf("expected 10 bookings, got %d", p.Bookings)
	}

	t.Run("RefreshSeesNewActivity", func(t *testing.T) {
		inc := &domain.Incident{ProviderID: "good", Category: "violation"}
		if err := env.repo.RecordIncident(context.Background(), testTenant, inc); err != nil {
			t.Fatalf("RecordIncident failed: %v", err)
		}

		cached := decode[ProviderHealth](t, env.do(t, http.MethodGet, "/providers/good/risk", nil))
		if cached.Incidents != 0 {
			t.Errorf("expected cached snapshot without the incident, got %d", cached.Incidents)
		}

		fresh := decode[ProviderHealth](t, env.do(t, http.MethodGet, "/providers/good/risk?refresh=true", nil))
		if fresh.Incidents != 1 {
			t.Errorf("expected refreshed snapshot with 1 incident, got %d", fresh.Incidents)
		}
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/providers/missing/risk", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/rules", RuleRequest{
		ID:           "quality",
		Name:         "Service quality",
		IncidentType: "service_quality",
		Severity:     "high",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("CreatedRuleIsLoaded", func(t *testing.T) {
		if n := env.server.Handler().deps.Rules.Count(testTenant); n != 1 {
			t.Errorf("expected 1 loaded rule, got %d", n)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", RuleRequest{ID: "quality", Name: "Dup", IncidentType: "complaint"})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("InvalidRule", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", RuleRequest{Name: "Bad", IncidentType: "fraud"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/quality", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		rule := decode[domain.RiskRule](t, rr)
		if rule.Severity != domain.SeverityHigh || !rule.Enabled {
			t.Errorf("unexpected rule: %+v", rule)
		}

		if rr := env.do(t, http.MethodGet, "/rules/missing", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UpdateRule", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/rules/quality", RuleRequest{
			Name:              "Service quality v2",
			IncidentType:      "service_quality",
			TrustScorePenalty: 15,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rule := decode[domain.RiskRule](t, env.do(t, http.MethodGet, "/rules/quality", nil))
		if rule.Name != "Service quality v2" || rule.TrustScorePenalty != 15 {
			t.Errorf("update not persisted: %+v", rule)
		}

		if rr := env.do(t, http.MethodPut, "/rules/missing", RuleRequest{Name: "x", IncidentType: "other"}); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("LoadedRuleApplies", func(t *testing.T) {
		body := riskySnapshotBody("p")
		a := decode[domain.RiskAssessment](t, env.do(t, http.MethodPost, "/assess", body))
		if len(a.ApplicableRules) != 1 || a.ApplicableRules[0].ID != "quality" {
			t.Errorf("expected quality rule to apply, got %+v", a.ApplicableRules)
		}
	})

	t.Run("DeleteDisables", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/rules/quality", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		list := decode[map[string]any](t, env.do(t, http.MethodGet, "/rules", nil))
		if list["count"].(float64) != 1 || list["enabled"].(float64) != 0 {
			t.Errorf("expected 1 stored rule and 0 enabled, got %v/%v", list["count"], list["enabled"])
		}

		a := decode[domain.RiskAssessment](t, env.do(t, http.MethodPost, "/assess", riskySnapshotBody("p")))
		if len(a.ApplicableRules) != 0 {
			t.Errorf("expected disabled rule to be ignored, got %+v", a.ApplicableRules)
		}

		if rr := env.do(t, http.MethodDelete, "/rules/missing", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		direct := &domain.RiskRule{ID: "direct", Name: "Direct", IncidentType: "other", Enabled: true}
		if err := env.repo.SaveRiskRule(context.Background(), testTenant, direct); err != nil {
			t.Fatalf("SaveRiskRule failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		if resp["count"].(float64) != 1 {
			t.Errorf("expected 1 enabled rule after reload, got %v", resp["count"])
		}
	})
}

func TestAssessAsyncEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var (
		mu       sync.Mutex
		received []worker.AssessmentRequest
	)
	done := make(chan struct{}, 1)
	_, err := env.bus.Subscribe(context.Background(), worker.GlobalTenant, domain.TopicAssessmentRequested,
		func(ctx context.Context, msg *domain.Message) error {
			var req worker.AssessmentRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return err
			}
			mu.Lock()
			received = append(received, req)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/assess/async", AsyncRequest{ProviderIDs: []string{"a", "b"}})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]any](t, rr)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("assessment request not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 request, got %d", len(received))
	}
	got := received[0]
	if got.TenantID != testTenant || len(got.ProviderIDs) != 2 || got.RequestID != resp["requestId"] {
		t.Errorf("unexpected request: %+v (response %v)", got, resp)
	}
}

func TestBusTenant(t *testing.T) {
	h := NewHandler(Deps{}, "test")
	if got := h.busTenant("t1"); got != worker.GlobalTenant {
		t.Errorf("expected global tenant, got %q", got)
	}

	h = NewHandler(Deps{WorkerTenants: []string{"t1"}}, "test")
	if got := h.busTenant("t1"); got != "t1" {
		t.Errorf("expected t1, got %q", got)
	}
	if got := h.busTenant("t2"); got != "" {
		t.Errorf("expected no bus tenant for t2, got %q", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		resp := decode[map[string]any](t, rr)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyWithoutEngine", func(t *testing.T) {
		s := NewServer(domain.ServerConfig{}, Deps{}, "test")
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("MetricsMiddlewareNilIsPassthrough", func(t *testing.T) {
		called := false
		handler := MetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if !called {
			t.Error("expected next handler to run")
		}
	})
}

// failingRuleLookup is a repository whose rule lookups fail.
type failingRuleLookup struct {
	domain.Repository
	err error
}

func (f *failingRuleLookup) GetRiskRule(context.Context, string, string) (*domain.RiskRule, error) {
	return nil, f.err
}

func TestCreateRuleLookupFailure(t *testing.T) {
	env := newTestEnv(t)
	deps := env.server.Handler().deps

	failing := &testEnv{server: NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:   &failingRuleLookup{Repository: env.repo, err: errors.New("database is locked")},
		Engine: deps.Engine,
		Rules:  rules.NewRuleSet(),
	}, "test-v1")}

	rr := failing.do(t, http.MethodPost, "/rules", RuleRequest{
		ID:           "quality",
		Name:         "Service quality",
		IncidentType: "service_quality",
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d: %s", rr.Code, rr.Body.String())
	}

	stored, err := env.repo.ListRiskRules(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("ListRiskRules failed: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("expected no rule to be written, got %d", len(stored))
	}
}

func TestLoggingMiddlewareIncludesTraceID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := TracingMiddleware(LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	traceID := rr.Header().Get(TraceIDHeader)
	if traceID == "" {
		t.Fatal("expected X-Trace-ID response header")
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}
	if entry["trace_id"] != traceID {
		t.Errorf("expected trace_id %q, got %v", traceID, entry["trace_id"])
	}
	if entry["request_id"] != "req-123" {
		t.Errorf("expected request_id 'req-123', got %v", entry["request_id"])
	}
}
