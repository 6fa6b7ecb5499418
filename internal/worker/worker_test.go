package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

type staticSnapshots struct {
	byID map[string]*domain.ProviderMetricsSnapshot
	err  error
}

func (s *staticSnapshots) Fetch(_ context.Context, _ string, ids []string) ([]*domain.ProviderMetricsSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.ProviderMetricsSnapshot
	for _, id := range ids {
		if snap, ok := s.byID[id]; ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

type staticProviders []string

func (p staticProviders) ListProviderIDs(context.Context, string) ([]string, error) {
	return p, nil
}

func snapshot(id string, trust, unresolved int) *domain.ProviderMetricsSnapshot {
	asOf := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return &domain.ProviderMetricsSnapshot{
		ProviderID: id,
		TrustScore: trust,
		Bookings: domain.BookingStats{
			AllTime: domain.BookingWindow{Total: 10, Completed: 10},
		},
		Incidents:    domain.IncidentStats{Total: unresolved, Unresolved: unresolved},
		Verification: domain.Verification{DocumentsSubmitted: true, OnboardingComplete: true, PayoutsConnected: true},
		CreatedAt:    asOf.AddDate(-1, 0, 0),
		AsOf:         asOf,
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (c *collector) handle(_ context.Context, msg *domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages, got %d", n, c.count())
}

func newTestWorker(t *testing.T, eventBus domain.EventBus, src SnapshotSource) *Worker {
	t.Helper()
	engine, err := risk.NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	rs := rules.NewRuleSet()
	rs.Load("tenant-001", []*domain.RiskRule{
		{ID: "incidents", Name: "Incidents", IncidentType: domain.IncidentComplaint, AutoSuspend: true, Enabled: true},
	})

	return NewWorker(Deps{
		Bus:       eventBus,
		Snapshots: src,
		Engine:    engine,
		Rules:     rs,
		Providers: staticProviders{"healthy", "risky"},
		Alerts:    alerting.NewProcessor(cache.NewLRUCache(100), domain.RiskLevelHigh, time.Hour),
		Metrics:   telemetry.NewMetrics(),
	})
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	src := &staticSnapshots{byID: map[string]*domain.ProviderMetricsSnapshot{
		"healthy": snapshot("healthy", 95, 0),
		"risky":   snapshot("risky", 30, 2),
	}}
	w := newTestWorker(t, eventBus, src)

	t.Run("StartAndStop", func(t *testing.T) {
		other := newTestWorker(t, eventBus, src)
		if err := other.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if stats := other.GetStats(); stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		if err := other.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := other.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		ctx := context.Background()
		completed := &collector{}
		alerts := &collector{}
		_, _ = eventBus.Subscribe(ctx, "tenant-001", domain.TopicAssessmentCompleted, completed.handle)
		_, _ = eventBus.Subscribe(ctx, "tenant-001", domain.TopicRiskAlert, alerts.handle)

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(AssessmentRequest{
			RequestID:   "req-1",
			ProviderIDs: []string{"healthy", "risky", "unknown"},
		})
		if err := eventBus.Publish(ctx, "tenant-001", domain.TopicAssessmentRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		completed.waitFor(t, 2)
		alerts.waitFor(t, 1)

		var first AssessmentCompleted
		if err := json.Unmarshal(completed.msgs[0].Payload, &first); err != nil {
			t.Fatalf("decode completed: %v", err)
		}
		if first.RequestID != "req-1" || first.TenantID != "tenant-001" {
			t.Errorf("unexpected envelope: %+v", first)
		}
		if first.Assessment.ProviderID != "healthy" || first.Assessment.RiskLevel != domain.RiskLevelLow {
			t.Errorf("expected healthy/low first, got %s/%s", first.Assessment.ProviderID, first.Assessment.RiskLevel)
		}

		var alert alerting.Alert
		if err := json.Unmarshal(alerts.msgs[0].Payload, &alert); err != nil {
			t.Fatalf("decode alert: %v", err)
		}
		if alert.ProviderID != "risky" || alert.RiskLevel != domain.RiskLevelCritical {
			t.Errorf("unexpected alert: %+v", alert)
		}
		if !alert.AutoSuspend {
			t.Error("expected auto-suspend from matched complaint rule")
		}
	})

	t.Run("AllProvidersAndDedup", func(t *testing.T) {
		ctx := context.Background()
		alerts := &collector{}
		sub, _ := eventBus.Subscribe(ctx, "tenant-001", domain.TopicRiskAlert, alerts.handle)
		defer sub.Unsubscribe()

		if err := w.Process(ctx, &AssessmentRequest{TenantID: "tenant-001"}); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if alerts.count() != 0 {
			t.Errorf("expected repeat alert to be deduplicated, got %d", alerts.count())
		}
	})

	t.Run("FetchError", func(t *testing.T) {
		failing := newTestWorker(t, eventBus, &staticSnapshots{err: errors.New("db down")})
		err := failing.Process(context.Background(), &AssessmentRequest{TenantID: "tenant-001", ProviderIDs: []string{"x"}})
		if err == nil {
			t.Error("expected fetch error")
		}
	})
}

func TestHandleMessageRequiresTenant(t *testing.T) {
	w := newTestWorker(t, bus.NewChannelBus(10), &staticSnapshots{})
	payload, _ := json.Marshal(AssessmentRequest{ProviderIDs: []string{"p"}})

	err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", TenantID: GlobalTenant, Payload: payload})
	if err == nil {
		t.Error("expected error for request without tenant on the global subscription")
	}

	err = w.handleMessage(context.Background(), &domain.Message{ID: "m2", TenantID: "t", Payload: []byte("{")})
	if err == nil {
		t.Error("expected error for malformed payload")
	}
}
