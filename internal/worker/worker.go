// Package worker assesses providers asynchronously from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

// GlobalTenant is the bus tenant a worker without configured tenants
// listens on; the tenant to assess is then read from the request payload.
const GlobalTenant = "_global"

// SnapshotSource returns metrics snapshots for providers.
type SnapshotSource interface {
	Fetch(ctx context.Context, tenantID string, providerIDs []string) ([]*domain.ProviderMetricsSnapshot, error)
}

// ProviderLister lists every provider of a tenant.
type ProviderLister interface {
	ListProviderIDs(ctx context.Context, tenantID string) ([]string, error)
}

// Deps are the collaborators a Worker needs. Providers, RuleStore, Alerts
// and Metrics are optional.
type Deps struct {
	Bus       domain.EventBus
	Snapshots SnapshotSource
	Engine    *risk.Engine
	Rules     *rules.RuleSet
	RuleStore rules.Store
	Providers ProviderLister
	Alerts    *alerting.Processor
	Metrics   *telemetry.Metrics
}

// Worker consumes assessment requests and publishes results and alerts.
type Worker struct {
	deps   Deps
	tracer trace.Tracer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs to subscribe for. Empty subscribes GlobalTenant.
	TenantIDs []string
}

// AssessmentRequest is the payload of domain.TopicAssessmentRequested.
// An empty ProviderIDs assesses every provider of the tenant.
type AssessmentRequest struct {
	RequestID   string   `json:"requestId,omitempty"`
	TenantID    string   `json:"tenantId"`
	ProviderIDs []string `json:"providerIds"`
}

// AssessmentCompleted is the payload of domain.TopicAssessmentCompleted.
type AssessmentCompleted struct {
	RequestID  string                 `json:"requestId,omitempty"`
	TenantID   string                 `json:"tenantId"`
	Assessment *domain.RiskAssessment `json:"assessment"`
}

// NewWorker creates a new async worker.
func NewWorker(deps Deps) *Worker {
	if deps.Rules == nil {
		deps.Rules = rules.NewRuleSet()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		deps:   deps,
		tracer: otel.Tracer("harrier-worker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to assessment requests for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	started := 0
	for _, tenantID := range tenants {
		sub, err := w.deps.Bus.Subscribe(w.ctx, tenantID, domain.TopicAssessmentRequested, w.handleMessage)
		if err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
		started++
	}

	if started == 0 {
		return fmt.Errorf("no worker subscriptions started")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"topic", domain.TopicAssessmentRequested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req AssessmentRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse assessment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if req.TenantID == "" {
		req.TenantID = msg.TenantID
	}
	if req.TenantID == "" || req.TenantID == GlobalTenant {
		return fmt.Errorf("assessment request %s has no tenant", msg.ID)
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	return w.Process(ctx, &req)
}

// Process assesses the requested providers, publishes every assessment to
// domain.TopicAssessmentCompleted and qualifying alerts to
// domain.TopicRiskAlert.
func (w *Worker) Process(ctx context.Context, req *AssessmentRequest) error {
	start := time.Now()
	tenantID := req.TenantID

	ctx, span := w.tracer.Start(ctx, "worker.assess",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("request_id", req.RequestID),
		),
	)
	defer span.End()

	fail := func(stage string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		slog.Error("assessment request failed",
			"request_id", req.RequestID,
			"tenant_id", tenantID,
			"stage", stage,
			"error", err,
		)
		return fmt.Errorf("%s: %w", stage, err)
	}

	providerIDs := req.ProviderIDs
	if len(providerIDs) == 0 && w.deps.Providers != nil {
		ids, err := w.deps.Providers.ListProviderIDs(ctx, tenantID)
		if err != nil {
			return fail("list providers", err)
		}
		providerIDs = ids
	}
	span.SetAttributes(attribute.Int("provider_count", len(providerIDs)))
	if len(providerIDs) == 0 {
		return nil
	}

	ruleList, err := w.deps.Rules.Ensure(ctx, w.deps.RuleStore, tenantID)
	if err != nil {
		return fail("load rules", err)
	}

	snapshots, err := w.deps.Snapshots.Fetch(ctx, tenantID, providerIDs)
	if err != nil {
		return fail("fetch snapshots", err)
	}

	result, err := w.deps.Engine.AssessBatch(ctx, snapshots, ruleList)
	if err != nil {
		return fail("assess", err)
	}

	for id, assessErr := range result.Errors {
		slog.Warn("provider skipped",
			"request_id", req.RequestID,
			"tenant_id", tenantID,
			"provider_id", id,
			"error", assessErr,
		)
	}

	assessed := make([]*domain.RiskAssessment, 0, len(result.Assessments))
	alerts := 0
	for _, s := range snapshots {
		a, ok := result.Assessments[s.ProviderID]
		if !ok {
			continue
		}
		assessed = append(assessed, a)

		w.publish(ctx, tenantID, domain.TopicAssessmentCompleted, AssessmentCompleted{
			RequestID:  req.RequestID,
			TenantID:   tenantID,
			Assessment: a,
		})

		if w.deps.Alerts == nil {
			continue
		}
		if alert := w.deps.Alerts.Process(ctx, tenantID, a); alert != nil {
			if w.publish(ctx, tenantID, domain.TopicRiskAlert, alert) {
				alerts++
				w.deps.Metrics.AlertPublished()
			}
		}
	}

	w.deps.Metrics.ObserveBatch(telemetry.SourceWorker, assessed, len(result.Errors), time.Since(start))
	span.SetAttributes(
		attribute.Int("assessed", len(assessed)),
		attribute.Int("alerts", alerts),
	)

	slog.Info("assessment request processed",
		"request_id", req.RequestID,
		"tenant_id", tenantID,
		"requested", len(providerIDs),
		"assessed", len(assessed),
		"failed", len(result.Errors),
		"alerts", alerts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, tenantID, topic string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return false
	}
	if err := w.deps.Bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"error", err,
		)
		return false
	}
	return true
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
