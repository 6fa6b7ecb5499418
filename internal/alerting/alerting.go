// Package alerting decides which risk assessments become alerts for the
// trust and safety team.
package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Counter is the windowed counter used for deduplication.
// domain.Cache implementations satisfy it.
type Counter interface {
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)
}

// Alert is the payload published on domain.TopicRiskAlert.
type Alert struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	ProviderID  string           `json:"providerId"`
	RiskScore   int              `json:"riskScore"`
	RiskLevel   domain.RiskLevel `json:"riskLevel"`
	Reasons     []string         `json:"reasons"`
	RuleIDs     []string         `json:"ruleIds,omitempty"`
	AutoSuspend bool             `json:"autoSuspend"`
	RaisedAt    time.Time        `json:"raisedAt"`
}

// Processor turns assessments into deduplicated alerts.
type Processor struct {
	// MinLevel is the lowest level that alerts.
	MinLevel domain.RiskLevel

	// DedupWindow suppresses repeat alerts for a provider at the same level.
	DedupWindow time.Duration

	counter Counter
}

// NewProcessor creates an alert processor. A nil counter disables
// deduplication.
func NewProcessor(counter Counter, minLevel domain.RiskLevel, window time.Duration) *Processor {
	if minLevel.Rank() < 0 {
		minLevel = domain.RiskLevelHigh
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Processor{
		MinLevel:    minLevel,
		DedupWindow: window,
		counter:     counter,
	}
}

// ShouldAlert reports whether an assessment is severe enough to alert and
// carries at least one alert message.
func (p *Processor) ShouldAlert(a *domain.RiskAssessment) bool {
	return a != nil && a.RiskLevel.Rank() >= p.MinLevel.Rank() && len(a.Alerts) > 0
}

// Process returns the alert for an assessment, or nil when it does not
// qualify or an identical alert was raised within DedupWindow. Counter
// failures are logged and the alert is still raised.
func (p *Processor) Process(ctx context.Context, tenantID string, a *domain.RiskAssessment) *Alert {
	if !p.ShouldAlert(a) {
		return nil
	}

	if p.counter != nil {
		n, err := p.counter.IncrementCounter(ctx, tenantID, dedupKey(a), p.DedupWindow)
		if err != nil {
			slog.Warn("alert dedup counter failed",
				"tenant_id", tenantID,
				"provider_id", a.ProviderID,
				"error", err,
			)
		} else if n > 1 {
			slog.Debug("alert suppressed",
				"tenant_id", tenantID,
				"provider_id", a.ProviderID,
				"risk_level", a.RiskLevel,
				"count", n,
			)
			return nil
		}
	}

	alert := &Alert{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		ProviderID: a.ProviderID,
		RiskScore:  a.RiskScore,
		RiskLevel:  a.RiskLevel,
		Reasons:    Reasons(a),
		RaisedAt:   time.Now().UTC(),
	}
	for _, r := range a.ApplicableRules {
		alert.RuleIDs = append(alert.RuleIDs, r.ID)
		if r.AutoSuspend {
			alert.AutoSuspend = true
		}
	}
	return alert
}

// Reasons lists the alert messages followed by the risk factors.
func Reasons(a *domain.RiskAssessment) []string {
	reasons := make([]string, 0, len(a.Alerts)+len(a.RiskFactors))
	reasons = append(reasons, a.Alerts...)
	return append(reasons, a.RiskFactors...)
}

func dedupKey(a *domain.RiskAssessment) string {
	return "alert:" + a.ProviderID + ":" + string(a.RiskLevel)
}
