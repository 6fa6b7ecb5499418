package domain

import (
	"fmt"
	"time"
)

// IncidentType keys a risk rule to the provider signal that triggers it.
type IncidentType string

const (
	IncidentComplaint      IncidentType = "complaint"
	IncidentViolation      IncidentType = "violation"
	IncidentServiceQuality IncidentType = "service_quality"
	IncidentReviewAbuse    IncidentType = "review_abuse"
	IncidentOther          IncidentType = "other"
)

// Valid reports whether t is a known incident type.
func (t IncidentType) Valid() bool {
	switch t {
	case IncidentComplaint, IncidentViolation, IncidentServiceQuality, IncidentReviewAbuse, IncidentOther:
		return true
	}
	return false
}

// Severity is the admin-assigned severity of a risk rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RiskRule is an admin-configured rule. The risk engine only reads enabled
// rules; it never mutates them.
type RiskRule struct {
	ID                  string       `json:"id" yaml:"id"`
	TenantID            string       `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	Name                string       `json:"name" yaml:"name"`
	Description         string       `json:"description,omitempty" yaml:"description,omitempty"`
	IncidentType        IncidentType `json:"incidentType" yaml:"incidentType"`
	Severity            Severity     `json:"severity" yaml:"severity"`
	TrustScorePenalty   int          `json:"trustScorePenalty" yaml:"trustScorePenalty"`
	AutoSuspend         bool         `json:"autoSuspend" yaml:"autoSuspend"`
	SuspendDurationDays *int         `json:"suspendDurationDays,omitempty" yaml:"suspendDurationDays,omitempty"`
	Enabled             bool         `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// Validate checks a rule definition before it is stored.
func (r *RiskRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.IncidentType.Valid() {
		return fmt.Errorf("rule %s: unknown incident type %q", r.Name, r.IncidentType)
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}
	if r.TrustScorePenalty < 0 {
		return fmt.Errorf("rule %s: trustScorePenalty must be non-negative", r.Name)
	}
	if r.SuspendDurationDays != nil && *r.SuspendDurationDays < 0 {
		return fmt.Errorf("rule %s: suspendDurationDays must be non-negative", r.Name)
	}
	return nil
}

// RiskLevel is the ordinal classification of a risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Rank returns the ordinal position of the level (low=0 .. critical=3),
// or -1 for an unknown level.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelLow:
		return 0
	case RiskLevelMedium:
		return 1
	case RiskLevelHigh:
		return 2
	case RiskLevelCritical:
		return 3
	default:
		return -1
	}
}

// ParseRiskLevel parses a risk level string.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(s)
	if l.Rank() < 0 {
		return "", fmt.Errorf("invalid risk level: %s", s)
	}
	return l, nil
}

// RiskAssessment is the engine output for one provider. It is computed
// fresh on every request and never persisted.
type RiskAssessment struct {
	ProviderID      string            `json:"providerId"`
	RiskScore       int               `json:"riskScore"`
	RiskLevel       RiskLevel         `json:"riskLevel"`
	RiskFactors     []string          `json:"riskFactors"`
	Recommendations []string          `json:"recommendations"`
	Alerts          []string          `json:"alerts"`
	ApplicableRules []RiskRule        `json:"applicableRules"`
	Metrics         AssessmentMetrics `json:"metrics"`
}

// AssessmentMetrics holds the derived rates used during scoring.
// Rates are percentages in [0, 100].
type AssessmentMetrics struct {
	CompletionRate      float64 `json:"completionRate"`
	CancellationRate    float64 `json:"cancellationRate"`
	CompletionRate30d   float64 `json:"completionRate30d"`
	CancellationRate30d float64 `json:"cancellationRate30d"`
	CompletionRate90d   float64 `json:"completionRate90d"`
	CancellationRate90d float64 `json:"cancellationRate90d"`
	BookingFrequency    float64 `json:"bookingFrequency"`
	Growth30d           float64 `json:"growth30d"`
	DaysSinceCreation   int     `json:"daysSinceCreation"`
}
