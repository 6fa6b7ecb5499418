// Package risk provides the provider risk assessment engine.
//
// The engine is pure: it scores pre-aggregated metrics snapshots in memory
// and never issues its own queries, so callers can batch-fetch metrics for
// many providers and assess them independently.
package risk

import (
	"context"
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Score penalties.
const (
	PenaltyTrustFlag        = 30
	PenaltyLowCompletion    = 20
	PenaltyHighCancellation = 15
	PenaltyLimitedHistory   = 10
	PenaltyTrustScoreLow    = 25
	PenaltyTrustScoreFair   = 10
	IncidentPenaltyPer      = 10
	IncidentPenaltyCap      = 30
)

// Scoring inputs.
const (
	MinCompletionRate      = 80.0
	MaxCancellationRate    = 20.0
	MinBookingsForRates    = 5
	TrustScoreLowCutoff    = 50
	TrustScoreFairCutoff   = 75
	IncidentSpikeThreshold = 3
)

// Risk level thresholds. Each tier is closed on its lower bound.
const (
	ThresholdCritical = 70
	ThresholdHigh     = 40
	ThresholdMedium   = 20
)

// Risk factors.
const (
	FactorTrustFlag           = "Unresolved trust incident or rejected verification on record"
	FactorLowCompletion       = "Low booking completion rate"
	FactorHighCancellation    = "High cancellation rate"
	FactorLimitedHistory      = "Limited booking history"
	FactorLowTrustScore       = "Low trust score"
	FactorFairTrustScore      = "Below-average trust score"
	FactorUnresolvedIncidents = "Unresolved trust incidents"
)

// Recommendations.
const (
	RecommendDocuments      = "Upload the required verification documents"
	RecommendOnboarding     = "Complete the remaining onboarding steps"
	RecommendCompletionRate = "Review cancelled and unfinished bookings to improve the completion rate"
	RecommendPayouts        = "Connect a payout account to receive payments"
)

// Alerts.
const (
	AlertTrustFlag          = "Attention required: unresolved trust incident or rejected verification"
	AlertActiveSuspension   = "Provider is currently suspended"
	AlertUnresolvedDisputes = "Provider has unresolved disputes"
	AlertIncidentSpike      = "Multiple incidents reported in the last 30 days"
)

// LevelForScore maps a risk score to its level.
func LevelForScore(score int) domain.RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return domain.RiskLevelCritical
	case score >= ThresholdHigh:
		return domain.RiskLevelHigh
	case score >= ThresholdMedium:
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelLow
	}
}

// Engine scores provider snapshots and matches risk rules.
// It holds no per-call state and is safe for concurrent use.
type Engine struct {
	matcher    *Matcher
	maxWorkers int
}

// NewEngine creates a risk engine. maxWorkers bounds AssessBatch concurrency.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	matcher, err := NewMatcher()
	if err != nil {
		return nil, err
	}

	return &Engine{
		matcher:    matcher,
		maxWorkers: maxWorkers,
	}, nil
}

// Assess scores a single snapshot against the given rules.
// Only enabled rules are considered.
func (e *Engine) Assess(s *domain.ProviderMetricsSnapshot, rules []domain.RiskRule) (*domain.RiskAssessment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	metrics := DeriveMetrics(s)
	a := &domain.RiskAssessment{
		ProviderID:      s.ProviderID,
		RiskFactors:     make([]string, 0),
		Recommendations: make([]string, 0),
		Alerts:          make([]string, 0),
		Metrics:         metrics,
	}

	score := 0
	totalBookings := s.Bookings.AllTime.Total

	if s.Incidents.Unresolved > 0 || s.Verification.KYCStatus == domain.KYCStatusRejected {
		score += PenaltyTrustFlag
		a.RiskFactors = append(a.RiskFactors, FactorTrustFlag)
		a.Alerts = append(a.Alerts, AlertTrustFlag)
	}

	if metrics.CompletionRate < MinCompletionRate {
		score += PenaltyLowCompletion
		a.RiskFactors = append(a.RiskFactors, FactorLowCompletion)
	}

	if metrics.CancellationRate > MaxCancellationRate && totalBookings >= MinBookingsForRates {
		score += PenaltyHighCancellation
		a.RiskFactors = append(a.RiskFactors, FactorHighCancellation)
	}

	if totalBookings < MinBookingsForRates {
		score += PenaltyLimitedHistory
		a.RiskFactors = append(a.RiskFactors, FactorLimitedHistory)
	}

	switch {
	case s.TrustScore < TrustScoreLowCutoff:
		score += PenaltyTrustScoreLow
		a.RiskFactors = append(a.RiskFactors, FactorLowTrustScore)
	case s.TrustScore < TrustScoreFairCutoff:
		score += PenaltyTrustScoreFair
		a.RiskFactors = append(a.RiskFactors, FactorFairTrustScore)
	}

	if s.Incidents.Unresolved > 0 {
		// Cap the count first so huge counts cannot overflow.
		counted := min(s.Incidents.Unresolved, IncidentPenaltyCap/IncidentPenaltyPer+1)
		score += min(IncidentPenaltyCap, counted*IncidentPenaltyPer)
		a.RiskFactors = append(a.RiskFactors, FactorUnresolvedIncidents)
	}

	// Escalation-only signals; they never change the score.
	if s.Suspensions.Active > 0 {
		a.Alerts = append(a.Alerts, AlertActiveSuspension)
	}
	if s.Disputes.Unresolved > 0 {
		a.Alerts = append(a.Alerts, AlertUnresolvedDisputes)
	}
	if s.Incidents.Recent30Days >= IncidentSpikeThreshold {
		a.Alerts = append(a.Alerts, AlertIncidentSpike)
	}

	a.Recommendations = recommendations(s, metrics)
	a.RiskScore = score
	a.RiskLevel = LevelForScore(score)
	a.ApplicableRules = e.matcher.Match(s, metrics.CompletionRate, rules)

	return a, nil
}

// recommendations lists advisory steps for unmet best practices.
func recommendations(s *domain.ProviderMetricsSnapshot, m domain.AssessmentMetrics) []string {
	recs := make([]string, 0, 4)
	if !s.Verification.DocumentsSubmitted {
		recs = append(recs, RecommendDocuments)
	}
	if !s.Verification.OnboardingComplete {
		recs = append(recs, RecommendOnboarding)
	}
	if m.CompletionRate < MinCompletionRate {
		recs = append(recs, RecommendCompletionRate)
	}
	if !s.Verification.PayoutsConnected {
		recs = append(recs, RecommendPayouts)
	}
	return recs
}

// BatchResult holds the outcome of AssessBatch keyed by provider ID.
// A provider appears in exactly one of the two maps.
type BatchResult struct {
	Assessments map[string]*domain.RiskAssessment
	Errors      map[string]error
}

// AssessBatch assesses every snapshot independently with bounded
// parallelism. An invalid snapshot is reported in Errors and does not stop
// the batch. The returned error is non-nil only if ctx is cancelled.
// When provider IDs repeat, the later snapshot wins.
func (e *Engine) AssessBatch(ctx context.Context, snapshots []*domain.ProviderMetricsSnapshot, rules []domain.RiskRule) (*BatchResult, error) {
	assessments := make([]*domain.RiskAssessment, len(snapshots))
	errs := make([]error, len(snapshots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)

	for i, s := range snapshots {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			assessments[i], errs[i] = e.Assess(s, rules)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch assessment interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch assessment interrupted: %w", err)
	}

	result := &BatchResult{
		Assessments: make(map[string]*domain.RiskAssessment, len(snapshots)),
		Errors:      make(map[string]error),
	}
	for i, s := range snapshots {
		id := ""
		if s != nil {
			id = s.ProviderID
		}
		if errs[i] != nil {
			delete(result.Assessments, id)
			result.Errors[id] = errs[i]
			continue
		}
		delete(result.Errors, id)
		result.Assessments[id] = assessments[i]
	}

	return result, nil
}
