package risk

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Trigger conditions per incident type. Types without an entry (including
// "other") never match automatically; they exist for manual rule authoring.
var defaultConditions = map[domain.IncidentType]string{
	domain.IncidentComplaint:      "incidents_total > 0",
	domain.IncidentViolation:      "incidents_unresolved > 0",
	domain.IncidentServiceQuality: "completion_rate < 80.0",
	domain.IncidentReviewAbuse:    "has_rating && avg_rating < 3.0",
}

// Matcher decides which enabled risk rules apply to a provider.
// Conditions are compiled once; Match is safe for concurrent use.
type Matcher struct {
	programs map[domain.IncidentType]cel.Program
}

// NewMatcher compiles the trigger condition for each incident type.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("incidents_total", cel.IntType),
		cel.Variable("incidents_unresolved", cel.IntType),
		cel.Variable("completion_rate", cel.DoubleType),
		cel.Variable("has_rating", cel.BoolType),
		cel.Variable("avg_rating", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs := make(map[domain.IncidentType]cel.Program, len(defaultConditions))
	for incidentType, expr := range defaultConditions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile %s condition: %w", incidentType, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%s condition must return bool, got %s", incidentType, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for %s condition: %w", incidentType, err)
		}
		programs[incidentType] = program
	}

	return &Matcher{programs: programs}, nil
}

// Match returns the enabled rules whose trigger condition holds for the
// snapshot, in the order they were given. completionRate is the all-time
// completion percentage.
func (m *Matcher) Match(s *domain.ProviderMetricsSnapshot, completionRate float64, rules []domain.RiskRule) []domain.RiskRule {
	matched := make([]domain.RiskRule, 0)
	if len(rules) == 0 {
		return matched
	}

	avgRating := 0.0
	if s.Reviews.AverageRating != nil {
		avgRating = *s.Reviews.AverageRating
	}
	activation := map[string]any{
		"incidents_total":      int64(s.Incidents.Total),
		"incidents_unresolved": int64(s.Incidents.Unresolved),
		"completion_rate":      completionRate,
		"has_rating":           s.HasRating(),
		"avg_rating":           avgRating,
	}

	// Each incident type is evaluated at most once per call.
	outcomes := make(map[domain.IncidentType]bool, len(m.programs))

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		applies, seen := outcomes[rule.IncidentType]
		if !seen {
			applies = m.evaluate(rule.IncidentType, activation)
			outcomes[rule.IncidentType] = applies
		}
		if applies {
			matched = append(matched, rule)
		}
	}

	return matched
}

func (m *Matcher) evaluate(incidentType domain.IncidentType, activation map[string]any) bool {
	program, ok := m.programs[incidentType]
	if !ok {
		return false
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		slog.Warn("rule condition evaluation failed",
			"incident_type", incidentType,
			"error", err,
		)
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}
