package rules

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/harrier/internal/domain"
)

// fileRule is the YAML shape of a rule. Enabled defaults to true so a rule
// file only has to mention rules it wants switched off.
type fileRule struct {
	domain.RiskRule
}

func (f *fileRule) UnmarshalYAML(node *yaml.Node) error {
	type plain domain.RiskRule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	f.RiskRule = domain.RiskRule(p)
	return nil
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// LoadFile reads risk rules from a YAML file.
func LoadFile(path string) ([]domain.RiskRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes rules from YAML. The document is either a list of rules or
// a mapping with a "rules" key. Every rule is validated and gets a
// generated ID of "<incidentType>-<n>" when none is given.
func Parse(data []byte) ([]domain.RiskRule, error) {
	var doc ruleFile
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '-' {
		if err := yaml.Unmarshal(data, &doc.Rules); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	out := make([]domain.RiskRule, 0, len(doc.Rules))
	seen := make(map[string]bool, len(doc.Rules))
	for i, fr := range doc.Rules {
		r := fr.RiskRule
		if r.Severity == "" {
			r.Severity = domain.SeverityMedium
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s-%d", r.IncidentType, i+1)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %d: duplicate id %q", i+1, r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}
