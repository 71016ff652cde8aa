package symbolic

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// rulePackFile is the on-disk shape of a rules.yaml pack. Expressions use
// the same tagged structure as the persisted JSON form.
type rulePackFile struct {
	Rules []struct {
		ID          string  `yaml:"id"`
		Name        string  `yaml:"name"`
		Description string  `yaml:"description"`
		Antecedents []any   `yaml:"antecedents"`
		Consequents []any   `yaml:"consequents"`
		Confidence  float64 `yaml:"confidence"`
		Priority    int     `yaml:"priority"`
	} `yaml:"rules"`
}

// LoadRulePack parses a YAML rule pack into rules. Expressions are the
// tagged forms (fact/and/or/not/implies/quantified/comparison/variable/
// literal) written in YAML.
func LoadRulePack(data []byte) ([]Rule, error) {
	var file rulePackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed rule pack: %w", err)
	}

	var rules []Rule
	for i, raw := range file.Rules {
		ants, err := exprsFromYAML(raw.Antecedents)
		if err != nil {
			return nil, fmt.Errorf("rule %d antecedents: %w", i, err)
		}
		cons, err := exprsFromYAML(raw.Consequents)
		if err != nil {
			return nil, fmt.Errorf("rule %d consequents: %w", i, err)
		}
		id := raw.ID
		if id == "" {
			id = "rule:" + raw.Name
		}
		confidence := raw.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		rules = append(rules, Rule{
			ID:          id,
			Name:        raw.Name,
			Description: raw.Description,
			Antecedents: ants,
			Consequents: cons,
			Confidence:  confidence,
			Priority:    raw.Priority,
		})
	}
	return rules, nil
}

// exprsFromYAML routes YAML nodes through the JSON codec so both formats
// share one decoder.
func exprsFromYAML(nodes []any) ([]*Expr, error) {
	raw, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	return DecodeExprList(raw)
}
