// Package rules evaluates tenant-scoped alert rules against newly
// normalized logs and raises deduplicated alerts.
package rules

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is a severity-threshold alert rule scoped to one tenant.
//
// Threshold is the minimum severity a log must carry; a rule with no
// threshold cannot fire. MinCount above 1 turns the rule into a volume
// rule: it fires only once at least MinCount qualifying logs landed
// within the last WindowSeconds. GateSeconds controls the rate gate
// independently of the evaluation window; it defaults to WindowSeconds
// when unset.
type Rule struct {
	ID            string    `yaml:"id" json:"id"`
	Tenant        string    `yaml:"tenant" json:"tenant"`
	Name          string    `yaml:"name" json:"name"`
	Description   string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled       bool      `yaml:"enabled" json:"enabled"`
	Threshold     *int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	WindowSeconds int       `yaml:"window_seconds" json:"window_seconds"`
	MinCount      int       `yaml:"min_count,omitempty" json:"min_count,omitempty"`
	GateSeconds   int       `yaml:"gate_seconds,omitempty" json:"gate_seconds,omitempty"`
	CreatedAt     time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Validate checks structural fields. A nil Threshold is deliberately not
// an error here: such a rule loads fine but never fires, and the engine
// logs a configuration warning instead of rejecting the whole rule set.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Tenant == "" {
		return fmt.Errorf("rule tenant is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 10) {
		return fmt.Errorf("threshold must be between 0 and 10")
	}
	if r.WindowSeconds < 0 {
		return fmt.Errorf("window_seconds must not be negative")
	}
	if r.MinCount < 0 {
		return fmt.Errorf("min_count must not be negative")
	}
	return nil
}

// EffectiveGate returns the rate-gate duration. GateSeconds wins when
// set; otherwise the evaluation window doubles as the gate. A result of
// zero or less means the gate never suppresses.
func (r *Rule) EffectiveGate() time.Duration {
	seconds := r.GateSeconds
	if seconds == 0 {
		seconds = r.WindowSeconds
	}
	return time.Duration(seconds) * time.Second
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		// Try single rule format
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}

	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
