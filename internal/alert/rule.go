// File: internal/alert/rule.go
package alert

import (
	"fmt"
	"time"
)

// Severity tags an alert's importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Op is a threshold comparison operator.
type Op string

const (
	OpGreaterThan    Op = "greater_than"
	OpGreaterOrEqual Op = "greater_or_equal"
	OpLessThan       Op = "less_than"
	OpLessOrEqual    Op = "less_or_equal"
)

// Holds reports whether value satisfies the comparison against threshold.
func (o Op) Holds(value, threshold float64) (bool, error) {
	switch o {
	case OpGreaterThan:
		return value > threshold, nil
	case OpGreaterOrEqual:
		return value >= threshold, nil
	case OpLessThan:
		return value < threshold, nil
	case OpLessOrEqual:
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("alert: unknown operator %q", o)
	}
}

// Condition is one predicate comparison. All of a rule's conditions must
// hold for the rule to fire.
type Condition struct {
	Predicate string  `yaml:"predicate"`
	Op        Op      `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
}

// Rule is one catalog entry. Immutable after creation except for the
// Enabled toggle, which configuration owns; the evaluator only reads.
type Rule struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Enabled bool     `yaml:"enabled"`
	Symbols []string `yaml:"symbols"` // empty = all symbols

	Conditions []Condition `yaml:"conditions"`
	Severity   Severity    `yaml:"severity"`

	// Channels lists the sink names this rule delivers to; empty = all.
	Channels []string `yaml:"channels"`
	// CooldownSeconds throttles re-firing per symbol; 0 uses the
	// pipeline default.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// Matches reports whether the rule's symbol scope covers symbol.
func (r Rule) Matches(symbol string) bool {
	if len(r.Symbols) == 0 {
		return true
	}
	for _, s := range r.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Alert is one notification event. The evaluator creates it and hands it
// to the sinks; no history is retained here.
type Alert struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId"`
	Symbol    string    `json:"symbol"`
	Predicate string    `json:"predicate"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
