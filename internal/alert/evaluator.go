// File: internal/alert/evaluator.go
package alert

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Evaluator maps a snapshot and a rule catalog to new alerts. It holds no
// state between passes: given the same snapshot and rules, Evaluate
// produces the same alerts modulo IDs and timestamps.
type Evaluator struct {
	reg *Registry
	log *zap.Logger
}

// NewEvaluator builds an evaluator over a predicate registry.
func NewEvaluator(reg *Registry, log *zap.Logger) *Evaluator {
	return &Evaluator{reg: reg, log: log}
}

// Evaluate runs every enabled, in-scope rule against the snapshot. One
// firing rule produces exactly one alert. A failure in one rule is logged
// and isolated; the remaining rules still run.
func (e *Evaluator) Evaluate(snap Snapshot, rules []Rule) []Alert {
	var out []Alert
	for _, rule := range rules {
		if !rule.Enabled || !rule.Matches(snap.Symbol) {
			continue
		}
		fired, predicate, value, err := e.evalRule(snap, rule)
		if err != nil {
			e.log.Warn("rule evaluation failed",
				zap.String("rule", rule.ID),
				zap.String("symbol", snap.Symbol),
				zap.Error(err))
			continue
		}
		if !fired {
			continue
		}
		out = append(out, Alert{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			Symbol:    snap.Symbol,
			Predicate: predicate,
			Severity:  rule.Severity,
			Title:     rule.Name,
			Message:   fmt.Sprintf("%s: %s = %.4f", snap.Symbol, predicate, value),
			Timestamp: snap.Time,
		})
	}
	return out
}

// evalRule checks every condition in order; all must hold. A panic inside
// a predicate is recovered and reported as this rule's failure only.
func (e *Evaluator) evalRule(snap Snapshot, rule Rule) (fired bool, predicate string, value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("alert: rule %s panicked: %v", rule.ID, r)
		}
	}()

	if len(rule.Conditions) == 0 {
		return false, "", 0, fmt.Errorf("alert: rule %s has no conditions", rule.ID)
	}
	for _, cond := range rule.Conditions {
		pred, ok := e.reg.Lookup(cond.Predicate)
		if !ok {
			return false, "", 0, fmt.Errorf("alert: unknown predicate %q", cond.Predicate)
		}
		v, avail := pred(snap)
		if !avail {
			return false, "", 0, nil
		}
		holds, err := cond.Op.Holds(v, cond.Threshold)
		if err != nil {
			return false, "", 0, err
		}
		if !holds {
			return false, "", 0, nil
		}
		// The alert reports the last condition's signal.
		predicate, value = cond.Predicate, v
	}
	return true, predicate, value, nil
}
