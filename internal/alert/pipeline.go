// File: internal/alert/pipeline.go
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinwatch/internal/telemetry"
)

// Pipeline drives one evaluation pass per metrics snapshot: evaluate the
// catalog, throttle re-fires per rule/symbol, fan the survivors out to the
// delivery sinks. Cooldown state lives here so the evaluator itself stays
// stateless.
type Pipeline struct {
	eval  *Evaluator
	rules []Rule
	byID  map[string]Rule
	sinks []Sink
	log   *zap.Logger

	defaultCooldown time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time // ruleID + "|" + symbol
}

// NewPipeline wires an evaluation pipeline over a fixed rule catalog.
func NewPipeline(eval *Evaluator, rules []Rule, sinks []Sink, defaultCooldown time.Duration, log *zap.Logger) *Pipeline {
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	return &Pipeline{
		eval:            eval,
		rules:           rules,
		byID:            byID,
		sinks:           sinks,
		log:             log,
		defaultCooldown: defaultCooldown,
		lastFired:       make(map[string]time.Time),
	}
}

// Process evaluates one snapshot and delivers the alerts that survive the
// cooldown. The fired alerts are returned for observability; delivery
// failures are logged per sink and never propagate.
func (p *Pipeline) Process(ctx context.Context, snap Snapshot) []Alert {
	alerts := p.eval.Evaluate(snap, p.rules)
	if len(alerts) == 0 {
		return nil
	}

	fired := alerts[:0]
	for _, a := range alerts {
		if !p.passCooldown(a) {
			continue
		}
		fired = append(fired, a)
		telemetry.AlertsFired.Inc()
		p.deliver(ctx, a)
	}
	return fired
}

func (p *Pipeline) passCooldown(a Alert) bool {
	cd := p.defaultCooldown
	if r, ok := p.byID[a.RuleID]; ok && r.CooldownSeconds > 0 {
		cd = time.Duration(r.CooldownSeconds) * time.Second
	}
	if cd <= 0 {
		return true
	}
	key := a.RuleID + "|" + a.Symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastFired[key]; ok && a.Timestamp.Sub(last) < cd {
		return false
	}
	p.lastFired[key] = a.Timestamp
	return true
}

func (p *Pipeline) deliver(ctx context.Context, a Alert) {
	channels := p.byID[a.RuleID].Channels
	for _, sink := range p.sinks {
		if !channelMatch(channels, sink.Name()) {
			continue
		}
		if err := sink.Deliver(ctx, a); err != nil {
			p.log.Warn("alert delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("alert", a.ID),
				zap.Error(err))
		}
	}
}

// channelMatch: an empty channel list means every configured sink.
func channelMatch(channels []string, name string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}
