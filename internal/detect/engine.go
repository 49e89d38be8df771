package detect

import (
	"alertpipe/internal/logging"
	"alertpipe/internal/types"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultClearTicks is how many consecutive quiet evaluations close an incident
const DefaultClearTicks = 2

// Counter is the read side of an aggregator
type Counter interface {
	Keys() []string
	Snapshot(key string) (types.MetricWindow, bool)
}

// Windows maps a window size to the aggregator counting it
type Windows map[time.Duration]Counter

type stateKey struct {
	rule int
	key  string
}

// incident is the open state of one (rule, key) pair. NORMAL has no incident.
type incident struct {
	id        string
	severity  types.Severity
	below     int
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// Engine evaluates threshold rules against aggregated counts with hysteresis
type Engine struct {
	mu         sync.Mutex
	rules      []types.ThresholdRule
	clearTicks int
	open       map[stateKey]*incident
	newID      func() string
	logger     *zap.Logger
}

// Option tweaks an Engine
type Option func(*Engine)

// WithClearTicks sets the number of quiet evaluations needed to resolve
func WithClearTicks(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.clearTicks = n
		}
	}
}

// WithIDFunc replaces the incident ID generator
func WithIDFunc(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l).Named("detect") }
}

// NewEngine creates a new threshold engine. Rules are evaluated in the order given.
func NewEngine(rules []types.ThresholdRule, opts ...Option) *Engine {
	e := &Engine{
		rules:      append([]types.ThresholdRule(nil), rules...),
		clearTicks: DefaultClearTicks,
		open:       make(map[stateKey]*incident),
		newID:      uuid.NewString,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the configured rules
func (e *Engine) Rules() []types.ThresholdRule {
	return append([]types.ThresholdRule(nil), e.rules...)
}

// Evaluate checks every rule at time now and returns the alerts for every
// state transition, ordered by rule then key.
func (e *Engine) Evaluate(now time.Time, windows Windows) []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []types.Alert
	for i, rule := range e.rules {
		counter := windows[rule.Window()]
		for _, key := range e.keysFor(i, rule, counter) {
			count := 0
			if counter != nil {
				if mw, ok := counter.Snapshot(key); ok {
					count = mw.Count(rule.Level)
				}
			}
			if alert, ok := e.step(i, rule, key, count, now); ok {
				alerts = append(alerts, alert)
			}
		}
	}
	return alerts
}

// keysFor returns the sorted union of active keys matching the rule and keys
// with an open incident for it. Caller must hold lock.
func (e *Engine) keysFor(idx int, rule types.ThresholdRule, counter Counter) []string {
	set := make(map[string]struct{})
	if counter != nil {
		for _, key := range counter.Keys() {
			if matched, err := doublestar.Match(rule.KeyPattern, key); err == nil && matched {
				set[key] = struct{}{}
			}
		}
	}
	for sk := range e.open {
		if sk.rule == idx {
			set[sk.key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// step applies one observation to the state machine. Caller must hold lock.
func (e *Engine) step(idx int, rule types.ThresholdRule, key string, count int, now time.Time) (types.Alert, bool) {
	sk := stateKey{rule: idx, key: key}
	inc := e.open[sk]

	var target types.Severity
	switch {
	case count >= rule.CritAt:
		target = types.SeverityCritical
	case count >= rule.WarnAt:
		target = types.SeverityWarning
	}

	if target == "" {
		if inc == nil {
			return types.Alert{}, false
		}
		inc.below++
		inc.count = count
		inc.lastSeen = now
		if inc.below < e.clearTicks {
			return types.Alert{}, false
		}
		delete(e.open, sk)
		e.logger.Info("incident resolved",
			zap.String("rule", rule.Name), zap.String("key", key), zap.String("id", inc.id))
		inc.severity = types.SeverityResolved
		return toAlert(rule, key, inc), true
	}

	if inc == nil {
		inc = &incident{id: e.newID(), severity: target, firstSeen: now}
		e.open[sk] = inc
	} else {
		inc.below = 0
	}
	changed := inc.severity != target || inc.lastSeen.IsZero()
	inc.severity = target
	inc.count = count
	inc.lastSeen = now

	if !changed {
		return types.Alert{}, false
	}
	e.logger.Info("threshold crossed",
		zap.String("rule", rule.Name), zap.String("key", key),
		zap.String("severity", string(target)), zap.Int("count", count), zap.String("id", inc.id))
	return toAlert(rule, key, inc), true
}

func toAlert(rule types.ThresholdRule, key string, inc *incident) types.Alert {
	return types.Alert{
		ID:            inc.id,
		Rule:          rule,
		Key:           key,
		ObservedCount: inc.count,
		Severity:      inc.severity,
		FirstSeen:     inc.firstSeen,
		LastSeen:      inc.lastSeen,
	}
}

// Open returns every open incident, ordered by rule then key
func (e *Engine) Open() []types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Alert, 0, len(e.open))
	for sk, inc := range e.open {
		out = append(out, toAlert(e.rules[sk.rule], sk.key, inc))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := e.ruleIndex(out[i].Rule.Name), e.ruleIndex(out[j].Rule.Name)
		if ri != rj {
			return ri < rj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// HasOpenCritical reports whether any incident is currently CRITICAL
func (e *Engine) HasOpenCritical() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inc := range e.open {
		if inc.severity == types.SeverityCritical {
			return true
		}
	}
	return false
}

// Restore re-seeds open incidents, e.g. from the state store after a restart.
// Alerts for rules that no longer exist are ignored.
func (e *Engine) Restore(alerts []types.Alert) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, a := range alerts {
		idx := e.ruleIndex(a.Rule.Name)
		if idx < 0 || a.Severity == types.SeverityResolved {
			continue
		}
		e.open[stateKey{rule: idx, key: a.Key}] = &incident{
			id:        a.ID,
			severity:  a.Severity,
			count:     a.ObservedCount,
			firstSeen: a.FirstSeen,
			lastSeen:  a.LastSeen,
		}
		n++
	}
	return n
}

func (e *Engine) ruleIndex(name string) int {
	for i, r := range e.rules {
		if r.Name == name {
			return i
		}
	}
	return -1
}
