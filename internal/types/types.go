package types

import (
	"strings"
	"time"
)

// Level is the severity of a parsed log entry
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Levels lists every level in ascending order
var Levels = []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical}

// ParseLevel maps a canonical level name to a Level. Aliases are handled by the parser.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn:
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	case LevelCritical:
		return LevelCritical, true
	}
	return "", false
}

// LogEntry is one structured line produced by the parser
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Host      string    `json:"host"`
	Message   string    `json:"message"`

	// Provenance, not part of the entry's identity
	Source string `json:"source,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// ParseFailure records a line that did not match the expected structure
type ParseFailure struct {
	LineNumber int    `json:"line_number"`
	RawText    string `json:"raw_text"`
	Reason     string `json:"reason"`
	Source     string `json:"source,omitempty"`
}

// MetricWindow holds per-level counts for one key over (WindowStart, WindowEnd]
type MetricWindow struct {
	Key         string        `json:"key"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Counts      map[Level]int `json:"counts"`
}

// Count returns the number of entries observed at the given level
func (w MetricWindow) Count(level Level) int {
	return w.Counts[level]
}

// ThresholdRule defines a configurable alerting rule
type ThresholdRule struct {
	Name          string `yaml:"name" json:"name"`
	KeyPattern    string `yaml:"key_pattern" json:"key_pattern"` // glob over host names, e.g. "web-*"
	Level         Level  `yaml:"level" json:"level"`
	WarnAt        int    `yaml:"warn_at" json:"warn_at"`
	CritAt        int    `yaml:"crit_at" json:"crit_at"`
	WindowSeconds int    `yaml:"window_seconds" json:"window_seconds"`
}

// Window returns the rule's aggregation window
func (r ThresholdRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Severity of an alert. Resolved is the sentinel for a cleared incident.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityResolved Severity = "RESOLVED"
)

// Alert is emitted by the evaluator on every state transition
type Alert struct {
	ID            string        `json:"id"`
	Rule          ThresholdRule `json:"rule"`
	Key           string        `json:"key"`
	ObservedCount int           `json:"observed_count"`
	Severity      Severity      `json:"severity"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
}

// Outcome of a single delivery attempt
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeSuppressed Outcome = "SUPPRESSED"
)

// DeliveryAttempt is one append-only audit record
type DeliveryAttempt struct {
	AlertID       string    `json:"alert_id"`
	RuleName      string    `json:"rule"`
	Key           string    `json:"key"`
	Severity      Severity  `json:"severity"`
	Sink          string    `json:"sink"`
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}
