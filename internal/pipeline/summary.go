package pipeline

import (
	"alertpipe/internal/types"
	"time"
)

// Exit codes returned by the CLI
const (
	ExitOK       = 0
	ExitCritical = 1
	ExitConfig   = 2
)

// Summary describes a finished run
type Summary struct {
	Mode string

	LinesProcessed int
	ParseFailures  int
	ParseWarnings  int
	LateDrops      int

	AlertsFired   int
	AlertsCleared int
	// Alerts holds every transition emitted during the run, in order
	Alerts []types.Alert

	Deliveries          map[types.Outcome]int
	DeliveriesExhausted int
	Attempts            []types.DeliveryAttempt

	SourcesFailed []string

	OpenAlerts   []types.Alert
	OpenCritical bool

	Duration time.Duration
}

// ExitCode maps the summary to a process exit code. Only a batch run that
// ends with an open CRITICAL incident exits non-zero.
func (s Summary) ExitCode() int {
	if s.Mode == types.ModeBatch && s.OpenCritical {
		return ExitCritical
	}
	return ExitOK
}
