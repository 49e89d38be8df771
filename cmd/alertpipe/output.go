package main

import (
	"alertpipe/internal/pipeline"
	"alertpipe/internal/types"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var styles = struct {
	Header   lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Critical lipgloss.Style
}{
	Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
	Label:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	Value:    lipgloss.NewStyle().Bold(true),
	Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	Critical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
}

// colorEnabled reports whether w is a terminal
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type painter struct{ color bool }

func (p painter) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p painter) severity(sev types.Severity) string {
	switch sev {
	case types.SeverityCritical:
		return p.paint(styles.Critical, string(sev))
	case types.SeverityWarning:
		return p.paint(styles.Warning, string(sev))
	default:
		return p.paint(styles.Success, string(sev))
	}
}

func printSummary(w io.Writer, s pipeline.Summary) {
	p := painter{color: colorEnabled(w)}
	row := func(label string, value any) {
		fmt.Fprintf(w, "  %s %s\n", p.paint(styles.Label, fmt.Sprintf("%-20s", label)), p.paint(styles.Value, fmt.Sprint(value)))
	}

	fmt.Fprintln(w, p.paint(styles.Header, "alertpipe "+s.Mode+" run"))
	row("lines processed", s.LinesProcessed)
	row("parse failures", s.ParseFailures)
	if s.ParseWarnings > 0 {
		row("unknown levels", s.ParseWarnings)
	}
	row("late drops", s.LateDrops)
	row("alerts fired", s.AlertsFired)
	row("alerts cleared", s.AlertsCleared)

	outcomes := make([]string, 0, len(s.Deliveries))
	for outcome, n := range s.Deliveries {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, n))
	}
	sort.Strings(outcomes)
	if len(outcomes) > 0 {
		row("delivery attempts", strings.Join(outcomes, " "))
	}
	if s.DeliveriesExhausted > 0 {
		row("undelivered", p.paint(styles.Critical, fmt.Sprint(s.DeliveriesExhausted)))
	}
	for _, src := range s.SourcesFailed {
		row("source unavailable", sanitize(src))
	}
	row("duration", s.Duration.Round(time.Millisecond))

	if len(s.OpenAlerts) > 0 {
		fmt.Fprintln(w, p.paint(styles.Header, "open alerts"))
		for _, a := range s.OpenAlerts {
			fmt.Fprintf(w, "  %s %s %s count=%d\n", p.severity(a.Severity), sanitize(a.Rule.Name), sanitize(a.Key), a.ObservedCount)
		}
	}
}

func printAttempts(w io.Writer, attempts []types.DeliveryAttempt) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOUTCOME\tSINK\tRULE\tKEY\tSEVERITY\tATTEMPT\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.Timestamp.Format(time.RFC3339), a.Outcome, sanitize(a.Sink), sanitize(a.RuleName),
			sanitize(a.Key), a.Severity, a.AttemptNumber, sanitize(a.Error))
	}
	tw.Flush()
}

// sanitize strips control characters to prevent terminal injection
func sanitize(s string) string {
	var builder strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
