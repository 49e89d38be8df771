package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, errorCount int) (cfgPath, auditPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	auditPath = filepath.Join(dir, "audit.jsonl")
	alertsPath := filepath.Join(dir, "alerts.jsonl")

	start := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	var b strings.Builder
	for i := 0; i < errorCount; i++ {
		fmt.Fprintf(&b, "%s ERROR web-01 request failed\n", start.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "%s INFO web-01 done\n", start.Add(30*time.Second).Format(time.RFC3339))
	require.NoError(t, os.WriteFile(logPath, []byte(b.String()), 0o644))

	cfg := fmt.Sprintf(`
mode: batch
sources:
  - path: %s
rules:
  - name: web-errors
    key_pattern: "web-*"
    level: ERROR
    warn_at: 3
    crit_at: 6
    window_seconds: 60
sinks:
  - type: file
    path: %s
audit:
  path: %s
logging:
  level: error
`, logPath, alertsPath, auditPath)
	cfgPath = filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, auditPath
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		errors int
		want   int
	}{
		{"quiet", 1, 0},
		{"warning only", 4, 0},
		{"critical", 8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath, _ := writeFixture(t, tt.errors)
			var stdout, stderr bytes.Buffer
			code := run([]string{"run", "--config", cfgPath}, &stdout, &stderr)
			assert.Equal(t, tt.want, code, stderr.String())
			assert.Contains(t, stdout.String(), "lines processed")
		})
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yml")}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "config")

	cfgPath, _ := writeFixture(t, 1)
	assert.Equal(t, 2, run([]string{"run", "--config", cfgPath, "--mode", "sometimes"}, &stdout, &stderr))
	assert.Equal(t, 2, run([]string{"run", "--config", cfgPath, "--tick-seconds", "-1"}, &stdout, &stderr))
	assert.Equal(t, 2, run([]string{"bogus"}, &stdout, &stderr))
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
}

func TestValidateCommand(t *testing.T) {
	cfgPath, _ := writeFixture(t, 1)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"validate", "--config", cfgPath}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "1 rule(s)")
}

func TestAuditCommand(t *testing.T) {
	cfgPath, auditPath := writeFixture(t, 4)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"run", "--config", cfgPath}, &stdout, &stderr))

	stdout.Reset()
	require.Equal(t, 0, run([]string{"audit", "--file", auditPath}, &stdout, &stderr))
	out := stdout.String()
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "web-errors")

	stdout.Reset()
	require.Equal(t, 0, run([]string{"audit", "--config", cfgPath}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "WARNING")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "web-01[0m", sanitize("web-01\x1b[0m"))
	assert.Equal(t, "plain", sanitize("pla\x00in"))
}
