package ingest

import (
	"alertpipe/internal/logging"
	"alertpipe/internal/types"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JournalEntry represents the JSON structure from journalctl
type JournalEntry struct {
	Cursor           string `json:"__CURSOR"`
	Timestamp        string `json:"__REALTIME_TIMESTAMP"` // Microseconds as string
	Message          string `json:"MESSAGE"`
	Priority         string `json:"PRIORITY"`
	Hostname         string `json:"_HOSTNAME"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	PID              string `json:"_PID"`
	Comm             string `json:"_COMM"` // Command Name (e.g. sshd)
}

// priorityLevels maps syslog priorities onto entry levels
var priorityLevels = map[string]types.Level{
	"0": types.LevelCritical, // emerg
	"1": types.LevelCritical, // alert
	"2": types.LevelCritical, // crit
	"3": types.LevelError,
	"4": types.LevelWarn,
	"5": types.LevelInfo, // notice
	"6": types.LevelInfo,
	"7": types.LevelDebug,
}

// RenderJournal converts one journalctl JSON record into the default line shape
func RenderJournal(raw []byte) (string, error) {
	entry, err := decodeJournal(raw)
	if err != nil {
		return "", err
	}
	return entry.render()
}

func decodeJournal(raw []byte) (JournalEntry, error) {
	var entry JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("malformed journal record: %w", err)
	}
	return entry, nil
}

func (entry JournalEntry) render() (string, error) {
	usec, err := strconv.ParseInt(entry.Timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad __REALTIME_TIMESTAMP %q: %w", entry.Timestamp, err)
	}
	ts := time.UnixMicro(usec).UTC()

	level, ok := priorityLevels[entry.Priority]
	if !ok {
		level = types.LevelInfo
	}

	host := entry.Hostname
	if host == "" {
		host = "localhost"
	}

	ident := entry.SyslogIdentifier
	if ident == "" {
		ident = entry.Comm
	}
	msg := strings.Join(strings.Fields(entry.Message), " ")
	if ident != "" {
		if entry.PID != "" {
			msg = fmt.Sprintf("%s[%s]: %s", ident, entry.PID, msg)
		} else {
			msg = fmt.Sprintf("%s: %s", ident, msg)
		}
	}

	return fmt.Sprintf("%s %s %s %s", ts.Format(time.RFC3339Nano), level, host, msg), nil
}

// JournalOptions configures a JournalReader
type JournalOptions struct {
	Follow     bool // keep the journal open (-f) and restart journalctl if it exits
	Retries    int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// JournalReader follows the systemd journal via CLI
type JournalReader struct {
	unit    string
	opts    JournalOptions
	command []string

	cancel context.CancelFunc

	lines chan Line
	done  chan struct{}

	mu     sync.Mutex
	err    error
	lineNo int
	cursor string

	logger *zap.Logger
}

// NewJournalReader creates a reader for unit, or the whole journal when unit
// is empty. Without Follow the current journal is read once.
func NewJournalReader(unit string, opts JournalOptions) *JournalReader {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	args := []string{"journalctl", "-o", "json", "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}
	if unit != "" {
		args = append(args, "-u", unit)
	}
	return &JournalReader{
		unit:    unit,
		opts:    opts,
		command: args,
		lines:   make(chan Line, lineBuffer),
		done:    make(chan struct{}),
		logger:  logging.OrNop(opts.Logger).Named("ingest").With(zap.String("source", "journald")),
	}
}

func (j *JournalReader) Name() string {
	if j.unit != "" {
		return "journald:" + j.unit
	}
	return "journald"
}

func (j *JournalReader) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd, stdout, err := j.spawn(ctx)
	if err != nil {
		cancel()
		return j.fail(err)
	}
	j.cancel = cancel

	go j.run(ctx, cmd, stdout)
	return nil
}

// spawn starts journalctl, resuming after the last cursor seen
func (j *JournalReader) spawn(ctx context.Context) (*exec.Cmd, io.Reader, error) {
	args := append([]string(nil), j.command...)
	if cursor := j.lastCursor(); cursor != "" {
		args = append(args, "--after-cursor="+cursor)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pipe journalctl: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil, fmt.Errorf("journalctl not found (not a systemd system?)")
		}
		return nil, nil, fmt.Errorf("failed to start journalctl: %w", err)
	}
	return cmd, stdout, nil
}

func (j *JournalReader) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader) {
	defer close(j.done)
	defer close(j.lines)

	failures := 0
	for {
		err := j.consume(ctx, cmd, stdout)
		if ctx.Err() != nil {
			return
		}
		if !j.opts.Follow {
			if err != nil {
				j.setErr(&types.IOError{Source: j.Name(), Err: err})
			}
			return
		}
		if err == nil {
			err = errors.New("journalctl exited")
		}

		failures++
		if failures > j.opts.Retries {
			j.logger.Warn("source unavailable", zap.Int("attempts", failures), zap.Error(err))
			j.setErr(&types.IOError{Source: j.Name(), Err: err})
			return
		}

		j.logger.Warn("journalctl exited, restarting", zap.Int("attempt", failures), zap.String("cursor", j.lastCursor()), zap.Error(err))
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(j.opts.RetryDelay):
			}
			cmd, stdout, err = j.spawn(ctx)
			if err == nil {
				break
			}
			failures++
			if failures > j.opts.Retries {
				j.setErr(&types.IOError{Source: j.Name(), Err: err})
				return
			}
		}
	}
}

// consume forwards records until journalctl closes its output, then reaps it
func (j *JournalReader) consume(ctx context.Context, cmd *exec.Cmd, stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, err := decodeJournal(scanner.Bytes())
		var text string
		if err == nil {
			text, err = entry.render()
		}
		if err != nil {
			// Malformed line (maybe partial), skip
			j.logger.Debug("skipping journal record", zap.Error(err))
			continue
		}

		j.mu.Lock()
		j.lineNo++
		n := j.lineNo
		if entry.Cursor != "" {
			j.cursor = entry.Cursor
		}
		j.mu.Unlock()

		select {
		case j.lines <- Line{Source: j.Name(), Number: n, Text: text, Canonical: true}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	return cmd.Wait()
}

func (j *JournalReader) lastCursor() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

func (j *JournalReader) fail(err error) error {
	ioErr := &types.IOError{Source: j.Name(), Err: err}
	j.setErr(ioErr)
	close(j.lines)
	close(j.done)
	return ioErr
}

func (j *JournalReader) setErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}
func (j *JournalReader) Next(ctx context.Context) (Line, bool) {
	select {
	case line, ok := <-j.lines:
		return line, ok
	case <-ctx.Done():
		return Line{}, false
	}
}

func (j *JournalReader) TryNext() (Line, bool) {
	select {
	case line, ok := <-j.lines:
		return line, ok
	default:
		return Line{}, false
	}
}

func (j *JournalReader) Done() <-chan struct{} { return j.done }

func (j *JournalReader) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *JournalReader) Stop() error {
	if j.cancel != nil {
		j.cancel()
	}
	<-j.done
	return nil
}
