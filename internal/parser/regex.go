package parser

import (
	"alertpipe/internal/types"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultPattern matches "<timestamp> <level> <host> <message>"
const DefaultPattern = `^(?P<timestamp>\S+)\s+(?P<level>[A-Za-z]+)\s+(?P<host>\S+)(?:\s+(?P<message>.*))?$`

// DefaultTimestampLayout is RFC3339; fractional seconds are accepted on input
const DefaultTimestampLayout = time.RFC3339

var requiredGroups = []string{"timestamp", "level", "host", "message"}

// Parser extracts entries with a named-capture regex. It holds no mutable
// state and is safe for concurrent use.
type Parser struct {
	re     *regexp.Regexp
	layout string

	tsIdx, levelIdx, hostIdx, msgIdx int
}

// New compiles pattern and checks that it declares every required capture group
func New(pattern, timestampLayout string) (*Parser, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if timestampLayout == "" {
		timestampLayout = DefaultTimestampLayout
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &types.ConfigError{Err: fmt.Errorf("invalid pattern: %w", err)}
	}

	p := &Parser{re: re, layout: timestampLayout}
	idx := map[string]*int{
		"timestamp": &p.tsIdx,
		"level":     &p.levelIdx,
		"host":      &p.hostIdx,
		"message":   &p.msgIdx,
	}
	for _, name := range requiredGroups {
		i := re.SubexpIndex(name)
		if i < 0 {
			return nil, &types.ConfigError{Err: fmt.Errorf("pattern is missing named group %q", name)}
		}
		*idx[name] = i
	}
	return p, nil
}

// MustDefault returns a parser for the default line shape
func MustDefault() *Parser {
	p, err := New(DefaultPattern, DefaultTimestampLayout)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse converts one raw line into an entry or a failure
func (p *Parser) Parse(line string, lineNo int) Result {
	line = strings.TrimRight(line, "\r\n")

	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return fail(line, lineNo, "line does not match pattern")
	}

	ts, err := time.Parse(p.layout, m[p.tsIdx])
	if err != nil {
		return fail(line, lineNo, fmt.Sprintf("malformed timestamp %q", m[p.tsIdx]))
	}

	host := m[p.hostIdx]
	if host == "" {
		return fail(line, lineNo, "empty host")
	}

	res := Result{}
	level, known := NormalizeLevel(m[p.levelIdx])
	if !known {
		res.Warning = fmt.Sprintf("unknown level %q mapped to %s", m[p.levelIdx], types.LevelInfo)
	}

	res.Entry = &types.LogEntry{
		Timestamp: ts,
		Level:     level,
		Host:      host,
		Message:   m[p.msgIdx],
		Line:      lineNo,
	}
	return res
}

func fail(line string, lineNo int, reason string) Result {
	return Result{Failure: &types.ParseFailure{
		LineNumber: lineNo,
		RawText:    line,
		Reason:     reason,
	}}
}

// Format renders an entry in the default line shape
func Format(e types.LogEntry) string {
	ts := e.Timestamp.Format(time.RFC3339Nano)
	if e.Message == "" {
		return fmt.Sprintf("%s %s %s", ts, e.Level, e.Host)
	}
	return fmt.Sprintf("%s %s %s %s", ts, e.Level, e.Host, e.Message)
}
