package parser

import "alertpipe/internal/types"

// Result is the outcome of parsing one line. Exactly one of Entry or Failure is set.
type Result struct {
	Entry   *types.LogEntry
	Failure *types.ParseFailure

	// Warning is set when the entry was kept but a field had to be coerced,
	// e.g. an unknown level mapped to INFO
	Warning string
}

// OK reports whether the line produced an entry
func (r Result) OK() bool {
	return r.Entry != nil
}

// LineParser turns raw text into entries
type LineParser interface {
	Parse(line string, lineNo int) Result
}
