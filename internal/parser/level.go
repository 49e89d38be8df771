package parser

import (
	"alertpipe/internal/types"
	"strings"
)

// NormalizeLevel maps common level spellings onto the canonical set.
// Unrecognised values map to INFO and report false.
func NormalizeLevel(s string) (types.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "DBG", "DEBU", "TRACE", "TRC":
		return types.LevelDebug, true
	case "INFO", "INF", "INFORMATION", "NOTICE":
		return types.LevelInfo, true
	case "WARN", "WARNING", "WRN":
		return types.LevelWarn, true
	case "ERROR", "ERR", "ERRO":
		return types.LevelError, true
	case "CRITICAL", "CRIT", "CRT", "FATAL", "FTL", "PANIC", "EMERG", "ALERT":
		return types.LevelCritical, true
	}
	return types.LevelInfo, false
}
