package audit

import (
	"alertpipe/internal/types"
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Logger appends delivery attempts to the audit log, one JSON object per line
type Logger struct {
	mu       sync.Mutex
	filePath string
}

// NewLogger creates a new audit logger
func NewLogger(filePath string) *Logger {
	return &Logger{
		filePath: filePath,
	}
}

// Path returns the audit log location
func (l *Logger) Path() string {
	return l.filePath
}

// RecordAttempt writes an attempt to the audit log in a thread-safe manner
func (l *Logger) RecordAttempt(a types.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	if err := encoder.Encode(a); err != nil {
		return fmt.Errorf("failed to encode attempt: %w", err)
	}

	return nil
}

// Read loads every attempt from an audit log. Lines that fail to decode are
// counted in skipped rather than aborting the read.
func Read(filePath string) (attempts []types.DeliveryAttempt, skipped int, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var a types.DeliveryAttempt
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			skipped++
			continue
		}
		attempts = append(attempts, a)
	}
	if err := scanner.Err(); err != nil {
		return attempts, skipped, fmt.Errorf("failed to read audit log: %w", err)
	}
	return attempts, skipped, nil
}
