package dispatch

import (
	"alertpipe/internal/types"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends one JSON record per alert
type FileSink struct {
	mu       sync.Mutex
	name     string
	filePath string
}

// NewFileSink creates a file sink. The file is opened per write.
func NewFileSink(name, filePath string) *FileSink {
	return &FileSink{name: name, filePath: filePath}
}

func (f *FileSink) Name() string { return f.name }

// Send appends the alert to the file in a thread-safe manner
func (f *FileSink) Send(ctx context.Context, alert types.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := os.OpenFile(f.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open alert file: %w", err)
	}

	if err := json.NewEncoder(out).Encode(alert); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return out.Close()
}
