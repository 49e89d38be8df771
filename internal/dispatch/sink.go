package dispatch

import (
	"alertpipe/internal/types"
	"context"
	"fmt"
)

// Sink delivers an alert to one destination. Implementations must honour ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert types.Alert) error
}

// Recorder receives every delivery attempt, in order of completion
type Recorder interface {
	RecordAttempt(types.DeliveryAttempt) error
}

// NewSink builds the sink described by cfg
func NewSink(cfg types.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "webhook":
		return NewWebhookSink(cfg.Name, cfg.URL, cfg.Headers, cfg.Timeout), nil
	case "file":
		return NewFileSink(cfg.Name, cfg.Path), nil
	default:
		return nil, &types.ConfigError{Err: fmt.Errorf("unknown sink type %q", cfg.Type)}
	}
}
