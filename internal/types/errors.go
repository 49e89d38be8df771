package types

import "fmt"

// ConfigError is fatal: the pipeline never starts with an invalid configuration
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError is scoped to one source. The source is disabled, the pipeline continues.
type IOError struct {
	Source string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// DispatchFailure is reported once a delivery has exhausted its retries
type DispatchFailure struct {
	AlertID  string
	Sink     string
	Attempts int
	Err      error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed after %d attempts: %v", e.AlertID, e.Sink, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }
