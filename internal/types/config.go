package types

import "time"

// Run modes, shared by the pipeline and by individual sources
const (
	ModeBatch  = "batch"
	ModeFollow = "follow"
	ModeFile   = "file"
)

// SourceConfig describes one configured input
type SourceConfig struct {
	Path string `yaml:"path"` // file path or doublestar glob
	Mode string `yaml:"mode"` // file | follow
	Kind string `yaml:"kind"` // file | journald
	Poll bool   `yaml:"poll"`
	Unit string `yaml:"unit"` // journald only, optional systemd unit filter
}

// SinkConfig describes one delivery target
type SinkConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"` // webhook | file
	URL     string            `yaml:"url"`
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Config represents the application configuration
type Config struct {
	Mode string        `yaml:"mode"` // batch | follow
	Tick time.Duration `yaml:"tick"`

	Sources []SourceConfig `yaml:"sources"`

	Parser struct {
		Pattern         string `yaml:"pattern"`
		TimestampLayout string `yaml:"timestamp_layout"`
	} `yaml:"parser"`

	Aggregation struct {
		RetainWindows int `yaml:"retain_windows"`
	} `yaml:"aggregation"`

	Evaluation struct {
		ClearTicks int `yaml:"clear_ticks"`
	} `yaml:"evaluation"`

	Rules []ThresholdRule `yaml:"rules"`

	Sinks []SinkConfig `yaml:"sinks"`

	Dispatch struct {
		SuppressionWindow time.Duration `yaml:"suppression_window"`
		MaxAttempts       int           `yaml:"max_attempts"`
		BaseDelay         time.Duration `yaml:"base_delay"`
		AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
		MaxWorkers        int           `yaml:"max_workers"`
		ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	} `yaml:"dispatch"`

	Ingest struct {
		RetryAttempts int           `yaml:"retry_attempts"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
	} `yaml:"ingest"`

	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`

	State struct {
		Path string `yaml:"path"`
	} `yaml:"state"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console | json
	} `yaml:"logging"`
}
