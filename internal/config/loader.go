package config

import (
	"alertpipe/internal/parser"
	"alertpipe/internal/types"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Defaults applied by validateConfig when a field is left empty
const (
	DefaultTick              = 10 * time.Second
	DefaultRetainWindows     = 2
	DefaultClearTicks        = 2
	DefaultSuppressionWindow = 15 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = time.Second
	DefaultAttemptTimeout    = 5 * time.Second
	DefaultMaxWorkers        = 8
	DefaultShutdownGrace     = 10 * time.Second
	DefaultIngestRetries     = 3
	DefaultIngestRetryDelay  = time.Second
)

// LoadConfig reads the configuration from the given path
func LoadConfig(path string) (*types.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &types.ConfigError{Err: fmt.Errorf("failed to open config file: %w", err)}
	}
	defer f.Close()

	return Decode(f)
}

// Decode parses and validates a YAML configuration. Unknown keys are rejected.
func Decode(r io.Reader) (*types.Config, error) {
	var cfg types.Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
		return nil, &types.ConfigError{Err: fmt.Errorf("failed to decode config: %w", err)}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, &types.ConfigError{Err: err}
	}
	return &cfg, nil
}

// validateConfig applies defaults and collects every violation
func validateConfig(cfg *types.Config) error {
	var errs error

	switch cfg.Mode {
	case "":
		cfg.Mode = types.ModeBatch
	case types.ModeBatch, types.ModeFollow:
	default:
		errs = multierr.Append(errs, fmt.Errorf("mode %q: must be batch or follow", cfg.Mode))
	}
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	} else if cfg.Tick < 0 {
		errs = multierr.Append(errs, fmt.Errorf("tick must be positive, got %s", cfg.Tick))
	}

	if len(cfg.Sources) == 0 {
		errs = multierr.Append(errs, errors.New("at least one source is required"))
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Kind == "" {
			src.Kind = "file"
		}
		switch src.Kind {
		case "file":
			if src.Path == "" {
				errs = multierr.Append(errs, fmt.Errorf("sources[%d]: path is required", i))
			} else if !doublestar.ValidatePathPattern(src.Path) {
				errs = multierr.Append(errs, fmt.Errorf("sources[%d]: invalid path pattern %q", i, src.Path))
			}
		case "journald":
		default:
			errs = multierr.Append(errs, fmt.Errorf("sources[%d]: unknown kind %q", i, src.Kind))
		}
		switch src.Mode {
		case "":
			src.Mode = types.ModeFollow
		case types.ModeFile, types.ModeFollow:
		default:
			errs = multierr.Append(errs, fmt.Errorf("sources[%d]: mode %q must be file or follow", i, src.Mode))
		}
	}

	if cfg.Parser.Pattern == "" {
		cfg.Parser.Pattern = parser.DefaultPattern
	}
	if cfg.Parser.TimestampLayout == "" {
		cfg.Parser.TimestampLayout = parser.DefaultTimestampLayout
	}
	if _, err := parser.New(cfg.Parser.Pattern, cfg.Parser.TimestampLayout); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("parser: %w", err))
	}

	if cfg.Aggregation.RetainWindows == 0 {
		cfg.Aggregation.RetainWindows = DefaultRetainWindows
	} else if cfg.Aggregation.RetainWindows < 0 {
		errs = multierr.Append(errs, errors.New("aggregation.retain_windows must be positive"))
	}
	if cfg.Evaluation.ClearTicks == 0 {
		cfg.Evaluation.ClearTicks = DefaultClearTicks
	} else if cfg.Evaluation.ClearTicks < 0 {
		errs = multierr.Append(errs, errors.New("evaluation.clear_ticks must be positive"))
	}

	if len(cfg.Rules) == 0 {
		errs = multierr.Append(errs, errors.New("at least one rule is required"))
	}
	names := make(map[string]bool, len(cfg.Rules))
	for i := range cfg.Rules {
		errs = multierr.Append(errs, validateRule(i, &cfg.Rules[i]))
		if names[cfg.Rules[i].Name] {
			errs = multierr.Append(errs, fmt.Errorf("rules[%d]: duplicate name %q", i, cfg.Rules[i].Name))
		}
		names[cfg.Rules[i].Name] = true
	}

	sinkNames := make(map[string]bool, len(cfg.Sinks))
	for i := range cfg.Sinks {
		sink := &cfg.Sinks[i]
		switch sink.Type {
		case "webhook":
			if sink.URL == "" {
				errs = multierr.Append(errs, fmt.Errorf("sinks[%d]: webhook requires url", i))
			}
		case "file":
			if sink.Path == "" {
				errs = multierr.Append(errs, fmt.Errorf("sinks[%d]: file sink requires path", i))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("sinks[%d]: unknown type %q", i, sink.Type))
		}
		if sink.Name == "" {
			sink.Name = fmt.Sprintf("%s-%d", sink.Type, i)
		}
		if sinkNames[sink.Name] {
			errs = multierr.Append(errs, fmt.Errorf("sinks[%d]: duplicate name %q", i, sink.Name))
		}
		sinkNames[sink.Name] = true
	}

	d := &cfg.Dispatch
	if d.SuppressionWindow == 0 {
		d.SuppressionWindow = DefaultSuppressionWindow
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.BaseDelay == 0 {
		d.BaseDelay = DefaultBaseDelay
	}
	if d.AttemptTimeout == 0 {
		d.AttemptTimeout = DefaultAttemptTimeout
	}
	if d.MaxWorkers == 0 {
		d.MaxWorkers = DefaultMaxWorkers
	}
	if d.ShutdownGrace == 0 {
		d.ShutdownGrace = DefaultShutdownGrace
	}
	if d.SuppressionWindow < 0 || d.MaxAttempts < 0 || d.BaseDelay < 0 || d.AttemptTimeout < 0 || d.MaxWorkers < 0 || d.ShutdownGrace < 0 {
		errs = multierr.Append(errs, errors.New("dispatch settings must not be negative"))
	}

	if cfg.Ingest.RetryAttempts == 0 {
		cfg.Ingest.RetryAttempts = DefaultIngestRetries
	}
	if cfg.Ingest.RetryDelay == 0 {
		cfg.Ingest.RetryDelay = DefaultIngestRetryDelay
	}

	switch cfg.Logging.Level {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level %q is not supported", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "console"
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.format %q must be console or json", cfg.Logging.Format))
	}

	return errs
}

func validateRule(i int, r *types.ThresholdRule) error {
	var errs error
	if r.Name == "" {
		r.Name = fmt.Sprintf("rule-%d", i)
	}
	if r.KeyPattern == "" {
		r.KeyPattern = "*"
	}
	if !doublestar.ValidatePattern(r.KeyPattern) {
		errs = multierr.Append(errs, fmt.Errorf("rules[%d]: invalid key_pattern %q", i, r.KeyPattern))
	}
	lvl, ok := types.ParseLevel(string(r.Level))
	if !ok {
		errs = multierr.Append(errs, fmt.Errorf("rules[%d]: unknown level %q", i, r.Level))
	} else {
		r.Level = lvl
	}
	if r.WarnAt <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("rules[%d]: warn_at must be positive, got %d", i, r.WarnAt))
	}
	if r.CritAt < r.WarnAt {
		errs = multierr.Append(errs, fmt.Errorf("rules[%d]: crit_at (%d) must be >= warn_at (%d)", i, r.CritAt, r.WarnAt))
	}
	if r.WindowSeconds <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("rules[%d]: window_seconds must be positive, got %d", i, r.WindowSeconds))
	}
	return errs
}
