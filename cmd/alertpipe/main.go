package main

import (
	"alertpipe/internal/audit"
	"alertpipe/internal/config"
	"alertpipe/internal/logging"
	"alertpipe/internal/pipeline"
	"alertpipe/internal/types"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return pipeline.ExitConfig
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:], stdout, stderr)
	case "validate":
		return validateCommand(args[1:], stdout, stderr)
	case "audit":
		return auditCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return pipeline.ExitOK
	default:
		printUsage(stderr)
		return pipeline.ExitConfig
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: alertpipe <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run       Process logs and dispatch threshold alerts")
	fmt.Fprintln(w, "  validate  Check a config file and exit")
	fmt.Fprintln(w, "  audit     Print a delivery audit log")
}

// loadConfig loads the config at path and applies command-line overrides
func loadConfig(path, mode string, tickSeconds int) (*types.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if mode != "" {
		if mode != types.ModeBatch && mode != types.ModeFollow {
			return nil, &types.ConfigError{Err: fmt.Errorf("--mode %q: must be batch or follow", mode)}
		}
		cfg.Mode = mode
	}
	if tickSeconds < 0 {
		return nil, &types.ConfigError{Err: fmt.Errorf("--tick-seconds must be positive, got %d", tickSeconds)}
	}
	if tickSeconds > 0 {
		cfg.Tick = time.Duration(tickSeconds) * time.Second
	}
	return cfg, nil
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "/etc/alertpipe/config.yml", "Path to config file")
	mode := fs.String("mode", "", "Override run mode (batch or follow)")
	tickSeconds := fs.Int("tick-seconds", 0, "Override evaluation tick in seconds")
	if err := fs.Parse(args); err != nil {
		return pipeline.ExitConfig
	}

	cfg, err := loadConfig(*configPath, *mode, *tickSeconds)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return pipeline.ExitConfig
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to set up logging: %v\n", err)
		return pipeline.ExitConfig
	}
	defer logger.Sync() //nolint:errcheck

	runner, err := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithStatusServer())
	if err != nil {
		logger.Error("failed to build pipeline", zap.Error(err))
		return pipeline.ExitConfig
	}

	// Signal Handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting alertpipe",
		zap.String("mode", cfg.Mode),
		zap.Duration("tick", cfg.Tick),
		zap.Int("rules", len(cfg.Rules)),
		zap.Int("sinks", len(cfg.Sinks)))

	summary, err := runner.Run(ctx)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return pipeline.ExitConfig
	}

	printSummary(stdout, summary)
	return summary.ExitCode()
}

func validateCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "/etc/alertpipe/config.yml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return pipeline.ExitConfig
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return pipeline.ExitConfig
	}
	fmt.Fprintf(stdout, "Config OK: %d source(s), %d rule(s), %d sink(s), mode %s\n",
		len(cfg.Sources), len(cfg.Rules), len(cfg.Sinks), cfg.Mode)
	return pipeline.ExitOK
}

func auditCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "Path to the audit log (defaults to audit.path from --config)")
	configPath := fs.String("config", "", "Path to config file")
	limit := fs.Int("limit", 0, "Show only the last N attempts")
	if err := fs.Parse(args); err != nil {
		return pipeline.ExitConfig
	}

	path := *file
	if path == "" && *configPath != "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return pipeline.ExitConfig
		}
		path = cfg.Audit.Path
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: pass --file or a --config with audit.path set")
		return pipeline.ExitConfig
	}

	attempts, skipped, err := audit.Read(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading audit log: %v\n", err)
		return pipeline.ExitConfig
	}
	if *limit > 0 && len(attempts) > *limit {
		attempts = attempts[len(attempts)-*limit:]
	}
	printAttempts(stdout, attempts)
	if skipped > 0 {
		fmt.Fprintf(stderr, "Skipped %d malformed record(s)\n", skipped)
	}
	return pipeline.ExitOK
}
