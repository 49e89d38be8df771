package ingest

import (
	"alertpipe/internal/types"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// BuildOptions are shared by every source built from config
type BuildOptions struct {
	// RunMode is the pipeline mode; in batch every source is read once
	RunMode    string
	Retries    int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Build creates the sources described by cfgs, in config order. Globs expand
// to one source per matching file, sorted by path. Patterns that match no
// file are returned as IOErrors alongside the sources that could be built.
func Build(cfgs []types.SourceConfig, opts BuildOptions) ([]Source, []error) {
	var sources []Source
	var errs []error

	for _, cfg := range cfgs {
		follow := opts.RunMode == types.ModeFollow && cfg.Mode != types.ModeFile

		switch cfg.Kind {
		case "journald":
			sources = append(sources, NewJournalReader(cfg.Unit, JournalOptions{
				Follow:     follow,
				Retries:    opts.Retries,
				RetryDelay: opts.RetryDelay,
				Logger:     opts.Logger,
			}))
		case "", "file":
			paths, err := expand(cfg.Path)
			if err != nil {
				errs = append(errs, &types.IOError{Source: cfg.Path, Err: err})
				continue
			}
			for _, p := range paths {
				sources = append(sources, NewFileTailer(p, TailerOptions{
					Follow:     follow,
					Poll:       cfg.Poll,
					Retries:    opts.Retries,
					RetryDelay: opts.RetryDelay,
					Logger:     opts.Logger,
				}))
			}
		default:
			errs = append(errs, &types.ConfigError{Err: fmt.Errorf("unknown source kind %q", cfg.Kind)})
		}
	}
	return sources, errs
}

// expand resolves a path or doublestar pattern to concrete files. A plain
// path is returned as-is so that opening it reports the real error.
func expand(pattern string) ([]string, error) {
	if _, err := os.Stat(pattern); err == nil {
		return []string{pattern}, nil
	}

	if !hasMeta(pattern) {
		return []string{pattern}, nil
	}

	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %s", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
