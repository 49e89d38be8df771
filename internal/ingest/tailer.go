package ingest

import (
	"alertpipe/internal/logging"
	"alertpipe/internal/types"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

const lineBuffer = 1024

// Line represents a raw line from a log source
type Line struct {
	Source string
	Number int
	Text   string

	// Canonical lines are rendered by the source itself in the default
	// "<timestamp> <level> <host> <message>" shape
	Canonical bool
}

// Source is a finite or infinite sequence of lines
type Source interface {
	Name() string
	Start() error
	// Next blocks until a line is available. It returns false once the
	// sequence has ended or ctx is done.
	Next(ctx context.Context) (Line, bool)
	// TryNext returns a buffered line without blocking
	TryNext() (Line, bool)
	// Done is closed when the sequence has ended
	Done() <-chan struct{}
	// Err reports why the sequence ended early, as a *types.IOError
	Err() error
	Stop() error
}

// TailerOptions configures a FileTailer
type TailerOptions struct {
	Follow     bool // keep reading after EOF and survive rotation
	Poll       bool // poll instead of inotify, for network and container mounts
	Retries    int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// FileTailer reads a single file through nxadm/tail
type FileTailer struct {
	path string
	opts TailerOptions

	lines chan Line
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	err    error
	lineNo int
	offset int64

	logger *zap.Logger
}

var errStopped = errors.New("stopped")

// NewFileTailer creates a new tailer for a path
func NewFileTailer(path string, opts TailerOptions) *FileTailer {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &FileTailer{
		path:   path,
		opts:   opts,
		lines:  make(chan Line, lineBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logging.OrNop(opts.Logger).Named("ingest").With(zap.String("source", path)),
	}
}

func (f *FileTailer) Name() string { return f.path }

func (f *FileTailer) config(from int64) tail.Config {
	cfg := tail.Config{
		Follow:    f.opts.Follow,
		ReOpen:    f.opts.Follow,
		MustExist: true,
		Poll:      f.opts.Poll,
		Logger:    tail.DiscardingLogger,
	}
	if from > 0 {
		cfg.Location = &tail.SeekInfo{Offset: from, Whence: io.SeekStart}
	}
	return cfg
}

// Start opens the file and begins reading in the background
func (f *FileTailer) Start() error {
	t, err := tail.TailFile(f.path, f.config(0))
	if err != nil {
		ioErr := &types.IOError{Source: f.path, Err: err}
		f.setErr(ioErr)
		f.once.Do(func() { close(f.stop) })
		close(f.lines)
		close(f.done)
		return ioErr
	}

	f.logger.Debug("tailer started", zap.Bool("follow", f.opts.Follow))
	go f.run(t)
	return nil
}

func (f *FileTailer) run(t *tail.Tail) {
	defer close(f.done)
	defer close(f.lines)

	failures := 0
	for {
		err := f.consume(t)
		t.Stop()
		t.Cleanup()

		if errors.Is(err, errStopped) || err == nil {
			return
		}

		failures++
		if failures > f.opts.Retries {
			f.logger.Warn("source unavailable", zap.Int("attempts", failures), zap.Error(err))
			f.setErr(&types.IOError{Source: f.path, Err: err})
			return
		}

		f.logger.Warn("read error, reopening", zap.Int("attempt", failures), zap.Int64("offset", f.resumeOffset()), zap.Error(err))
		select {
		case <-f.stop:
			return
		case <-time.After(f.opts.RetryDelay):
		}

		for {
			t, err = tail.TailFile(f.path, f.config(f.resumeOffset()))
			if err == nil {
				break
			}
			failures++
			if failures > f.opts.Retries {
				f.logger.Warn("source unavailable", zap.Int("attempts", failures), zap.Error(err))
				f.setErr(&types.IOError{Source: f.path, Err: err})
				return
			}
			f.logger.Warn("reopen failed", zap.Int("attempt", failures), zap.Error(err))
			select {
			case <-f.stop:
				return
			case <-time.After(f.opts.RetryDelay):
			}
		}
	}
}

// consume forwards lines until the tail ends. It returns nil on a clean end
// of a finite read, errStopped after Stop, or the failure otherwise.
func (f *FileTailer) consume(t *tail.Tail) error {
	for {
		select {
		case <-f.stop:
			return errStopped
		case line, ok := <-t.Lines:
			if !ok {
				err := t.Wait()
				if err == nil && f.opts.Follow {
					err = errors.New("tail ended unexpectedly")
				}
				return err
			}
			if line.Err != nil {
				return line.Err
			}

			f.mu.Lock()
			f.lineNo++
			n := f.lineNo
			f.offset = line.SeekInfo.Offset
			f.mu.Unlock()

			select {
			case f.lines <- Line{Source: f.path, Number: n, Text: line.Text}:
			case <-f.stop:
				return errStopped
			}
		}
	}
}

func (f *FileTailer) resumeOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

func (f *FileTailer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Next blocks for the next line
func (f *FileTailer) Next(ctx context.Context) (Line, bool) {
	select {
	case line, ok := <-f.lines:
		return line, ok
	case <-ctx.Done():
		return Line{}, false
	}
}

// TryNext returns the next buffered line, if any
func (f *FileTailer) TryNext() (Line, bool) {
	select {
	case line, ok := <-f.lines:
		return line, ok
	default:
		return Line{}, false
	}
}

func (f *FileTailer) Done() <-chan struct{} { return f.done }

// Err returns the error that ended the source, if any
func (f *FileTailer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stop stops the tailing and releases the file handle
func (f *FileTailer) Stop() error {
	f.once.Do(func() { close(f.stop) })
	<-f.done
	return nil
}
