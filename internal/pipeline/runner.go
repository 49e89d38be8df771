package pipeline

import (
	"alertpipe/internal/aggregate"
	"alertpipe/internal/audit"
	"alertpipe/internal/dashboard"
	"alertpipe/internal/detect"
	"alertpipe/internal/dispatch"
	"alertpipe/internal/ingest"
	"alertpipe/internal/logging"
	"alertpipe/internal/metrics"
	"alertpipe/internal/parser"
	"alertpipe/internal/state"
	"alertpipe/internal/types"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	maxRecordedFailures = 1000
	maxDrainPerTick     = 100000
)

// Runner wires sources, parser, aggregators, evaluator and dispatcher into
// a single coordinating loop
type Runner struct {
	cfg    *types.Config
	clock  clock.Clock
	logger *zap.Logger

	parser    *parser.Parser
	canonical *parser.Parser
	aggs      map[time.Duration]*aggregate.Aggregator
	windows   detect.Windows
	maxWindow time.Duration

	engine     *detect.Engine
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	audit      *audit.Logger
	store      *state.Store

	sources     []ingest.Source
	buildErrs   []error
	sinks       []dispatch.Sink
	rng         *rand.Rand
	startStatus bool

	mu        sync.Mutex
	summary   Summary
	failures  []types.ParseFailure
	down      map[string]bool
	startedAt time.Time
}

// Option tweaks a Runner
type Option func(*Runner)

// WithClock injects the time source for ticks and dispatch
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(l) }
}

// WithSources replaces the configured sources
func WithSources(sources ...ingest.Source) Option {
	return func(r *Runner) { r.sources = sources }
}

// WithSinks replaces the configured sinks
func WithSinks(sinks ...dispatch.Sink) Option {
	return func(r *Runner) { r.sinks = sinks }
}

// WithMetrics uses an existing metrics set
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRand seeds the dispatcher's retry jitter
func WithRand(rng *rand.Rand) Option {
	return func(r *Runner) { r.rng = rng }
}

// WithStatusServer starts the status server on cfg.Metrics.Listen when set
func WithStatusServer() Option {
	return func(r *Runner) { r.startStatus = true }
}

// New builds a runner from a validated configuration
func New(cfg *types.Config, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
		aggs:   make(map[time.Duration]*aggregate.Aggregator),
		down:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.parser, err = parser.New(cfg.Parser.Pattern, cfg.Parser.TimestampLayout); err != nil {
		return nil, err
	}
	r.canonical = parser.MustDefault()

	r.windows = make(detect.Windows)
	for _, rule := range cfg.Rules {
		w := rule.Window()
		if _, ok := r.aggs[w]; ok {
			continue
		}
		agg := aggregate.New(w, cfg.Aggregation.RetainWindows, aggregate.WithResolution(cfg.Tick))
		r.aggs[w] = agg
		r.windows[w] = agg
		if w > r.maxWindow {
			r.maxWindow = w
		}
	}

	r.engine = detect.NewEngine(cfg.Rules,
		detect.WithClearTicks(cfg.Evaluation.ClearTicks),
		detect.WithLogger(r.logger))

	if r.metrics == nil {
		r.metrics = metrics.New()
	}

	if r.sinks == nil {
		for _, sc := range cfg.Sinks {
			sink, err := dispatch.NewSink(sc)
			if err != nil {
				return nil, err
			}
			r.sinks = append(r.sinks, sink)
		}
	}

	recorders := []dispatch.Recorder{r.metrics}
	if cfg.Audit.Path != "" {
		r.audit = audit.NewLogger(cfg.Audit.Path)
		recorders = append(recorders, r.audit)
	}
	if cfg.State.Path != "" {
		if r.store, err = state.NewStore(cfg.State.Path); err != nil {
			return nil, &types.ConfigError{Err: fmt.Errorf("state store: %w", err)}
		}
		recorders = append(recorders, r.store)
	}

	dopts := []dispatch.Option{
		dispatch.WithClock(r.clock),
		dispatch.WithLogger(r.logger),
		dispatch.WithRecorders(recorders...),
	}
	if r.rng != nil {
		dopts = append(dopts, dispatch.WithRand(r.rng))
	}
	r.dispatcher = dispatch.New(r.sinks, dispatch.Config{
		SuppressionWindow: cfg.Dispatch.SuppressionWindow,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		BaseDelay:         cfg.Dispatch.BaseDelay,
		AttemptTimeout:    cfg.Dispatch.AttemptTimeout,
		MaxWorkers:        cfg.Dispatch.MaxWorkers,
	}, dopts...)

	if r.sources == nil {
		r.sources, r.buildErrs = ingest.Build(cfg.Sources, ingest.BuildOptions{
			RunMode:    cfg.Mode,
			Retries:    cfg.Ingest.RetryAttempts,
			RetryDelay: cfg.Ingest.RetryDelay,
			Logger:     r.logger,
		})
	}

	r.logger = r.logger.Named("pipeline")
	return r, nil
}

// Run executes the pipeline in the configured mode and returns its summary
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	r.startedAt = r.clock.Now()
	r.summary = Summary{Mode: r.cfg.Mode}
	r.mu.Unlock()

	defer r.close()

	switch r.cfg.Mode {
	case types.ModeFollow:
		r.runFollow(ctx)
	default:
		r.runBatch(ctx)
	}
	return r.finish(), nil
}

// startSources starts every source and returns those that came up
func (r *Runner) startSources() []ingest.Source {
	for _, err := range r.buildErrs {
		r.sourceFailed(sourceName(err), err)
	}

	live := make([]ingest.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if err := src.Start(); err != nil {
			r.sourceFailed(src.Name(), err)
			continue
		}
		live = append(live, src)
	}
	if len(live) == 0 {
		r.logger.Warn("no source could be opened, running without data")
	}
	return live
}

func sourceName(err error) string {
	var ioErr *types.IOError
	if errors.As(err, &ioErr) {
		return ioErr.Source
	}
	return err.Error()
}

// sourceFailed records an unavailable source and warns once per source
func (r *Runner) sourceFailed(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down[name] {
		return
	}
	r.down[name] = true
	r.summary.SourcesFailed = append(r.summary.SourcesFailed, name)
	r.metrics.SourcesUnavailable.Set(float64(len(r.down)))
	r.logger.Warn("source unavailable", zap.String("source", name), zap.Error(err))
}

// parseLine parses one line and counts the result. It returns the entry when
// one was produced; the caller observes it.
func (r *Runner) parseLine(line ingest.Line) (types.LogEntry, bool) {
	r.metrics.Lines.Inc()

	p := r.parser
	if line.Canonical {
		p = r.canonical
	}
	res := p.Parse(line.Text, line.Number)

	r.mu.Lock()
	r.summary.LinesProcessed++
	if res.Failure != nil {
		res.Failure.Source = line.Source
		r.summary.ParseFailures++
		r.failures = append(r.failures, *res.Failure)
		if len(r.failures) > maxRecordedFailures {
			r.failures = r.failures[len(r.failures)-maxRecordedFailures:]
		}
		r.mu.Unlock()
		r.metrics.ParseFailures.Inc()
		r.logger.Debug("parse failure",
			zap.String("source", line.Source), zap.Int("line", line.Number), zap.String("reason", res.Failure.Reason))
		return types.LogEntry{}, false
	}
	if res.Warning != "" {
		r.summary.ParseWarnings++
	}
	r.mu.Unlock()

	entry := *res.Entry
	entry.Source = line.Source
	return entry, true
}

// accept parses and observes one line as it arrives
func (r *Runner) accept(line ingest.Line) {
	if entry, ok := r.parseLine(line); ok {
		r.observe(entry)
	}
}

// observe feeds one entry to every aggregator
func (r *Runner) observe(entry types.LogEntry) {
	late := false
	for _, agg := range r.aggs {
		if !agg.Observe(entry) {
			late = true
		}
	}
	if late {
		r.mu.Lock()
		r.summary.LateDrops++
		r.mu.Unlock()
		r.metrics.LateEntries.Inc()
	}
}

// tick advances every aggregator to at, evaluates the rules and hands the
// resulting alerts to the dispatcher
func (r *Runner) tick(ctx context.Context, at time.Time) {
	start := time.Now()
	defer func() { r.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	for _, agg := range r.aggs {
		agg.Advance(at)
	}

	alerts := r.engine.Evaluate(at, r.windows)

	r.mu.Lock()
	for _, a := range alerts {
		if a.Severity == types.SeverityResolved {
			r.summary.AlertsCleared++
		} else {
			r.summary.AlertsFired++
		}
		r.summary.Alerts = append(r.summary.Alerts, a)
	}
	r.mu.Unlock()

	for _, a := range alerts {
		r.metrics.ObserveAlert(a)
		r.dispatcher.Dispatch(a)
	}

	// in-flight attempts finish within their own timeout even after cancel
	r.dispatcher.Pump(context.WithoutCancel(ctx))
	r.drainDispatchErrors()

	open := r.engine.Open()
	r.metrics.OpenAlerts.Set(float64(len(open)))
	if r.store != nil && len(alerts) > 0 {
		if err := r.store.SaveOpen(open); err != nil {
			r.logger.Warn("failed to persist open alerts", zap.Error(err))
		}
	}
}

func (r *Runner) drainDispatchErrors() {
	for {
		select {
		case err := <-r.dispatcher.Errors():
			var failure *types.DispatchFailure
			if errors.As(err, &failure) {
				r.mu.Lock()
				r.summary.DeliveriesExhausted++
				r.mu.Unlock()
			}
		default:
			return
		}
	}
}

// runBatch reads every source to exhaustion in config order, replaying ticks
// on event time, then flushes pending deliveries
func (r *Runner) runBatch(ctx context.Context) {
	live := r.startSources()
	defer stopAll(live)

	tickLen := r.cfg.Tick
	// ticks beyond this many idle ones cannot change any state
	maxIdle := r.cfg.Evaluation.ClearTicks + int(r.maxWindow/tickLen) + 2

	var tickEnd time.Time
	for _, src := range live {
		for {
			line, ok := src.Next(ctx)
			if !ok {
				break
			}
			entry, ok := r.parseLine(line)
			if !ok {
				continue
			}

			if tickEnd.IsZero() {
				tickEnd = ceilTime(entry.Timestamp, tickLen)
			}
			// close every boundary the entry has passed before counting it
			idle := 0
			for entry.Timestamp.After(tickEnd) {
				if idle >= maxIdle {
					tickEnd = ceilTime(entry.Timestamp, tickLen)
					break
				}
				r.tick(ctx, tickEnd)
				tickEnd = tickEnd.Add(tickLen)
				idle++
			}
			r.observe(entry)
		}
		if ctx.Err() != nil {
			r.logger.Warn("batch run cancelled", zap.Error(ctx.Err()))
			break
		}
		if err := src.Err(); err != nil {
			r.sourceFailed(src.Name(), err)
		}
	}

	if !tickEnd.IsZero() {
		r.tick(ctx, tickEnd)
	}

	if err := r.dispatcher.Flush(ctx); err != nil {
		r.logger.Warn("flush interrupted", zap.Int("pending", r.dispatcher.Pending()), zap.Error(err))
	}
	r.dispatcher.Wait()
	r.drainDispatchErrors()
}

// runFollow ticks on the clock until ctx is cancelled, then flushes pending
// deliveries within the shutdown grace period
func (r *Runner) runFollow(ctx context.Context) {
	r.restore()

	var server *dashboard.Server
	if r.startStatus && r.cfg.Metrics.Listen != "" {
		var err error
		if server, err = dashboard.NewServer(r, r.metrics.Handler(), r.logger); err == nil {
			err = server.Start(r.cfg.Metrics.Listen)
		}
		if err != nil {
			r.logger.Warn("status server disabled", zap.Error(err))
			server = nil
		}
	}

	live := r.startSources()
	defer stopAll(live)

	r.logger.Info("following sources", zap.Int("sources", len(live)), zap.Duration("tick", r.cfg.Tick))

	ticker := r.clock.Ticker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down", zap.Int("pending_deliveries", r.dispatcher.Pending()))
			graceCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Dispatch.ShutdownGrace)
			if err := r.dispatcher.Flush(graceCtx); err != nil {
				r.logger.Warn("abandoning undelivered alerts", zap.Int("pending", r.dispatcher.Pending()), zap.Error(err))
			}
			cancel()
			r.dispatcher.Wait()
			r.drainDispatchErrors()
			if server != nil {
				if err := server.Stop(); err != nil {
					r.logger.Warn("status server shutdown", zap.Error(err))
				}
			}
			return
		case <-ticker.C:
			live = r.followTick(ctx, live)
		}
	}
}

// followTick drains newly available lines without blocking, then evaluates at
// the current time. Ended sources are dropped from the returned set.
func (r *Runner) followTick(ctx context.Context, live []ingest.Source) []ingest.Source {
	kept := make([]ingest.Source, 0, len(live))
	for _, src := range live {
		for n := 0; n < maxDrainPerTick; n++ {
			line, ok := src.TryNext()
			if !ok {
				break
			}
			r.accept(line)
		}

		select {
		case <-src.Done():
			// pick up anything buffered before the end
			for {
				line, ok := src.TryNext()
				if !ok {
					break
				}
				r.accept(line)
			}
			if err := src.Err(); err != nil {
				r.sourceFailed(src.Name(), err)
			} else {
				r.logger.Info("source finished", zap.String("source", src.Name()))
			}
		default:
			kept = append(kept, src)
		}
	}

	r.tick(ctx, r.clock.Now())
	return kept
}

// restore re-seeds open incidents and suppression from the state store
func (r *Runner) restore() {
	if r.store == nil {
		return
	}
	open, err := r.store.LoadOpen()
	if err != nil {
		r.logger.Warn("failed to load open alerts", zap.Error(err))
	} else if n := r.engine.Restore(open); n > 0 {
		r.logger.Info("restored open alerts", zap.Int("count", n))
	}

	since := r.clock.Now().Add(-r.cfg.Dispatch.SuppressionWindow)
	sup, err := r.store.LoadSuppression(since)
	if err != nil {
		r.logger.Warn("failed to load suppression state", zap.Error(err))
		return
	}
	r.dispatcher.RestoreSuppression(sup)
}

func stopAll(sources []ingest.Source) {
	for _, src := range sources {
		_ = src.Stop()
	}
}

// finish snapshots the final state into the summary
func (r *Runner) finish() Summary {
	open := r.engine.Open()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.OpenAlerts = open
	r.summary.OpenCritical = r.engine.HasOpenCritical()
	r.summary.Deliveries = r.dispatcher.Outcomes()
	r.summary.Attempts = r.dispatcher.Attempts()
	r.summary.Duration = r.clock.Since(r.startedAt)
	sort.Strings(r.summary.SourcesFailed)
	return r.summary
}

func (r *Runner) close() {
	if r.store != nil {
		if err := r.store.SaveOpen(r.engine.Open()); err != nil {
			r.logger.Warn("failed to persist open alerts", zap.Error(err))
		}
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close state store", zap.Error(err))
		}
	}
}

// Failures returns the most recent parse failures
func (r *Runner) Failures() []types.ParseFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ParseFailure(nil), r.failures...)
}

// Metrics returns the runner's metrics set
func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// OpenAlerts implements dashboard.StatusStore
func (r *Runner) OpenAlerts() []types.Alert {
	return r.engine.Open()
}

// RecentAttempts implements dashboard.StatusStore, newest first
func (r *Runner) RecentAttempts(limit int) ([]types.DeliveryAttempt, error) {
	if r.store != nil {
		return r.store.RecentAttempts(limit)
	}
	all := r.dispatcher.Attempts()
	out := make([]types.DeliveryAttempt, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Stats implements dashboard.StatusStore
func (r *Runner) Stats() dashboard.Stats {
	open := r.engine.Open()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := dashboard.Stats{
		Mode:               r.cfg.Mode,
		StartedAt:          r.startedAt,
		LinesProcessed:     r.summary.LinesProcessed,
		ParseFailures:      r.summary.ParseFailures,
		LateDrops:          r.summary.LateDrops,
		AlertsFired:        r.summary.AlertsFired,
		AlertsCleared:      r.summary.AlertsCleared,
		SourcesUnavailable: len(r.down),
		PendingDeliveries:  r.dispatcher.Pending(),
	}
	for _, a := range open {
		switch a.Severity {
		case types.SeverityCritical:
			st.OpenCritical++
		case types.SeverityWarning:
			st.OpenWarning++
		}
	}
	return st
}

// ceilTime rounds t up to the next multiple of d since the Unix epoch
func ceilTime(t time.Time, d time.Duration) time.Time {
	n := t.UnixNano()
	q := n / int64(d)
	if n%int64(d) > 0 {
		q++
	}
	return time.Unix(0, q*int64(d)).UTC()
}
