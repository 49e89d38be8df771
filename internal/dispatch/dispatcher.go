package dispatch

import (
	"alertpipe/internal/logging"
	"alertpipe/internal/types"
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config holds the delivery policy
type Config struct {
	SuppressionWindow time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	AttemptTimeout    time.Duration
	MaxWorkers        int
}

// DefaultConfig returns the stock delivery policy
func DefaultConfig() Config {
	return Config{
		SuppressionWindow: 15 * time.Minute,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		AttemptTimeout:    5 * time.Second,
		MaxWorkers:        8,
	}
}

const defaultTrailLimit = 10000

// suppressionKey identifies a delivery for de-duplication
type suppressionKey struct {
	rule     string
	key      string
	severity types.Severity
	sink     string
}

func keyOf(a types.Alert, sink string) suppressionKey {
	return suppressionKey{rule: a.Rule.Name, key: a.Key, severity: a.Severity, sink: sink}
}

// Dispatcher fans alerts out to sinks with suppression and scheduled retries.
// Each sink is served by its own lane so a slow sink only delays itself.
type Dispatcher struct {
	mu    sync.Mutex
	cfg   Config
	sinks []Sink

	clock     clock.Clock
	rng       *rand.Rand
	logger    *zap.Logger
	recorders []Recorder

	queues  []taskQueue // one per sink
	busy    []bool      // sink has a running lane
	active  int
	workers *semaphore.Weighted
	lanes   sync.WaitGroup
	wake    chan struct{}

	seq         uint64
	pending     map[suppressionKey]int
	lastSuccess map[suppressionKey]time.Time

	trail      []types.DeliveryAttempt
	trailLimit int
	outcomes   map[types.Outcome]int

	errs chan error
}

// Option tweaks a Dispatcher
type Option func(*Dispatcher)

// WithClock injects the time source
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithRand injects the jitter source
func WithRand(r *rand.Rand) Option {
	return func(d *Dispatcher) { d.rng = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l).Named("dispatch") }
}

// WithRecorders adds attempt recorders (audit log, state store, metrics)
func WithRecorders(r ...Recorder) Option {
	return func(d *Dispatcher) { d.recorders = append(d.recorders, r...) }
}

// WithTrailLimit bounds the in-memory attempt trail
func WithTrailLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.trailLimit = n
		}
	}
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(sinks []Sink, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = def.SuppressionWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}

	d := &Dispatcher{
		cfg:         cfg,
		sinks:       sinks,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		pending:     make(map[suppressionKey]int),
		lastSuccess: make(map[suppressionKey]time.Time),
		trailLimit:  defaultTrailLimit,
		outcomes:    make(map[types.Outcome]int),
		errs:        make(chan error, 64),
		queues:      make([]taskQueue, len(sinks)),
		busy:        make([]bool, len(sinks)),
		workers:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(d.clock.Now().UnixNano()))
	}
	return d
}

// Errors reports exhausted deliveries as *types.DispatchFailure
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// Dispatch queues the alert for every sink, recording a SUPPRESSED attempt
// for sinks that already delivered it recently or still have it queued.
// RESOLVED alerts are never suppressed.
func (d *Dispatcher) Dispatch(alert types.Alert) {
	var suppressed []types.DeliveryAttempt

	d.mu.Lock()
	now := d.clock.Now()
	for i, sink := range d.sinks {
		sk := keyOf(alert, sink.Name())
		if alert.Severity != types.SeverityResolved {
			last, delivered := d.lastSuccess[sk]
			if (delivered && now.Sub(last) < d.cfg.SuppressionWindow) || d.pending[sk] > 0 {
				suppressed = append(suppressed, attemptFor(alert, sink.Name(), 0, now, types.OutcomeSuppressed, nil))
				continue
			}
		}
		d.pending[sk]++
		d.push(&task{alert: alert, sink: i, attempt: 1, due: now})
	}
	d.mu.Unlock()

	for _, a := range suppressed {
		d.record(a)
	}
}

// push adds a task to its sink's queue. Caller must hold lock.
func (d *Dispatcher) push(t *task) {
	d.seq++
	t.seq = d.seq
	heap.Push(&d.queues[t.sink], t)
}

// Pending returns the number of queued deliveries, excluding attempts in flight
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += q.Len()
	}
	return n
}

// NextDue returns the due time of the earliest queued delivery
func (d *Dispatcher) NextDue() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextDue()
}

// nextDue is NextDue for callers holding the lock
func (d *Dispatcher) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, q := range d.queues {
		if due, ok := q.peek(); ok && (!found || due.Before(next)) {
			next, found = due, true
		}
	}
	return next, found
}

// Pump starts a lane for every idle sink with a due delivery, up to
// MaxWorkers lanes at once, and returns without waiting for them.
func (d *Dispatcher) Pump(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLanes(ctx)
}

// startLanes launches lanes for idle sinks with due work. Caller must hold lock.
func (d *Dispatcher) startLanes(ctx context.Context) {
	now := d.clock.Now()
	for i := range d.sinks {
		if d.busy[i] {
			continue
		}
		due, ok := d.queues[i].peek()
		if !ok || due.After(now) {
			continue
		}
		if !d.workers.TryAcquire(1) {
			return
		}
		d.busy[i] = true
		d.active++
		d.lanes.Add(1)
		go d.lane(ctx, i)
	}
}

// lane delivers the due tasks of one sink in order until none is left
func (d *Dispatcher) lane(ctx context.Context, sink int) {
	defer d.lanes.Done()
	for {
		d.mu.Lock()
		t := d.queues[sink].popDue(d.clock.Now())
		if t == nil {
			d.busy[sink] = false
			d.active--
			d.workers.Release(1)
			d.startLanes(ctx)
			d.mu.Unlock()
			d.notify()
			return
		}
		d.mu.Unlock()

		d.attempt(ctx, t)
		d.notify()
	}
}

// notify wakes a waiting Flush
func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every running lane has finished
func (d *Dispatcher) Wait() {
	d.lanes.Wait()
}

// attempt performs one delivery and reschedules or retires the task
func (d *Dispatcher) attempt(ctx context.Context, t *task) {
	sink := d.sinks[t.sink]

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err := sink.Send(attemptCtx, t.alert)
	cancel()

	now := d.clock.Now()
	sk := keyOf(t.alert, sink.Name())

	if err == nil {
		d.mu.Lock()
		d.lastSuccess[sk] = now
		d.release(sk)
		d.mu.Unlock()
		d.record(attemptFor(t.alert, sink.Name(), t.attempt, now, types.OutcomeSuccess, nil))
		return
	}

	d.record(attemptFor(t.alert, sink.Name(), t.attempt, now, types.OutcomeFailed, err))

	d.mu.Lock()
	if t.attempt < d.cfg.MaxAttempts {
		delay := d.backoff(t.attempt)
		d.logger.Warn("delivery failed, will retry",
			zap.String("sink", sink.Name()), zap.String("alert_id", t.alert.ID),
			zap.Int("attempt", t.attempt), zap.Duration("retry_in", delay), zap.Error(err))
		t.attempt++
		t.due = now.Add(delay)
		d.push(t)
		d.mu.Unlock()
		return
	}
	d.release(sk)
	d.mu.Unlock()

	failure := &types.DispatchFailure{AlertID: t.alert.ID, Sink: sink.Name(), Attempts: t.attempt, Err: err}
	d.logger.Error("delivery exhausted", zap.Error(failure))
	select {
	case d.errs <- failure:
	default:
		d.logger.Warn("dispatch error channel full, dropping report", zap.String("alert_id", t.alert.ID))
	}
}

// backoff returns the delay after failed attempt n: base*2^(n-1) plus up to
// 10% jitter. Caller must hold lock.
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.cfg.BaseDelay << (n - 1)
	if span := int64(delay / 10); span > 0 {
		delay += time.Duration(d.rng.Int63n(span))
	}
	return delay
}

// release drops one pending marker. Caller must hold lock.
func (d *Dispatcher) release(sk suppressionKey) {
	if d.pending[sk] <= 1 {
		delete(d.pending, sk)
		return
	}
	d.pending[sk]--
}

// Flush pumps until no delivery is queued or in flight, sleeping on the
// clock between due times. It returns ctx.Err() if ctx ends first;
// undelivered tasks remain queued.
func (d *Dispatcher) Flush(ctx context.Context) error {
	for {
		d.Pump(ctx)

		d.mu.Lock()
		next, queued := d.nextDue()
		idle := d.active == 0
		d.mu.Unlock()

		if !queued && idle {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var timer *clock.Timer
		var timerC <-chan time.Time
		if queued {
			wait := next.Sub(d.clock.Now())
			if wait <= 0 && idle {
				continue
			}
			if wait > 0 {
				timer = d.clock.Timer(wait)
				timerC = timer.C
			}
		}

		select {
		case <-ctx.Done():
		case <-timerC:
		case <-d.wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RestoreSuppression seeds last-success times, e.g. from the state store
func (d *Dispatcher) RestoreSuppression(successes []types.DeliveryAttempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range successes {
		if a.Outcome != types.OutcomeSuccess {
			continue
		}
		sk := suppressionKey{rule: a.RuleName, key: a.Key, severity: a.Severity, sink: a.Sink}
		if a.Timestamp.After(d.lastSuccess[sk]) {
			d.lastSuccess[sk] = a.Timestamp
		}
	}
}

// Attempts returns a copy of the in-memory attempt trail
func (d *Dispatcher) Attempts() []types.DeliveryAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.DeliveryAttempt(nil), d.trail...)
}

// Outcomes returns how many attempts ended with each outcome
func (d *Dispatcher) Outcomes() map[types.Outcome]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[types.Outcome]int, len(d.outcomes))
	for k, v := range d.outcomes {
		out[k] = v
	}
	return out
}

// record appends to the trail and forwards to recorders. Caller must not hold lock.
func (d *Dispatcher) record(a types.DeliveryAttempt) {
	d.mu.Lock()
	d.trail = append(d.trail, a)
	if over := len(d.trail) - d.trailLimit; over > 0 {
		d.trail = append(d.trail[:0:0], d.trail[over:]...)
	}
	d.outcomes[a.Outcome]++
	d.mu.Unlock()

	for _, r := range d.recorders {
		if err := r.RecordAttempt(a); err != nil {
			d.logger.Warn("failed to record delivery attempt", zap.Error(err))
		}
	}
}

func attemptFor(a types.Alert, sink string, n int, at time.Time, outcome types.Outcome, err error) types.DeliveryAttempt {
	rec := types.DeliveryAttempt{
		AlertID:       a.ID,
		RuleName:      a.Rule.Name,
		Key:           a.Key,
		Severity:      a.Severity,
		Sink:          sink,
		AttemptNumber: n,
		Timestamp:     at,
		Outcome:       outcome,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
