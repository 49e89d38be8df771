package aggregate

import (
	"alertpipe/internal/types"
	"sort"
	"sync"
	"time"
)

// DefaultMaxTrackedKeys caps the number of distinct hosts held at once
const DefaultMaxTrackedKeys = 10000

// bucket is one resolution step for one key
type bucket struct {
	end      int64 // unix nanos, exclusive start is end-step
	counts   map[types.Level]int
	lastSeen time.Time
}

func (b *bucket) total() int {
	n := 0
	for _, c := range b.counts {
		n += c
	}
	return n
}

// Aggregator counts entries per (host, level) over a sliding window. Entries
// land in fixed steps aligned to the Unix epoch, each covering (start, end],
// and a snapshot sums the steps that make up the last window.
type Aggregator struct {
	mu      sync.Mutex
	window  time.Duration
	step    time.Duration
	retain  int
	maxKeys int

	buckets   map[string]map[int64]*bucket
	watermark time.Time
	late      int
	evicted   int
}

// Option tweaks an Aggregator
type Option func(*Aggregator)

// WithMaxTrackedKeys bounds the number of keys; the quietest key is evicted when full
func WithMaxTrackedKeys(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxKeys = n
		}
	}
}

// WithResolution sets the step the window slides by. It is rounded down to
// a divisor of the window; the default step is the whole window.
func WithResolution(step time.Duration) Option {
	return func(a *Aggregator) {
		if step > 0 {
			a.step = step
		}
	}
}

// New creates an aggregator for one window size. retain is the number of
// windows kept behind the watermark.
func New(window time.Duration, retain int, opts ...Option) *Aggregator {
	if retain < 1 {
		retain = 1
	}
	a := &Aggregator{
		window:  window,
		step:    window,
		retain:  retain,
		maxKeys: DefaultMaxTrackedKeys,
		buckets: make(map[string]map[int64]*bucket),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.step = gcd(a.window, a.step)
	return a
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Window returns the window size
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Resolution returns the step the window slides by
func (a *Aggregator) Resolution() time.Duration {
	return a.step
}

// stepEnd returns the end of the step containing t. A timestamp on a
// boundary belongs to the step it closes.
func (a *Aggregator) stepEnd(t time.Time) int64 {
	n := t.UnixNano()
	w := a.step.Nanoseconds()
	q := n / w
	if n%w > 0 {
		q++
	}
	return q * w
}

// cutoff is the oldest step end still retained. Caller must hold lock.
func (a *Aggregator) cutoff() int64 {
	if a.watermark.IsZero() {
		return 0
	}
	return a.watermark.UnixNano() - int64(a.retain)*a.window.Nanoseconds()
}

// Observe counts one entry. It returns false when the entry's step has
// already been evicted and the entry was dropped as late.
func (a *Aggregator) Observe(entry types.LogEntry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.stepEnd(entry.Timestamp)
	if !a.watermark.IsZero() && end < a.cutoff() {
		a.late++
		return false
	}

	windows, exists := a.buckets[entry.Host]
	if !exists {
		if len(a.buckets) >= a.maxKeys {
			a.evictLowPriority()
		}
		windows = make(map[int64]*bucket)
		a.buckets[entry.Host] = windows
	}

	b, ok := windows[end]
	if !ok {
		b = &bucket{end: end, counts: make(map[types.Level]int)}
		windows[end] = b
	}
	b.counts[entry.Level]++
	if entry.Timestamp.After(b.lastSeen) {
		b.lastSeen = entry.Timestamp
	}
	return true
}

// Advance moves the watermark forward and evicts steps that ended before
// watermark - retain*window. The watermark never moves backwards.
func (a *Aggregator) Advance(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !now.After(a.watermark) {
		return
	}
	a.watermark = now

	cut := a.cutoff()
	for key, windows := range a.buckets {
		for end := range windows {
			if end < cut {
				delete(windows, end)
			}
		}
		if len(windows) == 0 {
			delete(a.buckets, key)
		}
	}
}

// Watermark returns the current watermark
func (a *Aggregator) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Snapshot returns the key's counts over the window ending at the step
// that contains the watermark. The bool is false when nothing was counted
// in that window.
func (a *Aggregator) Snapshot(key string) (types.MetricWindow, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.stepEnd(a.watermark)
	start := end - a.window.Nanoseconds()
	mw := types.MetricWindow{
		Key:         key,
		WindowStart: time.Unix(0, start).UTC(),
		WindowEnd:   time.Unix(0, end).UTC(),
		Counts:      make(map[types.Level]int),
	}

	found := false
	for stepEnd, b := range a.buckets[key] {
		if stepEnd <= start || stepEnd > end {
			continue
		}
		found = true
		for lvl, c := range b.counts {
			mw.Counts[lvl] += c
		}
	}
	return mw, found
}

// Keys returns the active keys in sorted order
func (a *Aggregator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.buckets))
	for k := range a.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Late returns the number of entries dropped because their step was gone
func (a *Aggregator) Late() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

// Evicted returns the number of keys dropped to honour the key cap
func (a *Aggregator) Evicted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evicted
}

// evictLowPriority removes one key: lowest total count first, then the
// least recently seen. Caller must hold lock.
func (a *Aggregator) evictLowPriority() {
	var victim string
	lowest := -1
	var oldest time.Time

	for key, windows := range a.buckets {
		total := 0
		var seen time.Time
		for _, b := range windows {
			total += b.total()
			if b.lastSeen.After(seen) {
				seen = b.lastSeen
			}
		}
		if lowest < 0 || total < lowest || (total == lowest && seen.Before(oldest)) {
			victim, lowest, oldest = key, total, seen
		}
	}

	if lowest >= 0 {
		delete(a.buckets, victim)
		a.evicted++
	}
}
