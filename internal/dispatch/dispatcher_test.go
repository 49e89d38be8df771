package dispatch

import (
	"alertpipe/internal/types"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeSink records sends and fails while failures > 0
type fakeSink struct {
	name     string
	mu       sync.Mutex
	sent     []types.Alert
	failures int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(ctx context.Context, a types.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memRecorder struct {
	mu       sync.Mutex
	attempts []types.DeliveryAttempt
}

func (m *memRecorder) RecordAttempt(a types.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

var testRule = types.ThresholdRule{Name: "errors", KeyPattern: "*", Level: types.LevelError, WarnAt: 5, CritAt: 10, WindowSeconds: 60}

func alert(id string, sev types.Severity) types.Alert {
	return types.Alert{ID: id, Rule: testRule, Key: "web-1", ObservedCount: 6, Severity: sev}
}

// pump starts due deliveries and waits for their lanes to go idle
func pump(d *Dispatcher) {
	d.Pump(context.Background())
	d.Wait()
}

func outcomes(attempts []types.DeliveryAttempt) []types.Outcome {
	var out []types.Outcome
	for _, a := range attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func TestDispatcher_SuppressesDuplicates(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeSink{name: "primary"}
	d := New([]Sink{sink}, Config{SuppressionWindow: time.Minute}, WithClock(mock))

	// queued twice before any pump: second is a duplicate of a pending delivery
	d.Dispatch(alert("a1", types.SeverityWarning))
	d.Dispatch(alert("a1", types.SeverityWarning))
	pump(d)

	// already delivered within the window
	mock.Add(30 * time.Second)
	d.Dispatch(alert("a1", types.SeverityWarning))
	pump(d)

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, []types.Outcome{types.OutcomeSuppressed, types.OutcomeSuccess, types.OutcomeSuppressed}, outcomes(d.Attempts()))

	// window elapsed
	mock.Add(31 * time.Second)
	d.Dispatch(alert("a1", types.SeverityWarning))
	pump(d)
	assert.Equal(t, 2, sink.count())
}

func TestDispatcher_SeverityChangeIsNotSuppressed(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeSink{name: "primary"}
	d := New([]Sink{sink}, Config{}, WithClock(mock))

	d.Dispatch(alert("a1", types.SeverityWarning))
	pump(d)
	d.Dispatch(alert("a1", types.SeverityCritical))
	pump(d)

	assert.Equal(t, 2, sink.count())
}

func TestDispatcher_ResolvedBypassesSuppression(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeSink{name: "primary"}
	d := New([]Sink{sink}, Config{}, WithClock(mock))

	for i := 0; i < 2; i++ {
		d.Dispatch(alert("a1", types.SeverityResolved))
		pump(d)
	}
	assert.Equal(t, 2, sink.count())
	assert.Zero(t, d.Outcomes()[types.OutcomeSuppressed])
}

func TestDispatcher_RetriesOnSchedule(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeSink{name: "flaky", failures: 2}
	rec := &memRecorder{}
	d := New([]Sink{sink}, Config{BaseDelay: time.Second, MaxAttempts: 3},
		WithClock(mock), WithRand(rand.New(rand.NewSource(1))), WithRecorders(rec))

	start := mock.Now()
	d.Dispatch(alert("a1", types.SeverityCritical))

	pump(d)
	next, ok := d.NextDue()
	require.True(t, ok)
	delay := next.Sub(start)
	assert.GreaterOrEqual(t, delay, time.Second)
	assert.Less(t, delay, 1100*time.Millisecond)

	// not yet due
	mock.Add(delay - time.Millisecond)
	pump(d)
	assert.Len(t, d.Attempts(), 1)

	mock.Add(time.Millisecond)
	pump(d)
	next, ok = d.NextDue()
	require.True(t, ok)
	delay = next.Sub(mock.Now())
	assert.GreaterOrEqual(t, delay, 2*time.Second)
	assert.Less(t, delay, 2200*time.Millisecond)

	mock.Add(delay)
	pump(d)
	_, ok = d.NextDue()
	assert.False(t, ok)

	assert.Equal(t, 1, sink.count())
	attempts := d.Attempts()
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
	assert.Equal(t, []types.Outcome{types.OutcomeFailed, types.OutcomeFailed, types.OutcomeSuccess}, outcomes(attempts))
	assert.Equal(t, attempts, rec.attempts)
}

func TestDispatcher_WebhookFailsTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New([]Sink{NewWebhookSink("hook", srv.URL, nil, time.Second)},
		Config{BaseDelay: 10 * time.Millisecond, MaxAttempts: 3})

	d.Dispatch(alert("a1", types.SeverityCritical))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []types.Outcome{types.OutcomeFailed, types.OutcomeFailed, types.OutcomeSuccess}, outcomes(d.Attempts()))
	assert.Contains(t, d.Attempts()[0].Error, "502")
}

func TestDispatcher_ExhaustionIsReported(t *testing.T) {
	sink := &fakeSink{name: "dead", failures: 100}
	d := New([]Sink{sink}, Config{BaseDelay: time.Millisecond, MaxAttempts: 3})

	d.Dispatch(alert("a1", types.SeverityCritical))
	require.NoError(t, d.Flush(context.Background()))

	assert.Equal(t, []types.Outcome{types.OutcomeFailed, types.OutcomeFailed, types.OutcomeFailed}, outcomes(d.Attempts()))

	select {
	case err := <-d.Errors():
		var failure *types.DispatchFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "a1", failure.AlertID)
		assert.Equal(t, "dead", failure.Sink)
		assert.Equal(t, 3, failure.Attempts)
	default:
		t.Fatal("Expected a dispatch failure report")
	}

	// exhausted delivery no longer counts as pending: the next alert goes out
	d.Dispatch(alert("a1", types.SeverityCritical))
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcher_SinksAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", failures: 1}
	d := New([]Sink{good, bad}, Config{}, WithClock(mock))

	d.Dispatch(alert("a1", types.SeverityWarning))
	pump(d)

	assert.Equal(t, 1, good.count())
	assert.Equal(t, 0, bad.count())
	assert.Equal(t, 1, d.Pending())

	// a repeat is suppressed for the good sink and deduplicated for the bad one
	d.Dispatch(alert("a1", types.SeverityWarning))
	assert.Equal(t, 2, d.Outcomes()[types.OutcomeSuppressed])
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	d := New([]Sink{NewWebhookSink("slow", srv.URL, nil, time.Minute)},
		Config{AttemptTimeout: 50 * time.Millisecond, MaxAttempts: 1})

	d.Dispatch(alert("a1", types.SeverityWarning))
	start := time.Now()
	pump(d)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []types.Outcome{types.OutcomeFailed}, outcomes(d.Attempts()))
}

func TestDispatcher_RestoreSuppression(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeSink{name: "primary"}
	d := New([]Sink{sink}, Config{SuppressionWindow: time.Minute}, WithClock(mock))

	d.RestoreSuppression([]types.DeliveryAttempt{{
		RuleName: "errors", Key: "web-1", Severity: types.SeverityWarning,
		Sink: "primary", Outcome: types.OutcomeSuccess, Timestamp: mock.Now().Add(-10 * time.Second),
	}})

	d.Dispatch(alert("a1", types.SeverityWarning))
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 1, d.Outcomes()[types.OutcomeSuppressed])
}

func TestDispatcher_TrailLimit(t *testing.T) {
	mock := clock.NewMock()
	d := New([]Sink{&fakeSink{name: "s"}}, Config{}, WithClock(mock), WithTrailLimit(2))
	for _, id := range []string{"a", "b", "c"} {
		d.Dispatch(types.Alert{ID: id, Rule: testRule, Key: id, Severity: types.SeverityWarning})
	}
	pump(d)

	assert.Len(t, d.Attempts(), 2)
	assert.Equal(t, 3, d.Outcomes()[types.OutcomeSuccess])
}

// hangingSink blocks every send until its context ends
type hangingSink struct{ calls atomic.Int32 }

func (h *hangingSink) Name() string { return "hanging" }

func (h *hangingSink) Send(ctx context.Context, a types.Alert) error {
	h.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_HangingSinkDoesNotDelayOthers(t *testing.T) {
	hung := &hangingSink{}
	fast := &fakeSink{name: "fast"}
	d := New([]Sink{hung, fast}, Config{AttemptTimeout: 200 * time.Millisecond, MaxAttempts: 1})

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.Dispatch(types.Alert{ID: fmt.Sprintf("a%d", i), Rule: testRule, Key: fmt.Sprintf("web-%d", i), Severity: types.SeverityWarning})
		d.Pump(context.Background())
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Pump must not wait on sends")

	require.Eventually(t, func() bool { return fast.count() == 5 }, 150*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
	d.Wait()

	assert.EqualValues(t, 5, hung.calls.Load())
	assert.Equal(t, 5, d.Outcomes()[types.OutcomeSuccess])
	assert.Equal(t, 5, d.Outcomes()[types.OutcomeFailed])
}

func TestDispatcher_MaxWorkersBoundsLanes(t *testing.T) {
	first := &hangingSink{}
	second := &fakeSink{name: "second"}
	d := New([]Sink{first, second}, Config{AttemptTimeout: 50 * time.Millisecond, MaxAttempts: 1, MaxWorkers: 1})

	d.Dispatch(alert("a1", types.SeverityWarning))
	d.Pump(context.Background())
	assert.Equal(t, 0, second.count())

	// the second lane starts once the first frees its worker
	require.NoError(t, d.Flush(context.Background()))
	d.Wait()
	assert.Equal(t, 1, second.count())
	assert.Equal(t, 0, d.Pending())
}
