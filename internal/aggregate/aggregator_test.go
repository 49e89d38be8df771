package aggregate

import (
	"alertpipe/internal/types"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func entry(sec int, host string, lvl types.Level) types.LogEntry {
	return types.LogEntry{Timestamp: at(sec), Host: host, Level: lvl}
}

func TestAggregator_Observe(t *testing.T) {
	agg := New(time.Minute, 2)

	agg.Observe(entry(10, "web-1", types.LevelError))
	agg.Observe(entry(20, "web-1", types.LevelError))
	agg.Observe(entry(30, "web-1", types.LevelWarn))
	agg.Advance(at(30))

	mw, ok := agg.Snapshot("web-1")
	if !ok {
		t.Fatal("Expected window for web-1")
	}
	if mw.Count(types.LevelError) != 2 {
		t.Errorf("Expected 2 errors, got %d", mw.Count(types.LevelError))
	}
	if mw.Count(types.LevelWarn) != 1 {
		t.Errorf("Expected 1 warning, got %d", mw.Count(types.LevelWarn))
	}
	if !mw.WindowStart.Equal(at(0)) || !mw.WindowEnd.Equal(at(60)) {
		t.Errorf("Expected window (0s, 60s], got (%v, %v]", mw.WindowStart, mw.WindowEnd)
	}
}

func TestAggregator_BoundaryBelongsToClosingWindow(t *testing.T) {
	agg := New(time.Minute, 2)

	agg.Observe(entry(60, "web-1", types.LevelError))
	agg.Observe(entry(61, "web-1", types.LevelError))

	agg.Advance(at(60))
	mw, _ := agg.Snapshot("web-1")
	assert.Equal(t, 1, mw.Count(types.LevelError), "entry at t=60 closes (0, 60]")

	agg.Advance(at(90))
	mw, _ = agg.Snapshot("web-1")
	assert.Equal(t, 1, mw.Count(types.LevelError), "entry at t=61 opens (60, 120]")
	assert.True(t, mw.WindowEnd.Equal(at(120)))
}

func TestAggregator_SlidingWindow(t *testing.T) {
	agg := New(time.Minute, 2, WithResolution(10*time.Second))
	assert.Equal(t, 10*time.Second, agg.Resolution())

	for sec := 5; sec <= 125; sec += 10 {
		agg.Observe(entry(sec, "web-1", types.LevelError))
	}

	for _, tick := range []int{70, 80, 90, 100, 110, 120} {
		agg.Advance(at(tick))
		mw, ok := agg.Snapshot("web-1")
		require.True(t, ok)
		assert.Equal(t, 6, mw.Count(types.LevelError), "steady rate at t=%d", tick)
		assert.True(t, mw.WindowStart.Equal(at(tick-60)))
		assert.True(t, mw.WindowEnd.Equal(at(tick)))
	}
}

func TestAggregator_SlidingWindowExcludesOldSteps(t *testing.T) {
	agg := New(time.Minute, 2, WithResolution(10*time.Second))

	agg.Observe(entry(5, "web-1", types.LevelError))
	agg.Observe(entry(15, "web-1", types.LevelError))
	agg.Observe(entry(70, "web-1", types.LevelError))

	agg.Advance(at(70))
	mw, _ := agg.Snapshot("web-1")
	assert.Equal(t, 2, mw.Count(types.LevelError), "window (10s, 70s] drops the entry at 5s")
}

func TestAggregator_ResolutionDividesWindow(t *testing.T) {
	assert.Equal(t, 20*time.Second, New(time.Minute, 1, WithResolution(40*time.Second)).Resolution())
	assert.Equal(t, time.Minute, New(time.Minute, 1).Resolution())
}

func TestAggregator_OrderIndependent(t *testing.T) {
	var entries []types.LogEntry
	hosts := []string{"a", "b", "c"}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		entries = append(entries, entry(rng.Intn(60)+1, hosts[rng.Intn(len(hosts))], types.Levels[rng.Intn(len(types.Levels))]))
	}

	want := map[string]map[types.Level]int{}
	for _, e := range entries {
		if want[e.Host] == nil {
			want[e.Host] = map[types.Level]int{}
		}
		want[e.Host][e.Level]++
	}

	for round := 0; round < 5; round++ {
		rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })

		agg := New(time.Minute, 1)
		for _, e := range entries {
			require.True(t, agg.Observe(e))
		}
		agg.Advance(at(60))

		for _, h := range hosts {
			mw, ok := agg.Snapshot(h)
			require.True(t, ok)
			assert.Equal(t, want[h], mw.Counts, "host %s round %d", h, round)
		}
	}
}

func TestAggregator_EvictionAndLateDrops(t *testing.T) {
	agg := New(time.Minute, 1)

	agg.Observe(entry(30, "web-1", types.LevelError))
	agg.Advance(at(200))

	assert.Empty(t, agg.Keys(), "window (0, 60] ends before 200-60")

	assert.False(t, agg.Observe(entry(45, "web-1", types.LevelError)))
	assert.Equal(t, 1, agg.Late())

	// previous window is still retained
	assert.True(t, agg.Observe(entry(170, "web-1", types.LevelError)))
	assert.Equal(t, 1, agg.Late())
}

func TestAggregator_AdvanceNeverRewinds(t *testing.T) {
	agg := New(time.Minute, 2)
	agg.Advance(at(300))
	agg.Advance(at(100))
	assert.True(t, agg.Watermark().Equal(at(300)))
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	agg := New(time.Minute, 2)
	agg.Observe(entry(10, "web-1", types.LevelError))
	agg.Advance(at(10))

	mw, _ := agg.Snapshot("web-1")
	mw.Counts[types.LevelError] = 99

	again, _ := agg.Snapshot("web-1")
	assert.Equal(t, 1, again.Count(types.LevelError))
}

func TestAggregator_SnapshotMissingKey(t *testing.T) {
	agg := New(time.Minute, 2)
	agg.Advance(at(10))

	mw, ok := agg.Snapshot("ghost")
	assert.False(t, ok)
	assert.Equal(t, 0, mw.Count(types.LevelError))
}

func TestAggregator_KeysSorted(t *testing.T) {
	agg := New(time.Minute, 2)
	for _, h := range []string{"c", "a", "b"} {
		agg.Observe(entry(5, h, types.LevelInfo))
	}
	assert.Equal(t, []string{"a", "b", "c"}, agg.Keys())
}

func TestAggregator_KeyCap(t *testing.T) {
	agg := New(time.Minute, 2, WithMaxTrackedKeys(2))

	agg.Observe(entry(5, "busy", types.LevelError))
	agg.Observe(entry(6, "busy", types.LevelError))
	agg.Observe(entry(7, "quiet", types.LevelError))
	agg.Observe(entry(8, "new", types.LevelError))

	assert.Equal(t, []string{"busy", "new"}, agg.Keys())
	assert.Equal(t, 1, agg.Evicted())
}

func TestAggregator_Concurrency(t *testing.T) {
	agg := New(time.Hour, 2)

	var wg sync.WaitGroup
	iterations := 100

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				agg.Observe(entry(1, "1.2.3.4", types.LevelError))
			}
		}()
	}

	wg.Wait()

	agg.Advance(at(1))
	mw, _ := agg.Snapshot("1.2.3.4")
	if mw.Count(types.LevelError) != 10*iterations {
		t.Errorf("Expected %d errors, got %d", 10*iterations, mw.Count(types.LevelError))
	}
}
