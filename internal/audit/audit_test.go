package audit

import (
	"alertpipe/internal/types"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	at := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	require.NoError(t, l.RecordAttempt(types.DeliveryAttempt{AlertID: "a1", Sink: "hook", AttemptNumber: 1, Timestamp: at, Outcome: types.OutcomeFailed, Error: "status 502"}))
	require.NoError(t, l.RecordAttempt(types.DeliveryAttempt{AlertID: "a1", Sink: "hook", AttemptNumber: 2, Timestamp: at, Outcome: types.OutcomeSuccess}))

	got, skipped, err := Read(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, got, 2)
	assert.Equal(t, types.OutcomeFailed, got[0].Outcome)
	assert.Equal(t, "status 502", got[0].Error)
	assert.Equal(t, 2, got[1].AttemptNumber)
	assert.True(t, got[1].Timestamp.Equal(at))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.RecordAttempt(types.DeliveryAttempt{AlertID: "a", AttemptNumber: n, Outcome: types.OutcomeSuccess})
		}(i)
	}
	wg.Wait()

	got, skipped, err := Read(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, got, 20)
}

func TestRead_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"alert_id\":\"a\"}\nnot json\n\n{\"alert_id\":\"b\"}\n"), 0600))

	got, skipped, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, got, 2)
}

func TestRead_MissingFile(t *testing.T) {
	_, _, err := Read(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
