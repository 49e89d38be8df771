package dispatch

import (
	"alertpipe/internal/types"
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink := NewFileSink("file", path)

	require.NoError(t, sink.Send(context.Background(), alert("a1", types.SeverityWarning)))
	require.NoError(t, sink.Send(context.Background(), alert("a1", types.SeverityResolved)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []types.Alert
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a types.Alert
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		got = append(got, a)
	}
	require.Len(t, got, 2)
	assert.Equal(t, types.SeverityWarning, got[0].Severity)
	assert.Equal(t, types.SeverityResolved, got[1].Severity)
	assert.Equal(t, "web-1", got[1].Key)
}

func TestFileSink_UnwritablePath(t *testing.T) {
	sink := NewFileSink("file", filepath.Join(t.TempDir(), "missing", "alerts.jsonl"))
	assert.Error(t, sink.Send(context.Background(), alert("a1", types.SeverityWarning)))
}

func TestWebhookSink_Payload(t *testing.T) {
	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer srv.Close()

	sink := NewWebhookSink("hook", srv.URL, map[string]string{"X-Token": "secret"}, time.Second)
	require.NoError(t, sink.Send(context.Background(), alert("a1", types.SeverityCritical)))

	assert.Equal(t, "a1", payload.Alert.ID)
	assert.Contains(t, payload.Content, "CRITICAL")
	assert.Contains(t, payload.Content, "web-1")
}

func TestWebhookSink_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink("hook", srv.URL, nil, 0).Send(context.Background(), alert("a1", types.SeverityWarning))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNewSink(t *testing.T) {
	s, err := NewSink(types.SinkConfig{Name: "h", Type: "webhook", URL: "http://localhost"})
	require.NoError(t, err)
	assert.Equal(t, "h", s.Name())

	s, err = NewSink(types.SinkConfig{Name: "f", Type: "file", Path: "/tmp/x"})
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	_, err = NewSink(types.SinkConfig{Type: "carrier-pigeon"})
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
