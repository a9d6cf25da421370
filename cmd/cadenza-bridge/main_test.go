package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	tests := []struct {
		line    string
		want    float64
		wantErr bool
	}{
		{"440", 440, false},
		{" 261.63 ", 261.63, false},
		{"", 0, false},
		{"-", 0, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseReading(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestSplitTypes(t *testing.T) {
	assert.Equal(t, map[string]bool{"feedback": true, "reset": true}, splitTypes("feedback, reset,"))
	assert.Empty(t, splitTypes(""))
}

func TestCopyEventsFilters(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"reset"}`,
		``,
		`data: {"type":"feedback","data":{"band":"match"}}`,
		``,
		`: keepalive`,
		`data: not json`,
		``,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, copyEvents(strings.NewReader(stream), map[string]bool{"feedback": true}, &out))
	assert.Equal(t, `{"type":"feedback","data":{"band":"match"}}`+"\n", out.String())

	out.Reset()
	require.NoError(t, copyEvents(strings.NewReader(stream), nil, &out))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}

func TestForwardReadings(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := forwardReadings(context.Background(), srv.Client(), srv.URL, strings.NewReader("440\nbad\n-\n"))
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"frequencyHz":440}`, `{"frequencyHz":0}`}, bodies)
}

func TestStreamEventsEndsWithWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"feedback\"}\n\n"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := streamEvents(context.Background(), srv.Client(), srv.URL, nil, &out)
	assert.ErrorIs(t, err, errEventStreamClosed)
	assert.Equal(t, "{\"type\":\"feedback\"}\n", out.String())
}
