package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cadenza/internal/api"
	"github.com/thebtf/cadenza/internal/capture"
	"github.com/thebtf/cadenza/internal/config"
	"github.com/thebtf/cadenza/internal/engine"
	"github.com/thebtf/cadenza/internal/pagination"
	"github.com/thebtf/cadenza/internal/playback"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/internal/score/library"
	"github.com/thebtf/cadenza/internal/session"
	"github.com/thebtf/cadenza/internal/worker/sse"
	"github.com/thebtf/cadenza/pkg/models"
)

// fakeEngine records commands and returns a scripted error.
type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	loaded []score.Request
	part   string
	err    error
	status engine.Status
}

func (f *fakeEngine) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeEngine) LoadUnit(_ context.Context, req score.Request) error {
	f.mu.Lock()
	f.loaded = append(f.loaded, req)
	f.mu.Unlock()
	return f.record("load")
}

func (f *fakeEngine) ChangePart(_ context.Context, part string) error {
	f.mu.Lock()
	f.part = part
	f.mu.Unlock()
	return f.record("part")
}

func (f *fakeEngine) Start(context.Context) error       { return f.record("start") }
func (f *fakeEngine) Stop(context.Context) error        { return f.record("stop") }
func (f *fakeEngine) Finish(context.Context) error      { return f.record("finish") }
func (f *fakeEngine) RenderReady(context.Context) error { return f.record("render") }

func (f *fakeEngine) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEngine) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeArchive struct {
	perfs     []models.StoredPerformance
	gotSource string
	gotLimit  int
}

func (a *fakeArchive) ListPerformances(_ context.Context, sourceID string, limit int) ([]models.StoredPerformance, error) {
	a.gotSource, a.gotLimit = sourceID, limit
	return a.perfs, nil
}

func (a *fakeArchive) GetPerformance(_ context.Context, id string) (*models.StoredPerformance, error) {
	for i := range a.perfs {
		if a.perfs[i].ID == id {
			return &a.perfs[i], nil
		}
	}
	return nil, nil
}

type testEnv struct {
	svc     *Service
	engine  *fakeEngine
	clock   *playback.Reported
	capture *capture.Push
	archive *fakeArchive
}

// testService creates a ready Service over fakes.
func testService(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		engine: &fakeEngine{status: engine.Status{
			State:    session.StateIdle,
			SourceID: "ave",
			Pages:    2,
			Window:   pagination.Window{MeasureStart: 1, MeasureEnd: 21},
		}},
		clock:   playback.NewReported(),
		capture: capture.NewPush(20 * time.Millisecond),
		archive: &fakeArchive{},
	}

	svc, err := NewService(Options{
		Version:     "test-version",
		Config:      config.Default(),
		Engine:      env.engine,
		Clock:       env.clock,
		Capture:     env.capture,
		Archive:     env.archive,
		Broadcaster: sse.NewBroadcaster(),
	})
	require.NoError(t, err)
	svc.SetReady(true)
	env.svc = svc
	return env
}

func (env *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestNewServiceRequiresEngine(t *testing.T) {
	_, err := NewService(Options{Broadcaster: sse.NewBroadcaster()})
	assert.Error(t, err)

	_, err = NewService(Options{Engine: &fakeEngine{}})
	assert.Error(t, err)
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]any
	decodeBody(t, rec, &response)
	assert.Equal(t, "ready", response["status"])
	assert.Equal(t, "test-version", response["version"])
}

func TestHandleVersion(t *testing.T) {
	env := testService(t)
	env.svc.version = "v2.0.0-beta"

	rec := env.do(http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	decodeBody(t, rec, &response)
	assert.Equal(t, "v2.0.0-beta", response["version"])
}

func TestHandleReady(t *testing.T) {
	env := testService(t)

	env.svc.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/ready", "").Code)

	env.svc.SetReady(true)
	rec := env.do(http.MethodGet, "/api/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var response map[string]string
	decodeBody(t, rec, &response)
	assert.Equal(t, "ready", response["status"])
}

func TestRequireReadyMiddleware_Blocks(t *testing.T) {
	env := testService(t)
	env.svc.SetReady(false)

	rec := env.do(http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, env.engine.callNames())
}

func TestRequireReadyMiddleware_Allows(t *testing.T) {
	env := testService(t)

	handler := env.svc.requireReady(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestHandleStatus(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st map[string]any
	decodeBody(t, rec, &st)
	assert.Equal(t, "idle", st["state"])
	assert.Equal(t, "ave", st["source_id"])
	assert.Equal(t, float64(2), st["pages"])
}

func TestHandleLoadUnit(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodPost, "/api/units",
		`{"sourceId":"ave","kind":"exercise","part":"Bass","measureStart":3,"measureEnd":7}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.engine.loaded, 1)
	assert.Equal(t, score.Request{
		SourceID:     "ave",
		Kind:         models.UnitExercise,
		PartName:     "Bass",
		MeasureStart: 3,
		MeasureEnd:   7,
	}, env.engine.loaded[0])
}

func TestHandleLoadUnit_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		engineErr  error
		wantStatus int
	}{
		{"malformed body", `{"sourceId":`, nil, http.StatusBadRequest},
		{"invalid request", `{"kind":"sheet_music"}`, fmt.Errorf("%w: source id is required", score.ErrInvalidRequest), http.StatusBadRequest},
		{"unknown unit", `{"sourceId":"x","kind":"sheet_music"}`, fmt.Errorf("fetch unit x: %w", score.ErrUnitNotFound), http.StatusNotFound},
		{"upstream failure", `{"sourceId":"x","kind":"sheet_music"}`, &api.StatusError{Method: "GET", Path: "/sheet-music/part", Status: 500}, http.StatusBadGateway},
		{"bad unit data", `{"sourceId":"x","kind":"sheet_music"}`, fmt.Errorf("unit x: %w", pagination.ErrMissingMeasures), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testService(t)
			env.engine.setErr(tt.engineErr)

			rec := env.do(http.MethodPost, "/api/units", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandleChangePart(t *testing.T) {
	env := testService(t)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/units/part", `{}`).Code)

	rec := env.do(http.MethodPost, "/api/units/part", `{"part":"Alto"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alto", env.engine.part)
}

func TestSessionControl(t *testing.T) {
	env := testService(t)

	for _, path := range []string{"/api/render/ready", "/api/session/start", "/api/session/stop", "/api/session/finish"} {
		rec := env.do(http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, []string{"render", "start", "stop", "finish"}, env.engine.callNames())
	assert.Equal(t, int64(4), env.svc.GetRequestStats().ControlRequests)
}

func TestSessionControl_Conflicts(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{engine.ErrNoUnit, http.StatusConflict},
		{engine.ErrRecording, http.StatusConflict},
		{engine.ErrNotRecording, http.StatusConflict},
		{engine.ErrNotRunning, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			env := testService(t)
			env.engine.setErr(tt.err)
			assert.Equal(t, tt.wantStatus, env.do(http.MethodPost, "/api/session/stop", "").Code)
			assert.Equal(t, int64(1), env.svc.GetRequestStats().FailedRequests)
		})
	}
}

func TestHandlePosition(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodPost, "/api/playback/position", `{"seconds":12.5,"finished":true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 12.5, env.clock.Seconds())
	assert.True(t, env.clock.Finished())

	select {
	case <-env.clock.Ticks():
	default:
		t.Fatal("position report should tick the clock")
	}

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/playback/position", `{}`).Code)

	env.svc.clock = nil
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/playback/position", `{"seconds":1}`).Code)
}

func TestHandlePitch(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodPost, "/api/pitch", `{"frequencyHz":440}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	hz, ok, err := env.capture.GetPitchSample(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 440.0, hz)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodPost, "/api/pitch", `{}`).Code)
	_, ok, err = env.capture.GetPitchSample(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/pitch", `{"frequencyHz":"loud"}`).Code)
	assert.Equal(t, int64(3), env.svc.GetRequestStats().IngestRequests)

	env.svc.capture = nil
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/pitch", `{"frequencyHz":440}`).Code)
}

func TestHandleListPerformances(t *testing.T) {
	env := testService(t)
	env.archive.perfs = []models.StoredPerformance{
		{ID: "p1", SourceID: "ave", Status: models.PerformanceStatusClosed},
	}

	rec := env.do(http.MethodGet, "/api/performances?sourceId=ave&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ave", env.archive.gotSource)
	assert.Equal(t, 5, env.archive.gotLimit)

	var perfs []map[string]any
	decodeBody(t, rec, &perfs)
	require.Len(t, perfs, 1)
	assert.Equal(t, "p1", perfs[0]["performance_id"])

	env.do(http.MethodGet, "/api/performances", "")
	assert.Equal(t, DefaultPerformanceLimit, env.archive.gotLimit)
}

func TestHandleListPerformances_Empty(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodGet, "/api/performances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	env.svc.archive = nil
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/performances", "").Code)
}

func TestHandleGetPerformance(t *testing.T) {
	env := testService(t)
	env.archive.perfs = []models.StoredPerformance{{ID: "p1", SourceID: "ave"}}

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/performances/p1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/performances/p2", "").Code)
}

func TestHandleLibrary(t *testing.T) {
	env := testService(t)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/library", "").Code)

	path := filepath.Join(t.TempDir(), "library.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
units:
  - source_id: ave
    part: Soprano
    stream: [60, 2]
    measure_lengths: [2]
`), 0600))
	lib, err := library.Open(path)
	require.NoError(t, err)
	env.svc.library = lib

	rec := env.do(http.MethodGet, "/api/library", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []librarySource
	decodeBody(t, rec, &sources)
	require.Len(t, sources, 1)
	assert.Equal(t, "ave", sources[0].SourceID)
	assert.Equal(t, []string{"Soprano"}, sources[0].Parts)

	require.NoError(t, os.WriteFile(path, []byte(`
units:
  - source_id: ave
    part: Soprano
    stream: [60, 2]
    measure_lengths: [2]
  - source_id: kyrie
    part: Tenor
    stream: [55, 4]
    measure_lengths: [4]
`), 0600))
	rec = env.do(http.MethodPost, "/api/library/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &sources)
	assert.Len(t, sources, 2)
}

func TestCORS(t *testing.T) {
	env := testService(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/pitch", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	svc, err := NewService(Options{Config: cfg, Engine: &fakeEngine{}, Broadcaster: sse.NewBroadcaster()})
	require.NoError(t, err)
	svc.SetReady(true)

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeIndex(t *testing.T) {
	env := testService(t)

	rec := env.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cadenza")

	rec = env.do(http.MethodGet, "/assets/monitor.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/assets/missing.js", "").Code)
}

func TestHandleStats(t *testing.T) {
	env := testService(t)
	env.do(http.MethodGet, "/api/health", "")

	rec := env.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	decodeBody(t, rec, &stats)
	assert.Equal(t, float64(0), stats["sse_clients"])
	assert.Equal(t, true, stats["ready"])
	requests := stats["requests"].(map[string]any)
	assert.Equal(t, float64(2), requests["total_requests"])
}

func TestParseLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"?limit=5", 5},
		{"?limit=0", 20},
		{"?limit=-3", 20},
		{"?limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/performances"+tt.query, nil)
		assert.Equal(t, tt.want, parseLimitParam(r, 20), tt.query)
	}
}

func TestServiceRunShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerHost = "127.0.0.1"
	cfg.WorkerPort = 0
	svc, err := NewService(Options{Config: cfg, Engine: &fakeEngine{}, Broadcaster: sse.NewBroadcaster()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, svc.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, svc.ready.Load())
}
