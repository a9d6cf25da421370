package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/api"
	"github.com/thebtf/cadenza/internal/capture"
	"github.com/thebtf/cadenza/internal/engine"
	"github.com/thebtf/cadenza/internal/pagination"
	"github.com/thebtf/cadenza/internal/pitch"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/internal/score/library"
	"github.com/thebtf/cadenza/pkg/models"
)

// DefaultPerformanceLimit is the listing size when no limit is given.
const DefaultPerformanceLimit = 20

var (
	errBadRequest    = errors.New("malformed request body")
	errNoArchive     = errors.New("performance listing needs the local backend")
	errNoLibrary     = errors.New("no local library configured")
	errClockNotFed   = errors.New("playback clock is not externally reported")
	errCaptureNotFed = errors.New("pitch capture is not fed over HTTP")
	errNotFound      = errors.New("not found")
)

// statusFor maps engine and provider errors to HTTP status codes.
func statusFor(err error) int {
	var upstream *api.StatusError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, score.ErrInvalidRequest),
		errors.Is(err, capture.ErrInvalidFrequency),
		errors.Is(err, library.ErrRangeOutside):
		return http.StatusBadRequest
	case errors.Is(err, score.ErrUnitNotFound), errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoUnit),
		errors.Is(err, engine.ErrRecording),
		errors.Is(err, engine.ErrNotRecording),
		errors.Is(err, errClockNotFed),
		errors.Is(err, errCaptureNotFed):
		return http.StatusConflict
	case errors.Is(err, pagination.ErrInvalidBounds),
		errors.Is(err, pagination.ErrMissingMeasures),
		errors.Is(err, pitch.ErrInvertedBounds),
		errors.Is(err, models.ErrEmptyStream),
		errors.Is(err, models.ErrInvalidDuration):
		return http.StatusUnprocessableEntity
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errNoArchive),
		errors.Is(err, errNoLibrary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, err)
}

// handleHealth reports liveness and version.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady is the readiness probe.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sse_clients":    s.broadcaster.ClientCount(),
		"requests":       s.GetRequestStats(),
		"ready":          s.ready.Load(),
	}
	if s.surface != nil {
		stats["feedback_dropped"] = s.surface.Dropped()
		stats["render_pending"] = s.surface.PendingRender()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// control runs an engine command and answers with the resulting status.
func (s *Service) control(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	s.controlRequests.Add(1)
	ctx := r.Context()
	if err := fn(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleLoadUnit(w http.ResponseWriter, r *http.Request) {
	var req score.Request
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	s.control(w, r, func(ctx context.Context) error {
		return s.engine.LoadUnit(ctx, req)
	})
}

func (s *Service) handleChangePart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Part string `json:"part"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	if body.Part == "" {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("part is required")))
		return
	}
	s.control(w, r, func(ctx context.Context) error {
		return s.engine.ChangePart(ctx, body.Part)
	})
}

func (s *Service) handleRenderReady(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.RenderReady)
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Start)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Stop)
}

func (s *Service) handleFinish(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Finish)
}

// handlePosition receives the player's playback position.
func (s *Service) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.ingestRequests.Add(1)
	if s.clock == nil {
		s.fail(w, r, errClockNotFed)
		return
	}
	var body struct {
		Seconds  *float64 `json:"seconds"`
		Finished bool     `json:"finished"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Seconds == nil {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("seconds is required"), err))
		return
	}
	s.clock.Report(*body.Seconds, body.Finished)
	w.WriteHeader(http.StatusNoContent)
}

// handlePitch receives one estimator reading. A missing or zero frequency
// means no pitch was detected.
func (s *Service) handlePitch(w http.ResponseWriter, r *http.Request) {
	s.ingestRequests.Add(1)
	if s.capture == nil {
		s.fail(w, r, errCaptureNotFed)
		return
	}
	var body struct {
		FrequencyHz float64 `json:"frequencyHz"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	if err := s.capture.Submit(body.FrequencyHz); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListPerformances(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.fail(w, r, errNoArchive)
		return
	}
	limit := parseLimitParam(r, DefaultPerformanceLimit)
	perfs, err := s.archive.ListPerformances(r.Context(), r.URL.Query().Get("sourceId"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if perfs == nil {
		perfs = []models.StoredPerformance{}
	}
	writeJSON(w, http.StatusOK, perfs)
}

func (s *Service) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.fail(w, r, errNoArchive)
		return
	}
	perf, err := s.archive.GetPerformance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if perf == nil {
		s.fail(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

type librarySource struct {
	SourceID string   `json:"source_id"`
	Parts    []string `json:"parts"`
}

func (s *Service) handleLibrary(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		s.fail(w, r, errNoLibrary)
		return
	}
	reg := s.library.Registry()
	sources := make([]librarySource, 0)
	for _, id := range reg.Sources() {
		sources = append(sources, librarySource{SourceID: id, Parts: reg.Parts(id)})
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Service) handleLibraryReload(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		s.fail(w, r, errNoLibrary)
		return
	}
	if err := s.library.Reload(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleLibrary(w, r)
}
