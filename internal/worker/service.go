// Package worker exposes the tracking engine over HTTP: unit loading and
// session control, playback position and pitch ingest, stored performances
// and the SSE event stream the drawing surface listens to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/capture"
	"github.com/thebtf/cadenza/internal/config"
	"github.com/thebtf/cadenza/internal/engine"
	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/internal/playback"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/internal/score/library"
	"github.com/thebtf/cadenza/internal/worker/sse"
	"github.com/thebtf/cadenza/pkg/models"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 5 * time.Second

// Controller is the engine API the HTTP handlers drive.
type Controller interface {
	LoadUnit(ctx context.Context, req score.Request) error
	ChangePart(ctx context.Context, part string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Finish(ctx context.Context) error
	RenderReady(ctx context.Context) error
	Status(ctx context.Context) (engine.Status, error)
}

// Archive reads performances kept by the local backend.
type Archive interface {
	persistence.Lister
	GetPerformance(ctx context.Context, id string) (*models.StoredPerformance, error)
}

// Options wires a Service. Engine and Broadcaster are required; Clock,
// Capture, Archive and Library enable their endpoints when set.
type Options struct {
	Version     string
	Config      *config.Config
	Engine      Controller
	Clock       *playback.Reported
	Capture     *capture.Push
	Archive     Archive
	Library     *library.Library
	Broadcaster *sse.Broadcaster
	Surface     *Surface
}

// RequestStats counts handled API requests.
type RequestStats struct {
	TotalRequests   int64 `json:"total_requests"`
	ControlRequests int64 `json:"control_requests"`
	IngestRequests  int64 `json:"ingest_requests"`
	FailedRequests  int64 `json:"failed_requests"`
}

// Service is the worker HTTP service.
type Service struct {
	version     string
	config      *config.Config
	engine      Controller
	clock       *playback.Reported
	capture     *capture.Push
	archive     Archive
	library     *library.Library
	broadcaster *sse.Broadcaster
	surface     *Surface
	router      *chi.Mux
	startTime   time.Time
	ready       atomic.Bool

	totalRequests   atomic.Int64
	controlRequests atomic.Int64
	ingestRequests  atomic.Int64
	failedRequests  atomic.Int64
}

// NewService creates the service and its routes.
func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("worker: engine is required")
	}
	if opts.Broadcaster == nil {
		return nil, errors.New("worker: broadcaster is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	s := &Service{
		version:     opts.Version,
		config:      opts.Config,
		engine:      opts.Engine,
		clock:       opts.Clock,
		capture:     opts.Capture,
		archive:     opts.Archive,
		library:     opts.Library,
		broadcaster: opts.Broadcaster,
		surface:     opts.Surface,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	s.broadcaster.SetAllowedOrigins(s.config.AllowedOrigins)
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// SetReady marks the service ready or not for the readiness probes.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// GetRequestStats returns the request counters.
func (s *Service) GetRequestStats() RequestStats {
	return RequestStats{
		TotalRequests:   s.totalRequests.Load(),
		ControlRequests: s.controlRequests.Load(),
		IngestRequests:  s.ingestRequests.Load(),
		FailedRequests:  s.failedRequests.Load(),
	}
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)
	r.Use(s.cors)

	r.Get("/", serveIndex)
	r.Get("/assets/*", serveAssets)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/version", s.handleVersion)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.broadcaster.HandleSSE)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)
			r.Use(requestLogger)

			r.Get("/status", s.handleStatus)
			r.Post("/units", s.handleLoadUnit)
			r.Post("/units/part", s.handleChangePart)
			r.Post("/render/ready", s.handleRenderReady)
			r.Post("/session/start", s.handleStart)
			r.Post("/session/stop", s.handleStop)
			r.Post("/session/finish", s.handleFinish)

			r.Get("/performances", s.handleListPerformances)
			r.Get("/performances/{id}", s.handleGetPerformance)

			r.Get("/library", s.handleLibrary)
			r.Post("/library/reload", s.handleLibraryReload)
		})

		// High-rate ingest, not logged per request.
		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)
			r.Post("/playback/position", s.handlePosition)
			r.Post("/pitch", s.handlePitch)
		})
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx so open event streams end with it.
func (s *Service) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.WorkerHost, strconv.Itoa(s.config.WorkerPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	s.ready.Store(true)
	log.Info().Str("addr", addr).Str("version", s.version).Msg("Worker listening")

	select {
	case err := <-errCh:
		s.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Worker stopped")
	return nil
}

// requireReady rejects requests until the service is ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "service not ready", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and sets the allow-origin header for
// origins in the configured list. An empty list or "*" allows any origin.
func (s *Service) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, o := range s.config.AllowedOrigins {
		allowed[o] = true
	}
	if allowed["*"] {
		clear(allowed)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && origin != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.totalRequests.Add(1)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusBadRequest {
			s.failedRequests.Add(1)
		}
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
