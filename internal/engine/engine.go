// Package engine ties playback position, pitch capture, pagination and the
// recording session together on a single event loop.
//
// Every mutation of engine state happens on the goroutine running Run.
// Public methods post commands to that loop and wait for the result;
// persistence calls and pitch capture run on their own goroutines and hand
// their results back through channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/capture"
	"github.com/thebtf/cadenza/internal/feedback"
	"github.com/thebtf/cadenza/internal/pagination"
	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/internal/pitch"
	"github.com/thebtf/cadenza/internal/playback"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/internal/session"
	"github.com/thebtf/cadenza/pkg/models"
)

var (
	// ErrNoUnit is returned when an operation needs a loaded unit.
	ErrNoUnit = errors.New("no unit loaded")
	// ErrRecording is returned by Start while a session is recording.
	ErrRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop and Finish with nothing to stop.
	ErrNotRecording = session.ErrNotRecording
	// ErrNotRunning is returned when the loop has exited.
	ErrNotRunning = errors.New("engine is not running")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("engine is already running")
)

// Renderer is the score drawing surface.
type Renderer = pagination.Renderer

// FeedbackSink receives every published classification.
type FeedbackSink interface {
	Publish(fb feedback.Feedback)
}

// Config holds the engine tunables.
type Config struct {
	BarsPerPage int
	Window      int
	Thresholds  feedback.Thresholds
	CallTimeout time.Duration
	// Fallback live average bounds for units that carry none. Silence means
	// unbounded.
	DefaultLower models.Pitch
	DefaultUpper models.Pitch
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		BarsPerPage:  pagination.DefaultBarsPerPage,
		Window:       pitch.DefaultWindow,
		Thresholds:   feedback.DefaultThresholds(),
		CallTimeout:  session.DefaultCallTimeout,
		DefaultLower: models.Silence,
		DefaultUpper: models.Silence,
	}
}

// Deps are the engine collaborators. Provider, Store, Clock and Capture are
// required.
type Deps struct {
	Provider score.Provider
	Store    persistence.Store
	Clock    playback.Clock
	Capture  capture.Source
	Renderer Renderer
	Sink     FeedbackSink
	Metrics  *Metrics
}

// Status is a snapshot of the engine for the control API.
type Status struct {
	State        session.State             `json:"state"`
	SessionID    string                    `json:"session_id,omitempty"`
	SourceID     string                    `json:"source_id,omitempty"`
	ExerciseID   string                    `json:"exercise_id,omitempty"`
	Kind         models.UnitKind           `json:"kind,omitempty"`
	Part         string                    `json:"part,omitempty"`
	PartList     []string                  `json:"part_list,omitempty"`
	GetsFeedback bool                      `json:"gets_feedback"`
	RenderReady  bool                      `json:"render_ready"`
	PendingStart bool                      `json:"pending_start"`
	Page         int                       `json:"page"`
	Pages        int                       `json:"pages"`
	Window       pagination.Window         `json:"window"`
	Measure      int                       `json:"measure"`
	Seconds      float64                   `json:"seconds"`
	Expected     models.Pitch              `json:"expected"`
	Live         models.Pitch              `json:"live"`
	Band         feedback.Band             `json:"band,omitempty"`
	Record       *models.PerformanceRecord `json:"record,omitempty"`
	QueueDepth   int                       `json:"queue_depth"`
	Sessions     int                       `json:"sessions"`
	Counters     Counters                  `json:"counters"`
}

type command struct {
	fn    func() error
	reply chan error
}

type reading struct {
	gen int
	hz  float64
	ok  bool
	err error
}

// Engine is the real-time tracking engine.
type Engine struct {
	cfg      Config
	provider score.Provider
	clock    playback.Clock
	capture  capture.Source
	renderer Renderer
	sink     FeedbackSink
	metrics  *Metrics

	cmds     chan command
	conts    chan session.Continuation
	readings chan reading
	done     chan struct{}
	running  atomic.Bool

	// Owned by the loop.
	runCtx       context.Context
	sched        *pagination.Scheduler
	sessions     *session.Manager
	unit         *models.Unit
	req          score.Request
	renderReady  bool
	pendingStart bool
	expected     models.Pitch
	last         *feedback.Feedback
	stopSampler  context.CancelFunc
	samplerGen   int
}

// New creates an engine. Call Run to start its loop.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Provider == nil:
		return nil, errors.New("engine: score provider is required")
	case deps.Store == nil:
		return nil, errors.New("engine: persistence store is required")
	case deps.Clock == nil:
		return nil, errors.New("engine: playback clock is required")
	case deps.Capture == nil:
		return nil, errors.New("engine: capture source is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.BarsPerPage < 2 {
		return nil, fmt.Errorf("engine: bars per page %d: %w", cfg.BarsPerPage, pagination.ErrInvalidBounds)
	}
	if err := checkBounds(cfg.DefaultLower, cfg.DefaultUpper); err != nil {
		return nil, fmt.Errorf("engine: default bounds: %w", err)
	}
	if deps.Renderer == nil {
		deps.Renderer = nopRenderer{}
	}
	if deps.Metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("engine: metrics: %w", err)
		}
		deps.Metrics = m
	}

	e := &Engine{
		cfg:      cfg,
		provider: deps.Provider,
		clock:    deps.Clock,
		capture:  deps.Capture,
		renderer: deps.Renderer,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		cmds:     make(chan command),
		conts:    make(chan session.Continuation),
		readings: make(chan reading),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		expected: models.Silence,
	}
	e.sched = pagination.NewScheduler(e.renderer, nil)
	e.sessions = session.NewManager(deps.Store, loopExecutor{e: e})
	return e, nil
}

// Run drives the engine until ctx is cancelled. On exit it stops any
// recording and waits, bounded by the call timeout, for queued persistence
// calls to resolve.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)
	e.runCtx = ctx

	log.Info().Msg("Engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			log.Info().Msg("Engine loop stopped")
			return nil
		case c := <-e.cmds:
			c.reply <- c.fn()
		case cont := <-e.conts:
			if cont != nil {
				cont()
			}
		case <-e.clock.Ticks():
			e.onTick()
		case r := <-e.readings:
			e.onReading(r)
		}
	}
}

// do runs fn on the loop and returns its error.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- command{fn: fn, reply: reply}:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadUnit fetches a unit and makes it current. A running session is
// stopped first.
func (e *Engine) LoadUnit(ctx context.Context, req score.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	unit, err := e.provider.FetchUnit(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch unit %s: %w", req.SourceID, err)
	}
	return e.do(ctx, func() error {
		return e.applyUnit(unit, req)
	})
}

// ChangePart reloads the current unit for another part.
func (e *Engine) ChangePart(ctx context.Context, part string) error {
	var req score.Request
	err := e.do(ctx, func() error {
		if e.unit == nil {
			return ErrNoUnit
		}
		req = e.req
		return nil
	})
	if err != nil {
		return err
	}
	req.PartName = part
	return e.LoadUnit(ctx, req)
}

// Start begins recording. Before the surface has rendered the loaded unit
// the start is deferred until RenderReady.
func (e *Engine) Start(ctx context.Context) error {
	return e.do(ctx, e.start)
}

// Stop ends the recording at the user's request.
func (e *Engine) Stop(ctx context.Context) error {
	return e.do(ctx, func() error { return e.end("stop") })
}

// Finish ends the recording because playback reached the end.
func (e *Engine) Finish(ctx context.Context) error {
	return e.do(ctx, func() error { return e.end("finish") })
}

// RenderReady tells the engine the surface has drawn the current window.
func (e *Engine) RenderReady(ctx context.Context) error {
	return e.do(ctx, e.rendered)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() error {
		st = e.status()
		return nil
	})
	return st, err
}

func (e *Engine) status() Status {
	st := Status{
		State:        session.StateIdle,
		RenderReady:  e.renderReady,
		PendingStart: e.pendingStart,
		Page:         e.sched.Page(),
		Window:       e.sched.Window(),
		Seconds:      e.clock.Seconds(),
		Expected:     e.expected,
		Live:         models.Silence,
		QueueDepth:   e.sessions.GetTotalQueueDepth(),
		Sessions:     e.sessions.GetActiveSessionCount(),
		Counters:     e.metrics.Snapshot(),
	}
	if l := e.sched.Layout(); l != nil {
		st.Pages = l.Pages()
		st.Measure = l.MeasureAt(st.Seconds)
	}
	if u := e.unit; u != nil {
		st.SourceID = u.SourceID
		st.ExerciseID = u.ExerciseID
		st.Kind = u.Kind
		st.Part = u.Part
		st.PartList = append([]string(nil), u.PartList...)
		st.GetsFeedback = u.GetsFeedback
	}
	if s := e.sessions.Current(); s != nil {
		st.State = s.State()
		st.SessionID = s.ID
		st.Live = s.Live().Average()
		rec := s.Record()
		st.Record = &rec
	}
	if e.last != nil {
		st.Band = e.last.Band
	}
	return st
}

func (e *Engine) recording() *session.Session {
	s := e.sessions.Current()
	if s == nil || s.State() != session.StateRecording {
		return nil
	}
	return s
}

func (e *Engine) applyUnit(unit *models.Unit, req score.Request) error {
	if err := unit.Stream.Validate(); err != nil {
		return fmt.Errorf("unit %s: %w", unit.SourceID, err)
	}
	if err := checkBounds(unit.Lower, unit.Upper); err != nil {
		return fmt.Errorf("unit %s: %w", unit.SourceID, err)
	}

	var layout *pagination.Layout
	if unit.HasMeasureLengths() {
		bars := e.cfg.BarsPerPage
		if unit.Kind == models.UnitPerformance {
			// The whole piece on one page.
			bars = len(unit.MeasureLengths) + 1
		}
		var err error
		layout, err = pagination.NewLayout(unit.MeasureLengths, unit.MeasureStart, unit.MeasureEnd, bars)
		if err != nil {
			return fmt.Errorf("unit %s: %w", unit.SourceID, err)
		}
	}

	if e.recording() != nil {
		log.Info().
			Str("sourceId", unit.SourceID).
			Msg("Unit changed while recording, stopping session")
		if err := e.end("unit_change"); err != nil {
			return err
		}
	}

	e.unit = unit
	e.req = req
	e.pendingStart = false
	e.renderReady = false
	e.expected = models.Silence
	e.last = nil
	e.sched.Load(layout, unit.Stream, []int{unit.TrackIndex()}, unit.StartOctave())
	if layout != nil {
		e.renderer.RequestReflow(e.sched.Window())
	}

	log.Info().
		Str("sourceId", unit.SourceID).
		Str("kind", string(unit.Kind)).
		Str("part", unit.Part).
		Int("notes", len(unit.Stream)).
		Int("measureStart", unit.MeasureStart).
		Int("measureEnd", unit.MeasureEnd).
		Bool("getsFeedback", unit.GetsFeedback).
		Msg("Unit loaded")
	return nil
}

func (e *Engine) start() error {
	if e.unit == nil {
		return ErrNoUnit
	}
	if e.recording() != nil {
		return ErrRecording
	}
	if !e.renderReady {
		e.pendingStart = true
		log.Debug().Str("sourceId", e.unit.SourceID).Msg("Start deferred until render ready")
		return nil
	}
	return e.startNow()
}

func (e *Engine) rendered() error {
	e.renderReady = true
	if e.pendingStart {
		return e.startNow()
	}
	return nil
}

func (e *Engine) startNow() error {
	e.pendingStart = false
	u := e.unit
	s := e.sessions.Create(session.Config{
		Unit: session.Unit{
			SourceID:     u.SourceID,
			ExerciseID:   u.ExerciseID,
			IsExercise:   u.IsExercise(),
			MeasureStart: u.MeasureStart,
			MeasureEnd:   u.MeasureEnd,
		},
		Window:      e.cfg.Window,
		CallTimeout: e.cfg.CallTimeout,
		Observer:    e.metrics,
	})
	lower, upper := e.bounds()
	if !lower.IsSilence() && !upper.IsSilence() {
		if err := s.Live().UpdateBounds(lower, upper); err != nil {
			e.sessions.DeleteSession(s.ID)
			return err
		}
	}

	e.clock.Reset()
	e.sched.Rewind()
	e.expected = models.Silence
	if tick := e.sched.OnPlaybackTick(0); tick.Ready {
		e.expected = tick.Expected
	}
	e.last = nil
	if err := s.Start(e.sched.Window()); err != nil {
		e.sessions.DeleteSession(s.ID)
		return err
	}
	e.sched.SetRecorder(s)
	e.startSampler()
	return nil
}

// bounds returns the live average bounds for the current unit.
func (e *Engine) bounds() (lower, upper models.Pitch) {
	if !e.unit.Lower.IsSilence() && !e.unit.Upper.IsSilence() {
		return e.unit.Lower, e.unit.Upper
	}
	return e.cfg.DefaultLower, e.cfg.DefaultUpper
}

func (e *Engine) end(reason string) error {
	s := e.recording()
	if s == nil {
		if e.pendingStart {
			e.pendingStart = false
			return nil
		}
		return ErrNotRecording
	}
	e.haltSampler()

	var err error
	if reason == "finish" {
		err = s.Finish()
	} else {
		err = s.Stop()
	}
	if err != nil {
		return err
	}
	e.sched.SetRecorder(nil)
	e.clock.Reset()
	e.sched.Rewind()
	e.expected = models.Silence
	e.metrics.SessionEnded(reason)
	return nil
}

// onTick follows the playback clock only while a session records. Idle
// ticks would move the window off the first page before start.
func (e *Engine) onTick() {
	if e.recording() == nil {
		return
	}
	tick := e.sched.OnPlaybackTick(e.clock.Seconds())
	if !tick.Ready {
		return
	}
	e.expected = tick.Expected
	if tick.Turn != nil {
		e.metrics.PageTurned(tick.Turn.Backward)
	}
	if e.clock.Finished() {
		if err := e.end("finish"); err != nil {
			log.Warn().Err(err).Msg("Finish on playback end failed")
		}
	}
}

func (e *Engine) onReading(r reading) {
	if r.gen != e.samplerGen {
		return
	}
	s := e.recording()
	if s == nil {
		return
	}

	p := models.Silence
	switch {
	case r.err != nil:
		e.metrics.CaptureFailed()
		log.Debug().Err(r.err).Str("sessionId", s.ID).Msg("Pitch capture failed")
	case r.ok:
		p = pitch.FrequencyToSemitone(r.hz)
	}

	seconds := e.clock.Seconds()
	e.metrics.SampleObserved(s.Observe(p, seconds))

	live := s.Live().Average()
	band := e.cfg.Thresholds.Classify(e.expected, live)
	e.metrics.Classified(band)
	fb := feedback.Feedback{
		Seconds:  seconds,
		Expected: e.expected,
		Live:     live,
		Band:     band,
		Color:    band.Color(),
		Page:     e.sched.Page(),
	}
	e.last = &fb
	if e.unit.GetsFeedback && e.sink != nil {
		e.sink.Publish(fb)
	}
}

// startSampler polls the capture source until the sampler is halted. Each
// sampler has a generation so readings from a halted one are dropped.
func (e *Engine) startSampler() {
	e.haltSampler()
	ctx, cancel := context.WithCancel(e.runCtx)
	e.stopSampler = cancel
	e.samplerGen++
	gen := e.samplerGen

	go func() {
		for {
			hz, ok, err := e.capture.GetPitchSample(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case e.readings <- reading{gen: gen, hz: hz, ok: ok, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) haltSampler() {
	if e.stopSampler != nil {
		e.stopSampler()
		e.stopSampler = nil
	}
	e.samplerGen++
}

func (e *Engine) shutdown() {
	e.haltSampler()
	if e.recording() != nil {
		if err := e.end("shutdown"); err != nil {
			log.Warn().Err(err).Msg("Stop on shutdown failed")
		}
	}
	if !e.sessions.IsAnySessionProcessing() {
		return
	}

	timeout := e.cfg.CallTimeout + time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	log.Info().Int("pending", e.sessions.GetTotalQueueDepth()).Msg("Waiting for persistence queue to drain")
	for e.sessions.IsAnySessionProcessing() {
		select {
		case cont := <-e.conts:
			if cont != nil {
				cont()
			}
		case <-timer.C:
			log.Warn().
				Int("pending", e.sessions.GetTotalQueueDepth()).
				Dur("timeout", timeout).
				Msg("Persistence queue not drained before shutdown")
			return
		}
	}
}

// loopExecutor runs persistence calls on their own goroutine and returns
// continuations to the engine loop.
type loopExecutor struct {
	e *Engine
}

func (x loopExecutor) Go(call func(ctx context.Context) session.Continuation) {
	go func() {
		// Calls carry their own timeout and outlive the run context.
		cont := call(context.Background())
		select {
		case x.e.conts <- cont:
		case <-x.e.done:
		}
	}()
}

type nopRenderer struct{}

func (nopRenderer) RequestReflow(pagination.Window) {}
func (nopRenderer) ResetDrawPosition()              {}

func checkBounds(lower, upper models.Pitch) error {
	if lower.IsSilence() || upper.IsSilence() {
		return nil
	}
	if lower > upper {
		return pitch.ErrInvertedBounds
	}
	return nil
}
