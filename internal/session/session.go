// Package session implements the recording session state machine: it owns
// the live sample average and the performance record, and serializes
// persistence calls for one recording attempt.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/pagination"
	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/internal/pitch"
	"github.com/thebtf/cadenza/pkg/models"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateClosed    State = "closed"
)

// DefaultCallTimeout bounds a single persistence call.
const DefaultCallTimeout = 15 * time.Second

var (
	// ErrNotIdle is returned by Start on a session that is recording or still
	// draining its close.
	ErrNotIdle = errors.New("session is not idle")
	// ErrNotRecording is returned by Stop and Finish outside a recording.
	ErrNotRecording = errors.New("session is not recording")
)

// Observer is notified after every persistence call resolves.
type Observer interface {
	PersistenceDone(op persistence.Op, samples int, err error)
}

// Unit describes what is being recorded.
type Unit struct {
	SourceID     string
	ExerciseID   string
	IsExercise   bool
	MeasureStart int
	MeasureEnd   int
}

// Config configures a Session.
type Config struct {
	Unit        Unit
	Window      int // live average window size
	CallTimeout time.Duration
	Observer    Observer
	// OnDrained runs once the session is closed and its queue is empty.
	OnDrained func(s *Session)
}

type jobKind int

const (
	jobCheckpoint jobKind = iota
	jobClose
)

type job struct {
	kind         jobKind
	samples      models.SampleLog
	measureStart int
	measureEnd   int
	seq          int
}

// Session is one recording attempt. All methods must be called from the
// owning loop; persistence calls run through the Executor and their results
// are applied through continuations on that same loop.
type Session struct {
	ID        string
	StartTime time.Time

	unit    Unit
	store   persistence.Store
	exec    Executor
	cfg     Config
	state   State
	record  models.PerformanceRecord
	live    *pitch.Aggregator
	samples models.SampleLog

	queue    []job
	inFlight bool
	nextSeq  int
	drained  bool
}

// New creates an idle session.
func New(store persistence.Store, exec Executor, cfg Config) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Session{
		ID:    uuid.NewString(),
		unit:  cfg.Unit,
		store: store,
		exec:  exec,
		cfg:   cfg,
		state: StateIdle,
		live:  pitch.NewAggregator(cfg.Window),
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Record returns a copy of the performance record.
func (s *Session) Record() models.PerformanceRecord {
	return s.record
}

// Live returns the live sample average.
func (s *Session) Live() *pitch.Aggregator {
	return s.live
}

// Unit returns what the session records.
func (s *Session) Unit() Unit {
	return s.unit
}

// Pending returns the number of queued persistence calls, in-flight included.
func (s *Session) Pending() int {
	n := len(s.queue)
	if s.inFlight {
		n++
	}
	return n
}

// Buffered returns the number of samples not yet handed to persistence.
func (s *Session) Buffered() int {
	return len(s.samples)
}

// Start begins recording from the given window.
func (s *Session) Start(w pagination.Window) error {
	switch {
	case s.state == StateRecording:
		return ErrNotIdle
	case s.state == StateClosed && s.Pending() > 0:
		return ErrNotIdle
	}
	s.state = StateRecording
	s.StartTime = time.Now()
	s.live.Clear()
	s.samples = nil
	s.drained = false
	s.record = models.PerformanceRecord{
		SourceID:     s.unit.SourceID,
		ExerciseID:   s.unit.ExerciseID,
		MeasureStart: w.MeasureStart,
		MeasureEnd:   s.unit.MeasureEnd,
		IsExercise:   s.unit.IsExercise,
		State:        models.RecordUnopened,
	}

	log.Info().
		Str("sessionId", s.ID).
		Str("sourceId", s.unit.SourceID).
		Int("measureStart", w.MeasureStart).
		Msg("Recording session started")
	return nil
}

// Observe records one live observation. Readings rejected by the live
// average bounds are still kept in the performance data as silence.
func (s *Session) Observe(p models.Pitch, seconds float64) bool {
	if s.state != StateRecording {
		return false
	}
	accepted := s.live.AddSample(p, seconds)
	if !accepted {
		p = models.Silence
	}
	s.samples = append(s.samples, models.Sample{Pitch: p, Seconds: seconds})
	return accepted
}

// Checkpoint queues the samples accumulated on the page being left.
// It implements pagination.Recorder.
func (s *Session) Checkpoint(turn pagination.PageTurn) {
	if s.state != StateRecording {
		return
	}
	s.enqueue(job{
		kind:         jobCheckpoint,
		samples:      s.take(),
		measureStart: turn.Left.MeasureStart,
		measureEnd:   turn.Left.MeasureEnd,
	})
}

// ClearLive empties the live sample average. It implements pagination.Recorder.
func (s *Session) ClearLive() {
	s.live.Clear()
}

// Stop ends the recording and queues the close call.
func (s *Session) Stop() error {
	return s.end("stop")
}

// Finish ends the recording because playback reached the end.
func (s *Session) Finish() error {
	return s.end("finish")
}

func (s *Session) end(reason string) error {
	if s.state != StateRecording {
		return ErrNotRecording
	}
	s.state = StateClosed
	log.Info().
		Str("sessionId", s.ID).
		Str("reason", reason).
		Int("pending", s.Pending()).
		Msg("Recording session ending")

	s.enqueue(job{
		kind:         jobClose,
		samples:      s.take(),
		measureStart: s.record.MeasureStart,
		measureEnd:   s.record.MeasureEnd,
	})
	return nil
}

// Drained reports whether the session is closed with nothing left to send.
func (s *Session) Drained() bool {
	return s.drained
}

func (s *Session) take() models.SampleLog {
	out := s.samples
	if out == nil {
		out = models.SampleLog{}
	}
	s.samples = nil
	return out
}

func (s *Session) enqueue(j job) {
	j.seq = s.nextSeq
	s.nextSeq++
	s.queue = append(s.queue, j)
	s.pump()
}

// pump dispatches the head of the queue when nothing is in flight. The
// initialize/update choice is made here, so a checkpoint queued behind an
// initialize sees the handle it produced.
func (s *Session) pump() {
	if s.inFlight || len(s.queue) == 0 {
		return
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = true

	switch {
	case j.kind == jobClose:
		s.dispatchClose(j)
	case s.record.IsOpen():
		s.dispatchUpdate(j)
	default:
		s.dispatchInitialize(j)
	}
}

func (s *Session) payload(j job) persistence.Payload {
	return persistence.Payload{
		SourceID:     s.unit.SourceID,
		ExerciseID:   s.unit.ExerciseID,
		Samples:      j.samples,
		MeasureStart: j.measureStart,
		MeasureEnd:   j.measureEnd,
		IsExercise:   s.unit.IsExercise,
	}
}

func (s *Session) dispatchInitialize(j job) {
	p := s.payload(j)
	s.exec.Go(func(ctx context.Context) Continuation {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		h, err := s.store.InitializePerformance(ctx, p)
		return func() {
			if err == nil && h == "" {
				err = fmt.Errorf("initialize returned empty handle")
			}
			if err == nil {
				s.record.Handle = string(h)
				s.record.State = models.RecordOpen
				log.Debug().
					Str("sessionId", s.ID).
					Str("performanceId", string(h)).
					Msg("Performance opened")
			}
			s.done(persistence.OpInitialize, j, err)
		}
	})
}

func (s *Session) dispatchUpdate(j job) {
	h := persistence.Handle(s.record.Handle)
	sourceID := s.unit.SourceID
	s.exec.Go(func(ctx context.Context) Continuation {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		err := s.store.UpdatePerformance(ctx, h, j.samples, sourceID)
		return func() {
			s.done(persistence.OpUpdate, j, err)
		}
	})
}

func (s *Session) dispatchClose(j job) {
	var h persistence.Handle
	op := persistence.OpSubmit
	if s.record.IsOpen() {
		h = persistence.Handle(s.record.Handle)
		op = persistence.OpClose
	}
	p := s.payload(j)
	s.exec.Go(func(ctx context.Context) Continuation {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		err := s.store.ClosePerformance(ctx, h, p)
		return func() {
			// Only discard the record that was actually closed.
			if s.record.Handle == string(h) {
				s.record = models.PerformanceRecord{
					SourceID: s.unit.SourceID,
					State:    models.RecordClosed,
				}
			}
			s.done(op, j, err)
		}
	})
}

func (s *Session) done(op persistence.Op, j job, err error) {
	if err != nil {
		log.Error().
			Err(err).
			Str("op", string(op)).
			Str("sessionId", s.ID).
			Str("sourceId", s.unit.SourceID).
			Str("performanceId", s.record.Handle).
			Int("seq", j.seq).
			Int("samples", len(j.samples)).
			Msg("Persistence call failed")
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.PersistenceDone(op, len(j.samples), err)
	}
	s.inFlight = false
	s.pump()

	if s.state == StateClosed && !s.inFlight && len(s.queue) == 0 && !s.drained {
		s.drained = true
		if s.cfg.OnDrained != nil {
			s.cfg.OnDrained(s)
		}
	}
}
