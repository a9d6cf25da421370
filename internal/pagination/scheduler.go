package pagination

import (
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/timeline"
	"github.com/thebtf/cadenza/pkg/models"
)

// Renderer is the score surface. Calls are fire-and-forget.
type Renderer interface {
	RequestReflow(w Window)
	ResetDrawPosition()
}

// Recorder receives the recording side effects of a page turn.
type Recorder interface {
	// Checkpoint persists the samples accumulated on the page being left.
	Checkpoint(turn PageTurn)
	// ClearLive empties the live sample average.
	ClearLive()
}

// PageTurn describes one page boundary crossing.
type PageTurn struct {
	From     int     `json:"from"`
	To       int     `json:"to"`
	Seconds  float64 `json:"seconds"`
	Backward bool    `json:"backward"`
	Left     Window  `json:"left"`
	Window   Window  `json:"window"`
}

// Tick is the outcome of one playback tick.
type Tick struct {
	Seconds  float64      `json:"seconds"`
	Expected models.Pitch `json:"expected"`
	Page     int          `json:"page"`
	Turn     *PageTurn    `json:"turn,omitempty"`
	Ready    bool         `json:"ready"`
}

// Scheduler owns the pagination layout and the stream cursor. It is driven
// from a single loop and is not safe for concurrent use.
type Scheduler struct {
	layout   *Layout
	tracker  *timeline.Tracker
	renderer Renderer
	recorder Recorder

	page         int
	lastSeconds  float64
	trackIndexes []int
	startOctave  int
}

// NewScheduler creates a scheduler with no unit loaded.
func NewScheduler(renderer Renderer, recorder Recorder) *Scheduler {
	return &Scheduler{
		tracker:  timeline.NewTracker(nil),
		renderer: renderer,
		recorder: recorder,
	}
}

// SetRecorder replaces the page-turn recorder.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Load installs a new layout and stream and rewinds to the first page.
// A nil layout means bar-length metadata is not available yet.
func (s *Scheduler) Load(layout *Layout, stream models.NoteStream, trackIndexes []int, startOctave int) {
	s.layout = layout
	s.tracker.Replace(stream)
	s.trackIndexes = append([]int(nil), trackIndexes...)
	s.startOctave = startOctave
	s.page = 0
	s.lastSeconds = 0
}

// Layout returns the current layout, or nil.
func (s *Scheduler) Layout() *Layout {
	return s.layout
}

// Ready reports whether bar-length metadata is loaded.
func (s *Scheduler) Ready() bool {
	return s.layout != nil && s.layout.Pages() > 0
}

// Page returns the current page index.
func (s *Scheduler) Page() int {
	return s.page
}

// Cursor returns the stream cursor.
func (s *Scheduler) Cursor() timeline.Cursor {
	return s.tracker.Cursor()
}

// Window returns the rendering window of the current page.
func (s *Scheduler) Window() Window {
	if s.layout == nil {
		return Window{}
	}
	return s.decorate(s.layout.Window(s.page))
}

// Rewind returns to the first page, resets the cursor and asks the surface to
// redraw from the start.
func (s *Scheduler) Rewind() {
	s.tracker.Reset()
	s.page = 0
	s.lastSeconds = 0
	if s.layout == nil {
		return
	}
	s.renderer.RequestReflow(s.Window())
	s.renderer.ResetDrawPosition()
}

// OnPlaybackTick maps the playback position to the expected pitch and fires
// a page turn when the position has moved to a different page. Page changes
// (forward or after a backward seek) re-derive the cursor from the absolute
// position. Without layout metadata it does nothing.
func (s *Scheduler) OnPlaybackTick(seconds float64) Tick {
	if !s.Ready() {
		return Tick{Seconds: seconds}
	}
	if seconds < 0 {
		seconds = 0
	}

	tick := Tick{Seconds: seconds, Ready: true}
	page := s.layout.SectionAt(seconds)
	switch {
	case page != s.page:
		turn := PageTurn{
			From:     s.page,
			To:       page,
			Seconds:  seconds,
			Backward: page < s.page,
			Left:     s.Window(),
			Window:   s.decorate(s.layout.Window(page)),
		}
		s.page = page
		s.turn(turn)
		tick.Turn = &turn
		tick.Expected = s.tracker.Resync(seconds)
	case seconds < s.lastSeconds:
		tick.Expected = s.tracker.Resync(seconds)
	default:
		tick.Expected = s.tracker.Advance(seconds)
	}
	s.lastSeconds = seconds
	tick.Page = s.page
	return tick
}

func (s *Scheduler) turn(t PageTurn) {
	log.Debug().
		Int("from", t.From).
		Int("to", t.To).
		Float64("seconds", t.Seconds).
		Bool("backward", t.Backward).
		Msg("Page turn")

	if s.recorder != nil {
		s.recorder.Checkpoint(t)
		s.recorder.ClearLive()
	}
	s.renderer.RequestReflow(t.Window)
	s.renderer.ResetDrawPosition()
}

func (s *Scheduler) decorate(w Window) Window {
	w.TrackIndexes = append([]int(nil), s.trackIndexes...)
	w.StartOctave = s.startOctave
	return w
}
