package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/feedback"
	"github.com/thebtf/cadenza/internal/pagination"
	"github.com/thebtf/cadenza/internal/worker/sse"
)

// Event types sent to the drawing surface.
const (
	EventReflow   = "reflow"
	EventReset    = "reset"
	EventFeedback = "feedback"
)

// surfaceQueueSize bounds the events waiting for the broadcaster.
const surfaceQueueSize = 256

// Surface forwards engine render requests and feedback to SSE clients. It is
// called from the engine loop and never blocks it. Render requests wait in a
// side slot that keeps the latest reflow and the latest reset and goes out
// ahead of queued feedback. A full feedback queue drops feedback, which the
// next reading replaces anyway.
type Surface struct {
	broadcaster *sse.Broadcaster
	events      chan sse.Event
	notify      chan struct{}
	dropped     atomic.Int64

	mu     sync.Mutex
	render []sse.Event
}

// NewSurface creates a surface over b. Call Run to start delivery.
func NewSurface(b *sse.Broadcaster) *Surface {
	return &Surface{
		broadcaster: b,
		events:      make(chan sse.Event, surfaceQueueSize),
		notify:      make(chan struct{}, 1),
	}
}

// RequestReflow implements engine.Renderer.
func (s *Surface) RequestReflow(w pagination.Window) {
	s.pushRender(sse.Event{Type: EventReflow, Data: w})
}

// ResetDrawPosition implements engine.Renderer.
func (s *Surface) ResetDrawPosition() {
	s.pushRender(sse.Event{Type: EventReset})
}

// Publish implements engine.FeedbackSink.
func (s *Surface) Publish(fb feedback.Feedback) {
	select {
	case s.events <- sse.Event{Type: EventFeedback, Data: fb}:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			log.Debug().Int64("dropped", n).Msg("Surface queue full, dropping feedback")
		}
	}
}

// Dropped returns the number of feedback events dropped on a full queue.
func (s *Surface) Dropped() int64 {
	return s.dropped.Load()
}

// PendingRender returns the number of render events not yet delivered.
func (s *Surface) PendingRender() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.render)
}

// pushRender replaces an undelivered event of the same type, so at most one
// reflow and one reset wait at any time.
func (s *Surface) pushRender(ev sse.Event) {
	s.mu.Lock()
	kept := s.render[:0]
	for _, old := range s.render {
		if old.Type != ev.Type {
			kept = append(kept, old)
		}
	}
	s.render = append(kept, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Surface) flushRender() {
	s.mu.Lock()
	pending := s.render
	s.render = nil
	s.mu.Unlock()
	for _, ev := range pending {
		s.broadcaster.Broadcast(ev)
	}
}

// Run delivers queued events until ctx is cancelled. Pending render events
// always go out before the next feedback event.
func (s *Surface) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
			s.flushRender()
		case ev := <-s.events:
			s.flushRender()
			s.broadcaster.Broadcast(ev)
		}
	}
}
