// Package playback provides the playback clock the engine reads positions from.
package playback

import (
	"context"
	"sync"
	"time"
)

// Clock exposes the current playback position and a tick notification.
// The engine only ever resets it to zero at session start.
type Clock interface {
	// Seconds returns the current playback position.
	Seconds() float64
	// Finished reports whether playback has reached the end of the unit.
	Finished() bool
	// Ticks delivers a notification whenever the position may have moved.
	// Notifications coalesce; a slow reader sees the latest position.
	Ticks() <-chan struct{}
	// Reset moves the position back to zero.
	Reset()
}

// Reported is a clock whose position is pushed by the player.
type Reported struct {
	mu       sync.Mutex
	seconds  float64
	finished bool
	ticks    chan struct{}
}

// NewReported creates a reported clock at position zero.
func NewReported() *Reported {
	return &Reported{ticks: make(chan struct{}, 1)}
}

// Report records a position from the player and fires a tick.
func (r *Reported) Report(seconds float64, finished bool) {
	if seconds < 0 {
		seconds = 0
	}
	r.mu.Lock()
	r.seconds = seconds
	r.finished = finished
	r.mu.Unlock()
	notify(r.ticks)
}

// Seconds implements Clock.
func (r *Reported) Seconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seconds
}

// Finished implements Clock.
func (r *Reported) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Ticks implements Clock.
func (r *Reported) Ticks() <-chan struct{} {
	return r.ticks
}

// Reset implements Clock.
func (r *Reported) Reset() {
	r.mu.Lock()
	r.seconds = 0
	r.finished = false
	r.mu.Unlock()
}

// Wall is a clock that advances with wall time from its last reset and
// ticks at a fixed interval. A zero Duration never finishes.
type Wall struct {
	Interval time.Duration
	Duration time.Duration

	mu    sync.Mutex
	start time.Time
	now   func() time.Time
	ticks chan struct{}
}

// NewWall creates a wall clock starting now.
func NewWall(interval, duration time.Duration) *Wall {
	w := &Wall{
		Interval: interval,
		Duration: duration,
		now:      time.Now,
		ticks:    make(chan struct{}, 1),
	}
	w.start = w.now()
	return w
}

// Run fires ticks until ctx is done.
func (w *Wall) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(w.ticks)
		}
	}
}

// Seconds implements Clock.
func (w *Wall) Seconds() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.start).Seconds()
}

// Finished implements Clock.
func (w *Wall) Finished() bool {
	if w.Duration <= 0 {
		return false
	}
	return w.Seconds() >= w.Duration.Seconds()
}

// Ticks implements Clock.
func (w *Wall) Ticks() <-chan struct{} {
	return w.ticks
}

// Reset implements Clock.
func (w *Wall) Reset() {
	w.mu.Lock()
	w.start = w.now()
	w.mu.Unlock()
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
