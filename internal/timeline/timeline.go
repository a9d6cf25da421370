// Package timeline maps an elapsing playback clock onto the expected note stream.
package timeline

import (
	"github.com/thebtf/cadenza/pkg/models"
)

// Cursor points into a note stream: the current entry and how far into it
// playback has progressed. After normalization Elapsed is always smaller than
// the current entry's duration. Index == len(stream) is the terminal cursor.
type Cursor struct {
	Index   int     `json:"index"`
	Elapsed float64 `json:"elapsed"`
}

// Start is the cursor at the beginning of any stream.
var Start = Cursor{}

// Terminal reports whether c has run past the last entry of stream.
func (c Cursor) Terminal(stream models.NoteStream) bool {
	return c.Index >= len(stream)
}

// ExpectedPitchAt advances c by delta seconds and returns the updated cursor
// with the pitch expected at the new position. Deltas spanning several
// entries (after a stall or resume) are consumed entry by entry. Past the end
// of the stream it returns Silence and the terminal cursor. A negative delta
// is treated as zero; use Locate for backward seeks.
func ExpectedPitchAt(stream models.NoteStream, c Cursor, delta float64) (Cursor, models.Pitch) {
	if delta < 0 {
		delta = 0
	}
	if c.Index < 0 {
		c = Start
	}
	for c.Index < len(stream) {
		remaining := stream[c.Index].DurationSeconds - c.Elapsed
		if c.Elapsed+delta < stream[c.Index].DurationSeconds {
			c.Elapsed += delta
			return c, stream[c.Index].Pitch
		}
		delta -= remaining
		if delta < 0 {
			delta = 0
		}
		c.Index++
		c.Elapsed = 0
	}
	return Cursor{Index: len(stream)}, models.Silence
}

// Locate derives the cursor for an absolute playback position from scratch.
// Page boundaries and seeks go through Locate so that accumulated
// incremental error never survives a boundary crossing.
func Locate(stream models.NoteStream, seconds float64) (Cursor, models.Pitch) {
	if seconds < 0 {
		seconds = 0
	}
	return ExpectedPitchAt(stream, Start, seconds)
}

// Tracker keeps a cursor for one stream together with the playback position
// it was last advanced to.
type Tracker struct {
	stream  models.NoteStream
	cursor  Cursor
	lastPos float64
}

// NewTracker creates a tracker positioned at the start of stream.
func NewTracker(stream models.NoteStream) *Tracker {
	return &Tracker{stream: stream}
}

// Stream returns the tracked stream.
func (t *Tracker) Stream() models.NoteStream {
	return t.stream
}

// Cursor returns the current cursor.
func (t *Tracker) Cursor() Cursor {
	return t.cursor
}

// Replace swaps in a new stream and resets the cursor.
func (t *Tracker) Replace(stream models.NoteStream) {
	t.stream = stream
	t.Reset()
}

// Reset moves the cursor back to (0, 0).
func (t *Tracker) Reset() {
	t.cursor = Start
	t.lastPos = 0
}

// Advance moves to the absolute playback position and returns the expected
// pitch there. Forward motion is incremental; backward motion re-derives the
// cursor from the absolute position.
func (t *Tracker) Advance(seconds float64) models.Pitch {
	if seconds < t.lastPos {
		return t.Resync(seconds)
	}
	var pitch models.Pitch
	t.cursor, pitch = ExpectedPitchAt(t.stream, t.cursor, seconds-t.lastPos)
	t.lastPos = seconds
	return pitch
}

// Resync re-derives the cursor from the absolute position.
func (t *Tracker) Resync(seconds float64) models.Pitch {
	var pitch models.Pitch
	t.cursor, pitch = Locate(t.stream, seconds)
	t.lastPos = seconds
	return pitch
}
