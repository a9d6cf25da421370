// Package models contains domain models for cadenza.
package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Pitch is a pitch in MIDI semitone units (A4 = 69). Fractional values are
// allowed for live readings.
type Pitch float64

// Silence is the distinguished "no pitch" value. Any negative pitch is
// treated as silence; it is never a valid reading.
const Silence Pitch = -1

// IsSilence reports whether p is the silence sentinel.
func (p Pitch) IsSilence() bool {
	return p < 0 || math.IsNaN(float64(p))
}

// Float returns p as a float64.
func (p Pitch) Float() float64 {
	return float64(p)
}

var (
	// ErrEmptyStream is returned when a note stream has no entries.
	ErrEmptyStream = errors.New("note stream is empty")
	// ErrInvalidDuration is returned when an entry duration is not positive.
	ErrInvalidDuration = errors.New("note duration must be positive")
)

// NoteEntry is one expected pitch held for DurationSeconds.
type NoteEntry struct {
	Pitch           Pitch   `json:"pitch"`
	DurationSeconds float64 `json:"duration"`
}

// NoteStream is the ordered expected performance for one playable unit.
type NoteStream []NoteEntry

// Total returns the sum of all entry durations.
func (s NoteStream) Total() float64 {
	var total float64
	for _, e := range s {
		total += e.DurationSeconds
	}
	return total
}

// Validate checks that the stream is non-empty and every duration is positive.
func (s NoteStream) Validate() error {
	if len(s) == 0 {
		return ErrEmptyStream
	}
	for i, e := range s {
		if !(e.DurationSeconds > 0) {
			return fmt.Errorf("entry %d: %w", i, ErrInvalidDuration)
		}
	}
	return nil
}

// ParseFlatStream decodes the provider wire format: a flat array of
// alternating pitch and duration values, where -1 marks a rest.
func ParseFlatStream(flat []float64) (NoteStream, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("flat stream has odd length %d", len(flat))
	}
	stream := make(NoteStream, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		p := Pitch(flat[i])
		if p.IsSilence() {
			p = Silence
		}
		stream = append(stream, NoteEntry{Pitch: p, DurationSeconds: flat[i+1]})
	}
	return stream, stream.Validate()
}

// Flatten encodes the stream back into the provider wire format.
func (s NoteStream) Flatten() []float64 {
	flat := make([]float64, 0, len(s)*2)
	for _, e := range s {
		p := float64(e.Pitch)
		if e.Pitch.IsSilence() {
			p = float64(Silence)
		}
		flat = append(flat, p, e.DurationSeconds)
	}
	return flat
}

// UnmarshalJSON accepts the flat wire array, a list of [pitch, duration]
// pairs, or a list of entry objects.
func (s *NoteStream) UnmarshalJSON(data []byte) error {
	var flat []float64
	if err := json.Unmarshal(data, &flat); err == nil {
		stream, err := ParseFlatStream(flat)
		if err != nil {
			return err
		}
		*s = stream
		return nil
	}
	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err == nil {
		flat = make([]float64, 0, len(pairs)*2)
		for _, pair := range pairs {
			flat = append(flat, pair[0], pair[1])
		}
		stream, err := ParseFlatStream(flat)
		if err != nil {
			return err
		}
		*s = stream
		return nil
	}
	var entries []NoteEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*s = entries
	return nil
}
