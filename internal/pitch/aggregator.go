// Package pitch converts raw pitch-estimator readings into semitone values and
// smooths them into a stable live estimate.
package pitch

import (
	"errors"
	"fmt"
	"math"

	"github.com/thebtf/cadenza/pkg/models"
)

// DefaultWindow is the number of recent observations averaged when no window
// is configured.
const DefaultWindow = 5

// ErrInvertedBounds is returned when the lower bound exceeds the upper bound.
var ErrInvertedBounds = errors.New("pitch bounds inverted")

// FrequencyToSemitone converts a frequency in Hz to MIDI semitone units.
// Non-positive or non-finite frequencies mean no pitch was detected.
func FrequencyToSemitone(hz float64) models.Pitch {
	if !(hz > 0) || math.IsInf(hz, 0) {
		return models.Silence
	}
	return models.Pitch(12*math.Log2(hz/440) + 69)
}

// SemitoneToFrequency is the inverse of FrequencyToSemitone.
func SemitoneToFrequency(p models.Pitch) float64 {
	if p.IsSilence() {
		return 0
	}
	return 440 * math.Pow(2, (float64(p)-69)/12)
}

type observation struct {
	pitch   models.Pitch
	seconds float64
}

// Aggregator keeps a bounded rolling window of recent observations. Adding a
// sample is O(1). Silent observations occupy window slots but are excluded
// from the pitch average. It is not safe for concurrent use; the engine loop
// owns it.
type Aggregator struct {
	window []observation
	next   int
	count  int
	voiced int
	sum    float64

	lower, upper models.Pitch
	bounded      bool
}

// NewAggregator creates an aggregator averaging over the last size observations.
func NewAggregator(size int) *Aggregator {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Aggregator{window: make([]observation, size)}
}

// UpdateBounds sets the accepted pitch range. Readings outside it (typically
// octave errors from the estimator) are rejected before reaching the average.
func (a *Aggregator) UpdateBounds(lower, upper models.Pitch) error {
	if lower > upper {
		return fmt.Errorf("%w: lower %.2f > upper %.2f", ErrInvertedBounds, lower, upper)
	}
	a.lower, a.upper = lower, upper
	a.bounded = true
	return nil
}

// ClearBounds removes the accepted range.
func (a *Aggregator) ClearBounds() {
	a.bounded = false
}

// Bounds returns the accepted range and whether one is set.
func (a *Aggregator) Bounds() (lower, upper models.Pitch, ok bool) {
	return a.lower, a.upper, a.bounded
}

// Accepts reports whether p would be admitted into the window.
func (a *Aggregator) Accepts(p models.Pitch) bool {
	if p.IsSilence() || !a.bounded {
		return true
	}
	return p >= a.lower && p <= a.upper
}

// AddSample records an observation. It returns false when the reading was
// rejected by the bounds.
func (a *Aggregator) AddSample(p models.Pitch, seconds float64) bool {
	if p.IsSilence() {
		p = models.Silence
	}
	if !a.Accepts(p) {
		return false
	}
	if a.count == len(a.window) {
		old := a.window[a.next]
		if !old.pitch.IsSilence() {
			a.voiced--
			a.sum -= float64(old.pitch)
		}
	} else {
		a.count++
	}
	a.window[a.next] = observation{pitch: p, seconds: seconds}
	a.next = (a.next + 1) % len(a.window)
	if !p.IsSilence() {
		a.voiced++
		a.sum += float64(p)
	}
	return true
}

// Average returns the mean of the voiced observations in the window, or
// Silence when there are none.
func (a *Aggregator) Average() models.Pitch {
	if a.voiced == 0 {
		return models.Silence
	}
	return models.Pitch(a.sum / float64(a.voiced))
}

// Len returns the number of buffered observations, silent ones included.
func (a *Aggregator) Len() int {
	return a.count
}

// Active reports whether any observation, silent or not, has been buffered
// since the last Clear.
func (a *Aggregator) Active() bool {
	return a.count > 0
}

// Clear empties the window. Bounds are kept.
func (a *Aggregator) Clear() {
	for i := range a.window {
		a.window[i] = observation{}
	}
	a.next, a.count, a.voiced = 0, 0, 0
	a.sum = 0
}
