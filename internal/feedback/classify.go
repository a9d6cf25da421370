// Package feedback grades the live pitch against the expected pitch.
package feedback

import (
	"errors"
	"math"

	"github.com/thebtf/cadenza/pkg/models"
)

// Band is the feedback grade for one tick.
type Band string

const (
	SilentOK        Band = "silent_ok"
	SilentViolation Band = "silent_violation"
	Match           Band = "match"
	Near            Band = "near"
	Miss            Band = "miss"
)

// Bands lists every band in severity order.
var Bands = []Band{SilentOK, Match, Near, Miss, SilentViolation}

// Color returns the stroke color the drawing surface uses for b.
func (b Band) Color() string {
	switch b {
	case Match:
		return "#00FF00"
	case Near:
		return "#CCCC00"
	case Miss, SilentViolation:
		return "#FF0000"
	default:
		return ""
	}
}

// Default deviation thresholds in semitones.
const (
	DefaultMatchWithin = 1.0
	DefaultNearWithin  = 2.0
)

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("feedback thresholds must satisfy 0 < match <= near")

// Thresholds are the deviation limits for Match and Near. A deviation below
// MatchWithin is a Match, below NearWithin a Near, anything else a Miss.
type Thresholds struct {
	MatchWithin float64 `json:"match_within"`
	NearWithin  float64 `json:"near_within"`
}

// DefaultThresholds returns the standard one/two semitone bands.
func DefaultThresholds() Thresholds {
	return Thresholds{MatchWithin: DefaultMatchWithin, NearWithin: DefaultNearWithin}
}

// Validate checks the thresholds are ordered and positive.
func (t Thresholds) Validate() error {
	if !(t.MatchWithin > 0) || t.NearWithin < t.MatchWithin {
		return ErrInvalidThresholds
	}
	return nil
}

// Classify grades live against expected using the default thresholds.
func Classify(expected, live models.Pitch) Band {
	return DefaultThresholds().Classify(expected, live)
}

// Classify grades live against expected. It is pure and cheap enough to run
// on every tick.
func (t Thresholds) Classify(expected, live models.Pitch) Band {
	if expected.IsSilence() {
		if live.IsSilence() {
			return SilentOK
		}
		return SilentViolation
	}
	if live.IsSilence() {
		return Miss
	}
	diff := math.Abs(float64(expected - live))
	switch {
	case diff < t.MatchWithin:
		return Match
	case diff < t.NearWithin:
		return Near
	default:
		return Miss
	}
}

// Feedback is one graded tick as published to listeners.
type Feedback struct {
	Seconds  float64      `json:"seconds"`
	Expected models.Pitch `json:"expected"`
	Live     models.Pitch `json:"live"`
	Band     Band         `json:"band"`
	Color    string       `json:"color,omitempty"`
	Page     int          `json:"page"`
}
