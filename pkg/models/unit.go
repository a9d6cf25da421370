package models

import "strings"

// UnitKind identifies which view of a piece is loaded.
type UnitKind string

const (
	UnitSheetMusic  UnitKind = "sheet_music"
	UnitMyPart      UnitKind = "my_part"
	UnitPerformance UnitKind = "performance"
	UnitExercise    UnitKind = "exercise"
)

// Valid reports whether k is a known unit kind.
func (k UnitKind) Valid() bool {
	switch k {
	case UnitSheetMusic, UnitMyPart, UnitPerformance, UnitExercise:
		return true
	}
	return false
}

// Octaves the drawing surface starts from for each clef family.
const (
	TrebleStartOctave = 4
	BassStartOctave   = 2
)

// Unit is one playable unit as returned by the score provider: a whole
// piece, a single part, or an exercise excerpt.
type Unit struct {
	SourceID       string     `json:"source_id" yaml:"source_id"`
	ExerciseID     string     `json:"exercise_id,omitempty" yaml:"exercise_id,omitempty"`
	Kind           UnitKind   `json:"kind" yaml:"kind"`
	Part           string     `json:"part,omitempty" yaml:"part,omitempty"`
	PartList       []string   `json:"part_list" yaml:"part_list"`
	Clefs          [][]string `json:"clefs" yaml:"clefs"`
	Stream         NoteStream `json:"performance_expectation" yaml:"-"`
	MeasureLengths []float64  `json:"measure_lengths" yaml:"measure_lengths"`
	Lower          Pitch      `json:"lower" yaml:"lower"`
	Upper          Pitch      `json:"upper" yaml:"upper"`
	MeasureStart   int        `json:"measure_start" yaml:"measure_start"`
	MeasureEnd     int        `json:"measure_end" yaml:"measure_end"`
	GetsFeedback   bool       `json:"gets_feedback" yaml:"gets_feedback"`
}

// IsExercise reports whether the unit is an exercise excerpt.
func (u *Unit) IsExercise() bool {
	return u.Kind == UnitExercise
}

// TrackIndex returns the index of the unit's part within PartList, or 0.
func (u *Unit) TrackIndex() int {
	for i, name := range u.PartList {
		if name == u.Part {
			return i
		}
	}
	return 0
}

// StartOctave returns the octave the staff of the current track starts at,
// derived from its first clef.
func (u *Unit) StartOctave() int {
	idx := u.TrackIndex()
	if idx >= len(u.Clefs) || len(u.Clefs[idx]) == 0 {
		return TrebleStartOctave
	}
	switch strings.ToLower(u.Clefs[idx][0]) {
	case "bass", "f4":
		return BassStartOctave
	default:
		return TrebleStartOctave
	}
}

// HasMeasureLengths reports whether bar-length metadata is available.
func (u *Unit) HasMeasureLengths() bool {
	return u != nil && len(u.MeasureLengths) > 0
}
