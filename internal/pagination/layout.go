// Package pagination splits a unit into displayed pages (bar groups) and turns
// a continuous playback position into discrete page-turn events.
package pagination

import (
	"errors"
	"fmt"
)

// DefaultBarsPerPage is the number of bars displayed at once.
const DefaultBarsPerPage = 20

// measureEpsilon absorbs float error when locating a measure boundary.
const measureEpsilon = 0.01

var (
	// ErrInvalidBounds is returned for an empty or inverted measure range, or
	// fewer than two bars per page.
	ErrInvalidBounds = errors.New("invalid pagination bounds")
	// ErrMissingMeasures is returned when measure lengths do not cover the range.
	ErrMissingMeasures = errors.New("measure lengths do not cover range")
)

// Window is the range of measures rendered for one page. MeasureEnd is exclusive.
type Window struct {
	Page         int   `json:"page"`
	MeasureStart int   `json:"measure_start"`
	MeasureEnd   int   `json:"measure_end"`
	TrackIndexes []int `json:"track_indexes,omitempty"`
	StartOctave  int   `json:"start_octave,omitempty"`
}

// Layout is the pagination state of the loaded excerpt: per-page durations
// and the measure range they cover. Consecutive pages share one bar, so each
// page advances by BarsPerPage-1 measures.
type Layout struct {
	MeasureLengths []float64 `json:"measure_lengths"`
	SectionLengths []float64 `json:"section_lengths"`
	MeasureStart   int       `json:"measure_start"`
	MeasureEnd     int       `json:"measure_end"`
	BarsPerPage    int       `json:"bars_per_page"`
}

// NewLayout groups measure durations into pages. measureLengths[i] is the
// duration of measure measureStart+i; measures [measureStart, measureEnd)
// are paginated.
func NewLayout(measureLengths []float64, measureStart, measureEnd, barsPerPage int) (*Layout, error) {
	if measureEnd <= measureStart {
		return nil, fmt.Errorf("%w: measure end %d <= start %d", ErrInvalidBounds, measureEnd, measureStart)
	}
	if barsPerPage < 2 {
		return nil, fmt.Errorf("%w: bars per page %d < 2", ErrInvalidBounds, barsPerPage)
	}
	count := measureEnd - measureStart
	if len(measureLengths) < count {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrMissingMeasures, len(measureLengths), count)
	}

	l := &Layout{
		MeasureLengths: append([]float64(nil), measureLengths[:count]...),
		MeasureStart:   measureStart,
		MeasureEnd:     measureEnd,
		BarsPerPage:    barsPerPage,
	}

	perSection := barsPerPage - 1
	var total float64
	n := 0
	for i, length := range l.MeasureLengths {
		if !(length > 0) {
			return nil, fmt.Errorf("measure %d: non-positive length %v", measureStart+i, length)
		}
		total += length
		n++
		if n == perSection {
			l.SectionLengths = append(l.SectionLengths, total)
			total, n = 0, 0
		}
	}
	if n > 0 {
		l.SectionLengths = append(l.SectionLengths, total)
	}
	return l, nil
}

// Pages returns the number of pages.
func (l *Layout) Pages() int {
	return len(l.SectionLengths)
}

// Total returns the playable duration of the excerpt.
func (l *Layout) Total() float64 {
	var total float64
	for _, s := range l.SectionLengths {
		total += s
	}
	return total
}

// SectionAt returns the page whose cumulative length first exceeds seconds.
// Positions at or past the end stay on the last page.
func (l *Layout) SectionAt(seconds float64) int {
	var cumulative float64
	for i, length := range l.SectionLengths {
		cumulative += length
		if cumulative > seconds {
			return i
		}
	}
	return len(l.SectionLengths) - 1
}

// PageStart returns the playback second at which page begins.
func (l *Layout) PageStart(page int) float64 {
	var start float64
	for i := 0; i < page && i < len(l.SectionLengths); i++ {
		start += l.SectionLengths[i]
	}
	return start
}

// Window returns the measures rendered for page.
func (l *Layout) Window(page int) Window {
	if page < 0 {
		page = 0
	}
	start := l.MeasureStart + page*(l.BarsPerPage-1)
	end := start + l.BarsPerPage
	if end > l.MeasureEnd {
		end = l.MeasureEnd
	}
	return Window{Page: page, MeasureStart: start, MeasureEnd: end}
}

// MeasureAt returns the measure number playing at seconds. A position within
// measureEpsilon of a boundary belongs to the following measure.
func (l *Layout) MeasureAt(seconds float64) int {
	remaining := seconds
	for i, length := range l.MeasureLengths {
		if remaining < length-measureEpsilon {
			return l.MeasureStart + i
		}
		remaining -= length
	}
	return l.MeasureEnd - 1
}
