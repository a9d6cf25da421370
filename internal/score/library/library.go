// Package library serves units from a local YAML file of pieces and parts.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/pkg/models"
)

// minOverlap drops excerpt fragments shorter than float noise.
const minOverlap = 1e-9

// Entry is one part of one piece. Stream uses the flat provider format:
// alternating pitch and duration, -1 for rests.
type Entry struct {
	SourceID       string     `yaml:"source_id"`
	Title          string     `yaml:"title"`
	Part           string     `yaml:"part"`
	PartList       []string   `yaml:"part_list"`
	Clefs          [][]string `yaml:"clefs"`
	Stream         []float64  `yaml:"stream"`
	MeasureLengths []float64  `yaml:"measure_lengths"`
	FirstMeasure   int        `yaml:"first_measure"`
	Lower          *float64   `yaml:"lower"`
	Upper          *float64   `yaml:"upper"`
	GetsFeedback   *bool      `yaml:"gets_feedback"`
}

// File is the top-level YAML structure.
type File struct {
	Units []Entry `yaml:"units"`
}

// Registry holds loaded entries keyed by source and part.
type Registry struct {
	bySource map[string][]*Entry // parts in definition order
}

// Load reads the YAML file at path. A missing file yields an empty Registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{bySource: make(map[string][]*Entry)}, nil
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	r := &Registry{bySource: make(map[string][]*Entry)}
	for i := range f.Units {
		e := &f.Units[i]
		if e.SourceID == "" {
			return nil, fmt.Errorf("unit %d: source_id is required", i)
		}
		if _, err := models.ParseFlatStream(e.Stream); err != nil {
			return nil, fmt.Errorf("unit %s/%s: %w", e.SourceID, e.Part, err)
		}
		r.bySource[e.SourceID] = append(r.bySource[e.SourceID], e)
	}
	return r, nil
}

// Get returns the entry for a source and part. An empty part selects the
// first part defined for the source.
func (r *Registry) Get(sourceID, part string) (*Entry, bool) {
	parts := r.bySource[sourceID]
	if len(parts) == 0 {
		return nil, false
	}
	if part == "" {
		return parts[0], true
	}
	for _, e := range parts {
		if e.Part == part {
			return e, true
		}
	}
	return nil, false
}

// Parts returns the part names of a source in definition order.
func (r *Registry) Parts(sourceID string) []string {
	parts := r.bySource[sourceID]
	names := make([]string, 0, len(parts))
	for _, e := range parts {
		names = append(names, e.Part)
	}
	return names
}

// Sources returns a sorted list of source ids.
func (r *Registry) Sources() []string {
	ids := make([]string, 0, len(r.bySource))
	for id := range r.bySource {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Library is a score.Provider backed by a reloadable YAML file.
type Library struct {
	path string

	mu  sync.RWMutex
	reg *Registry
}

// Open loads the library file at path.
func Open(path string) (*Library, error) {
	l := &Library{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the library file path.
func (l *Library) Path() string {
	return l.path
}

// Reload re-reads the file. On error the previous contents stay in use.
func (l *Library) Reload() error {
	reg, err := Load(l.path)
	if err != nil {
		return fmt.Errorf("load library %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.reg = reg
	l.mu.Unlock()

	log.Info().
		Str("path", l.path).
		Int("sources", len(reg.bySource)).
		Msg("Exercise library loaded")
	return nil
}

// Registry returns the current registry.
func (l *Library) Registry() *Registry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reg
}

// FetchUnit implements score.Provider.
func (l *Library) FetchUnit(_ context.Context, req score.Request) (*models.Unit, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	reg := l.Registry()
	e, ok := reg.Get(req.SourceID, req.PartName)
	if !ok {
		return nil, fmt.Errorf("%w: %s part %q", score.ErrUnitNotFound, req.SourceID, req.PartName)
	}

	stream, err := models.ParseFlatStream(e.Stream)
	if err != nil {
		return nil, err
	}
	first := e.FirstMeasure
	if first <= 0 {
		first = 1
	}

	u := &models.Unit{
		Part:           e.Part,
		PartList:       e.PartList,
		Clefs:          e.Clefs,
		Stream:         stream,
		MeasureLengths: append([]float64(nil), e.MeasureLengths...),
		Lower:          models.Silence,
		Upper:          models.Silence,
		MeasureStart:   first,
		GetsFeedback:   e.GetsFeedback == nil || *e.GetsFeedback,
	}
	if len(u.PartList) == 0 {
		u.PartList = reg.Parts(req.SourceID)
	}
	if e.Lower != nil && e.Upper != nil {
		u.Lower = models.Pitch(*e.Lower)
		u.Upper = models.Pitch(*e.Upper)
	}

	if req.Kind == models.UnitExercise {
		u.Stream, u.MeasureLengths, err = Excerpt(stream, e.MeasureLengths, first, req.MeasureStart, req.MeasureEnd)
		if err != nil {
			return nil, err
		}
		u.ExerciseID = fmt.Sprintf("%s:%d-%d", req.SourceID, req.MeasureStart, req.MeasureEnd)
	}
	score.Normalize(u, req)
	return u, nil
}

// ErrRangeOutside is returned when an excerpt range is not covered by the
// piece's bar lengths.
var ErrRangeOutside = errors.New("measure range outside piece")

// Excerpt cuts measures [start, end) out of a stream whose first bar is
// numbered first. Notes crossing the cut are shortened to the overlap.
func Excerpt(stream models.NoteStream, lengths []float64, first, start, end int) (models.NoteStream, []float64, error) {
	lo, hi := start-first, end-first
	if lo < 0 || hi > len(lengths) || hi <= lo {
		return nil, nil, fmt.Errorf("%w: %d-%d of %d-%d", ErrRangeOutside, start, end, first, first+len(lengths))
	}

	var from, to float64
	for i, length := range lengths[:hi] {
		if i < lo {
			from += length
		}
		to += length
	}

	out := make(models.NoteStream, 0)
	var t float64
	for _, n := range stream {
		a, b := max(t, from), min(t+n.DurationSeconds, to)
		if b-a > minOverlap {
			out = append(out, models.NoteEntry{Pitch: n.Pitch, DurationSeconds: b - a})
		}
		t += n.DurationSeconds
		if t >= to {
			break
		}
	}
	if err := out.Validate(); err != nil {
		return nil, nil, fmt.Errorf("excerpt %d-%d: %w", start, end, err)
	}
	return out, append([]float64(nil), lengths[lo:hi]...), nil
}
