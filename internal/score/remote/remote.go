// Package remote fetches units from the music service backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/api"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/pkg/models"
)

// partResponse is the backend's unit payload. Not every endpoint fills
// every field.
type partResponse struct {
	PerformanceExpectation models.NoteStream `json:"performance_expectation"`
	LowerUpper             []float64         `json:"lower_upper"`
	MeasureLengths         []float64         `json:"measure_lengths"`
	PartList               []string          `json:"part_list"`
	Clefs                  [][]string        `json:"clefs"`
	Part                   string            `json:"part"`
	ExerciseID             api.ID            `json:"exerciseId"`
}

// Provider implements score.Provider against the backend API.
type Provider struct {
	client *api.Client
}

// New creates a remote provider.
func New(client *api.Client) *Provider {
	return &Provider{client: client}
}

// FetchUnit implements score.Provider.
func (p *Provider) FetchUnit(ctx context.Context, req score.Request) (*models.Unit, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		resp partResponse
		err  error
	)
	switch req.Kind {
	case models.UnitMyPart:
		err = p.client.Get(ctx, "/sheet-music/single-part", url.Values{"sheetMusicId": {req.SourceID}}, &resp)
	case models.UnitExercise:
		err = p.fetchExercise(ctx, req, &resp)
	default:
		err = p.fetchPart(ctx, req, &resp)
	}
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %v", score.ErrUnitNotFound, req.SourceID, err)
		}
		return nil, fmt.Errorf("fetch unit %s: %w", req.SourceID, err)
	}

	unit, err := resp.unit()
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", req.SourceID, err)
	}
	score.Normalize(unit, req)

	log.Debug().
		Str("sourceId", unit.SourceID).
		Str("kind", string(unit.Kind)).
		Str("part", unit.Part).
		Int("notes", len(unit.Stream)).
		Int("measures", len(unit.MeasureLengths)).
		Msg("Unit fetched")
	return unit, nil
}

// fetchPart loads the part list and clefs for the piece, then the expected
// stream for the requested part.
func (p *Provider) fetchPart(ctx context.Context, req score.Request, resp *partResponse) error {
	var specific partResponse
	if err := p.client.Get(ctx, "/sheet-music/specific", url.Values{"sheetMusicId": {req.SourceID}}, &specific); err != nil {
		return err
	}
	part := req.PartName
	if part == "" && len(specific.PartList) > 0 {
		part = specific.PartList[0]
	}
	q := url.Values{"sheetMusicId": {req.SourceID}}
	if part != "" {
		q.Set("partName", part)
	}
	if err := p.client.Get(ctx, "/sheet-music/part", q, resp); err != nil {
		return err
	}
	resp.PartList = specific.PartList
	resp.Clefs = specific.Clefs
	resp.Part = part
	return nil
}

func (p *Provider) fetchExercise(ctx context.Context, req score.Request, resp *partResponse) error {
	q := url.Values{
		"sheetMusicId":       {req.SourceID},
		"staffNumber":        {"1"},
		"measureStart":       {strconv.Itoa(req.MeasureStart)},
		"measureEnd":         {strconv.Itoa(req.MeasureEnd)},
		"isDurationExercise": {"false"},
	}
	if req.PartName != "" {
		q.Set("partName", req.PartName)
	}
	return p.client.Get(ctx, "/sheet-music/exercise", q, resp)
}

func (r *partResponse) unit() (*models.Unit, error) {
	if err := r.PerformanceExpectation.Validate(); err != nil {
		return nil, err
	}
	u := &models.Unit{
		ExerciseID:     string(r.ExerciseID),
		Part:           r.Part,
		PartList:       r.PartList,
		Clefs:          r.Clefs,
		Stream:         r.PerformanceExpectation,
		MeasureLengths: r.MeasureLengths,
		Lower:          models.Silence,
		Upper:          models.Silence,
		GetsFeedback:   true,
	}
	if len(r.LowerUpper) == 2 {
		u.Lower = models.Pitch(r.LowerUpper[0])
		u.Upper = models.Pitch(r.LowerUpper[1])
	}
	return u, nil
}
