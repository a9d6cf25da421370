// Package score defines how the engine obtains playable units.
package score

import (
	"context"
	"errors"
	"fmt"

	"github.com/thebtf/cadenza/pkg/models"
)

var (
	// ErrUnitNotFound is returned when the provider has no such unit.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrInvalidRequest is returned by Request.Validate.
	ErrInvalidRequest = errors.New("invalid unit request")
)

// Request selects a unit. PartName empty means the provider's default part.
// The measure range is only used for exercises.
type Request struct {
	SourceID     string          `json:"sourceId"`
	Kind         models.UnitKind `json:"kind"`
	PartName     string          `json:"part,omitempty"`
	MeasureStart int             `json:"measureStart,omitempty"`
	MeasureEnd   int             `json:"measureEnd,omitempty"`
}

// Validate checks the request before it is sent.
func (r Request) Validate() error {
	if r.SourceID == "" {
		return fmt.Errorf("%w: source id is required", ErrInvalidRequest)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown unit kind %q", ErrInvalidRequest, r.Kind)
	}
	if r.Kind == models.UnitExercise && r.MeasureEnd <= r.MeasureStart {
		return fmt.Errorf("%w: exercise range %d-%d is empty", ErrInvalidRequest, r.MeasureStart, r.MeasureEnd)
	}
	return nil
}

// Provider fetches the expected note stream and bar lengths for a unit.
type Provider interface {
	FetchUnit(ctx context.Context, req Request) (*models.Unit, error)
}

// Normalize fills defaults the engine relies on: a first measure of 1, an
// exclusive end derived from the bar lengths, and the part name from the
// part list.
func Normalize(u *models.Unit, req Request) {
	u.SourceID = req.SourceID
	u.Kind = req.Kind
	if u.Part == "" {
		u.Part = req.PartName
	}
	if u.Part == "" && len(u.PartList) > 0 {
		u.Part = u.PartList[0]
	}
	if req.Kind == models.UnitExercise {
		u.MeasureStart = req.MeasureStart
		u.MeasureEnd = req.MeasureEnd
	}
	if u.MeasureStart <= 0 {
		u.MeasureStart = 1
	}
	if u.MeasureEnd <= u.MeasureStart {
		u.MeasureEnd = u.MeasureStart + len(u.MeasureLengths)
	}
}
