// Package persistence defines the performance persistence operations the
// engine issues at page turns and session end.
package persistence

import (
	"context"
	"errors"

	"github.com/thebtf/cadenza/pkg/models"
)

// Op names a persistence operation in logs and metrics.
type Op string

const (
	OpInitialize Op = "initialize"
	OpUpdate     Op = "update"
	OpClose      Op = "close"
	OpSubmit     Op = "submit"
)

// Handle identifies an open performance on the persistence side.
// The empty handle means no performance has been opened.
type Handle string

// ErrUnknownHandle is returned when an update or close names a performance
// that does not exist or is already closed.
var ErrUnknownHandle = errors.New("unknown performance handle")

// Payload carries one batch of samples with the context needed to store it.
type Payload struct {
	SourceID     string           `json:"sheetMusicId"`
	ExerciseID   string           `json:"exerciseId,omitempty"`
	Samples      models.SampleLog `json:"-"`
	MeasureStart int              `json:"measureStart"`
	MeasureEnd   int              `json:"measureEnd"`
	IsExercise   bool             `json:"isDurationExercise"`
}

// Store is the persistence API. Implementations must be safe for concurrent
// use; the engine issues at most one call per session at a time.
type Store interface {
	// InitializePerformance opens a running performance with its first batch.
	InitializePerformance(ctx context.Context, p Payload) (Handle, error)
	// UpdatePerformance appends a batch to an open performance.
	UpdatePerformance(ctx context.Context, h Handle, samples models.SampleLog, sourceID string) error
	// ClosePerformance finalizes the performance with the last batch. With an
	// empty handle it submits p as a whole performance in one shot.
	ClosePerformance(ctx context.Context, h Handle, p Payload) error
}

// Lister is implemented by stores that can list what they hold.
type Lister interface {
	ListPerformances(ctx context.Context, sourceID string, limit int) ([]models.StoredPerformance, error)
}
