package models

// RecordState is the lifecycle state of a performance record.
type RecordState string

const (
	RecordUnopened RecordState = "unopened"
	RecordOpen     RecordState = "open"
	RecordClosed   RecordState = "closed"
)

// PerformanceRecord tracks one performance on the persistence side.
// Handle is empty until the record is opened.
type PerformanceRecord struct {
	Handle       string      `json:"performance_id,omitempty"`
	SourceID     string      `json:"source_id"`
	ExerciseID   string      `json:"exercise_id,omitempty"`
	MeasureStart int         `json:"measure_start"`
	MeasureEnd   int         `json:"measure_end"`
	IsExercise   bool        `json:"is_exercise"`
	State        RecordState `json:"state"`
}

// IsOpen reports whether a remote handle has been obtained.
func (r *PerformanceRecord) IsOpen() bool {
	return r.State == RecordOpen && r.Handle != ""
}

// PerformanceStatus is the stored status of a persisted performance.
type PerformanceStatus string

const (
	PerformanceStatusRunning PerformanceStatus = "running"
	PerformanceStatusClosed  PerformanceStatus = "closed"
)

// StoredPerformance is a persisted performance as listed by a local store.
type StoredPerformance struct {
	ID             string            `json:"performance_id"`
	SourceID       string            `json:"source_id"`
	ExerciseID     string            `json:"exercise_id,omitempty"`
	MeasureStart   int               `json:"measure_start"`
	MeasureEnd     int               `json:"measure_end"`
	IsExercise     bool              `json:"is_exercise"`
	Status         PerformanceStatus `json:"status"`
	Samples        SampleLog         `json:"performance_data"`
	CreatedAtEpoch int64             `json:"created_at_epoch"`
	ClosedAtEpoch  int64             `json:"closed_at_epoch,omitempty"`
}
