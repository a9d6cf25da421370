package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/cadenza/pkg/models"
)

// Performance is one recorded performance. Its samples are stored as
// ordered chunks, one per persistence call.
type Performance struct {
	ID             string         `gorm:"primaryKey;type:varchar(36)"`
	SourceID       string         `gorm:"index:idx_performances_source;not null"`
	ExerciseID     sql.NullString `gorm:"type:text"`
	MeasureStart   int            `gorm:"not null"`
	MeasureEnd     int            `gorm:"not null"`
	IsExercise     bool           `gorm:"not null;default:false"`
	Status         string         `gorm:"type:varchar(16);check:status IN ('running', 'closed');default:'running';index"`
	CreatedAt      string         `gorm:"not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_performances_source,priority:2,sort:desc;not null"`
	ClosedAtEpoch  sql.NullInt64

	Chunks []PerformanceChunk `gorm:"foreignKey:PerformanceID;constraint:OnDelete:CASCADE"`
}

func (Performance) TableName() string { return "performances" }

// BeforeCreate hook to ensure timestamps are set.
func (p *Performance) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = now.UnixMilli()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// PerformanceChunk is one batch of samples of a performance.
type PerformanceChunk struct {
	ID             int64            `gorm:"primaryKey;autoIncrement"`
	PerformanceID  string           `gorm:"type:varchar(36);uniqueIndex:idx_chunks_performance_seq;not null"`
	Seq            int              `gorm:"uniqueIndex:idx_chunks_performance_seq;not null"`
	Samples        models.SampleLog `gorm:"type:text;not null"`
	CreatedAtEpoch int64            `gorm:"not null"`
}

func (PerformanceChunk) TableName() string { return "performance_chunks" }

func toModelPerformance(p *Performance) models.StoredPerformance {
	out := models.StoredPerformance{
		ID:             p.ID,
		SourceID:       p.SourceID,
		ExerciseID:     p.ExerciseID.String,
		MeasureStart:   p.MeasureStart,
		MeasureEnd:     p.MeasureEnd,
		IsExercise:     p.IsExercise,
		Status:         models.PerformanceStatus(p.Status),
		Samples:        models.SampleLog{},
		CreatedAtEpoch: p.CreatedAtEpoch,
	}
	if p.ClosedAtEpoch.Valid {
		out.ClosedAtEpoch = p.ClosedAtEpoch.Int64
	}
	for _, c := range p.Chunks {
		out.Samples = append(out.Samples, c.Samples...)
	}
	return out
}
