package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/pkg/models"
)

// MaxPerformancesPerSource is the maximum number of closed performances kept per source.
const MaxPerformancesPerSource = 200

// PerformanceStore implements persistence.Store and persistence.Lister on a
// local database.
type PerformanceStore struct {
	db       *gorm.DB
	maxKeep  int
	nowEpoch func() int64
}

// NewPerformanceStore creates a performance store.
func NewPerformanceStore(store *Store) *PerformanceStore {
	return &PerformanceStore{
		db:       store.DB,
		maxKeep:  MaxPerformancesPerSource,
		nowEpoch: func() int64 { return time.Now().UnixMilli() },
	}
}

// SetMaxPerSource changes how many closed performances are kept per source.
// Zero or less disables cleanup.
func (s *PerformanceStore) SetMaxPerSource(n int) {
	s.maxKeep = n
}

// InitializePerformance implements persistence.Store.
func (s *PerformanceStore) InitializePerformance(ctx context.Context, p persistence.Payload) (persistence.Handle, error) {
	perf := &Performance{
		ID:             uuid.NewString(),
		SourceID:       p.SourceID,
		ExerciseID:     nullString(p.ExerciseID),
		MeasureStart:   p.MeasureStart,
		MeasureEnd:     p.MeasureEnd,
		IsExercise:     p.IsExercise,
		Status:         string(models.PerformanceStatusRunning),
		CreatedAt:      time.Now().Format(time.RFC3339),
		CreatedAtEpoch: s.nowEpoch(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(perf).Error; err != nil {
			return err
		}
		return s.appendChunk(tx, perf.ID, p.Samples)
	})
	if err != nil {
		return "", fmt.Errorf("initialize performance: %w", err)
	}
	return persistence.Handle(perf.ID), nil
}

// UpdatePerformance implements persistence.Store.
func (s *PerformanceStore) UpdatePerformance(ctx context.Context, h persistence.Handle, samples models.SampleLog, sourceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.running(tx, h, sourceID); err != nil {
			return err
		}
		return s.appendChunk(tx, string(h), samples)
	})
}

// ClosePerformance implements persistence.Store. An empty handle stores the
// payload as a complete performance in one step.
func (s *PerformanceStore) ClosePerformance(ctx context.Context, h persistence.Handle, p persistence.Payload) error {
	if h == "" {
		return s.submit(ctx, p)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.running(tx, h, p.SourceID); err != nil {
			return err
		}
		if err := s.appendChunk(tx, string(h), p.Samples); err != nil {
			return err
		}
		return tx.Model(&Performance{}).
			Where("id = ?", string(h)).
			Updates(map[string]any{
				"status":          string(models.PerformanceStatusClosed),
				"measure_start":   p.MeasureStart,
				"measure_end":     p.MeasureEnd,
				"closed_at_epoch": s.nowEpoch(),
			}).Error
	})
	if err != nil {
		return err
	}
	s.cleanup(ctx, p.SourceID)
	return nil
}

func (s *PerformanceStore) submit(ctx context.Context, p persistence.Payload) error {
	now := s.nowEpoch()
	perf := &Performance{
		ID:             uuid.NewString(),
		SourceID:       p.SourceID,
		ExerciseID:     nullString(p.ExerciseID),
		MeasureStart:   p.MeasureStart,
		MeasureEnd:     p.MeasureEnd,
		IsExercise:     p.IsExercise,
		Status:         string(models.PerformanceStatusClosed),
		CreatedAt:      time.Now().Format(time.RFC3339),
		CreatedAtEpoch: now,
		ClosedAtEpoch:  sql.NullInt64{Int64: now, Valid: true},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(perf).Error; err != nil {
			return err
		}
		return s.appendChunk(tx, perf.ID, p.Samples)
	})
	if err != nil {
		return fmt.Errorf("submit performance: %w", err)
	}
	s.cleanup(ctx, p.SourceID)
	return nil
}

// running loads an open performance, checking it belongs to sourceID.
func (s *PerformanceStore) running(tx *gorm.DB, h persistence.Handle, sourceID string) (*Performance, error) {
	if h == "" {
		return nil, persistence.ErrUnknownHandle
	}
	var perf Performance
	err := tx.Where("id = ? AND status = ?", string(h), string(models.PerformanceStatusRunning)).First(&perf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrUnknownHandle, h)
	}
	if err != nil {
		return nil, err
	}
	if sourceID != "" && perf.SourceID != sourceID {
		return nil, fmt.Errorf("%w: %s belongs to %s", persistence.ErrUnknownHandle, h, perf.SourceID)
	}
	return &perf, nil
}

func (s *PerformanceStore) appendChunk(tx *gorm.DB, performanceID string, samples models.SampleLog) error {
	var next int64
	if err := tx.Model(&PerformanceChunk{}).
		Where("performance_id = ?", performanceID).
		Count(&next).Error; err != nil {
		return err
	}
	return tx.Create(&PerformanceChunk{
		PerformanceID:  performanceID,
		Seq:            int(next),
		Samples:        samples.Clone(),
		CreatedAtEpoch: s.nowEpoch(),
	}).Error
}

// GetPerformance returns one performance with its samples in order.
func (s *PerformanceStore) GetPerformance(ctx context.Context, id string) (*models.StoredPerformance, error) {
	var perf Performance
	err := s.db.WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&perf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := toModelPerformance(&perf)
	return &out, nil
}

// ListPerformances implements persistence.Lister. An empty sourceID lists
// every source. Newest first.
func (s *PerformanceStore) ListPerformances(ctx context.Context, sourceID string, limit int) ([]models.StoredPerformance, error) {
	q := s.db.WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Order("created_at_epoch DESC")
	if sourceID != "" {
		q = q.Where("source_id = ?", sourceID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var perfs []Performance
	if err := q.Find(&perfs).Error; err != nil {
		return nil, err
	}
	out := make([]models.StoredPerformance, 0, len(perfs))
	for i := range perfs {
		out = append(out, toModelPerformance(&perfs[i]))
	}
	return out, nil
}

// CleanupOldPerformances deletes the oldest closed performances of a source
// beyond the keep limit and returns their ids.
func (s *PerformanceStore) CleanupOldPerformances(ctx context.Context, sourceID string) ([]string, error) {
	if s.maxKeep <= 0 {
		return nil, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Performance{}).
		Where("source_id = ? AND status = ?", sourceID, string(models.PerformanceStatusClosed)).
		Order("created_at_epoch DESC").
		Offset(s.maxKeep).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("performance_id IN ?", ids).Delete(&PerformanceChunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Performance{}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PerformanceStore) cleanup(ctx context.Context, sourceID string) {
	deleted, err := s.CleanupOldPerformances(ctx, sourceID)
	if err != nil {
		log.Warn().Err(err).Str("sourceId", sourceID).Msg("Failed to clean up old performances")
		return
	}
	if len(deleted) > 0 {
		log.Debug().Str("sourceId", sourceID).Int("deleted", len(deleted)).Msg("Old performances removed")
	}
}
