package gorm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 1,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ping())
	assert.Equal(t, "sqlite", store.Dialect())

	var journalMode string
	require.NoError(t, store.DB.Raw("PRAGMA journal_mode").Scan(&journalMode).Error)
	assert.Equal(t, "wal", journalMode)

	for _, table := range []string{"performances", "performance_chunks"} {
		assert.True(t, store.DB.Migrator().HasTable(table), "table %q", table)
	}
}

func TestNewStoreRejectsNonPostgresDSN(t *testing.T) {
	_, err := NewStore(Config{DSN: "mysql://localhost/db"})
	assert.Error(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"postgres://user@localhost/cadenza", true},
		{"postgresql://localhost/cadenza", true},
		{"host=localhost user=cadenza dbname=cadenza", true},
		{"/tmp/cadenza.db", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPostgresDSN(tt.dsn), tt.dsn)
	}
}

// PerformanceStoreSuite exercises the persistence operations on SQLite.
type PerformanceStoreSuite struct {
	suite.Suite
	store *PerformanceStore
	clock int64
}

func (s *PerformanceStoreSuite) SetupTest() {
	s.store = NewPerformanceStore(newTestStore(s.T()))
	s.clock = 1_000
	s.store.nowEpoch = func() int64 {
		s.clock++
		return s.clock
	}
}

func TestPerformanceStoreSuite(t *testing.T) {
	suite.Run(t, new(PerformanceStoreSuite))
}

func samplesOf(pitches ...float64) models.SampleLog {
	out := make(models.SampleLog, len(pitches))
	for i, p := range pitches {
		out[i] = models.Sample{Pitch: models.Pitch(p), Seconds: float64(i)}
	}
	return out
}

func (s *PerformanceStoreSuite) TestRunningLifecycle() {
	ctx := context.Background()
	h, err := s.store.InitializePerformance(ctx, persistence.Payload{
		SourceID:     "sheet-1",
		Samples:      samplesOf(60, 61),
		MeasureStart: 1,
		MeasureEnd:   21,
	})
	s.Require().NoError(err)
	s.NotEmpty(h)

	s.Require().NoError(s.store.UpdatePerformance(ctx, h, samplesOf(62), "sheet-1"))
	s.Require().NoError(s.store.ClosePerformance(ctx, h, persistence.Payload{
		SourceID:     "sheet-1",
		Samples:      samplesOf(63, -1),
		MeasureStart: 1,
		MeasureEnd:   40,
	}))

	perf, err := s.store.GetPerformance(ctx, string(h))
	s.Require().NoError(err)
	s.Require().NotNil(perf)
	s.Equal(models.PerformanceStatusClosed, perf.Status)
	s.Equal(40, perf.MeasureEnd)
	s.NotZero(perf.ClosedAtEpoch)
	s.Require().Len(perf.Samples, 5)
	s.Equal(models.Pitch(60), perf.Samples[0].Pitch)
	s.Equal(models.Pitch(62), perf.Samples[2].Pitch)
	s.True(perf.Samples[4].Pitch.IsSilence())
}

func (s *PerformanceStoreSuite) TestUpdateUnknownHandle() {
	err := s.store.UpdatePerformance(context.Background(), "missing", samplesOf(60), "sheet-1")
	s.ErrorIs(err, persistence.ErrUnknownHandle)
}

func (s *PerformanceStoreSuite) TestUpdateClosedHandle() {
	ctx := context.Background()
	h, err := s.store.InitializePerformance(ctx, persistence.Payload{SourceID: "sheet-1", Samples: samplesOf(60)})
	s.Require().NoError(err)
	s.Require().NoError(s.store.ClosePerformance(ctx, h, persistence.Payload{SourceID: "sheet-1"}))

	s.ErrorIs(s.store.UpdatePerformance(ctx, h, samplesOf(61), "sheet-1"), persistence.ErrUnknownHandle)
	s.ErrorIs(s.store.ClosePerformance(ctx, h, persistence.Payload{SourceID: "sheet-1"}), persistence.ErrUnknownHandle)
}

func (s *PerformanceStoreSuite) TestUpdateWrongSource() {
	ctx := context.Background()
	h, err := s.store.InitializePerformance(ctx, persistence.Payload{SourceID: "sheet-1", Samples: samplesOf(60)})
	s.Require().NoError(err)
	s.ErrorIs(s.store.UpdatePerformance(ctx, h, samplesOf(61), "sheet-2"), persistence.ErrUnknownHandle)
}

func (s *PerformanceStoreSuite) TestSubmitWhole() {
	ctx := context.Background()
	s.Require().NoError(s.store.ClosePerformance(ctx, "", persistence.Payload{
		SourceID:   "sheet-1",
		ExerciseID: "ex-1",
		Samples:    samplesOf(60, 60, 61),
		IsExercise: true,
	}))

	perfs, err := s.store.ListPerformances(ctx, "sheet-1", 10)
	s.Require().NoError(err)
	s.Require().Len(perfs, 1)
	s.Equal(models.PerformanceStatusClosed, perfs[0].Status)
	s.Equal("ex-1", perfs[0].ExerciseID)
	s.True(perfs[0].IsExercise)
	s.Len(perfs[0].Samples, 3)
}

func (s *PerformanceStoreSuite) TestListNewestFirstAndFiltered() {
	ctx := context.Background()
	for _, src := range []string{"a", "b", "a"} {
		s.Require().NoError(s.store.ClosePerformance(ctx, "", persistence.Payload{SourceID: src, Samples: samplesOf(60)}))
	}

	perfs, err := s.store.ListPerformances(ctx, "a", 0)
	s.Require().NoError(err)
	s.Require().Len(perfs, 2)
	s.Greater(perfs[0].CreatedAtEpoch, perfs[1].CreatedAtEpoch)

	all, err := s.store.ListPerformances(ctx, "", 2)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *PerformanceStoreSuite) TestCleanupKeepsNewest() {
	ctx := context.Background()
	s.store.SetMaxPerSource(2)
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.store.ClosePerformance(ctx, "", persistence.Payload{SourceID: "a", Samples: samplesOf(float64(60 + i))}))
	}

	perfs, err := s.store.ListPerformances(ctx, "a", 0)
	s.Require().NoError(err)
	s.Require().Len(perfs, 2)
	s.Equal(models.Pitch(63), perfs[0].Samples[0].Pitch)
	s.Equal(models.Pitch(62), perfs[1].Samples[0].Pitch)

	var chunks int64
	s.Require().NoError(s.store.db.Model(&PerformanceChunk{}).Count(&chunks).Error)
	s.Equal(int64(2), chunks)
}

func (s *PerformanceStoreSuite) TestGetMissing() {
	perf, err := s.store.GetPerformance(context.Background(), "nope")
	s.NoError(err)
	s.Nil(perf)
}
