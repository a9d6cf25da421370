package pagination

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/cadenza/pkg/models"
)

type fakeRenderer struct {
	reflows []Window
	resets  int
}

func (f *fakeRenderer) RequestReflow(w Window) { f.reflows = append(f.reflows, w) }
func (f *fakeRenderer) ResetDrawPosition()     { f.resets++ }

type fakeRecorder struct {
	checkpoints []PageTurn
	clears      int
}

func (f *fakeRecorder) Checkpoint(t PageTurn) { f.checkpoints = append(f.checkpoints, t) }
func (f *fakeRecorder) ClearLive()            { f.clears++ }

// SchedulerSuite is a test suite for page-turn scheduling.
type SchedulerSuite struct {
	suite.Suite
	renderer  *fakeRenderer
	recorder  *fakeRecorder
	scheduler *Scheduler
}

func (s *SchedulerSuite) SetupTest() {
	s.renderer = &fakeRenderer{}
	s.recorder = &fakeRecorder{}
	s.scheduler = NewScheduler(s.renderer, s.recorder)

	// Three pages of 10s: 15 measures of 2s, 6 bars per page (5 per group).
	layout, err := NewLayout(uniform(15, 2), 1, 16, 6)
	s.Require().NoError(err)
	s.Require().Equal([]float64{10, 10, 10}, layout.SectionLengths)

	stream := models.NoteStream{
		{Pitch: 60, DurationSeconds: 10},
		{Pitch: 62, DurationSeconds: 10},
		{Pitch: 64, DurationSeconds: 10},
	}
	s.scheduler.Load(layout, stream, []int{0}, models.TrebleStartOctave)
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) TestNoLayoutIsNoop() {
	sched := NewScheduler(s.renderer, s.recorder)
	tick := sched.OnPlaybackTick(15)
	s.False(tick.Ready)
	s.Nil(tick.Turn)
	s.Empty(s.renderer.reflows)
	s.Empty(s.recorder.checkpoints)
}

func (s *SchedulerSuite) TestPageTurnsFireOnlyAfterBoundary() {
	var turns []float64
	for _, sec := range []float64{9.9, 10.1, 19.9, 20.1} {
		tick := s.scheduler.OnPlaybackTick(sec)
		if tick.Turn != nil {
			turns = append(turns, sec)
		}
	}
	s.Equal([]float64{10.1, 20.1}, turns)
	s.Len(s.recorder.checkpoints, 2)
	s.Equal(2, s.recorder.clears)
	s.Equal(2, s.renderer.resets)
	s.Require().Len(s.renderer.reflows, 2)
	s.Equal(6, s.renderer.reflows[0].MeasureStart)
	s.Equal(11, s.renderer.reflows[1].MeasureStart)
	s.Equal([]int{0}, s.renderer.reflows[1].TrackIndexes)
}

func (s *SchedulerSuite) TestExpectedPitchFollowsPlayback() {
	s.Equal(models.Pitch(60), s.scheduler.OnPlaybackTick(5).Expected)
	s.Equal(models.Pitch(62), s.scheduler.OnPlaybackTick(12).Expected)
	s.Equal(models.Pitch(64), s.scheduler.OnPlaybackTick(29).Expected)
	s.True(s.scheduler.OnPlaybackTick(31).Expected.IsSilence())
}

func (s *SchedulerSuite) TestBackwardSeekRecomputesFromAbsolute() {
	s.scheduler.OnPlaybackTick(9)
	s.scheduler.OnPlaybackTick(15)
	s.scheduler.OnPlaybackTick(25)
	s.Equal(2, s.scheduler.Page())
	resetsBefore := s.renderer.resets
	clearsBefore := s.recorder.clears

	tick := s.scheduler.OnPlaybackTick(5)
	s.Require().NotNil(tick.Turn)
	s.True(tick.Turn.Backward)
	s.Equal(0, tick.Page)
	s.Equal(models.Pitch(60), tick.Expected)
	s.Equal(resetsBefore+1, s.renderer.resets)
	s.Equal(clearsBefore+1, s.recorder.clears)
	s.Equal(1, s.renderer.reflows[len(s.renderer.reflows)-1].MeasureStart)
	s.Equal(0, s.scheduler.Cursor().Index)
	s.InDelta(5.0, s.scheduler.Cursor().Elapsed, 1e-9)
}

func (s *SchedulerSuite) TestSkipAcrossSeveralPagesTurnsOnce() {
	tick := s.scheduler.OnPlaybackTick(25)
	s.Require().NotNil(tick.Turn)
	s.Equal(0, tick.Turn.From)
	s.Equal(2, tick.Turn.To)
	s.Equal(1, tick.Turn.Left.MeasureStart)
	s.Len(s.recorder.checkpoints, 1)
}

func (s *SchedulerSuite) TestSeekWithinPageNoTurn() {
	s.scheduler.OnPlaybackTick(8)
	tick := s.scheduler.OnPlaybackTick(2)
	s.Nil(tick.Turn)
	s.InDelta(2.0, s.scheduler.Cursor().Elapsed, 1e-9)
}

func (s *SchedulerSuite) TestRewind() {
	s.scheduler.OnPlaybackTick(15)
	s.scheduler.Rewind()
	s.Equal(0, s.scheduler.Page())
	s.Equal(0, s.scheduler.Cursor().Index)
	last := s.renderer.reflows[len(s.renderer.reflows)-1]
	s.Equal(1, last.MeasureStart)
	s.Equal(7, last.MeasureEnd)
}
