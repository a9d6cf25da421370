package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(n int, length float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = length
	}
	return out
}

func TestNewLayout_GroupsBarsPerPageMinusOne(t *testing.T) {
	// 10 measures of 2s, 4 bars per page -> groups of 3 measures.
	l, err := NewLayout(uniform(10, 2), 1, 11, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 6, 6, 2}, l.SectionLengths)
	assert.Equal(t, 4, l.Pages())
	assert.InDelta(t, 20.0, l.Total(), 1e-9)
}

func TestNewLayout_SectionsSumToTotal(t *testing.T) {
	lengths := []float64{1.5, 2, 2.5, 1, 3, 0.5, 2}
	l, err := NewLayout(lengths, 3, 10, 3)
	require.NoError(t, err)

	var sum float64
	for _, v := range lengths {
		sum += v
	}
	assert.InDelta(t, sum, l.Total(), 1e-9)
}

func TestNewLayout_InvalidBounds(t *testing.T) {
	tests := []struct {
		name        string
		lengths     []float64
		start, end  int
		barsPerPage int
		want        error
	}{
		{"end equals start", uniform(4, 1), 1, 1, 4, ErrInvalidBounds},
		{"end before start", uniform(4, 1), 5, 2, 4, ErrInvalidBounds},
		{"one bar per page", uniform(4, 1), 1, 5, 1, ErrInvalidBounds},
		{"missing measures", uniform(2, 1), 1, 5, 4, ErrMissingMeasures},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLayout(tt.lengths, tt.start, tt.end, tt.barsPerPage)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewLayout_RejectsNonPositiveLength(t *testing.T) {
	_, err := NewLayout([]float64{1, 0, 1}, 1, 4, 3)
	assert.Error(t, err)
}

func TestSectionAt(t *testing.T) {
	l := &Layout{SectionLengths: []float64{10, 10, 10}}
	assert.Equal(t, 0, l.SectionAt(0))
	assert.Equal(t, 0, l.SectionAt(9.9))
	assert.Equal(t, 1, l.SectionAt(10))
	assert.Equal(t, 1, l.SectionAt(10.1))
	assert.Equal(t, 2, l.SectionAt(25))
	assert.Equal(t, 2, l.SectionAt(45))
}

func TestWindow_OverlapsOneBar(t *testing.T) {
	l, err := NewLayout(uniform(45, 2), 1, 46, 20)
	require.NoError(t, err)

	assert.Equal(t, Window{Page: 0, MeasureStart: 1, MeasureEnd: 21}, l.Window(0))
	assert.Equal(t, Window{Page: 1, MeasureStart: 20, MeasureEnd: 40}, l.Window(1))
	assert.Equal(t, Window{Page: 2, MeasureStart: 39, MeasureEnd: 46}, l.Window(2))
}

func TestPageStart(t *testing.T) {
	l := &Layout{SectionLengths: []float64{10, 12, 8}}
	assert.Equal(t, 0.0, l.PageStart(0))
	assert.Equal(t, 22.0, l.PageStart(2))
	assert.Equal(t, 30.0, l.PageStart(7))
}

func TestMeasureAt(t *testing.T) {
	l, err := NewLayout([]float64{2, 2, 4}, 5, 8, 4)
	require.NoError(t, err)

	assert.Equal(t, 5, l.MeasureAt(0))
	assert.Equal(t, 5, l.MeasureAt(1.5))
	assert.Equal(t, 6, l.MeasureAt(1.995))
	assert.Equal(t, 6, l.MeasureAt(3))
	assert.Equal(t, 7, l.MeasureAt(4.5))
	assert.Equal(t, 7, l.MeasureAt(100))
}
