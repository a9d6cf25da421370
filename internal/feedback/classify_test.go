package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/cadenza/pkg/models"
)

func TestClassify_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		expected models.Pitch
		live     models.Pitch
		want     Band
	}{
		{"match", 60, 60.9, Match},
		{"exact", 60, 60, Match},
		{"near", 60, 61.5, Near},
		{"near lower edge", 60, 61, Near},
		{"miss", 60, 63, Miss},
		{"miss at two", 60, 62, Miss},
		{"below match", 60, 59.2, Match},
		{"silent ok", models.Silence, models.Silence, SilentOK},
		{"silent violation", models.Silence, 60, SilentViolation},
		{"expected note, nothing sung", 60, models.Silence, Miss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.expected, tt.live))
		})
	}
}

func TestClassify_Symmetric(t *testing.T) {
	pairs := [][2]models.Pitch{
		{60, 60.9}, {60, 61.5}, {60, 63}, {48.2, 49.1}, {72, 70.5},
	}
	for _, p := range pairs {
		assert.Equal(t, Classify(p[0], p[1]), Classify(p[1], p[0]), "pair %v", p)
	}
}

func TestThresholds_Custom(t *testing.T) {
	th := Thresholds{MatchWithin: 0.5, NearWithin: 1}
	assert.NoError(t, th.Validate())
	assert.Equal(t, Near, th.Classify(60, 60.6))
	assert.Equal(t, Miss, th.Classify(60, 61.2))
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.ErrorIs(t, Thresholds{MatchWithin: 2, NearWithin: 1}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{}.Validate(), ErrInvalidThresholds)
}

func TestBandColor(t *testing.T) {
	assert.Equal(t, "#00FF00", Match.Color())
	assert.Equal(t, "#CCCC00", Near.Color())
	assert.Equal(t, "#FF0000", Miss.Color())
	assert.Equal(t, "#FF0000", SilentViolation.Color())
	assert.Empty(t, SilentOK.Color())
}
