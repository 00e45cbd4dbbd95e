package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(v float64) *float64 { return &v }

func TestForExecution(t *testing.T) {
	a := New(DefaultConfig())

	tests := []struct {
		name string
		in   Inputs
		want float64
	}{
		{"ground truth and validation", Inputs{GroundTruth: 95, Validation: 80}, 80},
		{"result quality dominates", Inputs{GroundTruth: 95, Validation: 100, ResultQuality: ptr(72)}, 72},
		{"historical dominates", Inputs{GroundTruth: 95, Validation: 100, ResultQuality: ptr(90), Historical: ptr(40)}, 40},
		{"failed", Inputs{GroundTruth: 95, Validation: 100, Failed: true}, 0},
		{"clamped", Inputs{GroundTruth: 120, Validation: 110}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.ForExecution(tt.in))
		})
	}
}

func TestOverall_MinimumNotAverage(t *testing.T) {
	a := New(DefaultConfig())
	assert.Equal(t, 40.0, a.Overall([]float64{100, 40}, 0))
}

func TestOverall_ChainPenalty(t *testing.T) {
	a := New(DefaultConfig())
	single := a.Overall([]float64{85}, 0)
	chained := a.Overall([]float64{85, 85, 85}, 0)

	assert.Equal(t, 85.0, single)
	assert.Equal(t, 75.0, chained)
	assert.Less(t, chained, single)
	assert.Equal(t, 85.0, a.Overall([]float64{85, 85}, 0), "two calls are free")
	assert.Equal(t, 0.0, a.Overall([]float64{5, 5, 5}, 0))
}

func TestOverall_NoExecutions(t *testing.T) {
	a := New(DefaultConfig())
	assert.Equal(t, 95.0, a.Overall(nil, 95))
}

func TestShouldStore(t *testing.T) {
	a := New(DefaultConfig())
	assert.True(t, a.ShouldStore(70))
	assert.False(t, a.ShouldStore(69.99))
}
