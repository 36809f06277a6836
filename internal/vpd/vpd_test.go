package vpd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		temperature float64
		humidity    float64
		delta       float64
		want        float64
	}{
		{"typical", 25, 60, 0, 1.27},
		{"cooler leaf", 25, 60, -2, 0.91},
		{"warmer leaf", 30, 40, 1.5, 2.92},
		{"saturated air", 20, 100, 0, 0},
		{"negative clamps to zero", 25, 100, -1, 0},
		{"freezing", 0, 50, 0, 0.31},
		{"flower room", 24, 65, -1, 0.87},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.temperature, tt.humidity, tt.delta)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestComputeNotFinite(t *testing.T) {
	_, err := Compute(-237.3, 50, 0)
	assert.ErrorIs(t, err, ErrNotFinite)

	_, err = Compute(math.NaN(), 50, 0)
	assert.ErrorIs(t, err, ErrNotFinite)

	_, err = Compute(25, math.Inf(1), 0)
	assert.ErrorIs(t, err, ErrNotFinite)
}

func TestRound(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.2671, 1.27},
		{0.004, 0},
		{0.125, 0.12},
		{0.375, 0.38},
		{2.675, 2.67},
		{1.005, 1},
		{0.135, 0.14},
		{-0.125, -0.12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round(tt.in), "Round(%v)", tt.in)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusLow, Classify(0.5, 0.85, 1.15))
	assert.Equal(t, StatusOptimal, Classify(0.85, 0.85, 1.15))
	assert.Equal(t, StatusOptimal, Classify(1.15, 0.85, 1.15))
	assert.Equal(t, StatusHigh, Classify(1.2, 0.85, 1.15))
}

func TestLeafTemperature(t *testing.T) {
	assert.Equal(t, 23.5, LeafTemperature(25, -1.5))
}
