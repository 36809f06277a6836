// Package vpd derives vapor pressure deficit from air temperature and
// relative humidity using the Tetens approximation.
package vpd

import (
	"errors"
	"math"
	"strconv"
)

// ErrNotFinite is returned when an intermediate or final value is NaN or infinite.
var ErrNotFinite = errors.New("vpd: result is not finite")

const (
	tetensA = 0.61078
	tetensB = 17.27
	tetensC = 237.3
)

// Status classifies a reading against the configured thresholds.
type Status string

const (
	StatusLow     Status = "low"
	StatusOptimal Status = "optimal"
	StatusHigh    Status = "high"
)

// SaturationPressure returns the saturation vapor pressure in kPa at t °C.
// It returns NaN at the pole of the Tetens exponent.
func SaturationPressure(t float64) float64 {
	exponent := tetensB * t / (t + tetensC)
	if !finite(exponent) {
		return math.NaN()
	}
	return tetensA * math.Exp(exponent)
}

// LeafTemperature returns the air temperature adjusted by the leaf offset.
func LeafTemperature(temperature, delta float64) float64 {
	return temperature + delta
}

// Compute returns the VPD in kPa, clamped at zero and rounded to two decimals.
func Compute(temperature, humidity, leafDelta float64) (float64, error) {
	esLeaf := SaturationPressure(LeafTemperature(temperature, leafDelta))
	esAir := SaturationPressure(temperature)
	if !finite(esLeaf) || !finite(esAir) {
		return 0, ErrNotFinite
	}

	ea := humidity / 100 * esAir
	v := esLeaf - ea
	if !finite(v) {
		return 0, ErrNotFinite
	}

	return Round(math.Max(0, v)), nil
}

// Round rounds to two decimals using the exact binary value of v.
// Exact ties go to the even digit, so 0.125 becomes 0.12.
func Round(v float64) float64 {
	if !finite(v) {
		return v
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// Classify reports whether v is below min, above max or in between.
func Classify(v, min, max float64) Status {
	switch {
	case v < min:
		return StatusLow
	case v > max:
		return StatusHigh
	default:
		return StatusOptimal
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
