// Package angles provides degree/radian conversion and the mapping of
// angles into a canonical period, as used for omega and eta coordinates.
package angles

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DegToRad converts degrees to radians
	DegToRad = math.Pi / 180.0

	// RadToDeg converts radians to degrees
	RadToDeg = 180.0 / math.Pi

	periodTol = 1e-9
)

// Period is a half-open angular interval [Lo, Hi) in radians into which
// angles are wrapped.
type Period struct {
	Lo float64
	Hi float64
}

// DefaultOmegaPeriod is [0, 2π).
var DefaultOmegaPeriod = Period{Lo: 0, Hi: 2 * math.Pi}

// NewPeriodDegrees builds a Period from bounds given in degrees.
// The span must be a full turn.
func NewPeriodDegrees(lo, hi float64) (Period, error) {
	if hi <= lo {
		return Period{}, fmt.Errorf("period upper bound %g must exceed lower bound %g", hi, lo)
	}
	if math.Abs((hi-lo)-360.0) > periodTol {
		return Period{}, fmt.Errorf("period [%g, %g) does not span 360 degrees", lo, hi)
	}
	return Period{Lo: lo * DegToRad, Hi: hi * DegToRad}, nil
}

// Width returns Hi - Lo.
func (p Period) Width() float64 {
	return p.Hi - p.Lo
}

// Contains reports whether ang already lies in [Lo, Hi).
func (p Period) Contains(ang float64) bool {
	return ang >= p.Lo && ang < p.Hi
}

// Map wraps ang into the period. Angles already inside are returned
// unchanged so that mapping is idempotent bit for bit.
func (p Period) Map(ang float64) float64 {
	if math.IsNaN(ang) || p.Contains(ang) {
		return ang
	}
	w := p.Width()
	v := math.Mod(ang-p.Lo, w)
	if v < 0 {
		v += w
	}
	out := v + p.Lo
	// rounding in v + Lo can land exactly on Hi
	if out >= p.Hi {
		out = p.Lo
	}
	return out
}

// MapAll wraps every element of angs into the period and returns a new slice.
func (p Period) MapAll(angs []float64) []float64 {
	out := make([]float64, len(angs))
	for i, a := range angs {
		out[i] = p.Map(a)
	}
	return out
}

// Radians converts a slice of degrees into a new slice of radians.
func Radians(deg []float64) []float64 {
	return floats.ScaleTo(make([]float64, len(deg)), DegToRad, deg)
}

// Degrees converts a slice of radians into a new slice of degrees.
func Degrees(rad []float64) []float64 {
	return floats.ScaleTo(make([]float64, len(rad)), RadToDeg, rad)
}
