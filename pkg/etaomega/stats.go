package etaomega

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RingStats summarises one aggregated ring map.
type RingStats struct {
	// Ring is the plane-data ring index
	Ring int

	// Coverage is the fraction of cells holding data
	Coverage float64

	// Mean, StdDev and Max describe the finite intensities; they are NaN
	// when the map holds no data
	Mean   float64
	StdDev float64
	Max    float64
}

// Stats computes RingStats for every ring in map order.
func (m *Maps) Stats() []RingStats {
	out := make([]RingStats, len(m.dataStore))
	for r, d := range m.dataStore {
		rows, cols := d.Dims()
		finite := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			for _, v := range d.RawRowView(i) {
				if !math.IsNaN(v) {
					finite = append(finite, v)
				}
			}
		}

		s := RingStats{Ring: m.iHKLList[r], Mean: math.NaN(), StdDev: math.NaN(), Max: math.NaN()}
		if rows*cols > 0 {
			s.Coverage = float64(len(finite)) / float64(rows*cols)
		}
		if len(finite) > 0 {
			s.Max = floats.Max(finite)
			s.Mean = stat.Mean(finite, nil)
		}
		if len(finite) > 1 {
			s.StdDev = stat.StdDev(finite, nil)
		}
		out[r] = s
	}
	return out
}
