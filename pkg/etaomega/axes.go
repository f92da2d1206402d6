package etaomega

import (
	"gonum.org/v1/gonum/floats"

	"etaomaps/internal/models"
	"etaomaps/pkg/angles"
)

// OmegaAxis converts per-frame omega ranges (degrees) into frame centres
// and frame edges in radians, both wrapped into period.
//
// Edges are the frame starts followed by the last frame's end. When the
// scan crosses the period boundary the wrapped edges are not monotonic;
// they are returned as is.
func OmegaAxis(omegas []models.OmegaRange, period angles.Period) (centers, edges []float64) {
	n := len(omegas)
	centers = make([]float64, n)
	edges = make([]float64, n+1)
	for i, o := range omegas {
		centers[i] = o.Center()
		edges[i] = o.Start
	}
	if n > 0 {
		edges[n] = omegas[n-1].End
	}

	floats.Scale(angles.DegToRad, centers)
	floats.Scale(angles.DegToRad, edges)
	return period.MapAll(centers), period.MapAll(edges)
}

// EtaEdges builds bin boundaries around uniformly spaced centres (radians)
// for bins of width etaStep degrees. Non-uniform centres are not detected.
func EtaEdges(etas []float64, etaStep float64) []float64 {
	if len(etas) == 0 {
		return nil
	}
	half := 0.5 * etaStep * angles.DegToRad
	edges := make([]float64, len(etas)+1)
	copy(edges, etas)
	floats.AddConst(-half, edges[:len(etas)])
	edges[len(etas)] = etas[len(etas)-1] + half
	return edges
}
