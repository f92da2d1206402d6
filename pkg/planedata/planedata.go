// Package planedata describes the crystallographic plane families of a
// material and the diffraction rings they produce at a given wavelength.
package planedata

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// WavelengthUnit is the physical unit Wavelength is expressed in.
const WavelengthUnit = "angstrom"

// HKL is a Miller index triple.
type HKL [3]int

// Params is the compact parameter record of a plane-data model.
type Params struct {
	// LatticeParams are a, b, c in angstrom and alpha, beta, gamma in degrees
	LatticeParams []float64
	LaueGroup     string
	Wavelength    float64
	StrainMag     float64
}

// PlaneData holds the lattice, the candidate HKL families and the
// wavelength. Rings are the HKLs that are not excluded, in HKL order; ring
// indices used elsewhere in the module index into that list.
type PlaneData struct {
	params      Params
	hkls        []HKL
	excluded    []bool
	recipMetric *mat.Dense
}

// New validates the lattice and builds the reciprocal metric tensor.
// latticeParams may hold 1 value (cubic), 3 values (orthogonal axes) or
// the full 6 (a, b, c, alpha, beta, gamma).
func New(latticeParams []float64, laueGroup string, wavelength, strainMag float64, hkls []HKL) (*PlaneData, error) {
	full, err := expandLattice(latticeParams)
	if err != nil {
		return nil, err
	}
	if wavelength <= 0 {
		return nil, fmt.Errorf("wavelength must be positive, got %g", wavelength)
	}
	if len(hkls) == 0 {
		return nil, fmt.Errorf("at least one hkl is required")
	}
	for i, h := range hkls {
		if h == (HKL{}) {
			return nil, fmt.Errorf("hkl %d is (0 0 0)", i)
		}
	}

	recip, err := reciprocalMetric(full)
	if err != nil {
		return nil, err
	}

	return &PlaneData{
		params: Params{
			LatticeParams: full,
			LaueGroup:     laueGroup,
			Wavelength:    wavelength,
			StrainMag:     strainMag,
		},
		hkls:        append([]HKL(nil), hkls...),
		excluded:    make([]bool, len(hkls)),
		recipMetric: recip,
	}, nil
}

func expandLattice(p []float64) ([]float64, error) {
	var full []float64
	switch len(p) {
	case 1:
		full = []float64{p[0], p[0], p[0], 90, 90, 90}
	case 3:
		full = []float64{p[0], p[1], p[2], 90, 90, 90}
	case 6:
		full = append([]float64(nil), p...)
	default:
		return nil, fmt.Errorf("lattice parameters must have 1, 3 or 6 values, got %d", len(p))
	}
	for i := 0; i < 3; i++ {
		if full[i] <= 0 {
			return nil, fmt.Errorf("lattice length %d must be positive, got %g", i, full[i])
		}
		if full[i+3] <= 0 || full[i+3] >= 180 {
			return nil, fmt.Errorf("lattice angle %d must lie in (0, 180), got %g", i, full[i+3])
		}
	}
	return full, nil
}

// reciprocalMetric inverts the direct metric tensor G so that
// 1/d^2 = h' G* h.
func reciprocalMetric(lp []float64) (*mat.Dense, error) {
	a, b, c := lp[0], lp[1], lp[2]
	ca := math.Cos(lp[3] * math.Pi / 180)
	cb := math.Cos(lp[4] * math.Pi / 180)
	cg := math.Cos(lp[5] * math.Pi / 180)

	g := mat.NewDense(3, 3, []float64{
		a * a, a * b * cg, a * c * cb,
		a * b * cg, b * b, b * c * ca,
		a * c * cb, b * c * ca, c * c,
	})

	var inv mat.Dense
	if err := inv.Inverse(g); err != nil {
		return nil, fmt.Errorf("degenerate lattice: %w", err)
	}
	return &inv, nil
}

// Exclude marks every HKL whose two-theta is at or beyond tthMax (degrees)
// as excluded. A non-positive tthMax clears all exclusions.
func (pd *PlaneData) Exclude(tthMax float64) {
	for i := range pd.excluded {
		pd.excluded[i] = false
		if tthMax <= 0 {
			continue
		}
		tth := pd.tthOf(pd.hkls[i])
		pd.excluded[i] = math.IsNaN(tth) || tth >= tthMax*math.Pi/180
	}
}

// DSpacing returns the lattice-plane spacing of h in angstrom.
func (pd *PlaneData) DSpacing(h HKL) float64 {
	v := mat.NewVecDense(3, []float64{float64(h[0]), float64(h[1]), float64(h[2])})
	return 1 / math.Sqrt(mat.Inner(v, pd.recipMetric, v))
}

func (pd *PlaneData) tthOf(h HKL) float64 {
	s := pd.params.Wavelength / (2 * pd.DSpacing(h))
	if s > 1 {
		return math.NaN()
	}
	return 2 * math.Asin(s)
}

// TTh returns the two-theta of every ring, in radians. Reflections that
// cannot diffract at this wavelength are NaN.
func (pd *PlaneData) TTh() []float64 {
	var out []float64
	for i, h := range pd.hkls {
		if pd.excluded[i] {
			continue
		}
		out = append(out, pd.tthOf(h))
	}
	return out
}

// NRings is the number of rings, i.e. of non-excluded HKLs.
func (pd *PlaneData) NRings() int {
	n := 0
	for _, ex := range pd.excluded {
		if !ex {
			n++
		}
	}
	return n
}

// HKLs returns the Miller indices of the rings in ring order.
func (pd *PlaneData) HKLs() []HKL {
	var out []HKL
	for i, h := range pd.hkls {
		if !pd.excluded[i] {
			out = append(out, h)
		}
	}
	return out
}

// Params returns a copy of the parameter record.
func (pd *PlaneData) Params() Params {
	p := pd.params
	p.LatticeParams = append([]float64(nil), p.LatticeParams...)
	return p
}

// Clone returns an independent copy, including the exclusion state.
func (pd *PlaneData) Clone() *PlaneData {
	return &PlaneData{
		params:      pd.Params(),
		hkls:        append([]HKL(nil), pd.hkls...),
		excluded:    append([]bool(nil), pd.excluded...),
		recipMetric: mat.DenseCopyOf(pd.recipMetric),
	}
}
