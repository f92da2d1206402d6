// Package etaomega builds eta-omega intensity maps: one (omega x eta) map
// per diffraction ring, combining the polar maps of every detector panel,
// together with the omega and eta bin coordinates used by indexing.
package etaomega

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"etaomaps/internal/models"
	"etaomaps/pkg/angles"
	"etaomaps/pkg/imageseries"
	"etaomaps/pkg/planedata"
)

// Extractor produces per-panel polar maps. For every panel it returns one
// (nframes x neta) map per requested ring, NaN where the panel has no data,
// plus the eta bin centres in radians shared by all panels.
type Extractor interface {
	ExtractPolarMaps(pd *planedata.PlaneData, series map[string]imageseries.Series,
		activeHKLs []int, threshold *float64, etaTol float64) (map[string][]*mat.Dense, []float64, error)
}

// Params controls map generation.
type Params struct {
	// PlaneData provides the candidate rings
	PlaneData *planedata.PlaneData

	// ActiveHKLs selects rings by index; nil selects every ring in order
	ActiveHKLs []int

	// EtaStep is the eta bin width in degrees
	EtaStep float64

	// Threshold is passed to the extractor; nil disables thresholding
	Threshold *float64

	// OmePeriod is the omega wrap range in degrees; the zero value means [0, 360)
	OmePeriod [2]float64
}

// Maps is the immutable result of Generate. Accessors return copies.
type Maps struct {
	dataStore []*mat.Dense
	planeData *planedata.PlaneData
	iHKLList  []int
	etaEdges  []float64
	omeEdges  []float64
	etas      []float64
	omegas    []float64
}

func (p Params) period() (angles.Period, error) {
	if p.OmePeriod == [2]float64{} {
		return angles.DefaultOmegaPeriod, nil
	}
	return angles.NewPeriodDegrees(p.OmePeriod[0], p.OmePeriod[1])
}

// Generate extracts polar maps for every panel in series, sums them per
// ring and builds the omega and eta axes. It either returns a complete Maps
// or an error; nothing is retained on failure.
//
// All panels must share the same frame count and per-frame omega ranges;
// the omega axis is taken from the first panel in sorted id order.
func Generate(series map[string]imageseries.Series, ext Extractor, p Params) (*Maps, error) {
	if p.PlaneData == nil {
		return nil, fmt.Errorf("plane data is required")
	}
	if p.EtaStep <= 0 {
		return nil, fmt.Errorf("eta step must be positive, got %g", p.EtaStep)
	}
	period, err := p.period()
	if err != nil {
		return nil, fmt.Errorf("invalid omega period: %w", err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no detector panels given")
	}

	var rings []int
	if p.ActiveHKLs == nil {
		rings = make([]int, p.PlaneData.NRings())
		for i := range rings {
			rings[i] = i
		}
	} else {
		rings = append([]int(nil), p.ActiveHKLs...)
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("no rings selected")
	}

	keys := panelKeys(series)
	omegas, err := referenceOmegas(keys, series)
	if err != nil {
		return nil, err
	}

	polarMaps, etas, err := ext.ExtractPolarMaps(p.PlaneData, series, p.ActiveHKLs, p.Threshold, p.EtaStep)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	if len(etas) == 0 {
		return nil, &ExtractionError{Err: fmt.Errorf("extractor returned no eta bins")}
	}
	if err := checkPolarMaps(keys, polarMaps, len(rings), len(omegas), len(etas)); err != nil {
		return nil, err
	}

	dataStore := make([]*mat.Dense, len(rings))
	for r := range rings {
		panelMaps := make([]mat.Matrix, len(keys))
		for i, k := range keys {
			panelMaps[i] = polarMaps[k][r]
		}
		if dataStore[r], err = Aggregate(panelMaps); err != nil {
			return nil, fmt.Errorf("ring %d: %w", r, err)
		}
	}

	omeCenters, omeEdges := OmegaAxis(omegas, period)

	return &Maps{
		dataStore: dataStore,
		planeData: p.PlaneData.Clone(),
		iHKLList:  rings,
		etaEdges:  EtaEdges(etas, p.EtaStep),
		omeEdges:  omeEdges,
		etas:      append([]float64(nil), etas...),
		omegas:    omeCenters,
	}, nil
}

func panelKeys(series map[string]imageseries.Series) []string {
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// referenceOmegas returns the omega table of the first panel after checking
// every panel reports the same frames and ranges.
func referenceOmegas(keys []string, series map[string]imageseries.Series) ([]models.OmegaRange, error) {
	ref := series[keys[0]].Omegas()
	if len(ref) == 0 {
		return nil, &MissingOmegaMetadataError{Panel: keys[0]}
	}
	nFrames := series[keys[0]].Len()
	if len(ref) != nFrames {
		return nil, &ShapeMismatchError{Panel: keys[0], Ring: -1,
			Detail: fmt.Sprintf("%d omega ranges for %d frames", len(ref), nFrames)}
	}

	for _, k := range keys[1:] {
		s := series[k]
		if s.Len() != nFrames {
			return nil, &ShapeMismatchError{Panel: k, Ring: -1,
				Detail: fmt.Sprintf("%d frames, panel %s has %d", s.Len(), keys[0], nFrames)}
		}
		om := s.Omegas()
		if len(om) == 0 {
			return nil, &MissingOmegaMetadataError{Panel: k}
		}
		if !models.SameOmegas(om, ref) {
			return nil, &ShapeMismatchError{Panel: k, Ring: -1,
				Detail: fmt.Sprintf("omega ranges differ from panel %s", keys[0])}
		}
	}
	return ref, nil
}

func checkPolarMaps(keys []string, polarMaps map[string][]*mat.Dense, nRings, nFrames, nEta int) error {
	for _, k := range keys {
		maps, ok := polarMaps[k]
		if !ok {
			return &ShapeMismatchError{Panel: k, Ring: -1, Detail: "no polar maps returned"}
		}
		if len(maps) != nRings {
			return &ShapeMismatchError{Panel: k, Ring: -1,
				Detail: fmt.Sprintf("%d ring maps, expected %d", len(maps), nRings)}
		}
		for r, m := range maps {
			if m == nil {
				return &ShapeMismatchError{Panel: k, Ring: r, Detail: "map is nil"}
			}
			if rows, cols := m.Dims(); rows != nFrames || cols != nEta {
				return &ShapeMismatchError{Panel: k, Ring: r,
					Detail: fmt.Sprintf("map is %dx%d, expected %dx%d", rows, cols, nFrames, nEta)}
			}
		}
	}
	return nil
}

// Aggregate sums the finite cells of equally shaped panel maps. A cell is
// NaN in the result exactly when it is NaN in every panel; otherwise it is
// the sum of the finite panel values, missing panels contributing nothing.
func Aggregate(panels []mat.Matrix) (*mat.Dense, error) {
	if len(panels) == 0 {
		return nil, fmt.Errorf("no panel maps to aggregate")
	}
	rows, cols := panels[0].Dims()
	for i, m := range panels[1:] {
		if r, c := m.Dims(); r != rows || c != cols {
			return nil, &ShapeMismatchError{Panel: fmt.Sprint(i + 1), Ring: -1,
				Detail: fmt.Sprintf("map is %dx%d, expected %dx%d", r, c, rows, cols)}
		}
	}

	full := mat.NewDense(rows, cols, nil)
	hasData := make([]int, rows*cols)
	for _, m := range panels {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				v := m.At(i, j)
				if math.IsNaN(v) {
					continue
				}
				hasData[i*cols+j]++
				full.Set(i, j, full.At(i, j)+v)
			}
		}
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if hasData[i*cols+j] == 0 {
				full.Set(i, j, math.NaN())
			}
		}
	}
	return full, nil
}

// NRings is the number of aggregated rings.
func (m *Maps) NRings() int { return len(m.dataStore) }

// Shape returns the (omega, eta) dimensions shared by every ring map.
func (m *Maps) Shape() (nOme, nEta int) { return len(m.omegas), len(m.etas) }

// DataStore returns copies of the aggregated maps in ring order.
func (m *Maps) DataStore() []*mat.Dense {
	out := make([]*mat.Dense, len(m.dataStore))
	for i, d := range m.dataStore {
		out[i] = mat.DenseCopyOf(d)
	}
	return out
}

// Ring returns a copy of the aggregated map at position i of the ring list.
func (m *Maps) Ring(i int) (*mat.Dense, error) {
	if i < 0 || i >= len(m.dataStore) {
		return nil, fmt.Errorf("ring %d out of range [0, %d)", i, len(m.dataStore))
	}
	return mat.DenseCopyOf(m.dataStore[i]), nil
}

// PlaneData returns a copy of the plane-data model the maps were built
// from.
func (m *Maps) PlaneData() *planedata.PlaneData { return m.planeData.Clone() }

// IHKLList returns the ring indices in map order.
func (m *Maps) IHKLList() []int { return append([]int(nil), m.iHKLList...) }

// EtaEdges returns the eta bin boundaries in radians.
func (m *Maps) EtaEdges() []float64 { return append([]float64(nil), m.etaEdges...) }

// OmeEdges returns the omega frame boundaries in radians.
func (m *Maps) OmeEdges() []float64 { return append([]float64(nil), m.omeEdges...) }

// Etas returns the eta bin centres in radians.
func (m *Maps) Etas() []float64 { return append([]float64(nil), m.etas...) }

// Omegas returns the omega frame centres in radians.
func (m *Maps) Omegas() []float64 { return append([]float64(nil), m.omegas...) }
