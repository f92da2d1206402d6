// Package polar extracts per-ring eta-omega intensity maps from detector
// frame series.
//
// Panels are modelled as flat and normal to the beam. For a pixel at
// (x, y) mm from the beam centre on a panel at distance D, two-theta is
// atan(sqrt(x^2+y^2)/D) and eta is atan2(y, x). Each ring collects the
// pixels whose two-theta lies within half the tolerance of the ring, and
// each eta bin of each frame holds the mean of the ring pixels falling into
// it, or NaN when no pixel does.
package polar

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"etaomaps/internal/models"
	"etaomaps/pkg/imageseries"
	"etaomaps/pkg/planedata"
)

// Extractor produces polar maps for a set of detector panels.
type Extractor struct {
	// Panels holds the geometry for every panel id that may be extracted
	Panels map[string]models.PanelGeometry

	// Masks optionally excludes pixels (row-major, true = bad) per panel
	Masks map[string][]bool

	// TThTol is the full two-theta window around each ring, in degrees
	TThTol float64

	// NumCores bounds the number of panels processed concurrently
	NumCores int
}

// ringPixels lists the pixels belonging to a ring and their eta bin.
type ringPixels struct {
	pixels []int
	bins   []int
}

// EtaCenters returns the bin centres, in radians, of eta bins of width
// etaStep degrees covering [-pi, pi).
func EtaCenters(etaStep float64) ([]float64, error) {
	if etaStep <= 0 || etaStep > 360 {
		return nil, fmt.Errorf("eta step must lie in (0, 360], got %g", etaStep)
	}
	step := etaStep * math.Pi / 180
	n := int(math.Ceil(2*math.Pi/step - 1e-9))
	etas := make([]float64, n)
	for k := range etas {
		etas[k] = -math.Pi + (float64(k)+0.5)*step
	}
	return etas, nil
}

// ExtractPolarMaps returns, for each panel, one (nframes x neta) map per
// active ring, together with the shared eta bin centres in radians.
// A nil activeHKLs selects every ring of pd. Pixels at or below threshold
// count as zero intensity.
func (e *Extractor) ExtractPolarMaps(pd *planedata.PlaneData, series map[string]imageseries.Series,
	activeHKLs []int, threshold *float64, etaTol float64) (map[string][]*mat.Dense, []float64, error) {

	etas, err := EtaCenters(etaTol)
	if err != nil {
		return nil, nil, err
	}
	if e.TThTol <= 0 {
		return nil, nil, fmt.Errorf("two-theta tolerance must be positive, got %g", e.TThTol)
	}

	tth := pd.TTh()
	rings := activeHKLs
	if rings == nil {
		rings = make([]int, len(tth))
		for i := range rings {
			rings[i] = i
		}
	}
	ringTTh := make([]float64, len(rings))
	for i, r := range rings {
		if r < 0 || r >= len(tth) {
			return nil, nil, fmt.Errorf("ring index %d out of range [0, %d)", r, len(tth))
		}
		ringTTh[i] = tth[r]
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		if _, ok := e.Panels[k]; !ok {
			return nil, nil, fmt.Errorf("no geometry for panel %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	numCores := e.NumCores
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}

	results := make(map[string][]*mat.Dense, len(keys))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(numCores)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			maps, err := e.extractPanel(key, series[key], ringTTh, etas, threshold)
			if err != nil {
				return fmt.Errorf("panel %s: %w", key, err)
			}
			mu.Lock()
			results[key] = maps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return results, etas, nil
}

func (e *Extractor) extractPanel(key string, s imageseries.Series, ringTTh, etas []float64, threshold *float64) ([]*mat.Dense, error) {
	geom := e.Panels[key]
	rows, cols := s.Shape()
	if rows != geom.Rows || cols != geom.Cols {
		return nil, fmt.Errorf("frames are %dx%d but panel geometry is %dx%d", rows, cols, geom.Rows, geom.Cols)
	}
	mask := e.Masks[key]
	if mask != nil && len(mask) != rows*cols {
		return nil, fmt.Errorf("mask has %d pixels, panel has %d", len(mask), rows*cols)
	}

	tol := 0.5 * e.TThTol * math.Pi / 180
	rp := pixelRings(geom, mask, ringTTh, tol, binWidth(etas), len(etas))

	nFrames := s.Len()
	maps := make([]*mat.Dense, len(ringTTh))
	for r := range maps {
		maps[r] = mat.NewDense(nFrames, len(etas), nil)
	}

	sums := make([]float64, len(etas))
	counts := make([]int, len(etas))
	for i := 0; i < nFrames; i++ {
		frame, err := s.Frame(i)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		raw := frame.RawMatrix()

		for r, ring := range rp {
			for b := range sums {
				sums[b] = 0
				counts[b] = 0
			}
			for k, p := range ring.pixels {
				v := raw.Data[(p/cols)*raw.Stride+p%cols]
				if threshold != nil && v <= *threshold {
					v = 0
				}
				sums[ring.bins[k]] += v
				counts[ring.bins[k]]++
			}
			for b := range sums {
				if counts[b] == 0 {
					maps[r].Set(i, b, math.NaN())
				} else {
					maps[r].Set(i, b, sums[b]/float64(counts[b]))
				}
			}
		}
	}
	return maps, nil
}

// binWidth recovers the bin width in radians from the bin centres.
func binWidth(etas []float64) float64 {
	return 2 * (etas[0] + math.Pi)
}

// pixelRings assigns each unmasked pixel to the rings its two-theta falls
// within and to its eta bin.
func pixelRings(geom models.PanelGeometry, mask []bool, ringTTh []float64, tol, step float64, nEta int) []ringPixels {
	out := make([]ringPixels, len(ringTTh))

	for row := 0; row < geom.Rows; row++ {
		for col := 0; col < geom.Cols; col++ {
			p := row*geom.Cols + col
			if mask != nil && mask[p] {
				continue
			}
			x := (float64(col) - geom.BeamCol) * geom.PixelPitch
			y := (geom.BeamRow - float64(row)) * geom.PixelPitch
			tth := math.Atan2(math.Hypot(x, y), geom.Distance)
			eta := math.Atan2(y, x)

			bin := int((eta + math.Pi) / step)
			if bin >= nEta {
				bin = nEta - 1
			}
			for r, rt := range ringTTh {
				if math.IsNaN(rt) || math.Abs(tth-rt) > tol {
					continue
				}
				out[r].pixels = append(out[r].pixels, p)
				out[r].bins = append(out[r].bins, bin)
			}
		}
	}
	return out
}
