package visualization

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"etaomaps/pkg/angles"
	"etaomaps/pkg/etaomega"
	"etaomaps/pkg/planedata"
)

// Viewer renders a single (omega x eta) map as a heat map. It implements
// plotter.GridXYZ with eta along X and omega along Y, both in degrees.
type Viewer struct {
	// data holds one row per omega frame and one column per eta bin
	data mat.Matrix

	// etas and omegas are the bin centres in radians
	etas   []float64
	omegas []float64

	// byFrame plots frame indices instead of omegas when the omega
	// centres wrap around the period and are not monotonic
	byFrame bool
}

// NewViewer creates a viewer over data with the given bin centres.
func NewViewer(data mat.Matrix, etas, omegas []float64) (*Viewer, error) {
	r, c := data.Dims()
	if c != len(etas) {
		return nil, fmt.Errorf("map has %d eta columns but %d eta centres", c, len(etas))
	}
	if r != len(omegas) {
		return nil, fmt.Errorf("map has %d omega rows but %d omega centres", r, len(omegas))
	}
	return &Viewer{
		data:    data,
		etas:    etas,
		omegas:  omegas,
		byFrame: !monotonic(omegas),
	}, nil
}

func monotonic(v []float64) bool {
	inc, dec := true, true
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			inc = false
		}
		if v[i] >= v[i-1] {
			dec = false
		}
	}
	return inc || dec
}

// Dims implements plotter.GridXYZ.
func (v *Viewer) Dims() (c, r int) {
	r, c = v.data.Dims()
	return c, r
}

// Z implements plotter.GridXYZ.
func (v *Viewer) Z(c, r int) float64 { return v.data.At(r, c) }

// X implements plotter.GridXYZ.
func (v *Viewer) X(c int) float64 { return v.etas[c] * angles.RadToDeg }

// Y implements plotter.GridXYZ.
func (v *Viewer) Y(r int) float64 {
	if v.byFrame {
		return float64(r)
	}
	return v.omegas[r] * angles.RadToDeg
}

// EtaProfile returns the intensities of one omega frame across eta.
func (v *Viewer) EtaProfile(frame int) ([]float64, error) {
	r, c := v.data.Dims()
	if frame < 0 || frame >= r {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", frame, r)
	}
	out := make([]float64, c)
	for j := range out {
		out[j] = v.data.At(frame, j)
	}
	return out, nil
}

// OmegaProfile returns the intensities of one eta bin across omega.
func (v *Viewer) OmegaProfile(etaBin int) ([]float64, error) {
	r, c := v.data.Dims()
	if etaBin < 0 || etaBin >= c {
		return nil, fmt.Errorf("eta bin %d out of range [0, %d)", etaBin, c)
	}
	out := make([]float64, r)
	for i := range out {
		out[i] = v.data.At(i, etaBin)
	}
	return out, nil
}

// Render builds the heat-map plot. Cells without data are left blank.
func (v *Viewer) Render(title string) *plot.Plot {
	hm := plotter.NewHeatMap(v, palette.Heat(64, 1))
	hm.Rasterized = true
	if hm.Min > hm.Max {
		// no finite cells
		hm.Min, hm.Max = 0, 1
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "eta (deg)"
	if v.byFrame {
		p.Y.Label.Text = "frame"
	} else {
		p.Y.Label.Text = "omega (deg)"
	}
	p.Add(hm)
	return p
}

// Save renders the map and writes it to filename; the format follows the
// file extension.
func (v *Viewer) Save(title, filename string) error {
	if err := v.Render(title).Save(8*vg.Inch, 6*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return nil
}

func hklLabel(h planedata.HKL) string {
	return fmt.Sprintf("%d%d%d", h[0], h[1], h[2])
}

// SaveRingSequence writes one PNG per aggregated ring to outputDir and
// returns the written paths.
func SaveRingSequence(m *etaomega.Maps, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	hkls := m.PlaneData().HKLs()
	rings := m.IHKLList()
	etas, omegas := m.Etas(), m.Omegas()

	var files []string
	for i, ring := range m.DataStore() {
		v, err := NewViewer(ring, etas, omegas)
		if err != nil {
			return files, err
		}
		title := fmt.Sprintf("ring %d", rings[i])
		if rings[i] >= 0 && rings[i] < len(hkls) {
			title += " {" + hklLabel(hkls[rings[i]]) + "}"
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("ring_%02d.png", rings[i]))
		if err := v.Save(title, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}

// SavePanelMaps writes the per-ring polar maps of a single panel to
// outputDir. rings gives the ring index of each map.
func SavePanelMaps(panel string, maps []*mat.Dense, rings []int, etas, omegas []float64, outputDir string) ([]string, error) {
	if len(maps) != len(rings) {
		return nil, fmt.Errorf("%d maps for %d rings", len(maps), len(rings))
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for i, m := range maps {
		v, err := NewViewer(m, etas, omegas)
		if err != nil {
			return files, fmt.Errorf("panel %s: %w", panel, err)
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_ring_%02d.png", panel, rings[i]))
		if err := v.Save(fmt.Sprintf("%s ring %d", panel, rings[i]), filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}

// Coverage returns the fraction of finite cells in m.
func Coverage(m mat.Matrix) float64 {
	r, c := m.Dims()
	if r*c == 0 {
		return 0
	}
	n := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !math.IsNaN(m.At(i, j)) {
				n++
			}
		}
	}
	return float64(n) / float64(r*c)
}
