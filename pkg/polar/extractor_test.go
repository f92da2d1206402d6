package polar

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"etaomaps/internal/models"
	"etaomaps/pkg/imageseries"
	"etaomaps/pkg/planedata"
)

const (
	testDistance = 100.0
	testRadius   = 5.0
	testWlen     = 0.5
)

// ringPlaneData returns a single-ring cubic model whose ring lands testRadius
// pixels from the beam on a unit-pitch panel testDistance away.
func ringPlaneData(t *testing.T) *planedata.PlaneData {
	t.Helper()
	tth := math.Atan(testRadius / testDistance)
	d := testWlen / (2 * math.Sin(tth/2))
	pd, err := planedata.New([]float64{d}, "Oh", testWlen, 0, []planedata.HKL{{1, 0, 0}})
	if err != nil {
		t.Fatalf("Failed to build plane data: %v", err)
	}
	return pd
}

func constantSeries(t *testing.T, nFrames, rows, cols int, value func(frame int) float64) imageseries.Series {
	t.Helper()
	frames := make([]*mat.Dense, nFrames)
	for k := range frames {
		data := make([]float64, rows*cols)
		for p := range data {
			data[p] = value(k)
		}
		frames[k] = mat.NewDense(rows, cols, data)
	}
	s, err := imageseries.NewMemory(frames, imageseries.SynthesizeOmegas(0, 1, nFrames))
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return s
}

func centredGeometry() models.PanelGeometry {
	return models.PanelGeometry{Rows: 21, Cols: 21, PixelPitch: 1, Distance: testDistance, BeamCol: 10, BeamRow: 10}
}

func TestEtaCenters(t *testing.T) {
	etas, err := EtaCenters(1)
	if err != nil {
		t.Fatalf("EtaCenters failed: %v", err)
	}
	if len(etas) != 360 {
		t.Fatalf("Expected 360 bins, got %d", len(etas))
	}
	if want := -math.Pi + 0.5*math.Pi/180; math.Abs(etas[0]-want) > 1e-12 {
		t.Errorf("first centre = %g, want %g", etas[0], want)
	}
	if math.Abs(binWidth(etas)-math.Pi/180) > 1e-12 {
		t.Errorf("binWidth = %g, want 1 degree", binWidth(etas))
	}

	for _, bad := range []float64{0, -1, 400} {
		if _, err := EtaCenters(bad); err == nil {
			t.Errorf("Expected error for eta step %g", bad)
		}
	}
}

func TestExtractCentredPanel(t *testing.T) {
	e := &Extractor{
		Panels:   map[string]models.PanelGeometry{"ge1": centredGeometry()},
		TThTol:   0.8,
		NumCores: 2,
	}
	series := map[string]imageseries.Series{
		"ge1": constantSeries(t, 3, 21, 21, func(k int) float64 { return float64(10 * (k + 1)) }),
	}

	maps, etas, err := e.ExtractPolarMaps(ringPlaneData(t), series, nil, nil, 90)
	if err != nil {
		t.Fatalf("ExtractPolarMaps failed: %v", err)
	}
	if len(etas) != 4 {
		t.Fatalf("Expected 4 eta bins, got %d", len(etas))
	}
	if len(maps["ge1"]) != 1 {
		t.Fatalf("Expected 1 ring map, got %d", len(maps["ge1"]))
	}

	m := maps["ge1"][0]
	if r, c := m.Dims(); r != 3 || c != 4 {
		t.Fatalf("map is %dx%d, want 3x4", r, c)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if got, want := m.At(i, j), float64(10*(i+1)); got != want {
				t.Errorf("map[%d][%d] = %g, want %g", i, j, got, want)
			}
		}
	}
}

func TestExtractOffAxisPanelLeavesNaN(t *testing.T) {
	geom := centredGeometry()
	// beam sits to the left of the panel, so only eta near zero is covered
	geom.BeamCol = -3

	e := &Extractor{
		Panels: map[string]models.PanelGeometry{"ge2": geom},
		TThTol: 0.8,
	}
	series := map[string]imageseries.Series{
		"ge2": constantSeries(t, 2, 21, 21, func(int) float64 { return 4 }),
	}

	maps, _, err := e.ExtractPolarMaps(ringPlaneData(t), series, []int{0}, nil, 90)
	if err != nil {
		t.Fatalf("ExtractPolarMaps failed: %v", err)
	}
	m := maps["ge2"][0]
	for i := 0; i < 2; i++ {
		if !math.IsNaN(m.At(i, 0)) || !math.IsNaN(m.At(i, 3)) {
			t.Errorf("frame %d: bins facing away from the panel should be NaN, got %g and %g", i, m.At(i, 0), m.At(i, 3))
		}
		if m.At(i, 1) != 4 || m.At(i, 2) != 4 {
			t.Errorf("frame %d: covered bins = %g, %g, want 4", i, m.At(i, 1), m.At(i, 2))
		}
	}
}

func TestExtractThresholdAndMask(t *testing.T) {
	geom := centredGeometry()
	mask := make([]bool, geom.Rows*geom.Cols)
	// mask the upper half and the beam row, leaving only eta in [-pi, 0)
	for p := 0; p < 11*geom.Cols; p++ {
		mask[p] = true
	}

	e := &Extractor{
		Panels: map[string]models.PanelGeometry{"ge1": geom},
		Masks:  map[string][]bool{"ge1": mask},
		TThTol: 0.8,
	}
	series := map[string]imageseries.Series{
		"ge1": constantSeries(t, 1, 21, 21, func(int) float64 { return 3 }),
	}
	threshold := 5.0

	maps, _, err := e.ExtractPolarMaps(ringPlaneData(t), series, nil, &threshold, 90)
	if err != nil {
		t.Fatalf("ExtractPolarMaps failed: %v", err)
	}
	m := maps["ge1"][0]
	if m.At(0, 0) != 0 || m.At(0, 1) != 0 {
		t.Errorf("thresholded bins = %g, %g, want 0", m.At(0, 0), m.At(0, 1))
	}
	if !math.IsNaN(m.At(0, 2)) || !math.IsNaN(m.At(0, 3)) {
		t.Errorf("masked bins = %g, %g, want NaN", m.At(0, 2), m.At(0, 3))
	}
}

func TestExtractErrors(t *testing.T) {
	pd := ringPlaneData(t)
	good := map[string]imageseries.Series{
		"ge1": constantSeries(t, 1, 21, 21, func(int) float64 { return 1 }),
	}

	tests := []struct {
		name   string
		e      *Extractor
		series map[string]imageseries.Series
		rings  []int
		etaTol float64
	}{
		{
			name:   "unknown panel",
			e:      &Extractor{Panels: map[string]models.PanelGeometry{}, TThTol: 1},
			series: good,
			etaTol: 5,
		},
		{
			name:   "geometry shape mismatch",
			e:      &Extractor{Panels: map[string]models.PanelGeometry{"ge1": {Rows: 5, Cols: 5, PixelPitch: 1, Distance: 100}}, TThTol: 1},
			series: good,
			etaTol: 5,
		},
		{
			name:   "ring out of range",
			e:      &Extractor{Panels: map[string]models.PanelGeometry{"ge1": centredGeometry()}, TThTol: 1},
			series: good,
			rings:  []int{3},
			etaTol: 5,
		},
		{
			name:   "zero tolerance",
			e:      &Extractor{Panels: map[string]models.PanelGeometry{"ge1": centredGeometry()}},
			series: good,
			etaTol: 5,
		},
		{
			name:   "bad eta step",
			e:      &Extractor{Panels: map[string]models.PanelGeometry{"ge1": centredGeometry()}, TThTol: 1},
			series: good,
			etaTol: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.e.ExtractPolarMaps(pd, tt.series, tt.rings, nil, tt.etaTol); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
