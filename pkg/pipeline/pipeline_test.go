package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"etaomaps/pkg/config"
	"etaomaps/pkg/etaomega"
	"etaomaps/pkg/imageseries"
	"etaomaps/pkg/planedata"
)

const (
	panelSize = 64
	nFrames   = 3
)

// writeFrames writes nFrames uniform frames where frame k holds 100*(k+1).
func writeFrames(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for k := 0; k < nFrames; k++ {
		data := make([]float64, panelSize*panelSize)
		for i := range data {
			data[i] = float64(100 * (k + 1))
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%03d.tif", k))
		require.NoError(t, imageseries.WriteTIFF(path, mat.NewDense(panelSize, panelSize, data)))
	}
}

func panel(id string, beamCol float64) config.PanelConfig {
	return config.PanelConfig{
		ID:         id,
		Rows:       panelSize,
		Cols:       panelSize,
		PixelPitch: 1,
		Distance:   100,
		BeamCenter: []float64{beamCol, panelSize / 2},
		Format:     "tiff",
		Frames:     id,
		OmegaStart: -5,
		OmegaDelta: 10,
	}
}

// testConfig describes a cubic material seen by two panels: ge1 centred on
// the beam and ge2 offset so it only covers eta near zero.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFrames(t, filepath.Join(dir, "ge1"))
	writeFrames(t, filepath.Join(dir, "ge2"))

	cfg := config.DefaultConfig()
	cfg.Base.WorkingDir = dir
	cfg.Base.AnalysisName = "cubic"
	cfg.Processing.NumCores = 2
	cfg.Material.LatticeParameters = []float64{4}
	cfg.Material.Wavelength = 0.5
	cfg.Material.HKLs = [][]int{{1, 1, 1}, {2, 0, 0}, {2, 2, 0}}
	cfg.Instrument.Panels = []config.PanelConfig{panel("ge1", panelSize/2), panel("ge2", -10)}
	cfg.EtaOmega.EtaStep = 10
	cfg.EtaOmega.TThTol = 1
	cfg.Output.PlotsDir = "plots"
	cfg.Output.SaveIntermediaryResults = true
	cfg.Output.Verbose = false
	return cfg
}

func TestProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testConfig(t)
	runner := NewRunner(&Params{Config: cfg})
	require.NoError(t, runner.Process())

	maps := runner.Maps()
	require.NotNil(t, maps)
	assert.Equal(t, []int{0, 1, 2}, maps.IHKLList())
	nOme, nEta := maps.Shape()
	assert.Equal(t, nFrames, nOme)
	assert.Equal(t, 36, nEta)

	// omegas are -5..25 wrapped into [0, 360)
	assert.InDeltaSlice(t, []float64{0, 10 * math.Pi / 180, 20 * math.Pi / 180}, maps.Omegas(), 1e-12)
	assert.InDelta(t, 355*math.Pi/180, maps.OmeEdges()[0], 1e-12)

	t.Run("Aggregation", func(t *testing.T) {
		ring, err := maps.Ring(0)
		require.NoError(t, err)

		overlap := 0
		for k := 0; k < nFrames; k++ {
			single := float64(100 * (k + 1))
			for j := 0; j < nEta; j++ {
				v := ring.At(k, j)
				if math.IsNaN(v) {
					continue
				}
				// uniform frames give the panel mean in every covered bin
				switch {
				case math.Abs(v-single) < 1e-9:
				case math.Abs(v-2*single) < 1e-9:
					overlap++
				default:
					t.Errorf("frame %d bin %d holds %g, want %g or %g", k, j, v, single, 2*single)
				}
			}
		}
		assert.Positive(t, overlap, "bins seen by both panels are summed")
	})

	t.Run("Archive", func(t *testing.T) {
		assert.Equal(t, filepath.Join(cfg.Base.WorkingDir, "cubic_eta-ome_maps.npz"), runner.ArchivePath())

		loaded, err := etaomega.Load(runner.ArchivePath())
		require.NoError(t, err)
		assert.Equal(t, maps.IHKLList(), loaded.IHKLList())
		assert.Equal(t, maps.Etas(), loaded.Etas())

		info, err := etaomega.LoadRunInfo(runner.ArchivePath())
		require.NoError(t, err)
		assert.Equal(t, runner.RunID(), info["runID"])
		assert.Equal(t, "cubic", info["analysis"])
	})

	t.Run("Plots", func(t *testing.T) {
		for _, ring := range []int{0, 1, 2} {
			assert.FileExists(t, filepath.Join(cfg.Base.WorkingDir, "plots", fmt.Sprintf("ring_%02d.png", ring)))
		}
		inter := filepath.Join(cfg.Base.WorkingDir, "intermediary")
		assert.FileExists(t, filepath.Join(inter, "01_panel_maps", "ge2_ring_01.png"))
		assert.FileExists(t, filepath.Join(inter, "02_max_frames", "ge1_max.tif"))

		s, err := imageseries.Open([]string{filepath.Join(inter, "02_max_frames", "ge1_max.tif")}, imageseries.FormatTIFF, nil)
		require.NoError(t, err)
		frame, err := s.Frame(0)
		require.NoError(t, err)
		assert.Equal(t, float64(100*nFrames), frame.At(10, 10))
	})

	t.Run("Summary", func(t *testing.T) {
		summary := runner.Summary()
		require.Len(t, summary, 3)

		assert.Equal(t, planedata.HKL{1, 1, 1}, summary[0].HKL)
		// two-theta of {111} for a = 4, lambda = 0.5
		want := 2 * math.Asin(0.5*math.Sqrt(3)/8) * 180 / math.Pi
		assert.InDelta(t, want, summary[0].TTh, 1e-9)

		assert.Positive(t, summary[0].Coverage)
		// the brightest cell sits in the last frame
		assert.InDelta(t, 20, summary[0].PeakOmega, 1e-9)
		assert.False(t, math.IsNaN(summary[0].PeakEta))
	})
}

func TestProcessWithOverrides(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testConfig(t)
	cfg.EtaOmega.ActiveHKLs = []int{1}
	cfg.Output.SaveIntermediaryResults = false

	out := filepath.Join(t.TempDir(), "out", "maps")
	plots := filepath.Join(t.TempDir(), "plots")
	runner := NewRunner(&Params{Config: cfg, OutputFile: out, NumCores: -1, PlotsDir: plots})
	require.NoError(t, runner.Process())

	assert.Equal(t, out+".npz", runner.ArchivePath())
	assert.FileExists(t, filepath.Join(plots, "ring_01.png"))
	assert.NoDirExists(t, filepath.Join(cfg.Base.WorkingDir, "intermediary"))
	assert.Equal(t, []int{1}, runner.Maps().IHKLList())
	require.Len(t, runner.Summary(), 1)
	assert.Equal(t, planedata.HKL{2, 0, 0}, runner.Summary()[0].HKL)
}

func TestProcessWithOmegaFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instrument.Panels = cfg.Instrument.Panels[:1]
	cfg.Output.PlotsDir = ""
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true

	omegaFile := filepath.Join(cfg.Base.WorkingDir, "omegas.yml")
	require.NoError(t, imageseries.SaveOmegaFile(omegaFile, imageseries.SynthesizeOmegas(90, -1, nFrames)))
	cfg.Instrument.Panels[0].OmegaFile = "omegas.yml"

	runner := NewRunner(&Params{Config: cfg})
	require.NoError(t, runner.Process())
	assert.InDeltaSlice(t, []float64{89.5 * math.Pi / 180, 88.5 * math.Pi / 180, 87.5 * math.Pi / 180},
		runner.Maps().Omegas(), 1e-12)
}

// writeMask writes a panel-sized mask where every pixel is bad.
func writeMask(t *testing.T, path string, rows, cols int) {
	t.Helper()
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = 1
	}
	require.NoError(t, imageseries.WriteTIFF(path, mat.NewDense(rows, cols, data)))
}

func TestProcessWithMask(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.PlotsDir = ""
	writeMask(t, filepath.Join(cfg.Base.WorkingDir, "ge2_mask.tif"), panelSize, panelSize)
	cfg.Instrument.Panels[1].Mask = "ge2_mask.tif"

	runner := NewRunner(&Params{Config: cfg})
	require.NoError(t, runner.Process())

	// with ge2 masked out only ge1 contributes, so no bin is doubled
	maps := runner.Maps()
	nOme, nEta := maps.Shape()
	for r := 0; r < maps.NRings(); r++ {
		ring, err := maps.Ring(r)
		require.NoError(t, err)
		for k := 0; k < nOme; k++ {
			single := float64(100 * (k + 1))
			for j := 0; j < nEta; j++ {
				if v := ring.At(k, j); !math.IsNaN(v) {
					assert.InDelta(t, single, v, 1e-9, "ring %d frame %d bin %d", r, k, j)
				}
			}
		}
	}

	inter := filepath.Join(cfg.Base.WorkingDir, "intermediary", "02_max_frames")
	s, err := imageseries.Open([]string{filepath.Join(inter, "ge2_max.tif")}, imageseries.FormatTIFF, nil)
	require.NoError(t, err)
	frame, err := s.Frame(0)
	require.NoError(t, err)
	assert.Zero(t, frame.At(10, 10))

	s, err = imageseries.Open([]string{filepath.Join(inter, "ge1_max.tif")}, imageseries.FormatTIFF, nil)
	require.NoError(t, err)
	frame, err = s.Frame(0)
	require.NoError(t, err)
	assert.Equal(t, float64(100*nFrames), frame.At(10, 10))
}

func TestProcessErrors(t *testing.T) {
	t.Run("no configuration", func(t *testing.T) {
		assert.Error(t, NewRunner(&Params{}).Process())
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.EtaOmega.EtaStep = 0
		err := NewRunner(&Params{Config: cfg}).Process()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "etaStep")
	})

	t.Run("missing frames", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Instrument.Panels[1].Frames = "nowhere"
		err := NewRunner(&Params{Config: cfg}).Process()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ge2")
	})

	t.Run("omega tables differ between panels", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Instrument.Panels[1].OmegaStart = 0
		err := NewRunner(&Params{Config: cfg}).Process()
		assert.ErrorIs(t, err, etaomega.ErrShapeMismatch)
	})

	t.Run("geometry does not match frames", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Instrument.Panels[0].Rows = 32
		err := NewRunner(&Params{Config: cfg}).Process()
		var ee *etaomega.ExtractionError
		assert.ErrorAs(t, err, &ee)
	})

	t.Run("mask does not match panel", func(t *testing.T) {
		cfg := testConfig(t)
		writeMask(t, filepath.Join(cfg.Base.WorkingDir, "small.tif"), 8, 8)
		cfg.Instrument.Panels[0].Mask = "small.tif"
		err := NewRunner(&Params{Config: cfg}).Process()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ge1")
	})

	t.Run("every ring excluded", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Material.TThMax = 1
		assert.Error(t, NewRunner(&Params{Config: cfg}).Process())
	})
}
