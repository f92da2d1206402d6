// Package pipeline runs a complete eta-omega map analysis from a
// configuration: plane data, detector frames, map generation, the output
// archive, plots and per-ring statistics.
package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"etaomaps/internal/models"
	"etaomaps/pkg/angles"
	"etaomaps/pkg/config"
	"etaomaps/pkg/etaomega"
	"etaomaps/pkg/imageseries"
	"etaomaps/pkg/planedata"
	"etaomaps/pkg/polar"
	"etaomaps/pkg/visualization"
)

// Params holds the run configuration and command-line overrides.
type Params struct {
	// Config is the validated analysis configuration
	Config *config.Config

	// OutputFile overrides the archive path of the configuration
	OutputFile string

	// NumCores overrides processing.numCores when non-zero
	NumCores int

	// PlotsDir overrides output.plotsDir when not empty
	PlotsDir string
}

// RingSummary extends the ring statistics with where the ring is brightest.
type RingSummary struct {
	etaomega.RingStats

	// HKL is the reflection of the ring
	HKL planedata.HKL

	// TTh is the ring two-theta in degrees
	TTh float64

	// PeakOmega and PeakEta locate the brightest cell in degrees; NaN
	// when the ring holds no data
	PeakOmega float64
	PeakEta   float64
}

// Runner executes the analysis steps in order:
// 1. Building the plane data from the material
// 2. Opening the frame series of every detector panel
// 3. Generating the eta-omega maps
// 4. Saving the maps archive
// 5. Plotting rings and, optionally, per-panel intermediary results
// 6. Summarising every ring
type Runner struct {
	params *Params
	runID  uuid.UUID

	planeData *planedata.PlaneData
	series    map[string]imageseries.Series
	masks     map[string][]bool

	// recorder keeps the per-panel polar maps for intermediary output
	recorder *recordingExtractor

	maps        *etaomega.Maps
	archivePath string
	summary     []RingSummary
}

// NewRunner creates a runner for params.
func NewRunner(params *Params) *Runner {
	return &Runner{params: params}
}

func (r *Runner) cfg() *config.Config { return r.params.Config }

func (r *Runner) logf(format string, args ...interface{}) {
	if r.cfg().Output.Verbose {
		fmt.Printf(format, args...)
	}
}

func (r *Runner) numCores() int {
	if r.params.NumCores != 0 {
		return config.ResolveNumCores(r.params.NumCores, runtime.NumCPU())
	}
	return r.cfg().NumCores()
}

func (r *Runner) plotsDir() string {
	if r.params.PlotsDir != "" {
		return r.params.PlotsDir
	}
	return r.cfg().ResolvePath(r.cfg().Output.PlotsDir)
}

// Process runs the complete pipeline.
func (r *Runner) Process() error {
	if r.params.Config == nil {
		return fmt.Errorf("no configuration given")
	}
	if err := r.cfg().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	r.runID = uuid.New()
	r.logf("Run %s: %s\n", r.runID, r.cfg().Base.AnalysisName)

	r.logf("Step 1: Loading plane data...\n")
	if err := r.loadPlaneData(); err != nil {
		return fmt.Errorf("failed to load plane data: %w", err)
	}

	r.logf("Step 2: Opening detector frame series...\n")
	if err := r.openSeries(); err != nil {
		return fmt.Errorf("failed to open frame series: %w", err)
	}

	r.logf("Step 3: Generating eta-omega maps with %d cores...\n", r.numCores())
	start := time.Now()
	if err := r.generate(); err != nil {
		return fmt.Errorf("failed to generate eta-omega maps: %w", err)
	}
	nOme, nEta := r.maps.Shape()
	r.logf("Generated %d ring maps of %dx%d (omega x eta) in %.2f seconds\n",
		r.maps.NRings(), nOme, nEta, time.Since(start).Seconds())

	r.logf("Step 4: Saving eta-omega maps...\n")
	if err := r.save(); err != nil {
		return fmt.Errorf("failed to save eta-omega maps: %w", err)
	}
	r.logf("Maps saved to %s\n", r.archivePath)

	if dir := r.plotsDir(); dir != "" {
		r.logf("Step 5: Plotting ring maps...\n")
		files, err := visualization.SaveRingSequence(r.maps, dir)
		if err != nil {
			fmt.Printf("Warning: Failed to plot ring maps: %v\n", err)
		}
		r.logf("Wrote %d ring plots to %s\n", len(files), dir)
	} else {
		r.logf("Step 5: Plotting disabled\n")
	}
	if r.cfg().Output.SaveIntermediaryResults {
		r.saveIntermediaryResults()
	}

	r.logf("Step 6: Summarising rings...\n")
	r.summary = r.summarize()

	return nil
}

func (r *Runner) loadPlaneData() error {
	m := r.cfg().Material
	hkls := make([]planedata.HKL, 0, len(m.HKLs))
	for _, h := range r.cfg().HKLTriples() {
		hkls = append(hkls, planedata.HKL(h))
	}

	pd, err := planedata.New(m.LatticeParameters, m.LaueGroup, m.Wavelength, m.StrainMag, hkls)
	if err != nil {
		return err
	}
	if m.TThMax > 0 {
		pd.Exclude(m.TThMax)
	}
	if pd.NRings() == 0 {
		return fmt.Errorf("every ring lies beyond tthMax %g", m.TThMax)
	}

	r.planeData = pd
	r.logf("Material %s with %d rings\n", m.LaueGroup, pd.NRings())
	return nil
}

func (r *Runner) openSeries() error {
	cfg := r.cfg()
	r.series = make(map[string]imageseries.Series, len(cfg.Instrument.Panels))
	r.masks = make(map[string][]bool)

	for _, p := range cfg.Instrument.Panels {
		format := imageseries.Format(p.Format)
		paths, err := imageseries.Glob(cfg.ResolvePath(p.Frames), format)
		if err != nil {
			return fmt.Errorf("panel %s: %w", p.ID, err)
		}

		omegas := imageseries.SynthesizeOmegas(p.OmegaStart, p.OmegaDelta, len(paths))
		if p.OmegaFile != "" {
			if omegas, err = imageseries.LoadOmegaFile(cfg.ResolvePath(p.OmegaFile)); err != nil {
				return fmt.Errorf("panel %s: %w", p.ID, err)
			}
		}

		s, err := imageseries.Open(paths, format, omegas)
		if err != nil {
			return fmt.Errorf("panel %s: %w", p.ID, err)
		}
		rows, cols := s.Shape()
		r.logf("Panel %s: %d frames of %dx%d\n", p.ID, s.Len(), rows, cols)
		if framer, err := imageseries.NewOmegaFramer(s.Omegas()); err == nil {
			starts, ends := framer.OmegaMinMax()
			r.logf("Panel %s: omega %.3f to %.3f deg, step %.4f deg\n", p.ID,
				starts[0]*angles.RadToDeg, ends[len(ends)-1]*angles.RadToDeg, framer.DeltaOmega(1)*angles.RadToDeg)
		}
		r.series[p.ID] = s

		if p.Mask != "" {
			mask, err := imageseries.LoadMask(cfg.ResolvePath(p.Mask), rows, cols)
			if err != nil {
				return fmt.Errorf("panel %s: %w", p.ID, err)
			}
			r.masks[p.ID] = mask
			r.logf("Panel %s: %d masked pixels\n", p.ID, countTrue(mask))
		}
	}
	return nil
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

func (r *Runner) extractor() *polar.Extractor {
	cfg := r.cfg()
	panels := make(map[string]models.PanelGeometry, len(cfg.Instrument.Panels))
	for _, p := range cfg.Instrument.Panels {
		panels[p.ID] = p.Geometry()
	}
	return &polar.Extractor{
		Panels:   panels,
		Masks:    r.masks,
		TThTol:   cfg.EtaOmega.TThTol,
		NumCores: r.numCores(),
	}
}

func (r *Runner) generate() error {
	e := r.cfg().EtaOmega

	params := etaomega.Params{
		PlaneData: r.planeData,
		EtaStep:   e.EtaStep,
		Threshold: e.Threshold,
	}
	if len(e.ActiveHKLs) > 0 {
		params.ActiveHKLs = e.ActiveHKLs
	}
	if len(e.OmePeriod) == 2 {
		params.OmePeriod = [2]float64{e.OmePeriod[0], e.OmePeriod[1]}
	}

	r.recorder = &recordingExtractor{inner: r.extractor()}
	maps, err := etaomega.Generate(r.series, r.recorder, params)
	if err != nil {
		return err
	}
	r.maps = maps
	return nil
}

func (r *Runner) save() error {
	path := r.params.OutputFile
	if path == "" {
		path = r.cfg().ArchivePath()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	out, err := r.maps.Save(path, etaomega.SaveOptions{
		RunInfo: map[string]string{
			"runID":    r.runID.String(),
			"analysis": r.cfg().Base.AnalysisName,
			"created":  time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	r.archivePath = out
	return nil
}

// saveIntermediaryResults writes per-panel ring maps and per-panel maximum
// frames. Failures are reported and skipped.
func (r *Runner) saveIntermediaryResults() {
	dir := r.cfg().ResolvePath(r.cfg().Output.IntermediaryDir)
	r.logf("Saving intermediary results to %s...\n", dir)

	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mapsDir := filepath.Join(dir, "01_panel_maps")
	for _, k := range keys {
		maps := r.recorder.maps[k]
		for i, m := range maps {
			r.logf("Panel %s ring %d coverage %.1f%%\n", k, r.maps.IHKLList()[i], 100*visualization.Coverage(m))
		}
		if _, err := visualization.SavePanelMaps(k, maps, r.maps.IHKLList(), r.recorder.etas, r.maps.Omegas(), mapsDir); err != nil {
			fmt.Printf("Warning: Failed to save ring maps of panel %s: %v\n", k, err)
		}
	}

	maxDir := filepath.Join(dir, "02_max_frames")
	if err := os.MkdirAll(maxDir, 0755); err != nil {
		fmt.Printf("Warning: Failed to create %s: %v\n", maxDir, err)
		return
	}
	for _, k := range keys {
		if err := r.saveMaxFrame(k, filepath.Join(maxDir, k+"_max.tif")); err != nil {
			fmt.Printf("Warning: Failed to save maximum frame of panel %s: %v\n", k, err)
		}
	}
}

func (r *Runner) saveMaxFrame(panel, filename string) error {
	reader := imageseries.NewReader(r.series[panel])
	if err := reader.SetMask(r.masks[panel]); err != nil {
		return err
	}
	if th := r.cfg().EtaOmega.Threshold; th != nil {
		reader.SetThreshold(*th)
	}
	maxFrame, err := reader.ReadSum(0, reader.NFrames(), imageseries.SumMax)
	if err != nil {
		return err
	}
	return imageseries.WriteTIFF(filename, maxFrame)
}

func (r *Runner) summarize() []RingSummary {
	stats := r.maps.Stats()
	hkls := r.planeData.HKLs()
	tth := r.planeData.TTh()
	etas := r.maps.Etas()

	// every panel shares the omega table, so any one serves
	var framer *imageseries.OmegaFramer
	for _, s := range r.series {
		framer, _ = imageseries.NewOmegaFramer(s.Omegas())
		break
	}

	out := make([]RingSummary, len(stats))
	for i, st := range stats {
		s := RingSummary{
			RingStats: st,
			HKL:       hkls[st.Ring],
			TTh:       tth[st.Ring] * angles.RadToDeg,
			PeakOmega: math.NaN(),
			PeakEta:   math.NaN(),
		}
		ring, _ := r.maps.Ring(i)
		if frame, bin, ok := argMax(ring); ok {
			s.PeakEta = etas[bin] * angles.RadToDeg
			if framer != nil {
				if om, err := framer.FrameToOmega(frame); err == nil {
					s.PeakOmega = om * angles.RadToDeg
				}
			}
		}
		out[i] = s
	}
	return out
}

// argMax returns the position of the largest finite cell of m.
func argMax(m *mat.Dense) (row, col int, ok bool) {
	best := math.Inf(-1)
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := m.At(i, j); !math.IsNaN(v) && v > best {
				best, row, col, ok = v, i, j, true
			}
		}
	}
	return row, col, ok
}

// Maps returns the generated maps; nil before a successful Process.
func (r *Runner) Maps() *etaomega.Maps { return r.maps }

// Summary returns the per-ring summary of the last run.
func (r *Runner) Summary() []RingSummary { return r.summary }

// ArchivePath returns where the maps were written.
func (r *Runner) ArchivePath() string { return r.archivePath }

// RunID identifies the last run; it is stored in the archive run info.
func (r *Runner) RunID() string { return r.runID.String() }

// recordingExtractor keeps the polar maps produced by the wrapped extractor.
type recordingExtractor struct {
	inner etaomega.Extractor
	maps  map[string][]*mat.Dense
	etas  []float64
}

func (x *recordingExtractor) ExtractPolarMaps(pd *planedata.PlaneData, series map[string]imageseries.Series,
	activeHKLs []int, threshold *float64, etaTol float64) (map[string][]*mat.Dense, []float64, error) {
	maps, etas, err := x.inner.ExtractPolarMaps(pd, series, activeHKLs, threshold, etaTol)
	if err == nil {
		x.maps, x.etas = maps, etas
	}
	return maps, etas, err
}
