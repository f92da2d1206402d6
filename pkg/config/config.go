// Package config provides configuration loading and management for etaomaps.
// It handles loading configuration from YAML files, provides default values
// and validates the result before a run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"etaomaps/internal/models"
	"etaomaps/pkg/angles"
)

// PanelConfig describes one detector panel and where its frames live.
type PanelConfig struct {
	// ID names the panel; it keys the per-panel maps
	ID string `yaml:"id" validate:"required"`

	// Rows and Cols are the pixel dimensions of the panel
	Rows int `yaml:"rows" validate:"gt=0"`
	Cols int `yaml:"cols" validate:"gt=0"`

	// PixelPitch is the pixel size in mm
	PixelPitch float64 `yaml:"pixelPitch" validate:"gt=0"`

	// Distance is the sample-to-detector distance in mm
	Distance float64 `yaml:"distance" validate:"gt=0"`

	// BeamCenter is the direct beam position as [col, row] in pixels
	BeamCenter []float64 `yaml:"beamCenter" validate:"len=2"`

	// Format is the frame file format, "tiff" or "fits"
	Format string `yaml:"format" validate:"oneof=tiff fits"`

	// Frames is a glob pattern or a directory holding the frame files
	Frames string `yaml:"frames" validate:"required"`

	// OmegaFile is a YAML list of [start, end] omega ranges in degrees.
	// When empty the ranges are synthesized from OmegaStart and OmegaDelta.
	OmegaFile string `yaml:"omegaFile,omitempty"`

	// OmegaStart and OmegaDelta describe a uniform scan in degrees
	OmegaStart float64 `yaml:"omegaStart"`
	OmegaDelta float64 `yaml:"omegaDelta"`

	// Mask is an optional TIFF or FITS image of the panel size; non-zero
	// pixels are excluded from the maps
	Mask string `yaml:"mask,omitempty"`
}

// Geometry returns the panel geometry used by the polar extractor.
func (p PanelConfig) Geometry() models.PanelGeometry {
	g := models.PanelGeometry{
		Rows:       p.Rows,
		Cols:       p.Cols,
		PixelPitch: p.PixelPitch,
		Distance:   p.Distance,
	}
	if len(p.BeamCenter) == 2 {
		g.BeamCol, g.BeamRow = p.BeamCenter[0], p.BeamCenter[1]
	}
	return g
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Analysis identification
	Base struct {
		// WorkingDir is the directory relative paths are resolved against
		WorkingDir string `yaml:"workingDir"`

		// AnalysisName prefixes the default output names
		AnalysisName string `yaml:"analysisName"`
	} `yaml:"base"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing.
		// 0 uses every core, -1 all but one and -2 half of them.
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Material parameters used to build the plane data
	Material struct {
		// LatticeParameters holds 1, 3 or 6 values (angstrom, degrees)
		LatticeParameters []float64 `yaml:"latticeParameters"`

		// LaueGroup is the Schoenflies symbol of the Laue group
		LaueGroup string `yaml:"laueGroup"`

		// Wavelength is the beam wavelength in angstrom
		Wavelength float64 `yaml:"wavelength"`

		// StrainMag is the expected strain magnitude
		StrainMag float64 `yaml:"strainMag"`

		// HKLs lists the candidate reflections as [h, k, l] triples
		HKLs [][]int `yaml:"hkls"`

		// TThMax excludes rings beyond this two-theta in degrees; 0 keeps all
		TThMax float64 `yaml:"tthMax"`
	} `yaml:"material"`

	// Detector panels
	Instrument struct {
		Panels []PanelConfig `yaml:"panels"`
	} `yaml:"instrument"`

	// Eta-omega map parameters
	EtaOmega struct {
		// ActiveHKLs selects ring indices; empty selects every ring
		ActiveHKLs []int `yaml:"activeHKLs,omitempty"`

		// EtaStep is the eta bin width in degrees
		EtaStep float64 `yaml:"etaStep"`

		// TThTol is the full two-theta window around each ring in degrees
		TThTol float64 `yaml:"tthTol"`

		// Threshold zeroes intensities at or below it; unset disables it
		Threshold *float64 `yaml:"threshold,omitempty"`

		// OmePeriod is the omega wrap range [lo, hi] in degrees
		OmePeriod []float64 `yaml:"omePeriod"`
	} `yaml:"etaOmega"`

	// Output parameters
	Output struct {
		// Archive is the output file for the maps; empty derives it from AnalysisName
		Archive string `yaml:"archive"`

		// SaveIntermediaryResults determines whether to save per-panel maps
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir receives the per-panel plots
		IntermediaryDir string `yaml:"intermediaryDir"`

		// PlotsDir receives the aggregated ring plots; empty disables plotting
		PlotsDir string `yaml:"plotsDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Base.WorkingDir = "."
	cfg.Base.AnalysisName = "analysis"

	// Use all available cores by default
	cfg.Processing.NumCores = runtime.NumCPU()

	// CeO2 calibrant
	cfg.Material.LatticeParameters = []float64{5.411651}
	cfg.Material.LaueGroup = "Oh"
	cfg.Material.Wavelength = 0.189714
	cfg.Material.StrainMag = 0.001
	cfg.Material.HKLs = [][]int{{1, 1, 1}, {2, 0, 0}, {2, 2, 0}, {3, 1, 1}, {2, 2, 2}, {4, 0, 0}}

	cfg.Instrument.Panels = []PanelConfig{{
		ID:         "ge1",
		Rows:       2048,
		Cols:       2048,
		PixelPitch: 0.2,
		Distance:   1000,
		BeamCenter: []float64{1024, 1024},
		Format:     "tiff",
		Frames:     "frames/ge1",
		OmegaStart: 0,
		OmegaDelta: 0.25,
	}}

	cfg.EtaOmega.EtaStep = 0.25
	cfg.EtaOmega.TThTol = 0.2
	cfg.EtaOmega.OmePeriod = []float64{0, 360}

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary"
	cfg.Output.PlotsDir = "plots"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Sections present in the file replace the defaults wholesale for lists
	cfg.Instrument.Panels = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if len(cfg.Instrument.Panels) == 0 {
		cfg.Instrument.Panels = DefaultConfig().Instrument.Panels
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnvPrefix prefixes the environment variables read by ApplyEnv.
const EnvPrefix = "ETAOMAPS"

// EnvOverrides lists the settings that may be overridden from the
// environment, e.g. ETAOMAPS_NUM_CORES=4.
type EnvOverrides struct {
	WorkingDir string  `envconfig:"WORKING_DIR"`
	NumCores   *int    `envconfig:"NUM_CORES"`
	Archive    string  `envconfig:"ARCHIVE"`
	PlotsDir   *string `envconfig:"PLOTS_DIR"`
	Verbose    *bool   `envconfig:"VERBOSE"`
}

// ApplyEnv overrides the configuration with ETAOMAPS_* environment variables.
func (c *Config) ApplyEnv() error {
	var env EnvOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("error reading environment: %w", err)
	}

	if env.WorkingDir != "" {
		c.Base.WorkingDir = env.WorkingDir
	}
	if env.NumCores != nil {
		c.Processing.NumCores = *env.NumCores
	}
	if env.Archive != "" {
		c.Output.Archive = env.Archive
	}
	if env.PlotsDir != nil {
		c.Output.PlotsDir = *env.PlotsDir
	}
	if env.Verbose != nil {
		c.Output.Verbose = *env.Verbose
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks that the configuration describes a runnable analysis.
func (c *Config) Validate() error {
	if c.Processing.NumCores < -2 {
		return fmt.Errorf("processing.numCores must be >= -2, got %d", c.Processing.NumCores)
	}

	m := c.Material
	switch len(m.LatticeParameters) {
	case 1, 3, 6:
	default:
		return fmt.Errorf("material.latticeParameters needs 1, 3 or 6 values, got %d", len(m.LatticeParameters))
	}
	if m.Wavelength <= 0 {
		return fmt.Errorf("material.wavelength must be positive, got %g", m.Wavelength)
	}
	if len(m.HKLs) == 0 {
		return fmt.Errorf("material.hkls is empty")
	}
	for i, h := range m.HKLs {
		if len(h) != 3 {
			return fmt.Errorf("material.hkls[%d] has %d indices, expected 3", i, len(h))
		}
	}
	if m.TThMax < 0 {
		return fmt.Errorf("material.tthMax must not be negative, got %g", m.TThMax)
	}

	if len(c.Instrument.Panels) == 0 {
		return fmt.Errorf("instrument.panels is empty")
	}
	seen := make(map[string]bool)
	for i, p := range c.Instrument.Panels {
		if err := p.validate(); err != nil {
			return fmt.Errorf("instrument.panels[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("instrument.panels[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	e := c.EtaOmega
	if e.EtaStep <= 0 || e.EtaStep > 360 {
		return fmt.Errorf("etaOmega.etaStep must lie in (0, 360], got %g", e.EtaStep)
	}
	if e.TThTol <= 0 {
		return fmt.Errorf("etaOmega.tthTol must be positive, got %g", e.TThTol)
	}
	for _, r := range e.ActiveHKLs {
		if r < 0 {
			return fmt.Errorf("etaOmega.activeHKLs holds negative index %d", r)
		}
	}
	if len(e.OmePeriod) != 0 {
		if len(e.OmePeriod) != 2 {
			return fmt.Errorf("etaOmega.omePeriod needs 2 values, got %d", len(e.OmePeriod))
		}
		if _, err := angles.NewPeriodDegrees(e.OmePeriod[0], e.OmePeriod[1]); err != nil {
			return fmt.Errorf("etaOmega.omePeriod: %w", err)
		}
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()

	// Use YAML tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var validate = newValidator()

func (p PanelConfig) validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return err
		}
		fe := verrs[0]
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		return fmt.Errorf("panel %q: %s must satisfy %s", p.ID, fe.Field(), rule)
	}
	if p.OmegaFile == "" && p.OmegaDelta == 0 {
		return fmt.Errorf("panel %s: needs omegaFile or a non-zero omegaDelta", p.ID)
	}
	return nil
}

// NumCores resolves Processing.NumCores against the machine's CPU count.
func (c *Config) NumCores() int {
	return ResolveNumCores(c.Processing.NumCores, runtime.NumCPU())
}

// ResolveNumCores maps a requested core count onto ncpu available cores:
// 0 means all, -1 all but one, -2 half, and anything above ncpu is capped.
func ResolveNumCores(requested, ncpu int) int {
	n := requested
	switch {
	case requested == 0:
		n = ncpu
	case requested == -1:
		n = ncpu - 1
	case requested == -2:
		n = ncpu / 2
	case requested > ncpu:
		n = ncpu
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ResolvePath interprets p relative to the working directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Base.WorkingDir, p)
}

// ArchivePath returns where the maps archive is written.
func (c *Config) ArchivePath() string {
	if c.Output.Archive != "" {
		return c.ResolvePath(c.Output.Archive)
	}
	return c.ResolvePath(c.Base.AnalysisName + "_eta-ome_maps.npz")
}

// HKLTriples returns the material reflections as fixed-size triples.
func (c *Config) HKLTriples() [][3]int {
	out := make([][3]int, len(c.Material.HKLs))
	for i, h := range c.Material.HKLs {
		copy(out[i][:], h)
	}
	return out
}
