package models

// OmegaRange is the rotation interval swept by a single frame, in degrees
// as stored in the detector metadata.
type OmegaRange struct {
	// Start is the omega value at the beginning of the exposure
	Start float64 `yaml:"start"`

	// End is the omega value at the end of the exposure
	End float64 `yaml:"end"`
}

// Center returns the mid-point of the range in degrees.
func (o OmegaRange) Center() float64 {
	return 0.5 * (o.Start + o.End)
}

// Delta returns the signed width of the range in degrees.
func (o OmegaRange) Delta() float64 {
	return o.End - o.Start
}

// SameOmegas reports whether two per-frame omega tables are identical.
func SameOmegas(a, b []OmegaRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PanelGeometry describes a flat detector panel normal to the beam.
type PanelGeometry struct {
	// Rows and Cols are the pixel dimensions of the panel
	Rows int
	Cols int

	// PixelPitch is the pixel size in mm
	PixelPitch float64

	// Distance is the sample-to-detector distance in mm
	Distance float64

	// BeamCol and BeamRow locate the direct beam in pixel coordinates.
	// They may lie outside the panel for off-axis panels.
	BeamCol float64
	BeamRow float64
}
