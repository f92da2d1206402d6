package imageseries

import (
	"fmt"
	"math"
	"sort"

	"etaomaps/internal/models"
	"etaomaps/pkg/angles"
)

// OmegaFramer maps between frame numbers and omega, in radians. It assumes
// a constant step across the scan.
type OmegaFramer struct {
	starts  []float64
	ends    []float64
	centers []float64
	edges   []float64
	delta   float64
}

// NewOmegaFramer builds a framer from per-frame ranges given in degrees.
func NewOmegaFramer(omegas []models.OmegaRange) (*OmegaFramer, error) {
	if len(omegas) == 0 {
		return nil, fmt.Errorf("no omega ranges")
	}

	n := len(omegas)
	f := &OmegaFramer{
		starts:  make([]float64, n),
		ends:    make([]float64, n),
		centers: make([]float64, n),
		edges:   make([]float64, n+1),
	}
	for i, o := range omegas {
		f.starts[i] = o.Start * angles.DegToRad
		f.ends[i] = o.End * angles.DegToRad
		f.centers[i] = o.Center() * angles.DegToRad
		f.edges[i] = f.starts[i]
	}
	f.edges[n] = f.ends[n-1]
	f.delta = f.ends[0] - f.starts[0]
	if f.delta == 0 {
		return nil, fmt.Errorf("first frame has zero omega width")
	}
	return f, nil
}

// DeltaOmega is the change in omega over nframes frames.
func (f *OmegaFramer) DeltaOmega(nframes int) float64 {
	return float64(nframes) * f.delta
}

// OmegaMinMax returns the per-frame start and end values.
func (f *OmegaFramer) OmegaMinMax() (starts, ends []float64) {
	return append([]float64(nil), f.starts...), append([]float64(nil), f.ends...)
}

// FrameToOmega returns the centre omega of a frame.
func (f *OmegaFramer) FrameToOmega(frame int) (float64, error) {
	if frame < 0 || frame >= len(f.centers) {
		return 0, fmt.Errorf("frame %d out of range [0, %d)", frame, len(f.centers))
	}
	return f.centers[frame], nil
}

// MeanOmega returns the mean centre omega of several frames, as for a
// multiframe read.
func (f *OmegaFramer) MeanOmega(frames []int) (float64, error) {
	if len(frames) == 0 {
		return 0, fmt.Errorf("no frames given")
	}
	sum := 0.0
	for _, fr := range frames {
		om, err := f.FrameToOmega(fr)
		if err != nil {
			return 0, err
		}
		sum += om
	}
	return sum / float64(len(frames)), nil
}

// OmegaToFrame returns the frame whose range contains omega, or -1 when
// omega is outside the scan. Ranges are treated as [start, end).
func (f *OmegaFramer) OmegaToFrame(omega float64) int {
	n := len(f.centers)
	var i int
	if f.delta > 0 {
		i = sort.Search(len(f.edges), func(k int) bool { return f.edges[k] > omega }) - 1
	} else {
		i = sort.Search(len(f.edges), func(k int) bool { return f.edges[k] < omega }) - 1
	}
	if i < 0 || i >= n {
		return -1
	}
	return i
}

// OmegaToFrameRange returns every frame whose centre lies within half a
// step of omega; two frames are returned when omega sits on a border.
func (f *OmegaFramer) OmegaToFrameRange(omega float64) []int {
	half := 0.5 * math.Abs(f.delta)
	var out []int
	for i, c := range f.centers {
		if math.Abs(c-omega) <= half+1e-12 {
			out = append(out, i)
		}
	}
	return out
}
