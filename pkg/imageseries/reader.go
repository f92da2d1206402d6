package imageseries

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SumOp selects how ReadSum combines consecutive frames.
type SumOp int

const (
	// SumMean averages the frames
	SumMean SumOp = iota
	// SumAdd adds the frames
	SumAdd
	// SumMax keeps the per-pixel maximum
	SumMax
)

// Reader walks a Series sequentially, optionally zeroing masked pixels and
// pixels at or below a threshold.
type Reader struct {
	series    Series
	mask      []bool
	threshold float64
	useThresh bool

	// iFrame is the last frame read, -1 before the first read
	iFrame int
}

// NewReader returns a reader positioned before the first frame.
func NewReader(s Series) *Reader {
	return &Reader{series: s, iFrame: -1}
}

// SetMask installs a row-major pixel mask; true pixels read as zero.
func (r *Reader) SetMask(mask []bool) error {
	rows, cols := r.series.Shape()
	if mask != nil && len(mask) != rows*cols {
		return fmt.Errorf("mask has %d pixels, frames have %d", len(mask), rows*cols)
	}
	r.mask = mask
	return nil
}

// SetThreshold zeroes every pixel at or below th on read.
func (r *Reader) SetThreshold(th float64) {
	r.threshold = th
	r.useThresh = true
}

// Current is the index of the last frame read, or -1 before the first
// read and after the last frame of the series has been read.
func (r *Reader) Current() int { return r.iFrame }

// Reset rewinds the reader.
func (r *Reader) Reset() { r.iFrame = -1 }

// NFrames is the total number of frames in the underlying series.
func (r *Reader) NFrames() int { return r.series.Len() }

// Read skips nskip frames and returns a copy of the next one.
func (r *Reader) Read(nskip int) (*mat.Dense, error) {
	frames, err := r.ReadN(nskip, 1)
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// ReadN skips nskip frames and returns copies of the next nframes.
func (r *Reader) ReadN(nskip, nframes int) ([]*mat.Dense, error) {
	first, err := r.span(nskip, nframes)
	if err != nil {
		return nil, err
	}

	out := make([]*mat.Dense, nframes)
	for i := range out {
		f, err := r.series.Frame(first + i)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", first+i, err)
		}
		out[i] = r.prepare(f)
	}
	r.advance(first + nframes - 1)
	return out, nil
}

// ReadSum reads nframes after skipping nskip and combines them into one
// frame with op. Frames are folded one at a time.
func (r *Reader) ReadSum(nskip, nframes int, op SumOp) (*mat.Dense, error) {
	if op != SumMean && op != SumAdd && op != SumMax {
		return nil, fmt.Errorf("unknown sum operation %d", op)
	}
	first, err := r.span(nskip, nframes)
	if err != nil {
		return nil, err
	}

	var acc *mat.Dense
	for k := first; k < first+nframes; k++ {
		f, err := r.series.Frame(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", k, err)
		}
		if acc == nil {
			acc = r.prepare(f)
			continue
		}
		_, cols := f.Dims()
		acc.Apply(func(i, j int, v float64) float64 {
			x := r.pixel(f.At(i, j), i*cols+j)
			if op == SumMax {
				return math.Max(v, x)
			}
			return v + x
		}, acc)
	}
	if op == SumMean {
		acc.Scale(1/float64(nframes), acc)
	}
	r.advance(first + nframes - 1)
	return acc, nil
}

// span validates a read and returns the index of its first frame.
func (r *Reader) span(nskip, nframes int) (int, error) {
	if nskip < 0 || nframes < 1 {
		return 0, fmt.Errorf("invalid read: nskip=%d nframes=%d", nskip, nframes)
	}
	first := r.iFrame + nskip + 1
	if first+nframes > r.series.Len() {
		return 0, fmt.Errorf("read of %d frames from %d exceeds series length %d", nframes, first, r.series.Len())
	}
	return first, nil
}

// advance records last as the last frame read, wrapping to -1 at the end
// of the series.
func (r *Reader) advance(last int) {
	r.iFrame = last
	if last+1 == r.series.Len() {
		r.iFrame = -1
	}
}

func (r *Reader) pixel(v float64, idx int) float64 {
	if r.mask != nil && r.mask[idx] {
		return 0
	}
	if r.useThresh && v <= r.threshold {
		return 0
	}
	return v
}

func (r *Reader) prepare(f *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(f)
	if r.mask == nil && !r.useThresh {
		return out
	}
	_, cols := out.Dims()
	out.Apply(func(i, j int, v float64) float64 {
		return r.pixel(v, i*cols+j)
	}, out)
	return out
}
