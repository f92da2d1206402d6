// Package imageseries provides detector frame sequences together with the
// omega range each frame was exposed over.
package imageseries

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"etaomaps/internal/models"
)

// Series is a sequence of equally shaped detector frames.
type Series interface {
	// Len is the number of frames
	Len() int

	// Shape returns the frame dimensions
	Shape() (rows, cols int)

	// Frame returns frame i. Callers must not modify the result.
	Frame(i int) (*mat.Dense, error)

	// Omegas returns the per-frame omega ranges in degrees, or nil when the
	// source carries no rotation metadata.
	Omegas() []models.OmegaRange
}

// Memory is a Series held entirely in memory.
type Memory struct {
	frames []*mat.Dense
	omegas []models.OmegaRange
	rows   int
	cols   int
}

// NewMemory builds an in-memory series. omegas may be nil.
func NewMemory(frames []*mat.Dense, omegas []models.OmegaRange) (*Memory, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("image series has no frames")
	}
	rows, cols := frames[0].Dims()
	for i, f := range frames {
		r, c := f.Dims()
		if r != rows || c != cols {
			return nil, fmt.Errorf("frame %d is %dx%d, expected %dx%d", i, r, c, rows, cols)
		}
	}
	if omegas != nil && len(omegas) != len(frames) {
		return nil, fmt.Errorf("%d omega ranges for %d frames", len(omegas), len(frames))
	}
	return &Memory{
		frames: frames,
		omegas: append([]models.OmegaRange(nil), omegas...),
		rows:   rows,
		cols:   cols,
	}, nil
}

func (m *Memory) Len() int { return len(m.frames) }

func (m *Memory) Shape() (int, int) { return m.rows, m.cols }

func (m *Memory) Frame(i int) (*mat.Dense, error) {
	if i < 0 || i >= len(m.frames) {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, len(m.frames))
	}
	return m.frames[i], nil
}

func (m *Memory) Omegas() []models.OmegaRange {
	if len(m.omegas) == 0 {
		return nil
	}
	return append([]models.OmegaRange(nil), m.omegas...)
}

// SynthesizeOmegas builds n contiguous ranges starting at start with a
// constant step of delta, all in degrees.
func SynthesizeOmegas(start, delta float64, n int) []models.OmegaRange {
	out := make([]models.OmegaRange, n)
	for i := range out {
		out[i] = models.OmegaRange{
			Start: start + float64(i)*delta,
			End:   start + float64(i+1)*delta,
		}
	}
	return out
}
