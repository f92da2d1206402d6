package imageseries

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"etaomaps/internal/models"
)

// Format identifies the on-disk encoding of individual frames.
type Format string

const (
	FormatTIFF Format = "tiff"
	FormatFITS Format = "fits"
)

// File is a Series backed by one image file per frame. Frames are decoded
// from disk on every call and never retained.
type File struct {
	paths  []string
	format Format
	omegas []models.OmegaRange
	rows   int
	cols   int
}

// Open builds a file-backed series. The first frame is decoded to
// establish the frame shape.
func Open(paths []string, format Format, omegas []models.OmegaRange) (*File, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frame files given")
	}
	if format != FormatTIFF && format != FormatFITS {
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
	if omegas != nil && len(omegas) != len(paths) {
		return nil, fmt.Errorf("%d omega ranges for %d frame files", len(omegas), len(paths))
	}

	f := &File{
		paths:  paths,
		format: format,
		omegas: omegas,
	}
	first, err := f.decode(0)
	if err != nil {
		return nil, err
	}
	f.rows, f.cols = first.Dims()
	return f, nil
}

// Glob expands pattern (or every file in a directory) into a sorted list of
// frame files with the extension matching format.
func Glob(pattern string, format Format) ([]string, error) {
	if info, err := os.Stat(pattern); err == nil && info.IsDir() {
		pattern = filepath.Join(pattern, "*")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid frame pattern %q: %w", pattern, err)
	}

	var paths []string
	for _, m := range matches {
		ext := strings.ToLower(filepath.Ext(m))
		switch format {
		case FormatTIFF:
			if ext == ".tif" || ext == ".tiff" {
				paths = append(paths, m)
			}
		case FormatFITS:
			if ext == ".fits" || ext == ".fit" || ext == ".fts" {
				paths = append(paths, m)
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s frames match %q", format, pattern)
	}
	sort.Strings(paths)
	return paths, nil
}

func (f *File) Len() int { return len(f.paths) }

func (f *File) Shape() (int, int) { return f.rows, f.cols }

func (f *File) Omegas() []models.OmegaRange {
	if len(f.omegas) == 0 {
		return nil
	}
	return append([]models.OmegaRange(nil), f.omegas...)
}

// Frame decodes frame i. Each call returns a new matrix.
func (f *File) Frame(i int) (*mat.Dense, error) {
	if i < 0 || i >= len(f.paths) {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, len(f.paths))
	}
	m, err := f.decode(i)
	if err != nil {
		return nil, err
	}
	if r, c := m.Dims(); r != f.rows || c != f.cols {
		return nil, fmt.Errorf("frame %s is %dx%d, expected %dx%d", f.paths[i], r, c, f.rows, f.cols)
	}
	return m, nil
}

func (f *File) decode(i int) (*mat.Dense, error) {
	r, err := os.Open(f.paths[i])
	if err != nil {
		return nil, err
	}
	defer r.Close()

	switch f.format {
	case FormatFITS:
		m, err := decodeFITS(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read FITS %s: %w", f.paths[i], err)
		}
		return m, nil
	default:
		img, err := tiff.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", f.paths[i], err)
		}
		return imageToDense(img), nil
	}
}

// decodeFITS reads the primary image HDU as physical values:
// BZERO + BSCALE * stored.
func decodeFITS(r io.Reader) (*mat.Dense, error) {
	ff, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	hdu, ok := ff.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) != 2 || axes[0] <= 0 || axes[1] <= 0 {
		return nil, fmt.Errorf("expected a 2-D image, got axes %v", axes)
	}
	cols, rows := axes[0], axes[1]

	data := make([]float64, rows*cols)
	switch bitpix := hdr.Bitpix(); bitpix {
	case 8:
		var raw []byte
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 16:
		var raw []int16
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 32:
		var raw []int32
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 64:
		var raw []int64
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -32:
		var raw []float32
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -64:
		if err := hdu.Read(&data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}

	zero, err := cardFloat(hdr, "BZERO", 0)
	if err != nil {
		return nil, err
	}
	scale, err := cardFloat(hdr, "BSCALE", 1)
	if err != nil {
		return nil, err
	}
	if zero != 0 || scale != 1 {
		for i, v := range data {
			data[i] = zero + scale*v
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

func cardFloat(hdr *fitsio.Header, name string, def float64) (float64, error) {
	card := hdr.Get(name)
	if card == nil {
		return def, nil
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%s has non-numeric value %v", name, card.Value)
	}
}

// imageToDense converts an image to a rows x cols matrix of intensities.
// Gray and Gray16 images keep their stored values; other models are
// converted to 16-bit gray.
func imageToDense(img image.Image) *mat.Dense {
	bounds := img.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	data := make([]float64, rows*cols)

	switch g := img.(type) {
	case *image.Gray16:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				data[y*cols+x] = float64(g.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				data[y*cols+x] = float64(g.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				data[y*cols+x] = float64(c.Y)
			}
		}
	}
	return mat.NewDense(rows, cols, data)
}

// LoadMask reads a rows x cols bad-pixel mask from a TIFF or FITS image,
// chosen by file extension. Non-zero pixels are masked. The result is
// row-major.
func LoadMask(path string, rows, cols int) ([]bool, error) {
	format := FormatTIFF
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		format = FormatFITS
	}
	s, err := Open([]string{path}, format, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading mask: %w", err)
	}
	if r, c := s.Shape(); r != rows || c != cols {
		return nil, fmt.Errorf("mask %s is %dx%d, expected %dx%d", path, r, c, rows, cols)
	}
	m, err := s.Frame(0)
	if err != nil {
		return nil, fmt.Errorf("error reading mask: %w", err)
	}

	mask := make([]bool, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			mask[i*cols+j] = m.At(i, j) != 0
		}
	}
	return mask, nil
}

// LoadOmegaFile reads a YAML sidecar listing one [start, end] pair in
// degrees per frame.
func LoadOmegaFile(path string) ([]models.OmegaRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading omega file: %w", err)
	}

	var pairs [][]float64
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("error parsing omega file: %w", err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("omega file %s is empty", path)
	}

	out := make([]models.OmegaRange, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("omega file %s: entry %d has %d values, expected 2", path, i, len(p))
		}
		out[i] = models.OmegaRange{Start: p[0], End: p[1]}
	}
	return out, nil
}

// SaveOmegaFile writes omegas in the format read by LoadOmegaFile.
func SaveOmegaFile(path string, omegas []models.OmegaRange) error {
	pairs := make([][]float64, len(omegas))
	for i, o := range omegas {
		pairs[i] = []float64{o.Start, o.End}
	}
	data, err := yaml.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("error marshaling omegas: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WriteTIFF stores m as a 16-bit grayscale TIFF. Values are rounded and
// clamped to [0, 65535]; NaN is written as 0.
func WriteTIFF(path string, m mat.Matrix) error {
	rows, cols := m.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := m.At(y, x)
			if math.IsNaN(v) {
				v = 0
			}
			v = math.Max(0, math.Min(65535, math.Round(v)))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// WriteFITS stores m as a single-HDU FITS image with BITPIX -64.
func WriteFITS(path string, m mat.Matrix) error {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			data = append(data, m.At(y, x))
		}
	}

	w, err := os.Create(path)
	if err != nil {
		return err
	}
	ff, err := fitsio.Create(w)
	if err != nil {
		w.Close()
		return err
	}
	img := fitsio.NewImage(-64, []int{cols, rows})
	if err := img.Write(&data); err != nil {
		img.Close()
		ff.Close()
		w.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := ff.Write(img); err != nil {
		img.Close()
		ff.Close()
		w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := img.Close(); err != nil {
		ff.Close()
		w.Close()
		return err
	}
	if err := ff.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
