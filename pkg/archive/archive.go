// Package archive stores named numeric arrays in a single compressed file.
//
// The container is a zip archive with one deflated entry per key. Arrays
// are encoded as .npy streams (little-endian, C order) so the file can be
// opened as an .npz; structured values are stored as YAML documents.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"
)

const (
	// Ext is appended to archive paths that lack it
	Ext = ".npz"

	npyExt  = ".npy"
	yamlExt = ".yaml"
)

// Writer creates an archive. Entries go to a temporary file in the target
// directory which is renamed into place by Close, so readers never observe
// a partially written archive.
type Writer struct {
	path string
	tmp  *os.File
	zw   *zip.Writer
	keys map[string]bool
}

// Create starts a new archive at path (with Ext appended when missing),
// compressing with the given flate level.
func Create(path string, level int) (*Writer, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	path = WithExt(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("error creating temporary archive: %w", err)
	}

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	return &Writer{path: path, tmp: tmp, zw: zw, keys: make(map[string]bool)}, nil
}

// WithExt appends Ext to path unless it already ends with it.
func WithExt(path string) string {
	if strings.HasSuffix(path, Ext) {
		return path
	}
	return path + Ext
}

// Path is the final location of the archive.
func (w *Writer) Path() string { return w.path }

func (w *Writer) entry(key, ext string) (io.Writer, error) {
	if key == "" || strings.ContainsAny(key, "/\\") {
		return nil, fmt.Errorf("invalid archive key %q", key)
	}
	if w.keys[key] {
		return nil, fmt.Errorf("duplicate archive key %q", key)
	}
	w.keys[key] = true
	return w.zw.CreateHeader(&zip.FileHeader{Name: key + ext, Method: zip.Deflate})
}

func checkShape(shape []int, n int) error {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", shape)
		}
		size *= d
	}
	if size != n {
		return fmt.Errorf("shape %v holds %d values, got %d", shape, size, n)
	}
	return nil
}

// WriteFloat64 stores a float64 array of the given shape.
func (w *Writer) WriteFloat64(key string, shape []int, data []float64) error {
	if err := checkShape(shape, len(data)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	ew, err := w.entry(key, npyExt)
	if err != nil {
		return err
	}
	return writeNPY(ew, npyHeader{descr: descrFloat64, shape: shape}, data)
}

// WriteInt64 stores an int64 array of the given shape.
func (w *Writer) WriteInt64(key string, shape []int, data []int64) error {
	if err := checkShape(shape, len(data)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	ew, err := w.entry(key, npyExt)
	if err != nil {
		return err
	}
	return writeNPY(ew, npyHeader{descr: descrInt64, shape: shape}, data)
}

// WriteYAML stores v as a YAML document.
func (w *Writer) WriteYAML(key string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", key, err)
	}
	ew, err := w.entry(key, yamlExt)
	if err != nil {
		return err
	}
	_, err = ew.Write(data)
	return err
}

// Close finishes the archive and moves it to its final path.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("error finishing archive: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("error syncing archive: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("error closing archive: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("error moving archive into place: %w", err)
	}
	return nil
}

// Abort discards the archive.
func (w *Writer) Abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// Reader gives access to the entries of an archive.
type Reader struct {
	zr      *zip.ReadCloser
	entries map[string]*zip.File
}

// Open opens an archive for reading.
func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("error opening archive: %w", err)
	}
	r := &Reader{zr: zr, entries: make(map[string]*zip.File)}
	for _, f := range zr.File {
		r.entries[f.Name] = f
	}
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.zr.Close() }

// Keys lists the stored keys in sorted order.
func (r *Reader) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for name := range r.entries {
		keys = append(keys, strings.TrimSuffix(strings.TrimSuffix(name, npyExt), yamlExt))
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (r *Reader) Has(key string) bool {
	_, npy := r.entries[key+npyExt]
	_, yml := r.entries[key+yamlExt]
	return npy || yml
}

func (r *Reader) open(name string) (io.ReadCloser, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("archive has no entry %q", name)
	}
	return f.Open()
}

func (r *Reader) readArray(key, descr string, alloc func(n int) interface{}) ([]int, interface{}, error) {
	rc, err := r.open(key + npyExt)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	h, err := readNPYHeader(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	if h.descr != descr {
		return nil, nil, fmt.Errorf("%s: stored as %s, expected %s", key, h.descr, descr)
	}
	data := alloc(h.size())
	if err := binaryRead(rc, data); err != nil {
		return nil, nil, fmt.Errorf("%s: reading data: %w", key, err)
	}
	return h.shape, data, nil
}

// ReadFloat64 loads a float64 array and its shape.
func (r *Reader) ReadFloat64(key string) ([]int, []float64, error) {
	shape, data, err := r.readArray(key, descrFloat64, func(n int) interface{} { return make([]float64, n) })
	if err != nil {
		return nil, nil, err
	}
	return shape, data.([]float64), nil
}

// ReadInt64 loads an int64 array and its shape.
func (r *Reader) ReadInt64(key string) ([]int, []int64, error) {
	shape, data, err := r.readArray(key, descrInt64, func(n int) interface{} { return make([]int64, n) })
	if err != nil {
		return nil, nil, err
	}
	return shape, data.([]int64), nil
}

// ReadYAML decodes a YAML entry into v.
func (r *Reader) ReadYAML(key string, v interface{}) error {
	rc, err := r.open(key + yamlExt)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing %s: %w", key, err)
	}
	return nil
}
