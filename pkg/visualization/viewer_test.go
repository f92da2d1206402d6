package visualization

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testMap(rows, cols int) (*mat.Dense, []float64, []float64) {
	data := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data.Set(i, j, float64(i*cols+j))
		}
	}
	etas := make([]float64, cols)
	for j := range etas {
		etas[j] = -math.Pi + (float64(j)+0.5)*2*math.Pi/float64(cols)
	}
	omegas := make([]float64, rows)
	for i := range omegas {
		omegas[i] = (float64(i) + 0.5) * math.Pi / 180
	}
	return data, etas, omegas
}

// TestNewViewer verifies the grid dimensions and coordinates
func TestNewViewer(t *testing.T) {
	data, etas, omegas := testMap(4, 6)

	v, err := NewViewer(data, etas, omegas)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	c, r := v.Dims()
	if c != 6 || r != 4 {
		t.Errorf("Expected dims (6, 4), got (%d, %d)", c, r)
	}
	if got := v.Z(2, 1); got != 8 {
		t.Errorf("Expected Z(2, 1) = 8, got %f", got)
	}
	if got := v.Y(3); math.Abs(got-3.5) > 1e-12 {
		t.Errorf("Expected Y(3) = 3.5 deg, got %f", got)
	}
	if got := v.X(0); math.Abs(got-(-150)) > 1e-9 {
		t.Errorf("Expected X(0) = -150 deg, got %f", got)
	}

	if _, err := NewViewer(data, etas[:5], omegas); err == nil {
		t.Error("Expected error for eta length mismatch")
	}
	if _, err := NewViewer(data, etas, omegas[:3]); err == nil {
		t.Error("Expected error for omega length mismatch")
	}
}

// TestWrappedOmegasUseFrameIndex checks the fallback axis for wrapped scans
func TestWrappedOmegasUseFrameIndex(t *testing.T) {
	data, etas, _ := testMap(3, 2)
	omegas := []float64{6.1, 6.2, 0.05}

	v, err := NewViewer(data, etas, omegas)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	for r := 0; r < 3; r++ {
		if got := v.Y(r); got != float64(r) {
			t.Errorf("Expected Y(%d) = %d, got %f", r, r, got)
		}
	}
}

// TestProfiles verifies row and column extraction
func TestProfiles(t *testing.T) {
	data, etas, omegas := testMap(3, 4)
	v, err := NewViewer(data, etas, omegas)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	row, err := v.EtaProfile(1)
	if err != nil {
		t.Fatalf("EtaProfile failed: %v", err)
	}
	for j, want := range []float64{4, 5, 6, 7} {
		if row[j] != want {
			t.Errorf("EtaProfile[%d] = %f, want %f", j, row[j], want)
		}
	}

	col, err := v.OmegaProfile(2)
	if err != nil {
		t.Fatalf("OmegaProfile failed: %v", err)
	}
	for i, want := range []float64{2, 6, 10} {
		if col[i] != want {
			t.Errorf("OmegaProfile[%d] = %f, want %f", i, col[i], want)
		}
	}

	if _, err := v.EtaProfile(3); err == nil {
		t.Error("Expected error for out-of-range frame")
	}
	if _, err := v.OmegaProfile(-1); err == nil {
		t.Error("Expected error for out-of-range eta bin")
	}
}

// TestSave writes heat maps, including one without any data
func TestSave(t *testing.T) {
	dir := t.TempDir()

	data, etas, omegas := testMap(5, 8)
	data.Set(0, 0, math.NaN())
	v, err := NewViewer(data, etas, omegas)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	filename := filepath.Join(dir, "map.png")
	if err := v.Save("test map", filename); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if info, err := os.Stat(filename); err != nil || info.Size() == 0 {
		t.Errorf("Expected non-empty %s: %v", filename, err)
	}

	empty := mat.NewDense(5, 8, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 8; j++ {
			empty.Set(i, j, math.NaN())
		}
	}
	v, err = NewViewer(empty, etas, omegas)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	if err := v.Save("empty", filepath.Join(dir, "empty.png")); err != nil {
		t.Fatalf("Save of an empty map failed: %v", err)
	}
}

// TestSavePanelMaps writes one file per ring
func TestSavePanelMaps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "panels")
	a, etas, omegas := testMap(3, 4)
	b, _, _ := testMap(3, 4)

	files, err := SavePanelMaps("ge1", []*mat.Dense{a, b}, []int{0, 3}, etas, omegas, dir)
	if err != nil {
		t.Fatalf("SavePanelMaps failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}
	if filepath.Base(files[1]) != "ge1_ring_03.png" {
		t.Errorf("Unexpected file name %s", files[1])
	}

	if _, err := SavePanelMaps("ge1", []*mat.Dense{a}, []int{0, 1}, etas, omegas, dir); err == nil {
		t.Error("Expected error for ring count mismatch")
	}
}

func TestCoverage(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, math.NaN(), math.NaN(), math.NaN()})
	if got := Coverage(m); got != 0.25 {
		t.Errorf("Expected coverage 0.25, got %f", got)
	}
}
