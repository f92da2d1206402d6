package etaomega

import (
	"fmt"

	"github.com/klauspost/compress/flate"
	"gonum.org/v1/gonum/mat"

	"etaomaps/pkg/archive"
	"etaomaps/pkg/planedata"
)

// Archive keys.
const (
	KeyDataStore     = "dataStore"
	KeyEtas          = "etas"
	KeyEtaEdges      = "etaEdges"
	KeyIHKLList      = "iHKLList"
	KeyOmegas        = "omegas"
	KeyOmeEdges      = "omeEdges"
	KeyPlaneDataArgs = "planeData_args"
	KeyPlaneDataHKLs = "planeData_hkls"
	KeyRunInfo       = "runInfo"
)

// ValWUnit is a value tagged with its physical kind and unit.
type ValWUnit struct {
	Name  string  `yaml:"name"`
	Kind  string  `yaml:"kind"`
	Value float64 `yaml:"value"`
	Unit  string  `yaml:"unit"`
}

// PlaneDataArgs is the persisted parameter record of the plane-data model.
type PlaneDataArgs struct {
	LatticeParameters []float64 `yaml:"latticeParameters"`
	LaueGroup         string    `yaml:"laueGroup"`
	Wavelength        ValWUnit  `yaml:"wavelength"`
	StrainMag         float64   `yaml:"strainMag"`
}

// SaveOptions tunes Save.
type SaveOptions struct {
	// CompressionLevel is a flate level; zero means flate.DefaultCompression
	CompressionLevel int

	// RunInfo is stored under KeyRunInfo when not empty
	RunInfo map[string]string
}

// Save writes the maps to a single compressed archive at path (".npz" is
// appended when missing) and returns the final path.
func (m *Maps) Save(path string, opts SaveOptions) (string, error) {
	level := opts.CompressionLevel
	if level == 0 {
		level = flate.DefaultCompression
	}
	w, err := archive.Create(path, level)
	if err != nil {
		return "", err
	}
	if err := m.write(w, opts); err != nil {
		w.Abort()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.Path(), nil
}

func (m *Maps) write(w *archive.Writer, opts SaveOptions) error {
	nOme, nEta := m.Shape()
	cube := make([]float64, 0, len(m.dataStore)*nOme*nEta)
	for _, d := range m.dataStore {
		for i := 0; i < nOme; i++ {
			cube = append(cube, d.RawRowView(i)...)
		}
	}
	if err := w.WriteFloat64(KeyDataStore, []int{len(m.dataStore), nOme, nEta}, cube); err != nil {
		return err
	}

	vectors := []struct {
		key  string
		data []float64
	}{
		{KeyEtas, m.etas},
		{KeyEtaEdges, m.etaEdges},
		{KeyOmegas, m.omegas},
		{KeyOmeEdges, m.omeEdges},
	}
	for _, v := range vectors {
		if err := w.WriteFloat64(v.key, []int{len(v.data)}, v.data); err != nil {
			return err
		}
	}

	ihkl := make([]int64, len(m.iHKLList))
	for i, r := range m.iHKLList {
		ihkl[i] = int64(r)
	}
	if err := w.WriteInt64(KeyIHKLList, []int{len(ihkl)}, ihkl); err != nil {
		return err
	}

	params := m.planeData.Params()
	args := PlaneDataArgs{
		LatticeParameters: params.LatticeParams,
		LaueGroup:         params.LaueGroup,
		Wavelength: ValWUnit{
			Name:  "wavelength",
			Kind:  "length",
			Value: params.Wavelength,
			Unit:  planedata.WavelengthUnit,
		},
		StrainMag: params.StrainMag,
	}
	if err := w.WriteYAML(KeyPlaneDataArgs, args); err != nil {
		return err
	}

	// hkls are stored as a 3 x n matrix, one column per ring
	hkls := m.planeData.HKLs()
	hklData := make([]int64, 3*len(hkls))
	for j, h := range hkls {
		for i := 0; i < 3; i++ {
			hklData[i*len(hkls)+j] = int64(h[i])
		}
	}
	if err := w.WriteInt64(KeyPlaneDataHKLs, []int{3, len(hkls)}, hklData); err != nil {
		return err
	}

	if len(opts.RunInfo) > 0 {
		return w.WriteYAML(KeyRunInfo, opts.RunInfo)
	}
	return nil
}

// Load reads maps written by Save.
func Load(path string) (*Maps, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	shape, cube, err := r.ReadFloat64(KeyDataStore)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("%s has %d dimensions, expected 3", KeyDataStore, len(shape))
	}
	nRings, nOme, nEta := shape[0], shape[1], shape[2]

	m := &Maps{dataStore: make([]*mat.Dense, nRings)}
	for i := range m.dataStore {
		if nOme == 0 || nEta == 0 {
			return nil, fmt.Errorf("%s has an empty ring map", KeyDataStore)
		}
		off := i * nOme * nEta
		m.dataStore[i] = mat.NewDense(nOme, nEta, cube[off:off+nOme*nEta:off+nOme*nEta])
	}

	vectors := []struct {
		key  string
		dst  *[]float64
		want int
	}{
		{KeyEtas, &m.etas, nEta},
		{KeyEtaEdges, &m.etaEdges, nEta + 1},
		{KeyOmegas, &m.omegas, nOme},
		{KeyOmeEdges, &m.omeEdges, nOme + 1},
	}
	for _, v := range vectors {
		_, data, err := r.ReadFloat64(v.key)
		if err != nil {
			return nil, err
		}
		if len(data) != v.want {
			return nil, fmt.Errorf("%s has %d values, expected %d", v.key, len(data), v.want)
		}
		*v.dst = data
	}

	_, ihkl, err := r.ReadInt64(KeyIHKLList)
	if err != nil {
		return nil, err
	}
	if len(ihkl) != nRings {
		return nil, fmt.Errorf("%s has %d entries for %d rings", KeyIHKLList, len(ihkl), nRings)
	}
	m.iHKLList = make([]int, len(ihkl))
	for i, v := range ihkl {
		m.iHKLList[i] = int(v)
	}

	var args PlaneDataArgs
	if err := r.ReadYAML(KeyPlaneDataArgs, &args); err != nil {
		return nil, err
	}
	if args.Wavelength.Unit != planedata.WavelengthUnit {
		return nil, fmt.Errorf("wavelength unit %q is not supported", args.Wavelength.Unit)
	}

	hshape, hdata, err := r.ReadInt64(KeyPlaneDataHKLs)
	if err != nil {
		return nil, err
	}
	if len(hshape) != 2 || hshape[0] != 3 {
		return nil, fmt.Errorf("%s has shape %v, expected (3, n)", KeyPlaneDataHKLs, hshape)
	}
	n := hshape[1]
	hkls := make([]planedata.HKL, n)
	for j := range hkls {
		for i := 0; i < 3; i++ {
			hkls[j][i] = int(hdata[i*n+j])
		}
	}

	m.planeData, err = planedata.New(args.LatticeParameters, args.LaueGroup,
		args.Wavelength.Value, args.StrainMag, hkls)
	if err != nil {
		return nil, fmt.Errorf("invalid stored plane data: %w", err)
	}
	return m, nil
}

// LoadRunInfo returns the run metadata stored with the maps, if any.
func LoadRunInfo(path string) (map[string]string, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if !r.Has(KeyRunInfo) {
		return nil, nil
	}
	info := make(map[string]string)
	if err := r.ReadYAML(KeyRunInfo, &info); err != nil {
		return nil, err
	}
	return info, nil
}
