package etaomega

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"etaomaps/pkg/imageseries"
)

func TestStats(t *testing.T) {
	ext := &fakeExtractor{
		maps: map[string][]*mat.Dense{
			"ge1": {
				dense([][]float64{{1, nan}, {3, nan}}),
				dense([][]float64{{nan, nan}, {nan, nan}}),
				dense([][]float64{{nan, 4}, {nan, nan}}),
			},
		},
		etas: []float64{0, 1},
	}
	m, err := Generate(testSeries(t, imageseries.SynthesizeOmegas(0, 1, 2), "ge1"), ext, Params{
		PlaneData: testPlaneData(t),
		EtaStep:   1,
	})
	require.NoError(t, err)

	stats := m.Stats()
	require.Len(t, stats, 3)

	assert.Equal(t, 0, stats[0].Ring)
	assert.Equal(t, 0.5, stats[0].Coverage)
	assert.Equal(t, 2.0, stats[0].Mean)
	assert.InDelta(t, math.Sqrt2, stats[0].StdDev, 1e-12)
	assert.Equal(t, 3.0, stats[0].Max)

	assert.Equal(t, 0.0, stats[1].Coverage)
	assert.True(t, math.IsNaN(stats[1].Mean))
	assert.True(t, math.IsNaN(stats[1].Max))

	assert.Equal(t, 0.25, stats[2].Coverage)
	assert.Equal(t, 4.0, stats[2].Max)
	assert.True(t, math.IsNaN(stats[2].StdDev), "a single value has no spread")
}
