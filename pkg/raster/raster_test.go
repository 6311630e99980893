package raster

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflab/demflow/pkg/geo"
)

// testCell builds a constant-elevation cell raster for a cell ID.
func testCell(t *testing.T, id geo.CellID, elev float32) *Raster {
	t.Helper()
	side := id.Res.SamplesPerDegree() + 1
	r := New(side, side, id.Bounds(), CRSGeographic, id.Res)
	for i := range r.Samples {
		r.Samples[i] = elev
	}
	return r
}

func TestMergeTwoCells(t *testing.T) {
	a := geo.CellID{Lat: 40, Lon: -112, Res: geo.Res250}
	b := geo.CellID{Lat: 40, Lon: -111, Res: geo.Res250}

	m, err := Merge(map[geo.CellID]*Raster{
		a: testCell(t, a, 1500),
		b: testCell(t, b, 2500),
	})
	require.NoError(t, err)

	n := geo.Res250.SamplesPerDegree()
	assert.Equal(t, 2*n+1, m.Width)
	assert.Equal(t, n+1, m.Height)
	assert.Equal(t, geo.Bounds{West: -112, South: 40, East: -110, North: 41}, m.Bounds)

	// West half from cell a, east half from cell b.
	assert.Equal(t, float32(1500), m.At(1, 1))
	assert.Equal(t, float32(2500), m.At(2*n-1, 1))
	assert.Equal(t, 1.0, m.DataFraction())
}

func TestMergeLShapeLeavesVoidQuadrant(t *testing.T) {
	// Three cells of a 2x2 block; the missing northeast quadrant must
	// stay no-data in the mosaic.
	sw := geo.CellID{Lat: 40, Lon: -112, Res: geo.Res250}
	se := geo.CellID{Lat: 40, Lon: -111, Res: geo.Res250}
	nw := geo.CellID{Lat: 41, Lon: -112, Res: geo.Res250}

	m, err := Merge(map[geo.CellID]*Raster{
		sw: testCell(t, sw, 100),
		se: testCell(t, se, 200),
		nw: testCell(t, nw, 300),
	})
	require.NoError(t, err)

	assert.Equal(t, geo.Bounds{West: -112, South: 40, East: -110, North: 42}, m.Bounds)

	n := geo.Res250.SamplesPerDegree()
	assert.Equal(t, float32(300), m.At(1, 1))         // northwest
	assert.True(t, IsNoData(m.At(2*n-1, 1)))          // northeast void
	assert.Equal(t, float32(100), m.At(1, 2*n-1))     // southwest
	assert.Equal(t, float32(200), m.At(2*n-1, 2*n-1)) // southeast
	assert.Less(t, m.DataFraction(), 1.0)
	assert.Greater(t, m.DataFraction(), 0.70)
}

func TestMergeRejectsMixedResolution(t *testing.T) {
	a := geo.CellID{Lat: 40, Lon: -112, Res: geo.Res250}
	b := geo.CellID{Lat: 40, Lon: -111, Res: geo.Res90}

	_, err := Merge(map[geo.CellID]*Raster{
		a: testCell(t, a, 1500),
		b: testCell(t, b, 2500),
	})
	assert.ErrorContains(t, err, "mixed resolution")
}

func TestHGTRoundTrip(t *testing.T) {
	id := geo.CellID{Lat: -34, Lon: 18, Res: geo.Res250}
	r := testCell(t, id, 321)
	r.Set(0, 0, float32(math.NaN())) // void corner

	data, err := EncodeHGT(r)
	require.NoError(t, err)

	side := geo.Res250.SamplesPerDegree() + 1
	assert.Len(t, data, side*side*2)

	back, err := DecodeHGT(data, id)
	require.NoError(t, err)
	assert.True(t, IsNoData(back.At(0, 0)))
	assert.Equal(t, float32(321), back.At(1, 1))
	assert.Equal(t, id.Bounds(), back.Bounds)
}

func TestDecodeHGTRejectsShortPayload(t *testing.T) {
	id := geo.CellID{Lat: 40, Lon: -112, Res: geo.Res90}
	_, err := DecodeHGT(make([]byte, 100), id)
	assert.ErrorContains(t, err, "size")
}

func TestCodecRoundTrip(t *testing.T) {
	r := New(5, 3, geo.Bounds{West: -112, South: 40, East: -110, North: 41}, CRSWebMercator, geo.Res90)
	r.Set(2, 1, 1234.5)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))

	back, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.Width, back.Width)
	assert.Equal(t, r.Height, back.Height)
	assert.Equal(t, r.Bounds, back.Bounds)
	assert.Equal(t, CRSWebMercator, back.CRS)
	assert.Equal(t, float32(1234.5), back.At(2, 1))
	assert.True(t, IsNoData(back.At(0, 0)))
}

func TestReadRejectsTruncatedPayload(t *testing.T) {
	r := New(4, 4, geo.Bounds{West: 0, South: 0, East: 1, North: 1}, CRSGeographic, geo.Res90)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r))

	short := buf.Bytes()[:buf.Len()-8]
	_, err := Read(bytes.NewReader(short))
	assert.ErrorContains(t, err, "truncated")
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merged.demr")

	r := New(2, 2, geo.Bounds{West: 0, South: 0, East: 1, North: 1}, CRSGeographic, geo.Res90)
	require.NoError(t, WriteFile(path, r))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, back.Width)

	// No temp droppings left behind.
	leftovers, err := filepath.Glob(filepath.Join(dir, ".raster.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStats(t *testing.T) {
	r := New(2, 2, geo.Bounds{West: 0, South: 0, East: 1, North: 1}, CRSGeographic, geo.Res90)
	r.Set(0, 0, 100)
	r.Set(1, 0, 300)

	st := r.Stats()
	assert.Equal(t, 100.0, st.Min)
	assert.Equal(t, 300.0, st.Max)
	assert.Equal(t, 200.0, st.Mean)
	assert.Equal(t, 2, st.NoData)
	assert.Equal(t, 0.5, r.DataFraction())
}
