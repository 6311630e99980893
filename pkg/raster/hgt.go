package raster

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relieflab/demflow/pkg/geo"
)

// hgtVoid is the SRTM no-data sentinel.
const hgtVoid = -32768

// DecodeHGT parses a 1-degree cell in SRTM .hgt layout: big-endian
// int16 samples, row-major from the northwest corner, (n+1) x (n+1)
// samples for n samples per degree. The expected size follows from the
// cell's resolution class.
func DecodeHGT(data []byte, id geo.CellID) (*Raster, error) {
	n := id.Res.SamplesPerDegree()
	side := n + 1
	want := side * side * 2
	if len(data) != want {
		return nil, fmt.Errorf("hgt %s: size %d bytes, want %d", id, len(data), want)
	}

	r := New(side, side, id.Bounds(), CRSGeographic, id.Res)
	for i := 0; i < side*side; i++ {
		v := int16(binary.BigEndian.Uint16(data[i*2:]))
		if v == hgtVoid {
			continue // stays NaN
		}
		r.Samples[i] = float32(v)
	}
	return r, nil
}

// DecodeHGTBlock parses a multi-cell chunk in the same layout as
// DecodeHGT but spanning the block's full extent.
func DecodeHGTBlock(data []byte, b geo.Block) (*Raster, error) {
	n := b.Res.SamplesPerDegree()
	width := b.Width*n + 1
	height := b.Height*n + 1
	want := width * height * 2
	if len(data) != want {
		return nil, fmt.Errorf("hgt block %v: size %d bytes, want %d", b.Bounds(), len(data), want)
	}

	r := New(width, height, b.Bounds(), CRSGeographic, b.Res)
	for i := 0; i < width*height; i++ {
		v := int16(binary.BigEndian.Uint16(data[i*2:]))
		if v == hgtVoid {
			continue
		}
		r.Samples[i] = float32(v)
	}
	return r, nil
}

// ExtractCell slices one 1-degree cell out of a geographic mosaic whose
// bounds are grid-aligned and fully contain the cell.
func ExtractCell(m *Raster, id geo.CellID) (*Raster, error) {
	if m.CRS != CRSGeographic {
		return nil, fmt.Errorf("extract %s: mosaic CRS is %s", id, m.CRS)
	}
	cb := id.Bounds()
	if !m.Bounds.Contains(cb.South, cb.West) || !m.Bounds.Contains(cb.North, cb.East) {
		return nil, fmt.Errorf("extract %s: cell outside mosaic bounds %v", id, m.Bounds)
	}

	n := id.Res.SamplesPerDegree()
	side := n + 1
	ox := (id.Lon - int(m.Bounds.West)) * n
	oy := (int(m.Bounds.North) - id.Lat - 1) * n
	out := New(side, side, cb, CRSGeographic, id.Res)
	for y := 0; y < side; y++ {
		copy(out.Samples[y*side:(y+1)*side], m.Samples[(oy+y)*m.Width+ox:(oy+y)*m.Width+ox+side])
	}
	return out, nil
}

// EncodeHGT serializes a cell raster back into .hgt layout. No-data
// samples become the SRTM void value. The raster must be square with
// the side implied by its resolution class.
func EncodeHGT(r *Raster) ([]byte, error) {
	side := r.Resolution.SamplesPerDegree() + 1
	if r.Width != side || r.Height != side {
		return nil, fmt.Errorf("hgt encode: raster is %dx%d, want %dx%d", r.Width, r.Height, side, side)
	}
	out := make([]byte, side*side*2)
	for i, v := range r.Samples {
		h := int16(hgtVoid)
		if !IsNoData(v) {
			h = int16(math.Round(float64(v)))
		}
		binary.BigEndian.PutUint16(out[i*2:], uint16(h))
	}
	return out, nil
}
