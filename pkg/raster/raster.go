// Package raster provides the in-memory elevation raster model shared
// by the tile cache and the pipeline, plus the interfaces of the
// external raster-transform collaborators.
//
// A Raster is a row-major grid of float32 elevation samples in meters.
// NaN marks no-data. Row 0 is the northernmost row.
package raster

import (
	"fmt"
	"math"

	"github.com/relieflab/demflow/pkg/geo"
)

// CRS identifiers used across the pipeline. Geographic rasters carry
// CRSGeographic; downsampling refuses anything that is not projected.
const (
	CRSGeographic  = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// Raster is a row-major elevation grid with geographic metadata.
type Raster struct {
	Width  int
	Height int
	Bounds geo.Bounds
	CRS    string
	// Resolution is the class the samples were sourced at. Informational
	// after reprojection.
	Resolution geo.ResolutionClass
	// Samples holds Width*Height values, row-major from the northwest
	// corner. NaN marks no-data.
	Samples []float32
}

// New returns a raster of the given dimensions filled with no-data.
func New(width, height int, bounds geo.Bounds, crs string, res geo.ResolutionClass) *Raster {
	s := make([]float32, width*height)
	nan := float32(math.NaN())
	for i := range s {
		s[i] = nan
	}
	return &Raster{Width: width, Height: height, Bounds: bounds, CRS: crs, Resolution: res, Samples: s}
}

// At returns the sample at column x, row y.
func (r *Raster) At(x, y int) float32 {
	return r.Samples[y*r.Width+x]
}

// Set writes the sample at column x, row y.
func (r *Raster) Set(x, y int, v float32) {
	r.Samples[y*r.Width+x] = v
}

// IsNoData reports whether v is the no-data marker.
func IsNoData(v float32) bool {
	return math.IsNaN(float64(v))
}

// Stats summarizes the elevation distribution of a raster.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	NoData int     `json:"nodata_cells"`
}

// Stats computes min/max/mean over the data cells of the raster.
// A raster with no data cells yields zero Min/Max/Mean.
func (r *Raster) Stats() Stats {
	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	var n int
	for _, v := range r.Samples {
		if IsNoData(v) {
			st.NoData++
			continue
		}
		f := float64(v)
		if f < st.Min {
			st.Min = f
		}
		if f > st.Max {
			st.Max = f
		}
		sum += f
		n++
	}
	if n == 0 {
		return Stats{NoData: st.NoData}
	}
	st.Mean = sum / float64(n)
	return st
}

// DataFraction returns the fraction of cells holding real samples.
func (r *Raster) DataFraction() float64 {
	if len(r.Samples) == 0 {
		return 0
	}
	nodata := 0
	for _, v := range r.Samples {
		if IsNoData(v) {
			nodata++
		}
	}
	return 1 - float64(nodata)/float64(len(r.Samples))
}

// Merge mosaics 1-degree cell rasters into a single raster covering the
// union of their bounds. All cells must share a resolution class and
// geographic CRS. Cells may be sparse; uncovered area stays no-data.
//
// Cell rasters share edge rows per the SRTM convention; the mosaic is
// assembled on an n-samples-per-degree lattice so overlapping edges
// collapse cleanly.
func Merge(cells map[geo.CellID]*Raster) (*Raster, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("merge: no cells to merge")
	}

	var res geo.ResolutionClass
	var union geo.Bounds
	first := true
	for id, c := range cells {
		if first {
			res = id.Res
			union = id.Bounds()
			first = false
		} else {
			if id.Res != res {
				return nil, fmt.Errorf("merge: mixed resolution classes %s and %s", res, id.Res)
			}
			union = union.Union(id.Bounds())
		}
		if c.CRS != CRSGeographic {
			return nil, fmt.Errorf("merge: cell %s has CRS %s, want %s", id, c.CRS, CRSGeographic)
		}
	}

	n := res.SamplesPerDegree()
	width := int(union.Width())*n + 1
	height := int(union.Height())*n + 1
	out := New(width, height, union, CRSGeographic, res)

	for id, c := range cells {
		if c.Width != n+1 || c.Height != n+1 {
			return nil, fmt.Errorf("merge: cell %s is %dx%d, want %dx%d", id, c.Width, c.Height, n+1, n+1)
		}
		// Offset of the cell's northwest corner within the mosaic.
		ox := (id.Lon - int(union.West)) * n
		oy := (int(union.North) - id.Lat - 1) * n
		for y := 0; y < c.Height; y++ {
			copy(out.Samples[(oy+y)*width+ox:(oy+y)*width+ox+c.Width], c.Samples[y*c.Width:(y+1)*c.Width])
		}
	}
	return out, nil
}
