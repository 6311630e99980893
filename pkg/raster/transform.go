package raster

import (
	"fmt"
	"math"

	"github.com/relieflab/demflow/pkg/geo"
)

// Geometry is a boundary polygon in geographic coordinates. Rings are
// closed implicitly (last vertex connects back to the first). Ring 0 is
// the outer boundary; further rings are holes.
type Geometry struct {
	Rings [][]Point
}

// Point is a geographic vertex.
type Point struct {
	Lon float64
	Lat float64
}

// BBox returns the bounding box of the geometry's outer ring.
func (g Geometry) BBox() geo.Bounds {
	b := geo.Bounds{West: 180, South: 90, East: -180, North: -90}
	for _, p := range g.Rings[0] {
		b.West = math.Min(b.West, p.Lon)
		b.East = math.Max(b.East, p.Lon)
		b.South = math.Min(b.South, p.Lat)
		b.North = math.Max(b.North, p.Lat)
	}
	return b
}

// Contains reports whether the point is inside the geometry, holes
// excluded. Standard even-odd ray casting.
func (g Geometry) Contains(lat, lon float64) bool {
	inside := false
	for _, ring := range g.Rings {
		if ringContains(ring, lat, lon) {
			inside = !inside
		}
	}
	return inside
}

func ringContains(ring []Point, lat, lon float64) bool {
	in := false
	j := len(ring) - 1
	for i := range ring {
		pi, pj := ring[i], ring[j]
		if (pi.Lat > lat) != (pj.Lat > lat) &&
			lon < (pj.Lon-pi.Lon)*(lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lon {
			in = !in
		}
		j = i
	}
	return in
}

// Transformer is the external raster-algebra collaborator. The pipeline
// assumes implementations are correct and deterministic; it validates
// only pre/post conditions (CRS tags, plausible elevation range).
type Transformer interface {
	// Mask cuts the raster to the geometry, setting samples outside it
	// to no-data and cropping to the geometry's bounding box.
	Mask(r *Raster, boundary Geometry) (*Raster, error)

	// Reproject converts the raster to the target CRS.
	Reproject(r *Raster, targetCRS string) (*Raster, error)

	// Resample scales the raster to the target dimensions.
	Resample(r *Raster, width, height int) (*Raster, error)
}

// BoundaryProvider resolves named administrative boundaries.
type BoundaryProvider interface {
	// Lookup returns the boundary geometry for a name, or ok=false when
	// the provider has no boundary under that name. A false ok is not
	// an error; whether it is fatal is the caller's decision.
	Lookup(name string, detail int) (Geometry, bool, error)
}

// DefaultTransformer is the built-in Transformer. It implements plain
// equirectangular-to-WebMercator reprojection and bilinear resampling,
// sufficient for elevation relief work at regional scale.
type DefaultTransformer struct{}

func (DefaultTransformer) Mask(r *Raster, boundary Geometry) (*Raster, error) {
	if r.CRS != CRSGeographic {
		return nil, fmt.Errorf("mask: raster CRS is %s, want %s", r.CRS, CRSGeographic)
	}
	if len(boundary.Rings) == 0 || len(boundary.Rings[0]) < 3 {
		return nil, fmt.Errorf("mask: degenerate boundary geometry")
	}

	bbox := boundary.BBox()
	crop := intersect(r.Bounds, bbox)
	if !crop.Valid() {
		return nil, fmt.Errorf("mask: boundary %v does not intersect raster %v", bbox, r.Bounds)
	}

	// Sample spacing of the source grid.
	dx := r.Bounds.Width() / float64(r.Width-1)
	dy := r.Bounds.Height() / float64(r.Height-1)

	x0 := int((crop.West - r.Bounds.West) / dx)
	x1 := int(math.Ceil((crop.East - r.Bounds.West) / dx))
	y0 := int((r.Bounds.North - crop.North) / dy)
	y1 := int(math.Ceil((r.Bounds.North - crop.South) / dy))
	x1 = min(x1, r.Width-1)
	y1 = min(y1, r.Height-1)

	out := New(x1-x0+1, y1-y0+1, geo.Bounds{
		West:  r.Bounds.West + float64(x0)*dx,
		East:  r.Bounds.West + float64(x1)*dx,
		North: r.Bounds.North - float64(y0)*dy,
		South: r.Bounds.North - float64(y1)*dy,
	}, CRSGeographic, r.Resolution)

	for y := y0; y <= y1; y++ {
		lat := r.Bounds.North - float64(y)*dy
		for x := x0; x <= x1; x++ {
			lon := r.Bounds.West + float64(x)*dx
			if boundary.Contains(lat, lon) {
				out.Set(x-x0, y-y0, r.At(x, y))
			}
		}
	}
	return out, nil
}

func (DefaultTransformer) Reproject(r *Raster, targetCRS string) (*Raster, error) {
	if targetCRS == r.CRS {
		return r, nil
	}
	if r.CRS != CRSGeographic || targetCRS != CRSWebMercator {
		return nil, fmt.Errorf("reproject: unsupported %s -> %s", r.CRS, targetCRS)
	}

	// Same pixel grid, rows resampled along the Mercator y axis.
	out := New(r.Width, r.Height, r.Bounds, CRSWebMercator, r.Resolution)
	yN := mercY(r.Bounds.North)
	yS := mercY(r.Bounds.South)
	dy := r.Bounds.Height() / float64(r.Height-1)
	for y := 0; y < r.Height; y++ {
		// Latitude whose Mercator y is linear in the output row index.
		my := yN + (yS-yN)*float64(y)/float64(r.Height-1)
		lat := mercLat(my)
		srcY := (r.Bounds.North - lat) / dy
		iy := int(math.Round(srcY))
		iy = min(max(iy, 0), r.Height-1)
		copy(out.Samples[y*out.Width:(y+1)*out.Width], r.Samples[iy*r.Width:(iy+1)*r.Width])
	}
	return out, nil
}

func (DefaultTransformer) Resample(r *Raster, width, height int) (*Raster, error) {
	if width <= 1 || height <= 1 {
		return nil, fmt.Errorf("resample: degenerate target %dx%d", width, height)
	}

	out := New(width, height, r.Bounds, r.CRS, r.Resolution)
	sx := float64(r.Width-1) / float64(width-1)
	sy := float64(r.Height-1) / float64(height-1)
	for y := 0; y < height; y++ {
		fy := float64(y) * sy
		y0 := int(fy)
		y1 := min(y0+1, r.Height-1)
		wy := fy - float64(y0)
		for x := 0; x < width; x++ {
			fx := float64(x) * sx
			x0 := int(fx)
			x1 := min(x0+1, r.Width-1)
			wx := fx - float64(x0)

			v00, v10 := r.At(x0, y0), r.At(x1, y0)
			v01, v11 := r.At(x0, y1), r.At(x1, y1)
			if IsNoData(v00) || IsNoData(v10) || IsNoData(v01) || IsNoData(v11) {
				// Nearest neighbor near no-data edges to avoid bleeding
				// the void into real samples.
				out.Set(x, y, r.At(int(math.Round(fx)), int(math.Round(fy))))
				continue
			}
			top := float64(v00)*(1-wx) + float64(v10)*wx
			bot := float64(v01)*(1-wx) + float64(v11)*wx
			out.Set(x, y, float32(top*(1-wy)+bot*wy))
		}
	}
	return out, nil
}

func mercY(lat float64) float64 {
	rad := lat * math.Pi / 180
	return math.Log(math.Tan(math.Pi/4 + rad/2))
}

func mercLat(y float64) float64 {
	return (2*math.Atan(math.Exp(y)) - math.Pi/2) * 180 / math.Pi
}

func intersect(a, b geo.Bounds) geo.Bounds {
	return geo.Bounds{
		West:  math.Max(a.West, b.West),
		South: math.Max(a.South, b.South),
		East:  math.Min(a.East, b.East),
		North: math.Min(a.North, b.North),
	}
}
