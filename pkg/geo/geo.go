// Package geo provides geographic bounds and the 1-degree grid model
// used by the tile pool.
//
// All coordinates are WGS84 degrees. A grid cell is always exactly
// 1x1 degrees and is identified by the integer floor of its southwest
// corner plus a resolution class.
package geo

import (
	"fmt"
	"math"
)

// metersPerDegree is the approximate ground distance of one degree of
// latitude. Longitude degrees shrink with cos(lat); Span accounts for it.
const metersPerDegree = 111320.0

// Bounds is a geographic bounding box in WGS84 degrees.
// West < East and South < North for all valid bounds.
type Bounds struct {
	West  float64 `json:"west" yaml:"west"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	North float64 `json:"north" yaml:"north"`
}

// Valid reports whether the bounds describe a non-degenerate box within
// the WGS84 coordinate range.
func (b Bounds) Valid() bool {
	return b.West < b.East && b.South < b.North &&
		b.West >= -180 && b.East <= 180 &&
		b.South >= -90 && b.North <= 90
}

// Centroid returns the center point of the bounds.
func (b Bounds) Centroid() (lat, lon float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Width returns the longitudinal extent in degrees.
func (b Bounds) Width() float64 { return b.East - b.West }

// Height returns the latitudinal extent in degrees.
func (b Bounds) Height() float64 { return b.North - b.South }

// SpanMeters returns the larger of the two ground-distance extents of
// the bounds, in meters. The longitudinal extent is scaled by the
// cosine of the centroid latitude.
func (b Bounds) SpanMeters() float64 {
	lat, _ := b.Centroid()
	ew := b.Width() * metersPerDegree * math.Cos(lat*math.Pi/180)
	ns := b.Height() * metersPerDegree
	return math.Max(ew, ns)
}

// Contains reports whether the point lies inside or on the bounds.
func (b Bounds) Contains(lat, lon float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// Union returns the smallest bounds covering both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		West:  math.Min(b.West, o.West),
		South: math.Min(b.South, o.South),
		East:  math.Max(b.East, o.East),
		North: math.Max(b.North, o.North),
	}
}

// Snap expands the bounds outward to the 1-degree grid: west/south are
// floored, east/north are ceiled. The result always fully contains b.
func (b Bounds) Snap() Bounds {
	return Bounds{
		West:  math.Floor(b.West),
		South: math.Floor(b.South),
		East:  math.Ceil(b.East),
		North: math.Ceil(b.North),
	}
}

func (b Bounds) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", b.West, b.South, b.East, b.North)
}

// LatBand is a latitude coverage interval, used to describe where a
// data source has data. A zero South/North pair of -90/90 is global.
type LatBand struct {
	South float64 `yaml:"south"`
	North float64 `yaml:"north"`
}

// Global is the latitude band covering the whole planet.
var Global = LatBand{South: -90, North: 90}

// Covers reports whether the band contains the given latitude.
func (lb LatBand) Covers(lat float64) bool {
	return lat >= lb.South && lat <= lb.North
}
