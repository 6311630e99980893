package geo

import (
	"fmt"
	"math"
)

// CellID identifies one 1-degree grid cell at a given resolution.
// Lat and Lon are the integer coordinates of the southwest corner.
//
// Cells are the atomic unit of reuse: many regions reference the same
// cell, and a cell file is immutable once validated.
type CellID struct {
	Lat int
	Lon int
	Res ResolutionClass
}

// Stem returns the canonical file stem, e.g. "N40_W112_90m".
// Latitude uses two digits, longitude three, matching DEM tile naming.
func (c CellID) Stem() string {
	ns := byte('N')
	lat := c.Lat
	if lat < 0 {
		ns = 'S'
		lat = -lat
	}
	ew := byte('E')
	lon := c.Lon
	if lon < 0 {
		ew = 'W'
		lon = -lon
	}
	return fmt.Sprintf("%c%02d_%c%03d_%s", ns, lat, ew, lon, c.Res)
}

func (c CellID) String() string { return c.Stem() }

// Bounds returns the geographic bounds of the cell.
func (c CellID) Bounds() Bounds {
	return Bounds{
		West:  float64(c.Lon),
		South: float64(c.Lat),
		East:  float64(c.Lon) + 1,
		North: float64(c.Lat) + 1,
	}
}

// ParseCellStem parses a stem produced by Stem back into a CellID.
func ParseCellStem(stem string) (CellID, error) {
	var ns, ew string
	var lat, lon int
	var res string
	n, err := fmt.Sscanf(stem, "%1s%2d_%1s%3d_%s", &ns, &lat, &ew, &lon, &res)
	if err != nil || n != 5 {
		return CellID{}, fmt.Errorf("malformed cell stem: %q", stem)
	}
	switch ns {
	case "N":
	case "S":
		lat = -lat
	default:
		return CellID{}, fmt.Errorf("malformed cell stem: %q", stem)
	}
	switch ew {
	case "E":
	case "W":
		lon = -lon
	default:
		return CellID{}, fmt.Errorf("malformed cell stem: %q", stem)
	}
	r, err := ParseResolution(res)
	if err != nil {
		return CellID{}, fmt.Errorf("malformed cell stem %q: %w", stem, err)
	}
	return CellID{Lat: lat, Lon: lon, Res: r}, nil
}

// Cover returns the cells of the 1-degree grid covering the outward
// snap of bounds, ordered south-to-north then west-to-east. The result
// is exactly the grid cover: no fewer, no more. Columns run from the
// snapped west edge through the cell at the snapped east edge
// inclusive; rows run from the snapped south edge up to, not
// including, the snapped north edge.
func Cover(b Bounds, res ResolutionClass) []CellID {
	s := b.Snap()
	var cells []CellID
	for lat := int(s.South); lat < int(s.North); lat++ {
		for lon := int(s.West); lon <= int(s.East); lon++ {
			cells = append(cells, CellID{Lat: lat, Lon: lon, Res: res})
		}
	}
	return cells
}

// Adjacent reports whether two cells at the same resolution share an
// edge on the grid.
func Adjacent(a, b CellID) bool {
	if a.Res != b.Res {
		return false
	}
	dx := math.Abs(float64(a.Lon - b.Lon))
	dy := math.Abs(float64(a.Lat - b.Lat))
	return dx+dy == 1
}
