package raster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirBoundaryProvider resolves boundaries from a directory of GeoJSON
// files, one per boundary name: <dir>/<name>.geojson. Only Polygon and
// MultiPolygon geometries are accepted; a MultiPolygon contributes its
// largest polygon.
type DirBoundaryProvider struct {
	Dir string
}

type geojsonFile struct {
	Type     string          `json:"type"`
	Geometry *geojsonGeom    `json:"geometry"`
	Features []geojsonFeature `json:"features"`
	// Bare geometry files put these at the top level.
	Coordinates json.RawMessage `json:"coordinates"`
}

type geojsonFeature struct {
	Geometry *geojsonGeom `json:"geometry"`
}

type geojsonGeom struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Lookup implements BoundaryProvider. Detail levels are accepted for
// interface compatibility; the directory provider stores one detail
// level per name.
func (p *DirBoundaryProvider) Lookup(name string, detail int) (Geometry, bool, error) {
	if strings.ContainsAny(name, "/\\") {
		return Geometry{}, false, fmt.Errorf("boundary name %q contains path separators", name)
	}
	path := filepath.Join(p.Dir, name+".geojson")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Geometry{}, false, nil
	}
	if err != nil {
		return Geometry{}, false, fmt.Errorf("read boundary %s: %w", name, err)
	}

	var f geojsonFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Geometry{}, false, fmt.Errorf("parse boundary %s: %w", name, err)
	}

	g := f.Geometry
	if g == nil && len(f.Features) > 0 {
		g = f.Features[0].Geometry
	}
	if g == nil && f.Coordinates != nil {
		g = &geojsonGeom{Type: f.Type, Coordinates: f.Coordinates}
	}
	if g == nil {
		return Geometry{}, false, fmt.Errorf("boundary %s: no geometry found", name)
	}

	geom, err := decodeGeom(g)
	if err != nil {
		return Geometry{}, false, fmt.Errorf("boundary %s: %w", name, err)
	}
	return geom, true, nil
}

func decodeGeom(g *geojsonGeom) (Geometry, error) {
	switch g.Type {
	case "Polygon":
		var rings [][][2]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return Geometry{}, err
		}
		return ringsToGeometry(rings)
	case "MultiPolygon":
		var polys [][][][2]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return Geometry{}, err
		}
		// Use the polygon with the most outer-ring vertices; for
		// administrative units that is the mainland.
		best := -1
		for i, p := range polys {
			if best < 0 || len(p[0]) > len(polys[best][0]) {
				best = i
			}
		}
		if best < 0 {
			return Geometry{}, fmt.Errorf("empty MultiPolygon")
		}
		return ringsToGeometry(polys[best])
	default:
		return Geometry{}, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}

func ringsToGeometry(rings [][][2]float64) (Geometry, error) {
	if len(rings) == 0 || len(rings[0]) < 3 {
		return Geometry{}, fmt.Errorf("degenerate polygon")
	}
	geom := Geometry{Rings: make([][]Point, len(rings))}
	for i, ring := range rings {
		pts := make([]Point, len(ring))
		for j, c := range ring {
			pts[j] = Point{Lon: c[0], Lat: c[1]}
		}
		geom.Rings[i] = pts
	}
	return geom, nil
}
