// Package region loads the static region metadata table.
//
// The table is read-only configuration: region identifiers mapped to
// bounds, classification, and clip policy. Unknown region classes are
// hard configuration errors, never defaulted.
package region

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relieflab/demflow/pkg/geo"
)

// Class is the exhaustive region classification.
type Class string

const (
	// ClassAdminUnit is a first-level administrative unit (state,
	// province). Always clipped to its boundary.
	ClassAdminUnit Class = "admin-unit"

	// ClassCountry is a whole country.
	ClassCountry Class = "country"

	// ClassFreeArea is a free-form rectangular area of interest.
	ClassFreeArea Class = "free-area"
)

// ParseClass validates a class string. An unrecognized class is a
// configuration error, not a fallback.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassAdminUnit, ClassCountry, ClassFreeArea:
		return c, nil
	default:
		return "", fmt.Errorf("unknown region class %q (valid: %s, %s, %s)",
			s, ClassAdminUnit, ClassCountry, ClassFreeArea)
	}
}

// Region is one entry of the metadata table.
type Region struct {
	ID           string
	Name         string
	Bounds       geo.Bounds
	Class        Class
	ClipRequired bool
	// BoundaryName is the name the boundary-geometry provider resolves;
	// defaults to the region ID.
	BoundaryName string
	// SourcePriority overrides the registry's candidate ordering for
	// this region.
	SourcePriority []string
}

// Table is the loaded region metadata table.
type Table struct {
	regions map[string]Region
	order   []string
}

type tableFile struct {
	Regions map[string]regionEntry `yaml:"regions"`
}

type regionEntry struct {
	Name           string     `yaml:"name"`
	Bounds         geo.Bounds `yaml:"bounds"`
	Class          string     `yaml:"class"`
	Clip           *bool      `yaml:"clip"`
	Boundary       string     `yaml:"boundary,omitempty"`
	SourcePriority []string   `yaml:"source_priority,omitempty"`
}

// Load reads a region table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("region table not found: %s", path)
		}
		return nil, fmt.Errorf("read region table: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from YAML bytes.
func Parse(data []byte) (*Table, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse region table: %w", err)
	}
	if len(tf.Regions) == 0 {
		return nil, fmt.Errorf("region table holds no regions")
	}

	t := &Table{regions: make(map[string]Region, len(tf.Regions))}
	for id, e := range tf.Regions {
		r, err := buildRegion(id, e)
		if err != nil {
			return nil, err
		}
		t.regions[id] = r
		t.order = append(t.order, id)
	}
	sort.Strings(t.order)
	return t, nil
}

func buildRegion(id string, e regionEntry) (Region, error) {
	if strings.TrimSpace(id) == "" {
		return Region{}, fmt.Errorf("region table: empty region id")
	}
	class, err := ParseClass(e.Class)
	if err != nil {
		return Region{}, fmt.Errorf("region %s: %w", id, err)
	}
	if !e.Bounds.Valid() {
		return Region{}, fmt.Errorf("region %s: invalid bounds %v", id, e.Bounds)
	}

	clip := class == ClassAdminUnit
	if e.Clip != nil {
		clip = *e.Clip
	}
	// Administrative units are always clipped; the table cannot opt out.
	if class == ClassAdminUnit && !clip {
		return Region{}, fmt.Errorf("region %s: admin-unit regions require clipping", id)
	}

	boundary := e.Boundary
	if boundary == "" {
		boundary = id
	}

	return Region{
		ID:             id,
		Name:           e.Name,
		Bounds:         e.Bounds,
		Class:          class,
		ClipRequired:   clip,
		BoundaryName:   boundary,
		SourcePriority: e.SourcePriority,
	}, nil
}

// Get returns the region for an ID. A missing region is a
// configuration error the caller reports as fatal.
func (t *Table) Get(id string) (Region, error) {
	r, ok := t.regions[id]
	if !ok {
		return Region{}, fmt.Errorf("unknown region %q (known: %s)", id, strings.Join(t.order, ", "))
	}
	return r, nil
}

// IDs returns all region IDs in sorted order.
func (t *Table) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
