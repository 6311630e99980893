package source

import (
	"fmt"

	"github.com/relieflab/demflow/pkg/geo"
)

// Registry holds the static source table and answers candidate queries.
// It performs no I/O; Candidates is a pure function of static state.
type Registry struct {
	entries  []Descriptor
	priority []string // optional user override, highest first
}

// NewRegistry builds a registry from descriptors in priority order.
func NewRegistry(entries []Descriptor) (*Registry, error) {
	seen := make(map[string]bool, len(entries))
	for _, d := range entries {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate source id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return &Registry{entries: entries}, nil
}

// WithPriority returns a registry whose candidate ordering puts the
// named sources first, in the given order. Unknown names are rejected
// so a typo in configuration surfaces immediately.
func (r *Registry) WithPriority(ids []string) (*Registry, error) {
	for _, id := range ids {
		if _, ok := r.Get(id); !ok {
			return nil, fmt.Errorf("unknown source id in priority list: %q", id)
		}
	}
	return &Registry{entries: r.entries, priority: ids}, nil
}

// Get returns the descriptor for a source ID.
func (r *Registry) Get(id string) (Descriptor, bool) {
	for _, d := range r.entries {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// All returns every registered descriptor in registration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.entries))
	copy(out, r.entries)
	return out
}

// Candidates returns the sources offering the resolution class whose
// coverage band contains the centroid of bounds, ordered by user
// priority then registration order.
func (r *Registry) Candidates(res geo.ResolutionClass, bounds geo.Bounds) []Descriptor {
	lat, _ := bounds.Centroid()

	var matched []Descriptor
	for _, d := range r.entries {
		if d.Resolution == res && d.Coverage.Covers(lat) {
			matched = append(matched, d)
		}
	}
	if len(r.priority) == 0 {
		return matched
	}

	rank := make(map[string]int, len(r.priority))
	for i, id := range r.priority {
		rank[id] = i
	}
	// Stable partition: prioritized sources first by rank, the rest in
	// registration order.
	var ordered []Descriptor
	for _, id := range r.priority {
		for _, d := range matched {
			if d.ID == id {
				ordered = append(ordered, d)
			}
		}
	}
	for _, d := range matched {
		if _, ok := rank[d.ID]; !ok {
			ordered = append(ordered, d)
		}
	}
	return ordered
}

// HasResolution reports whether any source serves the class at the
// given latitude band.
func (r *Registry) HasResolution(res geo.ResolutionClass, bounds geo.Bounds) bool {
	return len(r.Candidates(res, bounds)) > 0
}

// DefaultRegistry returns the built-in source table. Order encodes the
// default priority: open S3 mirrors first, then the authenticated and
// legacy HTTP endpoints.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]Descriptor{
		{
			ID:          "glo30",
			Resolution:  geo.Res30,
			Coverage:    geo.LatBand{South: -85, North: 85},
			StorageKey:  "glo30",
			Kind:        KindS3,
			Endpoint:    "copernicus-dem-30m",
			KeyTemplate: "{ns}{lat2}_{ew}{lon3}/{ns}{lat2}_{ew}{lon3}.hgt",
		},
		{
			ID:           "srtm1",
			Resolution:   geo.Res30,
			Coverage:     geo.LatBand{South: -56, North: 60},
			StorageKey:   "srtm1",
			RequiresAuth: true,
			Kind:         KindHTTP,
			Endpoint:     "https://e4ftl01.cr.usgs.gov/MEASURES/SRTMGL1.003/2000.02.11",
			KeyTemplate:  "{ns}{lat2}{ew}{lon3}.SRTMGL1.hgt.zip",
		},
		{
			ID:          "glo90",
			Resolution:  geo.Res90,
			Coverage:    geo.LatBand{South: -85, North: 85},
			StorageKey:  "glo90",
			Kind:        KindS3,
			Endpoint:    "copernicus-dem-90m",
			KeyTemplate: "{ns}{lat2}_{ew}{lon3}/{ns}{lat2}_{ew}{lon3}.hgt",
		},
		{
			ID:          "srtm3",
			Resolution:  geo.Res90,
			Coverage:    geo.LatBand{South: -60, North: 60},
			StorageKey:  "srtm3",
			Kind:        KindHTTP,
			Endpoint:    "https://srtm.kurviger.de/SRTM3",
			KeyTemplate: "{ns}{lat2}{ew}{lon3}.hgt.zip",
		},
		{
			ID:             "gmted250",
			Resolution:     geo.Res250,
			Coverage:       geo.Global,
			StorageKey:     "gmted",
			Kind:           KindHTTP,
			Endpoint:       "https://topo.demflow.dev/v1/gmted250",
			SupportsBlocks: true,
		},
	})
	if err != nil {
		// The built-in table is validated by tests; a bad entry is a
		// programming error.
		panic(err)
	}
	return r
}
