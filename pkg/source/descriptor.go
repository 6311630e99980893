// Package source defines the static registry of elevation data sources
// and the fetchers that download fragments from them.
//
// A source is described once at process start and never mutated. The
// registry answers pure candidate queries; fetchers do the network I/O.
package source

import (
	"fmt"
	"strings"

	"github.com/relieflab/demflow/pkg/geo"
)

// Kind selects the transport a source is fetched over.
type Kind string

const (
	// KindHTTP fetches fragments from an HTTP endpoint, either by
	// per-cell key template or by bounding-box query.
	KindHTTP Kind = "http"

	// KindS3 fetches per-cell objects from an S3 bucket, typically an
	// open-data bucket readable without credentials.
	KindS3 Kind = "s3"
)

// Descriptor describes one elevation data source.
//
// Descriptors are static: loaded once, never mutated. Priority is
// implicit in registration order unless the user supplies an override
// list.
type Descriptor struct {
	// ID uniquely identifies the source (e.g., "glo90").
	ID string

	// Resolution is the class this source serves.
	Resolution geo.ResolutionClass

	// Coverage is the latitude band the source has data for.
	Coverage geo.LatBand

	// StorageKey isolates this source's raw fragments in scratch
	// space. Cell files in the shared pool are resolution-scoped, not
	// source-scoped; the storage key only namespaces in-flight
	// downloads.
	StorageKey string

	// RequiresAuth marks sources that need credentials configured.
	RequiresAuth bool

	// Kind selects the fetch transport.
	Kind Kind

	// Endpoint is the HTTP base URL or S3 bucket name.
	Endpoint string

	// KeyTemplate names the per-cell remote object. Placeholders:
	// {ns} {lat2} {ew} {lon3} {stem} {res}. Empty for bbox-query
	// sources.
	KeyTemplate string

	// SupportsBlocks marks sources that accept one request for a
	// multi-cell bounding box (chunked fetch).
	SupportsBlocks bool
}

// Validate checks the descriptor for configuration mistakes.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("source descriptor: id is required")
	}
	if !d.Resolution.Valid() {
		return fmt.Errorf("source %s: invalid resolution class %q", d.ID, d.Resolution)
	}
	if d.Kind != KindHTTP && d.Kind != KindS3 {
		return fmt.Errorf("source %s: unknown kind %q", d.ID, d.Kind)
	}
	if strings.TrimSpace(d.Endpoint) == "" {
		return fmt.Errorf("source %s: endpoint is required", d.ID)
	}
	if d.KeyTemplate == "" && !d.SupportsBlocks {
		return fmt.Errorf("source %s: needs a key template or block support", d.ID)
	}
	return nil
}

// ExpandKey renders the descriptor's key template for a cell.
func (d Descriptor) ExpandKey(c geo.CellID) string {
	ns, lat := "N", c.Lat
	if lat < 0 {
		ns, lat = "S", -lat
	}
	ew, lon := "E", c.Lon
	if lon < 0 {
		ew, lon = "W", -lon
	}
	r := strings.NewReplacer(
		"{ns}", ns,
		"{lat2}", fmt.Sprintf("%02d", lat),
		"{ew}", ew,
		"{lon3}", fmt.Sprintf("%03d", lon),
		"{stem}", c.Stem(),
		"{res}", string(c.Res),
	)
	return r.Replace(d.KeyTemplate)
}
