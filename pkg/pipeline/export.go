package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/raster"
)

// ExportDoc is the per-region artifact consumed by the rendering
// client: a row-major elevation grid with nulls marking no-data.
type ExportDoc struct {
	Region     string              `json:"region"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Bounds     geo.Bounds          `json:"bounds"`
	Resolution geo.ResolutionClass `json:"resolution"`
	Grid       []*float32          `json:"grid"`
	Stats      raster.Stats        `json:"stats"`
}

func (o *Orchestrator) runExported(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	r, err := raster.ReadFile(upstream)
	if err != nil {
		return StageExported, "", err
	}

	doc := ExportDoc{
		Region: st.reg.ID,
		Width:  r.Width,
		Height: r.Height,
		// Geographic bounds of the region, not the projected raster's.
		Bounds:     st.reg.Bounds,
		Resolution: r.Resolution,
		Grid:       make([]*float32, len(r.Samples)),
		Stats:      r.Stats(),
	}
	for i := range r.Samples {
		if !math.IsNaN(float64(r.Samples[i])) {
			doc.Grid[i] = &r.Samples[i]
		}
	}

	out := filepath.Join(st.dir, "elevation.json")
	if err := writeJSONAtomic(out, doc); err != nil {
		return StageExported, "", err
	}
	return StageExported, out, nil
}

func (o *Orchestrator) runCompressed(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	out := filepath.Join(st.dir, "elevation.json.zst")
	if err := compressFile(upstream, out); err != nil {
		return StageCompressed, "", err
	}
	return StageCompressed, out, nil
}

// compressFile zstd-compresses src into dst atomically.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp.*")
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return os.Rename(tmpName, dst)
}

// ManifestEntry describes one published region.
type ManifestEntry struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Bounds      geo.Bounds          `json:"bounds"`
	Resolution  geo.ResolutionClass `json:"resolution"`
	Artifact    string              `json:"artifact"`
	PublishedAt time.Time           `json:"published_at"`
}

// Manifest aggregates all successfully published regions. It is
// rebuilt from the output directory after every publish.
type Manifest struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Regions     []ManifestEntry `json:"regions"`
}

// runPublished copies the compressed artifact into the output
// directory and rebuilds the region manifest.
func (o *Orchestrator) runPublished(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	regionDir := filepath.Join(o.opts.OutputDir, st.reg.ID)
	if err := os.MkdirAll(regionDir, 0o755); err != nil {
		return StagePublished, "", fmt.Errorf("publish: %w", err)
	}

	published := filepath.Join(regionDir, "elevation.json.zst")
	if err := copyFileAtomic(upstream, published); err != nil {
		return StagePublished, "", err
	}

	entry := ManifestEntry{
		ID:          st.reg.ID,
		Name:        st.reg.Name,
		Bounds:      st.reg.Bounds,
		Resolution:  st.result.Resolution,
		Artifact:    filepath.Join(st.reg.ID, "elevation.json.zst"),
		PublishedAt: time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(regionDir, "region.json"), entry); err != nil {
		return StagePublished, "", err
	}

	if err := RebuildManifest(o.opts.OutputDir); err != nil {
		return StagePublished, "", err
	}
	return StagePublished, published, nil
}

// RebuildManifest scans the output directory for published region
// metadata and atomically rewrites the aggregate manifest.
func RebuildManifest(outputDir string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("rebuild manifest: %w", err)
	}

	m := Manifest{GeneratedAt: time.Now().UTC(), Regions: []ManifestEntry{}}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var entry ManifestEntry
		metaPath := filepath.Join(outputDir, e.Name(), "region.json")
		if err := readJSON(metaPath, &entry); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("rebuild manifest: %s: %w", metaPath, err)
		}
		m.Regions = append(m.Regions, entry)
	}
	sort.Slice(m.Regions, func(i, j int) bool { return m.Regions[i].ID < m.Regions[j].ID })

	return writeJSONAtomic(filepath.Join(outputDir, "manifest.json"), m)
}

// ReadManifest loads the aggregate manifest from the output directory.
func ReadManifest(outputDir string) (Manifest, error) {
	var m Manifest
	err := readJSON(filepath.Join(outputDir, "manifest.json"), &m)
	return m, err
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic marshals v and writes it via temp file plus rename.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	b = append(b, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp.*")
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return os.Rename(tmpName, dst)
}
