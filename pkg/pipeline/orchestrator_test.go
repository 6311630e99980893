package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/planner"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/region"
	"github.com/relieflab/demflow/pkg/source"
	"github.com/relieflab/demflow/pkg/tilecache"
)

const testRegions = `
regions:
  wasatch:
    name: Wasatch Front
    bounds: {west: -111.9, south: 40.1, east: -111.6, north: 40.5}
    class: free-area
    boundary: wasatch
  utah:
    name: Utah
    bounds: {west: -111.9, south: 40.1, east: -111.6, north: 40.5}
    class: admin-unit
  iceland:
    name: Iceland
    bounds: {west: -24.5, south: 63.3, east: -13.5, north: 66.6}
    class: country
    clip: false
`

// fakeCache serves merged rasters at a constant elevation without
// touching the network or a real pool.
type fakeCache struct {
	calls int
	elev  float32
}

func (f *fakeCache) EnsureCoverage(_ context.Context, bounds geo.Bounds, res geo.ResolutionClass, workDir string) (tilecache.CoverageResult, error) {
	f.calls++
	snapped := bounds.Snap()
	n := res.SamplesPerDegree()
	r := raster.New(int(snapped.Width())*n+1, int(snapped.Height())*n+1, snapped, raster.CRSGeographic, res)
	for i := range r.Samples {
		r.Samples[i] = f.elev
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return tilecache.CoverageResult{}, err
	}
	path := filepath.Join(workDir, "merged.demr")
	if err := raster.WriteFile(path, r); err != nil {
		return tilecache.CoverageResult{}, err
	}
	cells := geo.Cover(bounds, res)
	return tilecache.CoverageResult{
		MergedPath: path,
		Cells:      len(cells),
		Present:    len(cells),
		Fetched:    len(cells),
	}, nil
}

// mapBoundaries resolves boundary names from a fixed map.
type mapBoundaries struct {
	geoms map[string]raster.Geometry
}

func (m mapBoundaries) Lookup(name string, _ int) (raster.Geometry, bool, error) {
	g, ok := m.geoms[name]
	return g, ok, nil
}

func boxGeometry(b geo.Bounds) raster.Geometry {
	return raster.Geometry{Rings: [][]raster.Point{{
		{Lon: b.West, Lat: b.South},
		{Lon: b.East, Lat: b.South},
		{Lon: b.East, Lat: b.North},
		{Lon: b.West, Lat: b.North},
	}}}
}

type testEnv struct {
	orch  *Orchestrator
	cache *fakeCache
	opts  Options
}

func newTestEnv(t *testing.T, boundaries map[string]raster.Geometry, opts Options) *testEnv {
	t.Helper()
	table, err := region.Parse([]byte(testRegions))
	require.NoError(t, err)

	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	cache := &fakeCache{elev: 1500}
	orch := New(table, planner.New(source.DefaultRegistry()), cache, nil,
		mapBoundaries{geoms: boundaries}, nil, zap.NewNop(), opts)
	return &testEnv{orch: orch, cache: cache, opts: opts}
}

func wasatchBoundaries() map[string]raster.Geometry {
	return map[string]raster.Geometry{
		"wasatch": boxGeometry(geo.Bounds{West: -111.9, South: 40.1, East: -111.6, North: 40.5}),
	}
}

func TestRunFullPipeline(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	res, err := env.orch.Run(context.Background(), Job{RegionID: "wasatch", TargetPixels: 64})
	require.NoError(t, err)

	assert.Equal(t, len(slots), res.StagesRun)
	assert.Zero(t, res.StagesSkipped)
	assert.Equal(t, geo.Res250, res.Resolution)
	assert.NotZero(t, res.CellsFetched)

	// Published artifact and rebuilt manifest.
	_, err = os.Stat(res.PublishedPath)
	require.NoError(t, err)
	m, err := ReadManifest(env.opts.OutputDir)
	require.NoError(t, err)
	require.Len(t, m.Regions, 1)
	assert.Equal(t, "wasatch", m.Regions[0].ID)
	assert.Equal(t, "Wasatch Front", m.Regions[0].Name)
	assert.Equal(t, filepath.Join("wasatch", "elevation.json.zst"), m.Regions[0].Artifact)
}

func TestRunSecondRunSkipsEverything(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})
	job := Job{RegionID: "wasatch", TargetPixels: 64}

	_, err := env.orch.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, env.cache.calls)

	res, err := env.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, len(slots), res.StagesSkipped)
	assert.Zero(t, res.StagesRun)
	assert.Equal(t, 1, env.cache.calls, "cached run must not re-acquire")
	assert.NotEmpty(t, res.PublishedPath)
	assert.Equal(t, geo.Res250, res.Resolution)
}

func TestRunUpstreamMutationRegeneratesDownstreamOnly(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})
	job := Job{RegionID: "wasatch", TargetPixels: 64}

	_, err := env.orch.Run(context.Background(), job)
	require.NoError(t, err)

	// Rewrite the acquired raster with different content. Everything
	// downstream of it must rebuild; it and earlier stages must not.
	acquired := filepath.Join(env.opts.StateDir, "wasatch", "acquired.demr")
	r, err := raster.ReadFile(acquired)
	require.NoError(t, err)
	for i := range r.Samples {
		r.Samples[i] = 2000
	}
	require.NoError(t, raster.WriteFile(acquired, r))

	res, err := env.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, res.StagesSkipped, "validated, planned, acquired stay current")
	assert.Equal(t, 6, res.StagesRun, "clip onward must rebuild")
	assert.Equal(t, 1, env.cache.calls, "no re-acquisition")
}

func TestRunClipRequiredMissingBoundaryFatal(t *testing.T) {
	// The utah region is admin-unit, so clipping is mandatory, and the
	// boundary map has no entry for it.
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	_, err := env.orch.Run(context.Background(), Job{RegionID: "utah", TargetPixels: 64})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "utah")
	assert.Contains(t, cfgErr.Reason, "boundary")
}

func TestRunClipOptionalMissingBoundarySkips(t *testing.T) {
	env := newTestEnv(t, map[string]raster.Geometry{}, Options{})

	res, err := env.orch.Run(context.Background(), Job{RegionID: "iceland", TargetPixels: 128})
	require.NoError(t, err)
	assert.Equal(t, len(slots), res.StagesRun)

	// The clip slot recorded the skip branch.
	store := artifactStore{dir: filepath.Join(env.opts.StateDir, "iceland")}
	art, ok := store.load("clip")
	require.True(t, ok)
	assert.Equal(t, StageClipSkipped, art.Stage)
}

func TestRunCheckOnlyStopsAfterPlanning(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{CheckOnly: true})

	res, err := env.orch.Run(context.Background(), Job{RegionID: "wasatch", TargetPixels: 64})
	require.NoError(t, err)
	assert.Equal(t, 2, res.StagesRun)
	assert.Equal(t, geo.Res250, res.Resolution)
	assert.Zero(t, env.cache.calls, "check-only must not acquire")
	assert.Empty(t, res.PublishedPath)
}

func TestRunForceDiscardsArtifacts(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	env := newTestEnv(t, wasatchBoundaries(), Options{StateDir: stateDir, OutputDir: outDir})
	job := Job{RegionID: "wasatch", TargetPixels: 64}

	_, err := env.orch.Run(context.Background(), job)
	require.NoError(t, err)

	forced := newTestEnv(t, wasatchBoundaries(), Options{StateDir: stateDir, OutputDir: outDir, Force: true})
	res, err := forced.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, len(slots), res.StagesRun)
	assert.Zero(t, res.StagesSkipped)
	assert.Equal(t, 1, forced.cache.calls)
}

func TestRunUnknownRegion(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	_, err := env.orch.Run(context.Background(), Job{RegionID: "atlantis", TargetPixels: 64})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRunRejectsNonPositivePixels(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	_, err := env.orch.Run(context.Background(), Job{RegionID: "wasatch", TargetPixels: 0})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRunCancelledBetweenStages(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.orch.Run(ctx, Job{RegionID: "wasatch", TargetPixels: 64})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExportDocumentShape(t *testing.T) {
	env := newTestEnv(t, wasatchBoundaries(), Options{})

	_, err := env.orch.Run(context.Background(), Job{RegionID: "wasatch", TargetPixels: 64})
	require.NoError(t, err)

	var doc ExportDoc
	require.NoError(t, readJSON(filepath.Join(env.opts.StateDir, "wasatch", "elevation.json"), &doc))

	assert.Equal(t, "wasatch", doc.Region)
	assert.Len(t, doc.Grid, doc.Width*doc.Height)
	assert.LessOrEqual(t, doc.Width, 64)
	assert.LessOrEqual(t, doc.Height, 64)
	assert.Equal(t, geo.Bounds{West: -111.9, South: 40.1, East: -111.6, North: 40.5}, doc.Bounds)
	assert.InDelta(t, 1500, doc.Stats.Min, 1)
	assert.InDelta(t, 1500, doc.Stats.Max, 1)
}

func TestTargetDims(t *testing.T) {
	w, h := targetDims(1000, 500, 100)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)

	w, h = targetDims(500, 1000, 100)
	assert.Equal(t, 50, w)
	assert.Equal(t, 100, h)

	// Never upsample.
	w, h = targetDims(30, 20, 100)
	assert.Equal(t, 30, w)
	assert.Equal(t, 20, h)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "CONFIGURATION", classifyError(&ConfigurationError{Reason: "x"}))
	assert.Equal(t, "VALIDATION", classifyError(&raster.ValidationError{Check: "crs"}))
	assert.Equal(t, "RESOLUTION_UNAVAILABLE", classifyError(&planner.ResolutionUnavailableError{}))
	assert.Equal(t, "INTERNAL", classifyError(errors.New("boom")))
	assert.Equal(t, "CONFIGURATION",
		classifyError(&StageError{Stage: StageValidated, Err: &ConfigurationError{Reason: "x"}}))
}
