package tilecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/raster"
)

type fakeAcquirer struct {
	calls []geo.Block
	fn    func(geo.Block) (fallback.Result, error)
}

func (f *fakeAcquirer) Acquire(_ context.Context, b geo.Block) (fallback.Result, error) {
	f.calls = append(f.calls, b)
	return f.fn(b)
}

// blockRaster builds a raster covering the block at a constant
// elevation.
func blockRaster(b geo.Block, elev float32) *raster.Raster {
	n := b.Res.SamplesPerDegree()
	r := raster.New(b.Width*n+1, b.Height*n+1, b.Bounds(), raster.CRSGeographic, b.Res)
	for i := range r.Samples {
		r.Samples[i] = elev
	}
	return r
}

func constantAcquirer(elev float32) *fakeAcquirer {
	return &fakeAcquirer{fn: func(b geo.Block) (fallback.Result, error) {
		return fallback.Result{Raster: blockRaster(b, elev), SourceID: "fake"}, nil
	}}
}

func newTestCache(t *testing.T, acq Acquirer, chunkSide int) *Cache {
	t.Helper()
	return New(Config{Root: t.TempDir(), ChunkSide: chunkSide}, acq, zap.NewNop())
}

var utahValley = geo.Bounds{West: -111.95, South: 40.3, East: -111.7, North: 40.5}

func TestEnsureCoverageColdCache(t *testing.T) {
	acq := constantAcquirer(1400)
	c := newTestCache(t, acq, 0)

	res, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Cells)
	assert.Equal(t, 2, res.Present)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 0, res.Empty)
	assert.Zero(t, res.Shortfall())

	// Both cover cells landed in the resolution-scoped pool under
	// their stems.
	side := int64(geo.Res250.SamplesPerDegree() + 1)
	for _, stem := range []string{"N40_W112_250m", "N40_W111_250m"} {
		info, err := os.Stat(filepath.Join(c.cfg.Root, "res250m", "tiles", stem+".hgt"))
		require.NoError(t, err, stem)
		assert.Equal(t, side*side*2, info.Size(), stem)
	}

	merged, err := raster.ReadFile(res.MergedPath)
	require.NoError(t, err)
	assert.Equal(t, geo.Bounds{West: -112, South: 40, East: -110, North: 41}, merged.Bounds)
	assert.InDelta(t, 1400, float64(merged.Samples[0]), 0.001)
}

func TestEnsureCoverageIdempotent(t *testing.T) {
	acq := constantAcquirer(900)
	c := newTestCache(t, acq, 0)

	bounds := geo.Bounds{West: -112.5, South: 40.2, East: -111.1, North: 40.8}
	first, err := c.EnsureCoverage(context.Background(), bounds, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Cells)
	assert.Equal(t, 3, first.Fetched)

	acq.calls = nil
	second, err := c.EnsureCoverage(context.Background(), bounds, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, second.Fetched, "fully cached region must not fetch")
	assert.Empty(t, acq.calls)
	assert.Equal(t, 3, second.Present)
}

func TestEnsureCoverageOceanCellsStayKnownEmpty(t *testing.T) {
	// Westernmost cell is ocean, the rest have data.
	acq := &fakeAcquirer{fn: func(b geo.Block) (fallback.Result, error) {
		if b.West == -112 {
			return fallback.Result{Empty: true}, nil
		}
		return fallback.Result{Raster: blockRaster(b, 10)}, nil
	}}
	c := newTestCache(t, acq, 0)

	bounds := geo.Bounds{West: -111.9, South: 40.1, East: -110.2, North: 40.9}
	res, err := c.EnsureCoverage(context.Background(), bounds, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Cells)
	assert.Equal(t, 2, res.Present)
	assert.Equal(t, 1, res.Empty)
	assert.InDelta(t, 1.0/3, res.Shortfall(), 0.001)

	// Second run remembers the empty cell and fetches nothing.
	acq.calls = nil
	res, err = c.EnsureCoverage(context.Background(), bounds, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, acq.calls)
	assert.Equal(t, 1, res.Empty)
}

func TestEnsureCoverageRefetchesCorruptCell(t *testing.T) {
	acq := constantAcquirer(250)
	c := newTestCache(t, acq, 0)

	_, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)

	id := geo.CellID{Lat: 40, Lon: -112, Res: geo.Res250}
	require.NoError(t, os.WriteFile(c.CellPath(id), []byte("truncated"), 0o644))

	acq.calls = nil
	res, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched, "wrong-sized cell file must be discarded and re-acquired")
	require.Len(t, acq.calls, 1)
}

func TestEnsureCoverageShortfallBelowMinimum(t *testing.T) {
	acq := &fakeAcquirer{fn: func(geo.Block) (fallback.Result, error) {
		return fallback.Result{Empty: true}, nil
	}}
	c := newTestCache(t, acq, 0)

	_, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	var shortfall *CoverageShortfallError
	require.ErrorAs(t, err, &shortfall)
	assert.Equal(t, 0, shortfall.Present)
	assert.Equal(t, 2, shortfall.Cells)
}

func TestEnsureCoverageExhaustedCellCountsAsShortfall(t *testing.T) {
	// The eastern cell fails on every source; the run still merges the
	// western one and reports the gap as shortfall.
	acq := &fakeAcquirer{fn: func(b geo.Block) (fallback.Result, error) {
		if b.West == -111 {
			return fallback.Result{}, &fallback.ExhaustedError{Fragment: "N40_W111_250m", Attempts: 2}
		}
		return fallback.Result{Raster: blockRaster(b, 1300)}, nil
	}}
	c := newTestCache(t, acq, 0)

	res, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cells)
	assert.Equal(t, 1, res.Present)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 0, res.Empty)
	assert.InDelta(t, 0.5, res.Shortfall(), 0.001)

	merged, err := raster.ReadFile(res.MergedPath)
	require.NoError(t, err)
	assert.Equal(t, geo.Bounds{West: -112, South: 40, East: -111, North: 41}, merged.Bounds)

	// No marker is written for the unreachable cell, so a later run
	// retries it.
	_, statErr := os.Stat(filepath.Join(c.cfg.Root, "res250m", "tiles", "N40_W111_250m.nodata"))
	assert.True(t, os.IsNotExist(statErr))

	// A stricter minimum turns the same gap fatal.
	strict := New(Config{Root: t.TempDir(), MinCoverage: 0.6}, acq, zap.NewNop())
	_, err = strict.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	var coverage *CoverageShortfallError
	require.ErrorAs(t, err, &coverage)
	assert.Equal(t, 1, coverage.Present)
}

func TestEnsureCoverageChunksAdjacentCells(t *testing.T) {
	acq := constantAcquirer(2000)
	c := newTestCache(t, acq, 2)

	res, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)

	// Two adjacent cells travel as one 2x1 request but land as two
	// separate pool files.
	require.Len(t, acq.calls, 1)
	assert.Equal(t, 2, acq.calls[0].CellCount())
	assert.Equal(t, 2, res.Fetched)
	for _, stem := range []string{"N40_W112_250m", "N40_W111_250m"} {
		_, err := os.Stat(filepath.Join(c.cfg.Root, "res250m", "tiles", stem+".hgt"))
		assert.NoError(t, err, stem)
	}
}

func TestEnsureCoverageDegradesChunkToCells(t *testing.T) {
	acq := &fakeAcquirer{fn: func(b geo.Block) (fallback.Result, error) {
		if b.CellCount() > 1 {
			return fallback.Result{}, &fallback.ExhaustedError{Fragment: "chunk"}
		}
		return fallback.Result{Raster: blockRaster(b, 77)}, nil
	}}
	c := newTestCache(t, acq, 2)

	res, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)

	// One rejected chunk request, then one request per cell.
	require.Len(t, acq.calls, 3)
	assert.Equal(t, 2, acq.calls[0].CellCount())
	assert.Equal(t, 1, acq.calls[1].CellCount())
	assert.Equal(t, 1, acq.calls[2].CellCount())
}

func TestEnsureCoveragePoolLockTimeout(t *testing.T) {
	acq := constantAcquirer(5)
	c := New(Config{Root: t.TempDir(), LockWait: 200 * time.Millisecond}, acq, zap.NewNop())

	held := flock.New(filepath.Join(c.cfg.Root, "pool.lock"))
	require.NoError(t, held.Lock())
	defer func() { _ = held.Unlock() }()

	_, err := c.EnsureCoverage(context.Background(), utahValley, geo.Res250, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool lock")
}

func TestEnsureCoverageRejectsInvalidBounds(t *testing.T) {
	c := newTestCache(t, constantAcquirer(0), 0)
	_, err := c.EnsureCoverage(context.Background(), geo.Bounds{West: 5, South: 2, East: 1, North: 4}, geo.Res250, t.TempDir())
	require.Error(t, err)
}
