// Package tilecache manages the shared on-disk pool of 1-degree
// elevation cells and assembles merged rasters for regions.
//
// Pool layout:
//
//	<root>/res90m/tiles/N40_W112_90m.hgt
//	<root>/res90m/tiles/N39_W112_90m.nodata
//
// Directories are scoped by resolution class, not by source: fragments
// from different providers at the same resolution are interchangeable.
// A .nodata marker records a cell every source reported empty, so
// ocean-heavy regions stay idempotent across runs. Cell files are
// written to a temp name and renamed into place; a concurrent reader
// never observes a partial cell.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/backoff"
	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/raster"
)

// DefaultMinCoverage is the fraction of a region's grid cover that must
// be present for a merge to proceed.
const DefaultMinCoverage = 0.25

// Acquirer downloads one fragment through the source fallback chain.
// Satisfied by *fallback.Coordinator.
type Acquirer interface {
	Acquire(ctx context.Context, block geo.Block) (fallback.Result, error)
}

// Config tunes the cache.
type Config struct {
	// Root is the shared pool directory.
	Root string

	// MinCoverage is the minimum fraction of cells that must hold data
	// (or be known-empty) for EnsureCoverage to succeed. Zero applies
	// DefaultMinCoverage.
	MinCoverage float64

	// ChunkSide batches adjacent missing cells into square-ish blocks
	// up to this many cells per axis when a source supports it. Zero
	// or one disables chunking.
	ChunkSide int

	// LockWait bounds how long acquisition waits for the pool's
	// advisory lock. Zero applies the backoff store default.
	LockWait time.Duration
}

// CoverageResult reports what EnsureCoverage assembled.
type CoverageResult struct {
	// MergedPath is the merged raster covering at least the snapped
	// region bounds.
	MergedPath string

	// Cells is the size of the region's 1-degree grid cover.
	Cells int

	// Present counts cells holding data in the pool after acquisition.
	Present int

	// Empty counts cells known to have no data anywhere (open ocean).
	Empty int

	// Fetched counts cells downloaded during this call; zero for a
	// fully cached region.
	Fetched int
}

// Shortfall returns the fraction of the cover that holds no data.
func (r CoverageResult) Shortfall() float64 {
	if r.Cells == 0 {
		return 0
	}
	return float64(r.Cells-r.Present) / float64(r.Cells)
}

// CoverageShortfallError reports a region whose grid cover came up too
// empty to merge.
type CoverageShortfallError struct {
	Bounds   geo.Bounds
	Present  int
	Cells    int
	MinCover float64
}

func (e *CoverageShortfallError) Error() string {
	return fmt.Sprintf("region %v: only %d of %d cells hold data (minimum coverage %.0f%%)",
		e.Bounds, e.Present, e.Cells, e.MinCover*100)
}

// Cache is the grid manager over the shared pool.
type Cache struct {
	cfg      Config
	acquirer Acquirer
	log      *zap.Logger
}

// New builds a cache. The pool directory is created lazily.
func New(cfg Config, acquirer Acquirer, log *zap.Logger) *Cache {
	if cfg.MinCoverage <= 0 {
		cfg.MinCoverage = DefaultMinCoverage
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{cfg: cfg, acquirer: acquirer, log: log}
}

// TileDir returns the pool directory for a resolution class.
func (c *Cache) TileDir(res geo.ResolutionClass) string {
	return filepath.Join(c.cfg.Root, "res"+string(res), "tiles")
}

// CellPath returns the pool path of a cell's data file.
func (c *Cache) CellPath(id geo.CellID) string {
	return filepath.Join(c.TileDir(id.Res), id.Stem()+".hgt")
}

func (c *Cache) noDataPath(id geo.CellID) string {
	return filepath.Join(c.TileDir(id.Res), id.Stem()+".nodata")
}

// cellStatus classifies a cell's pool state.
type cellStatus int

const (
	cellMissing cellStatus = iota
	cellPresent
	cellEmpty
)

// status validates the on-disk state of a cell. A present file with
// the wrong size is treated as corrupt: deleted and reported missing
// so it is re-acquired.
func (c *Cache) status(id geo.CellID) cellStatus {
	if _, err := os.Stat(c.noDataPath(id)); err == nil {
		return cellEmpty
	}
	path := c.CellPath(id)
	info, err := os.Stat(path)
	if err != nil {
		return cellMissing
	}
	side := int64(id.Res.SamplesPerDegree() + 1)
	if info.Size() != side*side*2 {
		c.log.Warn("Corrupt cell in pool, discarding",
			zap.String("cell", id.Stem()),
			zap.Int64("size", info.Size()))
		_ = os.Remove(path)
		return cellMissing
	}
	return cellPresent
}

// EnsureCoverage guarantees the pool holds every obtainable cell of the
// region's 1-degree cover at the given resolution, then merges the
// present cells into one raster written under workDir.
//
// Cells no source has data for are recorded as empty and excluded from
// the merge; the shortfall is reported in the result and only fails the
// call when remaining coverage drops below the configured minimum.
func (c *Cache) EnsureCoverage(ctx context.Context, bounds geo.Bounds, res geo.ResolutionClass, workDir string) (CoverageResult, error) {
	if !bounds.Valid() {
		return CoverageResult{}, fmt.Errorf("ensure coverage: invalid bounds %v", bounds)
	}
	cover := geo.Cover(bounds, res)
	result := CoverageResult{Cells: len(cover)}

	var missing []geo.CellID
	for _, id := range cover {
		switch c.status(id) {
		case cellPresent:
			result.Present++
		case cellEmpty:
			result.Empty++
		default:
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		if err := c.withPoolLock(ctx, func() error {
			// Another process may have filled cells while we waited.
			still := missing[:0]
			for _, id := range missing {
				switch c.status(id) {
				case cellPresent:
					result.Present++
				case cellEmpty:
					result.Empty++
				default:
					still = append(still, id)
				}
			}
			fetched, empties, err := c.acquireMissing(ctx, still)
			result.Present += fetched
			result.Fetched = fetched
			result.Empty += empties
			return err
		}); err != nil {
			return CoverageResult{}, err
		}
	}

	if float64(result.Present)/float64(result.Cells) < c.cfg.MinCoverage {
		return CoverageResult{}, &CoverageShortfallError{
			Bounds: bounds, Present: result.Present, Cells: result.Cells, MinCover: c.cfg.MinCoverage,
		}
	}

	merged, err := c.merge(cover)
	if err != nil {
		return CoverageResult{}, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return CoverageResult{}, fmt.Errorf("create work dir: %w", err)
	}
	mergedPath := filepath.Join(workDir, "merged.demr")
	if err := raster.WriteFile(mergedPath, merged); err != nil {
		return CoverageResult{}, err
	}
	result.MergedPath = mergedPath

	c.log.Info("Region coverage assembled",
		zap.String("bounds", bounds.String()),
		zap.String("resolution", string(res)),
		zap.Int("cells", result.Cells),
		zap.Int("present", result.Present),
		zap.Int("fetched", result.Fetched),
		zap.Int("empty", result.Empty))
	return result, nil
}

// withPoolLock runs fn holding the pool's exclusive advisory lock, so
// concurrent processes never download the same cell twice.
func (c *Cache) withPoolLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(c.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}
	wait := c.cfg.LockWait
	if wait <= 0 {
		wait = backoff.DefaultLockWait
	}

	lock := flock.New(filepath.Join(c.cfg.Root, "pool.lock"))
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && lockCtx.Err() == nil {
		return fmt.Errorf("pool lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("pool lock not acquired within %s", wait)
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// acquireMissing fetches the missing cells, optionally batching
// adjacent cells into multi-cell blocks. A chunk no candidate can
// serve degrades back into single-cell requests; a single cell every
// candidate fails on is left missing and counts toward the coverage
// shortfall. Returns the number of cells stored and the number
// recorded empty.
func (c *Cache) acquireMissing(ctx context.Context, missing []geo.CellID) (stored, empties int, err error) {
	queue := geo.PartitionBlocks(missing, c.cfg.ChunkSide)
	for len(queue) > 0 {
		block := queue[0]
		queue = queue[1:]
		if err := ctx.Err(); err != nil {
			return stored, empties, err
		}

		res, err := c.acquirer.Acquire(ctx, block)
		if err != nil {
			var exhausted *fallback.ExhaustedError
			if errors.As(err, &exhausted) {
				if block.CellCount() > 1 {
					c.log.Debug("Chunked fetch unavailable, degrading to per-cell requests",
						zap.String("block", block.Bounds().String()))
					for _, id := range block.Cells() {
						queue = append(queue, geo.BlockOf(id))
					}
					continue
				}
				// No marker is written, so the next run retries the cell.
				c.log.Warn("Cell unavailable from every source, leaving it out of the merge",
					zap.String("block", block.Bounds().String()),
					zap.Int("attempts", exhausted.Attempts))
				continue
			}
			return stored, empties, err
		}

		switch {
		case res.Empty:
			for _, id := range block.Cells() {
				if err := c.markNoData(id); err != nil {
					return stored, empties, err
				}
				empties++
			}
		default:
			n, e, err := c.storeBlock(block, res.Raster)
			if err != nil {
				return stored, empties, err
			}
			stored += n
			empties += e
		}
	}
	return stored, empties, nil
}

// storeBlock splits a block raster into its cells and writes each to
// the pool. Storage granularity is always one cell regardless of fetch
// granularity.
func (c *Cache) storeBlock(block geo.Block, mosaic *raster.Raster) (stored, empties int, err error) {
	for _, id := range block.Cells() {
		cell, err := raster.ExtractCell(mosaic, id)
		if err != nil {
			return stored, empties, err
		}
		if cell.DataFraction() == 0 {
			// A void quadrant of a chunk: record as empty rather than
			// storing a file of pure no-data.
			if err := c.markNoData(id); err != nil {
				return stored, empties, err
			}
			empties++
			continue
		}
		if err := c.writeCell(id, cell); err != nil {
			return stored, empties, err
		}
		stored++
	}
	return stored, empties, nil
}

// writeCell persists a validated cell atomically.
func (c *Cache) writeCell(id geo.CellID, cell *raster.Raster) error {
	dir := c.TileDir(id.Res)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}

	data, err := raster.EncodeHGT(cell)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+id.Stem()+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp cell file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cell %s: %w", id.Stem(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cell %s: %w", id.Stem(), err)
	}
	if err := os.Rename(tmpName, c.CellPath(id)); err != nil {
		return fmt.Errorf("rename cell %s into pool: %w", id.Stem(), err)
	}

	// An older no-data marker is superseded by real data.
	_ = os.Remove(c.noDataPath(id))
	return nil
}

func (c *Cache) markNoData(id geo.CellID) error {
	dir := c.TileDir(id.Res)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}
	f, err := os.OpenFile(c.noDataPath(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mark cell %s empty: %w", id.Stem(), err)
	}
	return f.Close()
}

// merge loads every present cell of the cover and mosaics them.
func (c *Cache) merge(cover []geo.CellID) (*raster.Raster, error) {
	cells := make(map[geo.CellID]*raster.Raster)
	for _, id := range cover {
		if c.status(id) != cellPresent {
			continue
		}
		data, err := os.ReadFile(c.CellPath(id))
		if err != nil {
			return nil, fmt.Errorf("read cell %s: %w", id.Stem(), err)
		}
		r, err := raster.DecodeHGT(data, id)
		if err != nil {
			return nil, fmt.Errorf("decode cell %s: %w", id.Stem(), err)
		}
		cells[id] = r
	}
	return raster.Merge(cells)
}
