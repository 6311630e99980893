package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relieflab/demflow/internal/observability"
	"github.com/relieflab/demflow/pkg/backoff"
	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/ledger"
	"github.com/relieflab/demflow/pkg/output"
	"github.com/relieflab/demflow/pkg/pipeline"
	"github.com/relieflab/demflow/pkg/planner"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/region"
	"github.com/relieflab/demflow/pkg/source"
	"github.com/relieflab/demflow/pkg/tilecache"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the full pipeline for one region",
	Long: `Run one region through the pipeline: acquire the tile coverage,
clip, reproject, downsample, export, compress and publish.

Stages whose inputs are unchanged are skipped; --force discards all
cached artifacts first, --check stops after resolution planning.

Example:
  demflow process --region utah --pixels 2048
  demflow process --region utah --check
  demflow process --region utah --force --quiet`,
	RunE: runProcess,
}

var (
	processRegion string
	processPixels int
	processForce  bool
	processCheck  bool
	processQuiet  bool
)

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVarP(&processRegion, "region", "r", "", "Region ID from the region table (required)")
	processCmd.Flags().IntVarP(&processPixels, "pixels", "p", 2048, "Target pixel count for the longer output axis")
	processCmd.Flags().BoolVar(&processForce, "force", false, "Discard cached artifacts and reprocess everything")
	processCmd.Flags().BoolVar(&processCheck, "check", false, "Stop after validation and resolution planning")
	processCmd.Flags().BoolVarP(&processQuiet, "quiet", "q", false, "Suppress JSONL progress records")

	_ = processCmd.MarkFlagRequired("region")
}

func runProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	jobID := uuid.New().String()
	start := time.Now()

	table, err := region.Load(cfg.RegionsFile)
	if err != nil {
		log.Error("Failed to load region table", zap.String("path", cfg.RegionsFile), zap.Error(err))
		return exitError(ExitInvalidArgument, "Invalid region table", err)
	}
	reg, err := table.Get(processRegion)
	if err != nil {
		return exitError(ExitInvalidArgument, "Unknown region", err)
	}

	registry := source.DefaultRegistry()
	if len(reg.SourcePriority) > 0 {
		registry, err = registry.WithPriority(reg.SourcePriority)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid source priority", err)
		}
	}

	led, err := ledger.Open(ctx, filepath.Join(cfg.StateDir, "ledger.db"))
	if err != nil {
		log.Error("Failed to open acquisition ledger", zap.Error(err))
		return exitError(ExitFailure, "Ledger unavailable", err)
	}
	defer func() { _ = led.Close() }()

	var writer output.Writer = output.Discard{}
	if !processQuiet {
		writer = output.NewJSONLWriter(os.Stdout, jobID)
	}
	defer func() { _ = writer.Close() }()

	fetchers := buildFetchers(ctx, registry, log)
	gate := backoff.NewCoordinator(backoff.NewStore(filepath.Join(cfg.StateDir, "backoff"), cfg.LockWait), cfg.MinSpacing, nil)
	attempts := &fetchProgressLog{next: led, writer: writer, region: reg.ID, log: log}
	fb := fallback.New(registry, gate, fetchers, log, attempts, jobID)

	cache := tilecache.New(tilecache.Config{
		Root:        cfg.PoolDir,
		MinCoverage: cfg.MinCoverage,
		ChunkSide:   cfg.ChunkSide,
		LockWait:    cfg.LockWait,
	}, fb, log)

	orch := pipeline.New(table, planner.New(registry), cache, nil,
		&raster.DirBoundaryProvider{Dir: cfg.BoundariesDir}, writer, log,
		pipeline.Options{
			StateDir:  filepath.Join(cfg.StateDir, "pipeline"),
			OutputDir: cfg.OutputDir,
			Force:     processForce,
			CheckOnly: processCheck,
		})

	log.Info("Starting region job",
		zap.String("job_id", jobID),
		zap.String("region", reg.ID),
		zap.Int("pixels", processPixels),
		zap.Bool("force", processForce),
		zap.Bool("check", processCheck))

	res, err := orch.Run(ctx, pipeline.Job{RegionID: processRegion, TargetPixels: processPixels})
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("Region job cancelled", zap.String("region", processRegion))
			return exitError(ExitFailure, "Cancelled", err)
		}
		log.Error("Region job failed", zap.String("region", processRegion), zap.Error(err))
		return exitError(classifyExit(err), "Processing failed", err)
	}

	elapsed := time.Since(start)
	if werr := writer.WriteSummary(ctx, &output.SummaryRecord{
		Regions:       1,
		StagesRun:     res.StagesRun,
		StagesSkipped: res.StagesSkipped,
		CellsFetched:  res.CellsFetched,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}); werr != nil {
		log.Warn("Failed to write summary record", zap.Error(werr))
	}

	log.Info("Region job completed",
		zap.String("region", res.Region),
		zap.String("resolution", string(res.Resolution)),
		zap.Int("stages_run", res.StagesRun),
		zap.Int("stages_skipped", res.StagesSkipped),
		zap.Int("cells_fetched", res.CellsFetched),
		zap.Duration("elapsed", elapsed))
	return nil
}

// fetchProgressLog mirrors every recorded fetch attempt into the JSONL
// stream so consumers see acquisition activity alongside stage
// transitions. The ledger row is still written when the stream write
// fails.
type fetchProgressLog struct {
	next   fallback.AttemptLog
	writer output.Writer
	region string
	log    *zap.Logger
}

func (f *fetchProgressLog) Record(ctx context.Context, a ledger.Attempt) error {
	if err := f.writer.WriteFetch(ctx, f.region, &output.FetchRecord{
		Fragment: a.Fragment,
		Source:   a.Source,
		Outcome:  string(a.Outcome),
		Bytes:    a.Bytes,
		Duration: a.Duration,
	}); err != nil {
		f.log.Warn("Failed to write fetch record", zap.Error(err))
	}
	return f.next.Record(ctx, a)
}

// buildFetchers wires a transport per registered source. A source
// whose transport cannot be constructed is logged and left unwired;
// the fallback coordinator skips it.
func buildFetchers(ctx context.Context, registry *source.Registry, log *zap.Logger) map[string]source.Fetcher {
	fetchers := make(map[string]source.Fetcher)
	for _, d := range registry.All() {
		switch d.Kind {
		case source.KindHTTP:
			token := ""
			if d.RequiresAuth {
				token = cfg.SourceToken
				if token == "" {
					log.Warn("Source requires auth but no token is configured, skipping",
						zap.String("source", d.ID))
					continue
				}
			}
			fetchers[d.ID] = source.NewHTTPFetcher(d, nil, cfg.FetchTimeout, token)
		case source.KindS3:
			f, err := source.NewS3Fetcher(ctx, d, source.S3Options{
				Anonymous: !d.RequiresAuth,
				Timeout:   cfg.FetchTimeout,
			})
			if err != nil {
				log.Warn("S3 source unavailable, skipping",
					zap.String("source", d.ID), zap.Error(err))
				continue
			}
			fetchers[d.ID] = f
		default:
			log.Warn("Source has unknown kind, skipping",
				zap.String("source", d.ID), zap.String("kind", fmt.Sprintf("%v", d.Kind)))
		}
	}
	return fetchers
}
