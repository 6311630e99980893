package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/output"
	"github.com/relieflab/demflow/pkg/planner"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/region"
	"github.com/relieflab/demflow/pkg/tilecache"
)

// CoverageEnsurer assembles a region's merged raster from the shared
// tile pool. Satisfied by *tilecache.Cache.
type CoverageEnsurer interface {
	EnsureCoverage(ctx context.Context, bounds geo.Bounds, res geo.ResolutionClass, workDir string) (tilecache.CoverageResult, error)
}

// Job is one per-region pipeline invocation. It is created per run and
// discarded after terminal success or failure.
type Job struct {
	RegionID     string
	TargetPixels int
}

// RunResult summarizes a completed run.
type RunResult struct {
	Region        string
	Resolution    geo.ResolutionClass
	StagesRun     int
	StagesSkipped int
	CellsFetched  int

	// PublishedPath is the published artifact, empty for check-only
	// runs.
	PublishedPath string
}

// Options tunes a pipeline run.
type Options struct {
	// StateDir holds per-region intermediate artifacts and sidecars.
	StateDir string

	// OutputDir receives published artifacts and the region manifest.
	OutputDir string

	// Force discards all existing artifacts before running.
	Force bool

	// CheckOnly stops after resolution planning.
	CheckOnly bool

	// BoundaryDetail is the detail level passed to boundary lookups.
	BoundaryDetail int
}

// Orchestrator drives the per-region stage machine.
type Orchestrator struct {
	regions    *region.Table
	planner    *planner.Planner
	cache      CoverageEnsurer
	transform  raster.Transformer
	boundaries raster.BoundaryProvider
	out        output.Writer
	log        *zap.Logger
	opts       Options
}

// New assembles an orchestrator. A nil writer discards progress
// records; a nil transformer uses the built-in one.
func New(regions *region.Table, pl *planner.Planner, cache CoverageEnsurer, tr raster.Transformer, bp raster.BoundaryProvider, out output.Writer, log *zap.Logger, opts Options) *Orchestrator {
	if tr == nil {
		tr = raster.DefaultTransformer{}
	}
	if out == nil {
		out = output.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		regions:    regions,
		planner:    pl,
		cache:      cache,
		transform:  tr,
		boundaries: bp,
		out:        out,
		log:        log,
		opts:       opts,
	}
}

// jobState carries one run's working data between stages.
type jobState struct {
	job    Job
	reg    region.Region
	dir    string
	store  artifactStore
	result *RunResult
}

// slotDef binds a pipeline slot to its implementation. run returns the
// concrete stage name (the clip slot resolves its branch at run time)
// and the output artifact path.
type slotDef struct {
	slot    string
	version string
	run     func(ctx context.Context, st *jobState, upstream string) (Stage, string, error)
}

// Run executes the full stage sequence for one region. It fails fast:
// a later stage never starts after an earlier one fails. Cancellation
// is honored at stage boundaries.
func (o *Orchestrator) Run(ctx context.Context, job Job) (RunResult, error) {
	reg, err := o.regions.Get(job.RegionID)
	if err != nil {
		cfgErr := &ConfigurationError{Reason: err.Error()}
		o.emitError(ctx, job.RegionID, "", cfgErr)
		return RunResult{}, cfgErr
	}
	if job.TargetPixels <= 0 {
		cfgErr := &ConfigurationError{Reason: fmt.Sprintf("target pixels must be positive, got %d", job.TargetPixels)}
		o.emitError(ctx, job.RegionID, "", cfgErr)
		return RunResult{}, cfgErr
	}

	st := &jobState{
		job:    job,
		reg:    reg,
		dir:    filepath.Join(o.opts.StateDir, reg.ID),
		result: &RunResult{Region: reg.ID},
	}
	st.store = artifactStore{dir: st.dir}

	if o.opts.Force {
		st.store.discardFrom(slots[0])
	}

	defs := []slotDef{
		{slot: "validated", version: "v1", run: o.runValidated},
		{slot: "planned", version: "v1", run: o.runPlanned},
		{slot: "acquired", version: "v1", run: o.runAcquired},
		{slot: "clip", version: "v1", run: o.runClip},
		{slot: "reprojected", version: "v1", run: o.runReprojected},
		{slot: "downsampled", version: "v1", run: o.runDownsampled},
		{slot: "exported", version: "v1", run: o.runExported},
		{slot: "compressed", version: "v1", run: o.runCompressed},
		{slot: "published", version: "v1", run: o.runPublished},
	}

	upstream := ""
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return *st.result, err
		}

		if err := o.runSlot(ctx, st, def, &upstream); err != nil {
			return *st.result, err
		}

		if def.slot == "planned" {
			// The planned slot may have been skipped as current; the
			// artifact still carries the resolution downstream stages
			// and the run summary need.
			var plan planDoc
			if err := readJSON(upstream, &plan); err != nil {
				return *st.result, &StageError{Stage: StagePlanned, Err: err}
			}
			st.result.Resolution = plan.Resolution

			if o.opts.CheckOnly {
				o.log.Info("Check-only run complete",
					zap.String("region", reg.ID),
					zap.String("resolution", string(plan.Resolution)))
				return *st.result, nil
			}
		}
	}

	st.result.PublishedPath = upstream
	o.log.Info("Region pipeline complete",
		zap.String("region", reg.ID),
		zap.String("artifact", upstream),
		zap.Int("stages_run", st.result.StagesRun),
		zap.Int("stages_skipped", st.result.StagesSkipped))
	return *st.result, nil
}

// runSlot applies the uniform invalidation rule, then either skips the
// slot or discards it plus everything downstream and rebuilds.
// upstream is the previous slot's artifact path; it is advanced to this
// slot's artifact on return.
func (o *Orchestrator) runSlot(ctx context.Context, st *jobState, def slotDef, upstream *string) error {
	var upHash string
	var err error
	if *upstream == "" {
		// The root slot's input is the job parameters themselves.
		upHash, err = hashJSON(struct {
			Region region.Region `json:"region"`
			Pixels int           `json:"pixels"`
		}{st.reg, st.job.TargetPixels})
	} else {
		upHash, err = hashFile(*upstream)
	}
	if err != nil {
		return &StageError{Stage: Stage(def.slot), Err: err}
	}

	if existing, ok := st.store.load(def.slot); ok {
		if existing.UpstreamHash == upHash && existing.Version == def.version {
			st.result.StagesSkipped++
			o.emitStage(ctx, st.reg.ID, &output.StageRecord{
				Stage:        string(existing.Stage),
				Status:       output.StageSkipped,
				Artifact:     existing.Path,
				UpstreamHash: existing.UpstreamHash,
				Detail:       "artifact current",
			})
			*upstream = existing.Path
			return nil
		}
		o.emitStage(ctx, st.reg.ID, &output.StageRecord{
			Stage:  string(existing.Stage),
			Status: output.StageInvalidated,
			Detail: "upstream fingerprint changed",
		})
		st.store.discardFrom(def.slot)
	}

	o.emitStage(ctx, st.reg.ID, &output.StageRecord{Stage: def.slot, Status: output.StageStarted})
	start := time.Now()

	stage, outPath, err := def.run(ctx, st, *upstream)
	if err != nil {
		stageErr := &StageError{Stage: stage, Err: err}
		o.emitError(ctx, st.reg.ID, string(stage), err)
		o.emitStage(ctx, st.reg.ID, &output.StageRecord{
			Stage:  string(stage),
			Status: output.StageFailed,
			Detail: err.Error(),
		})
		return stageErr
	}

	art := Artifact{Stage: stage, Path: outPath, UpstreamHash: upHash, Version: def.version}
	if err := st.store.save(def.slot, art); err != nil {
		return &StageError{Stage: stage, Err: err}
	}

	st.result.StagesRun++
	o.emitStage(ctx, st.reg.ID, &output.StageRecord{
		Stage:        string(stage),
		Status:       output.StageCompleted,
		Artifact:     outPath,
		UpstreamHash: upHash,
		Duration:     time.Since(start),
	})
	*upstream = outPath
	return nil
}

func (o *Orchestrator) emitStage(ctx context.Context, regionID string, rec *output.StageRecord) {
	if err := o.out.WriteStage(ctx, regionID, rec); err != nil {
		o.log.Warn("Progress record dropped", zap.Error(err))
	}
}

func (o *Orchestrator) emitError(ctx context.Context, regionID, stage string, err error) {
	rec := &output.ErrorRecord{
		Code:    classifyError(err),
		Message: err.Error(),
		Stage:   stage,
	}
	if werr := o.out.WriteError(ctx, regionID, rec); werr != nil {
		o.log.Warn("Error record dropped", zap.Error(werr))
	}
}

// classifyError maps failures onto machine-readable output codes.
func classifyError(err error) string {
	var (
		cfgErr   *ConfigurationError
		resErr   *planner.ResolutionUnavailableError
		covErr   *tilecache.CoverageShortfallError
		exhErr   *fallback.ExhaustedError
		valErr   *raster.ValidationError
		stageErr *StageError
	)
	switch {
	case errors.As(err, &cfgErr):
		return output.ErrCodeConfiguration
	case errors.As(err, &resErr):
		return output.ErrCodeResolution
	case errors.As(err, &covErr):
		return output.ErrCodeCoverageShortfall
	case errors.As(err, &exhErr):
		return output.ErrCodeSourceExhausted
	case errors.As(err, &valErr):
		return output.ErrCodeValidation
	case errors.As(err, &stageErr):
		return classifyError(stageErr.Err)
	default:
		return output.ErrCodeInternal
	}
}

// runValidated checks the job's configuration and persists it as the
// pipeline's root artifact.
func (o *Orchestrator) runValidated(_ context.Context, st *jobState, _ string) (Stage, string, error) {
	if !st.reg.Bounds.Valid() {
		return StageValidated, "", &ConfigurationError{Reason: fmt.Sprintf("region %s has invalid bounds %v", st.reg.ID, st.reg.Bounds)}
	}
	if st.reg.ClipRequired && st.reg.BoundaryName == "" {
		return StageValidated, "", &ConfigurationError{Reason: fmt.Sprintf("region %s requires clipping but names no boundary", st.reg.ID)}
	}

	out := filepath.Join(st.dir, "job.json")
	doc := struct {
		Region region.Region `json:"region"`
		Pixels int           `json:"pixels"`
	}{st.reg, st.job.TargetPixels}
	if err := writeJSONAtomic(out, doc); err != nil {
		return StageValidated, "", err
	}
	return StageValidated, out, nil
}

// planDoc is the resolution-planning artifact.
type planDoc struct {
	Resolution     geo.ResolutionClass `json:"resolution"`
	MetersPerPixel float64             `json:"meters_per_pixel"`
	TargetPixels   int                 `json:"target_pixels"`
}

func (o *Orchestrator) runPlanned(_ context.Context, st *jobState, _ string) (Stage, string, error) {
	res, err := o.planner.Plan(st.reg.Bounds, st.job.TargetPixels)
	if err != nil {
		return StagePlanned, "", err
	}
	st.result.Resolution = res

	doc := planDoc{
		Resolution:     res,
		MetersPerPixel: st.reg.Bounds.SpanMeters() / float64(st.job.TargetPixels),
		TargetPixels:   st.job.TargetPixels,
	}
	out := filepath.Join(st.dir, "plan.json")
	if err := writeJSONAtomic(out, doc); err != nil {
		return StagePlanned, "", err
	}

	o.log.Info("Resolution planned",
		zap.String("region", st.reg.ID),
		zap.String("resolution", string(res)),
		zap.Float64("meters_per_pixel", doc.MetersPerPixel))
	return StagePlanned, out, nil
}

func (o *Orchestrator) runAcquired(ctx context.Context, st *jobState, upstream string) (Stage, string, error) {
	var plan planDoc
	if err := readJSON(upstream, &plan); err != nil {
		return StageAcquired, "", err
	}
	st.result.Resolution = plan.Resolution

	cov, err := o.cache.EnsureCoverage(ctx, st.reg.Bounds, plan.Resolution, filepath.Join(st.dir, "work"))
	if err != nil {
		return StageAcquired, "", err
	}
	st.result.CellsFetched += cov.Fetched
	if cov.Shortfall() > 0 {
		o.log.Warn("Coverage shortfall tolerated",
			zap.String("region", st.reg.ID),
			zap.Int("present", cov.Present),
			zap.Int("cells", cov.Cells))
	}

	out := filepath.Join(st.dir, "acquired.demr")
	if err := os.Rename(cov.MergedPath, out); err != nil {
		return StageAcquired, "", fmt.Errorf("move merged raster: %w", err)
	}
	return StageAcquired, out, nil
}

// runClip branches on the region's clip requirement. A missing
// boundary is fatal when clipping is required and a clean skip when it
// is not.
func (o *Orchestrator) runClip(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	r, err := raster.ReadFile(upstream)
	if err != nil {
		return StageClipped, "", err
	}
	out := filepath.Join(st.dir, "clip.demr")

	boundary, found, err := o.boundaries.Lookup(st.reg.BoundaryName, o.opts.BoundaryDetail)
	if err != nil {
		return StageClipped, "", fmt.Errorf("boundary lookup %q: %w", st.reg.BoundaryName, err)
	}
	if !found {
		if st.reg.ClipRequired {
			return StageClipped, "", &ConfigurationError{
				Reason: fmt.Sprintf("region %s requires clipping but boundary %q is unknown", st.reg.ID, st.reg.BoundaryName),
			}
		}
		if err := raster.WriteFile(out, r); err != nil {
			return StageClipSkipped, "", err
		}
		return StageClipSkipped, out, nil
	}

	clipped, err := o.transform.Mask(r, boundary)
	if err != nil {
		return StageClipped, "", err
	}
	if err := raster.ValidateElevationRange(clipped); err != nil {
		return StageClipped, "", err
	}
	if err := raster.WriteFile(out, clipped); err != nil {
		return StageClipped, "", err
	}
	return StageClipped, out, nil
}

func (o *Orchestrator) runReprojected(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	r, err := raster.ReadFile(upstream)
	if err != nil {
		return StageReprojected, "", err
	}
	proj, err := o.transform.Reproject(r, raster.CRSWebMercator)
	if err != nil {
		return StageReprojected, "", err
	}
	if err := raster.ValidateCRS(proj, raster.CRSWebMercator); err != nil {
		return StageReprojected, "", err
	}

	out := filepath.Join(st.dir, "reprojected.demr")
	if err := raster.WriteFile(out, proj); err != nil {
		return StageReprojected, "", err
	}
	return StageReprojected, out, nil
}

func (o *Orchestrator) runDownsampled(_ context.Context, st *jobState, upstream string) (Stage, string, error) {
	r, err := raster.ReadFile(upstream)
	if err != nil {
		return StageDownsampled, "", err
	}
	// An unprojected input here means reprojection went wrong; fail
	// rather than emit silently distorted output.
	if err := raster.ValidateProjected(r); err != nil {
		return StageDownsampled, "", err
	}

	width, height := targetDims(r.Width, r.Height, st.job.TargetPixels)
	small, err := o.transform.Resample(r, width, height)
	if err != nil {
		return StageDownsampled, "", err
	}
	if err := raster.ValidateElevationRange(small); err != nil {
		return StageDownsampled, "", err
	}

	out := filepath.Join(st.dir, "downsampled.demr")
	if err := raster.WriteFile(out, small); err != nil {
		return StageDownsampled, "", err
	}
	return StageDownsampled, out, nil
}

// targetDims scales a raster so its longer side is targetPixels,
// preserving aspect ratio. Upsampling is never performed.
func targetDims(w, h, targetPixels int) (int, int) {
	long := w
	if h > long {
		long = h
	}
	if targetPixels >= long {
		return w, h
	}
	scale := float64(targetPixels) / float64(long)
	sw := int(float64(w)*scale + 0.5)
	sh := int(float64(h)*scale + 0.5)
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return sw, sh
}
