// Package pipeline sequences the per-region processing job from
// validation through publish.
//
// The pipeline is a strictly ordered state machine. Each stage consumes
// the previous stage's artifact and produces a new one tagged with a
// format version and the sha256 fingerprint of its input. Before each
// stage runs, the orchestrator recomputes the upstream fingerprint; a
// mismatch discards the stage's artifact and everything downstream of
// it. That comparison is the only cache-invalidation rule.
package pipeline

import "fmt"

// Stage names a pipeline state.
type Stage string

const (
	StageValidated   Stage = "validated"
	StagePlanned     Stage = "resolution_planned"
	StageAcquired    Stage = "acquired"
	StageClipped     Stage = "clipped"
	StageClipSkipped Stage = "clip_skipped"
	StageReprojected Stage = "reprojected"
	StageDownsampled Stage = "downsampled"
	StageExported    Stage = "exported"
	StageCompressed  Stage = "compressed"
	StagePublished   Stage = "published"
)

// slots lists the pipeline's execution order. The clip slot resolves to
// either StageClipped or StageClipSkipped at run time.
var slots = []string{
	"validated",
	"planned",
	"acquired",
	"clip",
	"reprojected",
	"downsampled",
	"exported",
	"compressed",
	"published",
}

// ConfigurationError reports invalid run or region configuration.
// Always fatal, never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// StageError wraps a failure with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
