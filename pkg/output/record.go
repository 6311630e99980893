// Package output provides JSONL output for pipeline runs.
//
// Output is structured as typed record envelopes containing stage
// transitions, fetch attempts, errors, and run summaries. Each line is
// a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: demflow.<type>.v<version>
const (
	// TypeStage identifies pipeline stage transition records.
	TypeStage = "demflow.stage.v1"

	// TypeFetch identifies source fetch attempt records.
	TypeFetch = "demflow.fetch.v1"

	// TypeError identifies error records.
	TypeError = "demflow.error.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "demflow.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "demflow.stage.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this run.
	JobID string `json:"job_id"`

	// Region is the region the record belongs to, if any.
	Region string `json:"region,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Stage status constants for StageRecord.
const (
	StageStarted     = "started"
	StageCompleted   = "completed"
	StageSkipped     = "skipped"
	StageInvalidated = "invalidated"
	StageFailed      = "failed"
)

// StageRecord is the data payload for pipeline stage transitions.
//
// One record is emitted when a stage starts and another when it
// completes, is skipped as current, or fails.
type StageRecord struct {
	// Stage is the pipeline stage name (e.g., "acquired").
	Stage string `json:"stage"`

	// Status is one of the Stage* constants.
	Status string `json:"status"`

	// Artifact is the path of the stage's output artifact, when the
	// stage produced one.
	Artifact string `json:"artifact,omitempty"`

	// UpstreamHash is the input fingerprint recorded with the artifact.
	UpstreamHash string `json:"upstream_hash,omitempty"`

	// Duration is how long the stage ran, for completed stages.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// Detail carries a short human-readable note (skip reason,
	// invalidation cause).
	Detail string `json:"detail,omitempty"`
}

// FetchRecord is the data payload for source fetch attempts.
type FetchRecord struct {
	// Fragment names the requested grid fragment (cell stem or block).
	Fragment string `json:"fragment"`

	// Source is the source identifier that served or failed the fetch.
	Source string `json:"source"`

	// Outcome classifies the attempt (success, no_data, throttled, ...).
	Outcome string `json:"outcome"`

	// Bytes is the payload size for successful fetches.
	Bytes int64 `json:"bytes,omitempty"`

	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Non-fatal errors are emitted as records rather than aborting the
// whole run, so multi-region processing can report partial results.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Stage is the pipeline stage where the error occurred, if any.
	Stage string `json:"stage,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeConfiguration indicates invalid region or run configuration.
	ErrCodeConfiguration = "CONFIGURATION"

	// ErrCodeSourceExhausted indicates every candidate source failed.
	ErrCodeSourceExhausted = "SOURCE_EXHAUSTED"

	// ErrCodeCoverageShortfall indicates too little data to proceed.
	ErrCodeCoverageShortfall = "COVERAGE_SHORTFALL"

	// ErrCodeResolution indicates no resolution satisfies the request.
	ErrCodeResolution = "RESOLUTION_UNAVAILABLE"

	// ErrCodeValidation indicates an artifact failed a sanity check.
	ErrCodeValidation = "VALIDATION"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final run summaries.
type SummaryRecord struct {
	// Regions is the number of regions processed.
	Regions int `json:"regions"`

	// StagesRun counts stages that executed.
	StagesRun int `json:"stages_run"`

	// StagesSkipped counts stages skipped as already current.
	StagesSkipped int `json:"stages_skipped"`

	// CellsFetched counts grid cells downloaded during the run.
	CellsFetched int `json:"cells_fetched"`

	// Errors is the count of errors encountered.
	Errors int `json:"errors"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
