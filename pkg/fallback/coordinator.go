// Package fallback drives single-fragment downloads across the ordered
// candidate sources for a resolution class.
//
// For each candidate the coordinator consults the shared backoff state,
// enforces inter-request spacing, fetches, classifies the outcome, and
// validates the payload before accepting it. A candidate that fails
// retryably is abandoned in favor of the next one; the same source is
// never retried within one acquisition.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/backoff"
	"github.com/relieflab/demflow/pkg/geo"
	"github.com/relieflab/demflow/pkg/ledger"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/source"
)

// RateGate is the slice of the backoff coordinator the fallback loop
// needs. Satisfied by *backoff.Coordinator.
type RateGate interface {
	Check(ctx context.Context, src string) (backoff.Decision, error)
	Wait(ctx context.Context, src string) error
	RecordViolation(ctx context.Context, src string) (backoff.State, error)
	RecordSuccess(ctx context.Context, src string) (backoff.State, error)
}

// AttemptLog records fetch attempts for auditing. Satisfied by
// *ledger.Ledger; may be nil to disable recording.
type AttemptLog interface {
	Record(ctx context.Context, a ledger.Attempt) error
}

// Result is the outcome of one fragment acquisition.
type Result struct {
	// Raster is the decoded fragment. Nil when Empty.
	Raster *raster.Raster

	// SourceID names the source that served the fragment.
	SourceID string

	// Empty marks a fragment every candidate reported no data for
	// (open ocean). Success-with-empty, not a failure.
	Empty bool

	// Attempts counts the fetch attempts made.
	Attempts int
}

// ExhaustedError reports that every candidate source failed for a
// fragment. Distinct from Empty: at least one candidate failed for a
// reason other than "no data here".
type ExhaustedError struct {
	Fragment string
	Attempts int
	Errs     []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fragment %s: all %d candidate sources failed: %v", e.Fragment, e.Attempts, errors.Join(e.Errs...))
}

// Coordinator orders candidates and drives fragment downloads.
type Coordinator struct {
	registry *source.Registry
	gate     RateGate
	fetchers map[string]source.Fetcher
	log      *zap.Logger
	attempts AttemptLog
	jobID    string
}

// New builds a coordinator. fetchers maps source IDs to transports; a
// candidate without a fetcher is skipped with a warning rather than
// failing the acquisition. attempts may be nil.
func New(reg *source.Registry, gate RateGate, fetchers map[string]source.Fetcher, log *zap.Logger, attempts AttemptLog, jobID string) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		registry: reg,
		gate:     gate,
		fetchers: fetchers,
		log:      log,
		attempts: attempts,
		jobID:    jobID,
	}
}

// Acquire downloads the fragment covering block, trying candidates in
// registry/priority order. It returns an ExhaustedError only once
// every candidate has been tried.
func (c *Coordinator) Acquire(ctx context.Context, block geo.Block) (Result, error) {
	candidates := c.registry.Candidates(block.Res, block.Bounds())
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("fragment %v: no source serves %s at this latitude", block.Bounds(), block.Res)
	}

	frag := fragmentName(block)
	var attempts int
	var errs []error
	allNoData := true

	for _, cand := range candidates {
		fetcher, ok := c.fetchers[cand.ID]
		if !ok {
			c.log.Warn("No fetcher wired for source, skipping",
				zap.String("source", cand.ID))
			continue
		}
		if block.CellCount() > 1 && !cand.SupportsBlocks {
			// Chunked requests only go to sources that accept them;
			// the caller falls back to per-cell acquisition.
			continue
		}

		decision, err := c.gate.Check(ctx, cand.ID)
		if err != nil {
			return Result{}, err
		}
		if !decision.Allow {
			c.log.Debug("Source backed off, skipping",
				zap.String("source", cand.ID),
				zap.Time("until", decision.Until))
			c.record(ctx, cand.ID, frag, ledger.OutcomeSkipped, 0, 0, "backoff window open")
			allNoData = false
			errs = append(errs, fmt.Errorf("%s: %w until %s", cand.ID, source.ErrThrottled, decision.Until.Format(time.RFC3339)))
			continue
		}

		if err := c.gate.Wait(ctx, cand.ID); err != nil {
			return Result{}, err
		}

		attempts++
		start := time.Now()
		payload, err := fetcher.Fetch(ctx, block)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			rast, verr := validatePayload(payload, block)
			if verr != nil {
				// Invalid payloads are discarded, never surfaced as
				// success. The source still answered, so no violation.
				c.log.Warn("Source returned corrupt payload",
					zap.String("source", cand.ID),
					zap.String("fragment", frag),
					zap.Error(verr))
				c.record(ctx, cand.ID, frag, ledger.OutcomeInvalid, int64(len(payload)), elapsed, verr.Error())
				allNoData = false
				errs = append(errs, fmt.Errorf("%s: %w", cand.ID, verr))
				continue
			}
			if _, err := c.gate.RecordSuccess(ctx, cand.ID); err != nil {
				return Result{}, err
			}
			c.record(ctx, cand.ID, frag, ledger.OutcomeSuccess, int64(len(payload)), elapsed, "")
			c.log.Debug("Fragment acquired",
				zap.String("source", cand.ID),
				zap.String("fragment", frag),
				zap.Int("bytes", len(payload)),
				zap.Duration("elapsed", elapsed))
			return Result{Raster: rast, SourceID: cand.ID, Attempts: attempts}, nil

		case source.IsNoData(err):
			// "No data here" is an answer, not an error.
			if _, rerr := c.gate.RecordSuccess(ctx, cand.ID); rerr != nil {
				return Result{}, rerr
			}
			c.record(ctx, cand.ID, frag, ledger.OutcomeNoData, 0, elapsed, "")
			errs = append(errs, fmt.Errorf("%s: %w", cand.ID, err))

		case source.IsThrottled(err):
			if _, rerr := c.gate.RecordViolation(ctx, cand.ID); rerr != nil {
				return Result{}, rerr
			}
			c.record(ctx, cand.ID, frag, ledger.OutcomeThrottled, 0, elapsed, err.Error())
			allNoData = false
			errs = append(errs, err)

		case source.IsRetryable(err):
			c.record(ctx, cand.ID, frag, ledger.OutcomeRetryable, 0, elapsed, err.Error())
			allNoData = false
			errs = append(errs, err)

		default:
			// Auth and other non-retryable setup failures: skip this
			// source, it will not get better mid-run.
			c.log.Warn("Source failed non-retryably",
				zap.String("source", cand.ID),
				zap.Error(err))
			c.record(ctx, cand.ID, frag, ledger.OutcomeRetryable, 0, elapsed, err.Error())
			allNoData = false
			errs = append(errs, err)
		}
	}

	if attempts > 0 && allNoData {
		return Result{Empty: true, Attempts: attempts}, nil
	}
	return Result{}, &ExhaustedError{Fragment: frag, Attempts: attempts, Errs: errs}
}

func (c *Coordinator) record(ctx context.Context, src, frag string, outcome ledger.Outcome, bytes int64, d time.Duration, errMsg string) {
	if c.attempts == nil {
		return
	}
	if err := c.attempts.Record(ctx, ledger.Attempt{
		JobID:    c.jobID,
		Source:   src,
		Fragment: frag,
		Outcome:  outcome,
		Bytes:    bytes,
		Duration: d,
		Error:    errMsg,
	}); err != nil {
		c.log.Warn("Failed to record fetch attempt", zap.Error(err))
	}
}

func fragmentName(block geo.Block) string {
	cells := block.Cells()
	if len(cells) == 1 {
		return cells[0].Stem()
	}
	return fmt.Sprintf("%s+%dx%d", cells[0].Stem(), block.Width, block.Height)
}

// validatePayload decodes and sanity-checks a fragment payload:
// parseable, carries the expected spatial extent, and is not a trivial
// stub response.
func validatePayload(payload []byte, block geo.Block) (*raster.Raster, error) {
	if len(payload) < 1024 {
		return nil, fmt.Errorf("%w: %d bytes is below any plausible fragment size", source.ErrCorruptPayload, len(payload))
	}
	rast, err := raster.DecodeHGTBlock(payload, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrCorruptPayload, err)
	}
	if err := raster.ValidateElevationRange(rast); err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrCorruptPayload, err)
	}
	return rast, nil
}
