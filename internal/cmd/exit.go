package cmd

import (
	"errors"

	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/pipeline"
	"github.com/relieflab/demflow/pkg/planner"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/tilecache"
)

// Process exit codes. Zero means full success; everything else is a
// specific failure class so scripts can branch on it.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidArgument = 2
	ExitUnavailable     = 3
	ExitValidation      = 4
)

// ExitError carries an exit code alongside the failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// classifyExit maps pipeline failures onto exit codes.
func classifyExit(err error) int {
	var (
		cfgErr *pipeline.ConfigurationError
		resErr *planner.ResolutionUnavailableError
		covErr *tilecache.CoverageShortfallError
		exhErr *fallback.ExhaustedError
		valErr *raster.ValidationError
	)
	switch {
	case errors.As(err, &cfgErr):
		return ExitInvalidArgument
	case errors.As(err, &resErr), errors.As(err, &covErr), errors.As(err, &exhErr):
		return ExitUnavailable
	case errors.As(err, &valErr):
		return ExitValidation
	default:
		return ExitFailure
	}
}
