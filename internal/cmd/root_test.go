package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relieflab/demflow/pkg/fallback"
	"github.com/relieflab/demflow/pkg/pipeline"
	"github.com/relieflab/demflow/pkg/raster"
	"github.com/relieflab/demflow/pkg/tilecache"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	SetVersionInfo("1.0.0", "abc123", "2026-01-15")

	assert.Equal(t, "1.0.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-01-15", versionInfo.BuildDate)
}

func TestExitError(t *testing.T) {
	underlying := errors.New("boom")
	err := exitError(ExitInvalidArgument, "Invalid configuration", underlying)

	assert.Equal(t, ExitInvalidArgument, err.Code)
	assert.Equal(t, "Invalid configuration: boom", err.Error())
	assert.ErrorIs(t, err, underlying)

	bare := exitError(ExitFailure, "Failed", nil)
	assert.Equal(t, "Failed", bare.Error())
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", &pipeline.ConfigurationError{Reason: "x"}, ExitInvalidArgument},
		{"coverage shortfall", &tilecache.CoverageShortfallError{}, ExitUnavailable},
		{"sources exhausted", &fallback.ExhaustedError{Fragment: "N40_W112_90m"}, ExitUnavailable},
		{"validation", &raster.ValidationError{Check: "crs"}, ExitValidation},
		{"wrapped in stage error", &pipeline.StageError{Stage: pipeline.StageValidated, Err: &pipeline.ConfigurationError{Reason: "x"}}, ExitInvalidArgument},
		{"unknown", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyExit(tt.err))
		})
	}
}
