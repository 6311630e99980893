// Package cmd implements the demflow command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relieflab/demflow/internal/config"
	"github.com/relieflab/demflow/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	logLevel string
	logJSON  bool

	// cfg is resolved once per invocation in the persistent pre-run.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "demflow",
	Short: "Elevation tile acquisition and region processing",
	Long: `demflow downloads elevation data from public sources into a shared
tile pool and processes regions through a staged pipeline: acquire,
clip, reproject, downsample, export, compress, publish.

Configuration comes from demflow.yaml, DEMFLOW_* environment
variables, or --config. Progress is emitted as JSONL on stdout; logs
go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := observability.InitLogging(logLevel, logJSON); err != nil {
			return exitError(ExitInvalidArgument, "Invalid logging options", err)
		}
		c, err := config.Load(cfgFile)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid configuration", err)
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer observability.Sync()

	if err := rootCmd.Execute(); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", ee)
			return ee.Code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	return ExitOK
}
