package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relieflab/demflow/internal/observability"
	"github.com/relieflab/demflow/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve published region artifacts over HTTP",
	Long: `Serve the output directory read-only: /health, /manifest, and
/regions/{id} for each published region's compressed artifact.

Example:
  demflow serve
  demflow serve --listen 0.0.0.0:9090`,
	RunE: runServe,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Bind address (overrides config listen_addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	addr := cfg.ListenAddr
	if serveListen != "" {
		addr = serveListen
	}
	s := server.New(cfg.OutputDir, observability.CLILogger)
	if err := s.ListenAndServe(addr); err != nil {
		return exitError(ExitFailure, "Server stopped", err)
	}
	return nil
}
