package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relieflab/demflow/pkg/ledger"
	"github.com/relieflab/demflow/pkg/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect elevation data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources in fallback order",
	RunE:  runSourcesList,
}

var sourcesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-source acquisition statistics from the ledger",
	RunE:  runSourcesStats,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesStatsCmd)
}

func runSourcesList(cmd *cobra.Command, _ []string) error {
	registry := source.DefaultRegistry()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRESOLUTION\tKIND\tCOVERAGE\tAUTH\tBLOCKS\tENDPOINT")
	for _, d := range registry.All() {
		auth := "-"
		if d.RequiresAuth {
			auth = "required"
		}
		blocks := "-"
		if d.SupportsBlocks {
			blocks = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f..%.0f\t%s\t%s\t%s\n",
			d.ID, d.Resolution, d.Kind, d.Coverage.South, d.Coverage.North, auth, blocks, d.Endpoint)
	}
	return w.Flush()
}

func runSourcesStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	led, err := ledger.Open(ctx, filepath.Join(cfg.StateDir, "ledger.db"))
	if err != nil {
		return exitError(ExitFailure, "Ledger unavailable", err)
	}
	defer func() { _ = led.Close() }()

	stats, err := led.Stats(ctx)
	if err != nil {
		return exitError(ExitFailure, "Failed to read ledger", err)
	}
	if len(stats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No fetch attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tATTEMPTS\tSUCCESS\tNO-DATA\tFAILURES\tBYTES")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			s.Source, s.Attempts, s.Successes, s.NoData, s.Failures, s.Bytes)
	}
	return w.Flush()
}
