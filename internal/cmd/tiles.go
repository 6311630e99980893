package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/relieflab/demflow/pkg/geo"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Inspect the shared tile pool",
}

var tilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached cells, optionally filtered by glob pattern",
	Long: `List the cells held in the shared tile pool.

The pattern matches against cell stems like N40_W112_90m.

Example:
  demflow tiles list
  demflow tiles list --res 90m
  demflow tiles list --pattern "N4*_W11*"`,
	RunE: runTilesList,
}

var (
	tilesPattern string
	tilesRes     string
)

func init() {
	rootCmd.AddCommand(tilesCmd)
	tilesCmd.AddCommand(tilesListCmd)

	tilesListCmd.Flags().StringVar(&tilesPattern, "pattern", "", "Glob pattern over cell stems")
	tilesListCmd.Flags().StringVar(&tilesRes, "res", "", "Restrict to one resolution class (30m|90m|250m)")
}

func runTilesList(cmd *cobra.Command, _ []string) error {
	classes := geo.Classes
	if tilesRes != "" {
		res, err := geo.ParseResolution(tilesRes)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid resolution", err)
		}
		classes = []geo.ResolutionClass{res}
	}
	if tilesPattern != "" {
		if !doublestar.ValidatePattern(tilesPattern) {
			return exitError(ExitInvalidArgument, "Invalid pattern", fmt.Errorf("bad glob %q", tilesPattern))
		}
	}

	type row struct {
		stem  string
		res   geo.ResolutionClass
		bytes int64
		state string
	}
	var rows []row

	for _, res := range classes {
		dir := filepath.Join(cfg.PoolDir, "res"+string(res), "tiles")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return exitError(ExitFailure, "Failed to read pool", err)
		}
		for _, e := range entries {
			name := e.Name()
			var state string
			switch {
			case strings.HasSuffix(name, ".hgt"):
				state = "cached"
			case strings.HasSuffix(name, ".nodata"):
				state = "no-data"
			default:
				continue
			}
			stem := strings.TrimSuffix(strings.TrimSuffix(name, ".hgt"), ".nodata")
			if tilesPattern != "" {
				ok, _ := doublestar.Match(tilesPattern, stem)
				if !ok {
					continue
				}
			}
			var size int64
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
			rows = append(rows, row{stem: stem, res: res, bytes: size, state: state})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].res != rows[j].res {
			return rows[i].res < rows[j].res
		}
		return rows[i].stem < rows[j].stem
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tRESOLUTION\tSTATE\tBYTES")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.stem, r.res, r.state, r.bytes)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d cells\n", len(rows))
	return nil
}
