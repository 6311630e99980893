package main

import (
	"os"

	"github.com/relieflab/demflow/internal/cmd"
)

// Injected by the linker at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
