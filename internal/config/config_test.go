package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches to dir for the duration of the test, like t.Chdir in
// newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no stray demflow.yaml is found.
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/pool", cfg.PoolDir)
	assert.Equal(t, "data/state", cfg.StateDir)
	assert.Equal(t, "data/output", cfg.OutputDir)
	assert.Equal(t, "regions.yaml", cfg.RegionsFile)
	assert.Equal(t, 0.25, cfg.MinCoverage)
	assert.Equal(t, 2, cfg.ChunkSide)
	assert.Equal(t, 10*time.Second, cfg.LockWait)
	assert.Equal(t, 500*time.Millisecond, cfg.MinSpacing)
	assert.Equal(t, 2*time.Minute, cfg.FetchTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool_dir: /srv/dem/pool
state_dir: /srv/dem/state
output_dir: /srv/dem/out
min_coverage: 0.5
min_spacing: 1s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/dem/pool", cfg.PoolDir)
	assert.Equal(t, "/srv/dem/state", cfg.StateDir)
	assert.Equal(t, 0.5, cfg.MinCoverage)
	assert.Equal(t, time.Second, cfg.MinSpacing)
	// Untouched keys keep defaults.
	assert.Equal(t, 2, cfg.ChunkSide)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DEMFLOW_POOL_DIR", "/env/pool")
	t.Setenv("DEMFLOW_CHUNK_SIDE", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/pool", cfg.PoolDir)
	assert.Equal(t, 1, cfg.ChunkSide)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		PoolDir:      "p",
		StateDir:     "s",
		OutputDir:    "o",
		MinCoverage:  0.25,
		LockWait:     time.Second,
		MinSpacing:   time.Millisecond,
		FetchTimeout: time.Minute,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.MinCoverage = 1.5
	assert.Error(t, bad.Validate())

	bad = base
	bad.PoolDir = ""
	assert.Error(t, bad.Validate())

	bad = base
	bad.LockWait = 0
	assert.Error(t, bad.Validate())
}
