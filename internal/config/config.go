// Package config loads the process configuration from file, environment
// and defaults via viper.
//
// Resolution order: explicit --config path, then demflow.yaml in the
// working directory, then $HOME/.config/demflow/, then environment
// variables with the DEMFLOW_ prefix (e.g. DEMFLOW_POOL_DIR), then
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved process configuration.
type Config struct {
	// PoolDir is the shared tile pool root.
	PoolDir string `mapstructure:"pool_dir"`

	// StateDir holds backoff state and per-region pipeline artifacts.
	StateDir string `mapstructure:"state_dir"`

	// OutputDir receives published artifacts and the region manifest.
	OutputDir string `mapstructure:"output_dir"`

	// RegionsFile is the region metadata table.
	RegionsFile string `mapstructure:"regions_file"`

	// BoundariesDir holds GeoJSON boundary geometries.
	BoundariesDir string `mapstructure:"boundaries_dir"`

	// MinCoverage is the minimum fraction of a region's grid cover
	// that must hold data.
	MinCoverage float64 `mapstructure:"min_coverage"`

	// ChunkSide caps how many adjacent cells travel in one request.
	ChunkSide int `mapstructure:"chunk_side"`

	// LockWait bounds advisory lock acquisition.
	LockWait time.Duration `mapstructure:"lock_wait"`

	// MinSpacing is the minimum delay between requests to one source.
	MinSpacing time.Duration `mapstructure:"min_spacing"`

	// FetchTimeout bounds one fetch attempt.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// SourceToken authenticates against sources that require it.
	SourceToken string `mapstructure:"source_token"`

	// ListenAddr is the serve command's bind address.
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load resolves the configuration. path may be empty to use the search
// locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("demflow")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/demflow")
	}

	v.SetEnvPrefix("DEMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file in the search locations falls back to env +
		// defaults; an explicit --config path must exist, and a
		// malformed file is always an error.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool_dir", "data/pool")
	v.SetDefault("state_dir", "data/state")
	v.SetDefault("output_dir", "data/output")
	v.SetDefault("regions_file", "regions.yaml")
	v.SetDefault("boundaries_dir", "boundaries")
	v.SetDefault("min_coverage", 0.25)
	v.SetDefault("chunk_side", 2)
	v.SetDefault("lock_wait", "10s")
	v.SetDefault("min_spacing", "500ms")
	v.SetDefault("fetch_timeout", "2m")
	v.SetDefault("listen_addr", "127.0.0.1:8080")
}

// Validate rejects configurations no run could use.
func (c *Config) Validate() error {
	if c.PoolDir == "" {
		return fmt.Errorf("config: pool_dir is empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output_dir is empty")
	}
	if c.MinCoverage < 0 || c.MinCoverage > 1 {
		return fmt.Errorf("config: min_coverage %v outside [0,1]", c.MinCoverage)
	}
	if c.ChunkSide < 0 {
		return fmt.Errorf("config: chunk_side must not be negative")
	}
	if c.LockWait <= 0 || c.MinSpacing <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("config: lock_wait, min_spacing and fetch_timeout must be positive")
	}
	return nil
}
