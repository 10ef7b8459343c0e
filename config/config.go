// Package config handles loon.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a loon.toml engine configuration.
type Config struct {
	Engine      Engine      `toml:"engine"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Metrics     Metrics     `toml:"metrics"`

	// Dir is the directory containing the loon.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures interpreter behavior.
type Engine struct {
	CollectStats bool `toml:"collect-stats"`
	HydrateEager bool `toml:"hydrate-eager"`
	VerifyImages bool `toml:"verify-images"`
}

// Diagnostics configures logging and stats persistence.
type Diagnostics struct {
	// StatsDB is the SQLite database path for persisted stats
	// snapshots; empty disables persistence.
	StatsDB   string `toml:"stats-db"`
	Verbosity int    `toml:"verbosity"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	// Addr is the listen address for the metrics endpoint; empty
	// disables the listener.
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// Default returns the configuration used when no loon.toml exists.
func Default() *Config {
	return &Config{Metrics: Metrics{Namespace: "loon"}}
}

// Load parses a loon.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "loon.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "loon"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a loon.toml file, then
// loads and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "loon.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StatsDBPath returns the absolute stats database path, or empty when
// persistence is disabled.
func (c *Config) StatsDBPath() string {
	if c.Diagnostics.StatsDB == "" {
		return ""
	}
	if filepath.IsAbs(c.Diagnostics.StatsDB) {
		return c.Diagnostics.StatsDB
	}
	return filepath.Join(c.Dir, c.Diagnostics.StatsDB)
}
