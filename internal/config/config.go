// Package config provides configuration management for stocktake.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/stocktake/internal/classify"
	"github.com/thebtf/stocktake/internal/enrich"
	"github.com/thebtf/stocktake/pkg/clustering"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// Defaults for the pipeline configuration surface.
const (
	DefaultOutputDir     = "out"
	DefaultCheckpointDir = "out/checkpoints"
	DefaultSourceKind    = "csv"
)

// Input describes where the raw catalog comes from.
type Input struct {
	// Path is the catalog file (CSV or SQLite database, per Source).
	Path string `yaml:"path"`
	// Source selects the data source adapter: "csv" or "sqlite".
	Source string `yaml:"source"`
	// Table is the item table name for the sqlite source.
	Table string `yaml:"table"`
}

// Config is the full configuration for one pipeline run. It is passed
// explicitly into the runner; there is no ambient mutable state.
type Config struct {
	Input         Input  `yaml:"input"`
	OutputDir     string `yaml:"output_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	// StatusAddr enables the local status endpoint when non-empty,
	// e.g. "127.0.0.1:8600".
	StatusAddr string `yaml:"status_addr"`

	// Stage-enable flags. A disabled stage is skipped entirely; its old
	// checkpoint is neither consulted nor invalidated.
	Enrich    bool `yaml:"enrich"`
	Cluster   bool `yaml:"cluster"`
	Visualize bool `yaml:"visualize"`
	// Force re-executes every configured stage regardless of checkpoint
	// freshness. Normally set via the CLI flag rather than the file.
	Force bool `yaml:"force"`

	Similarity similarity.Config `yaml:"similarity"`
	Clustering clustering.Params `yaml:"clustering"`
	Enricher   enrich.Options    `yaml:"enricher"`
	Rules      []classify.Rule   `yaml:"rules"`
}

// Default returns the configuration with standard tuning.
func Default() *Config {
	return &Config{
		Input:         Input{Source: DefaultSourceKind, Table: "items"},
		OutputDir:     DefaultOutputDir,
		CheckpointDir: DefaultCheckpointDir,
		Enrich:        true,
		Cluster:       true,
		Similarity:    similarity.DefaultConfig(),
		Clustering:    clustering.DefaultParams(),
		Enricher: enrich.Options{
			Workers:        4,
			MaxRetries:     3,
			InitialBackoff: enrich.Duration(200 * time.Millisecond),
			CallTimeout:    enrich.Duration(10 * time.Second),
			RatePerSec:     8,
			Passthrough:    true,
		},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-parameter constraints.
func (c *Config) Validate() error {
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	switch c.Input.Source {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("input.source must be csv or sqlite, got %q", c.Input.Source)
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		return fmt.Errorf("similarity.threshold must be in [0,1], got %v", c.Similarity.Threshold)
	}
	if c.Clustering.Eps < 0 || c.Clustering.Eps > 1 {
		return fmt.Errorf("clustering.eps must be in [0,1], got %v", c.Clustering.Eps)
	}
	// The density pass reads neighborhoods off the sparse edge set, so every
	// pair within eps must have been materialized by the similarity stage.
	if c.Cluster && c.Similarity.Threshold > 1-c.Clustering.Eps {
		return fmt.Errorf("similarity.threshold (%v) must be <= 1 - clustering.eps (%v) for the density pass to see all neighbors",
			c.Similarity.Threshold, 1-c.Clustering.Eps)
	}
	if c.Clustering.MinSamples < 1 {
		return fmt.Errorf("clustering.min_samples must be >= 1, got %d", c.Clustering.MinSamples)
	}
	return nil
}
