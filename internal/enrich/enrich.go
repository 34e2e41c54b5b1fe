// Package enrich defines the description-enrichment collaborator contract
// and the bounded-concurrency executor that drives it over an item table.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Collaborator failure modes. RateLimited calls are retried with backoff;
// Unavailable is fatal for the stage unless pass-through is configured.
var (
	ErrRateLimited = errors.New("enricher rate limited")
	ErrUnavailable = errors.New("enrichment unavailable")
)

// Enricher produces an enriched description from a raw one. Implementations
// wrap external generative models and are expected to block on I/O; the
// executor bounds their concurrency and applies per-call timeouts.
type Enricher interface {
	Enrich(ctx context.Context, description string) (string, error)
}

// Passthrough is an Enricher that returns descriptions unchanged. It is the
// default when no external model is wired in.
type Passthrough struct{}

// Enrich returns the description as-is.
func (Passthrough) Enrich(_ context.Context, description string) (string, error) {
	return description, nil
}

// Duration wraps time.Duration with YAML support for strings like "200ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Options tunes the enrichment executor.
type Options struct {
	// Workers bounds concurrent enricher calls.
	Workers int `yaml:"workers" json:"workers"`
	// MaxRetries bounds retry attempts after the first call.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// CallTimeout caps a single enricher call. A timed-out call is treated
	// as rate limited and retried.
	CallTimeout Duration `yaml:"call_timeout" json:"call_timeout"`
	// RatePerSec paces calls globally across workers. Zero means unpaced.
	RatePerSec float64 `yaml:"rate_per_sec" json:"rate_per_sec"`
	// Passthrough keeps the original description when the enricher reports
	// ErrUnavailable, instead of aborting the stage.
	Passthrough bool `yaml:"passthrough" json:"passthrough"`
}
