// Package config holds the core's runtime configuration: aggression
// thresholds, pipeline sizing, and the metrics/logging knobs every
// subsystem is constructed from (spec §2.3 "Configuration").
package config

import (
	"fmt"
	"time"

	"github.com/parastream/approvaldist/pkg/aggression"
)

// Config is the fully-resolved configuration for one core instance.
type Config struct {
	// Aggression controls escalation thresholds; see pkg/aggression.Config.
	Aggression aggression.Config

	// AggressionTickInterval is how often the dispatcher re-evaluates
	// aggression escalation against the current unfinalized span.
	AggressionTickInterval time.Duration

	// PipelineCompletionBuffer sizes the import pipeline's completion
	// channel; it should comfortably exceed the number of checks that can
	// be in flight at once (one per subject).
	PipelineCompletionBuffer int

	// MetricsListenAddr is where the Prometheus metrics HTTP endpoint
	// listens, e.g. ":9944". Empty disables the endpoint.
	MetricsListenAddr string

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
}

// DefaultConfig returns the configuration the original ships with: L1/L2
// aggression thresholds at 1000/10000 blocks, resend disabled, a
// one-second aggression tick, and info-level logging.
func DefaultConfig() Config {
	return Config{
		Aggression:               aggression.DefaultConfig(),
		AggressionTickInterval:   time.Second,
		PipelineCompletionBuffer: 1024,
		MetricsListenAddr:        ":9944",
		LogLevel:                 "info",
	}
}

// Validate rejects configurations the dispatcher cannot run with.
func (c Config) Validate() error {
	if c.AggressionTickInterval <= 0 {
		return fmt.Errorf("config: aggression tick interval must be positive, got %s", c.AggressionTickInterval)
	}
	if c.PipelineCompletionBuffer <= 0 {
		return fmt.Errorf("config: pipeline completion buffer must be positive, got %d", c.PipelineCompletionBuffer)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.Aggression.L1Threshold != nil && c.Aggression.L2Threshold != nil && *c.Aggression.L1Threshold >= *c.Aggression.L2Threshold {
		return fmt.Errorf("config: L1 threshold (%d) must be below L2 threshold (%d)", *c.Aggression.L1Threshold, *c.Aggression.L2Threshold)
	}
	return nil
}
