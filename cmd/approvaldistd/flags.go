package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/parastream/approvaldist/pkg/config"
)

const version = "0.1.0"

// parseFlags builds a Config from argv, following the same
// parse-validate-or-exit shape used throughout the rest of this tree's
// command-line entrypoints. exit is true when the caller should stop
// immediately (e.g. -version or -help were given, or flags were invalid);
// code is the process exit code to use in that case.
func parseFlags(args []string, out io.Writer) (cfg config.Config, exit bool, code int) {
	fs := flag.NewFlagSet("approvaldistd", flag.ContinueOnError)
	fs.SetOutput(out)

	cfg = config.DefaultConfig()

	showVersion := fs.Bool("version", false, "print the version and exit")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsListenAddr, "Prometheus metrics listen address (empty disables it)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	aggressionTick := fs.Duration("aggression-tick", cfg.AggressionTickInterval, "how often aggression escalation is re-evaluated")
	l1 := fs.Uint64("aggression-l1-threshold", 1000, "unfinalized span at which locally originated messages escalate to full broadcast")
	l2 := fs.Uint64("aggression-l2-threshold", 10000, "unfinalized span at which every message escalates to the full grid")
	resendPeriod := fs.Uint64("aggression-resend-period", 0, "span multiple at which messages are resent outright; 0 disables resend")
	completionBuffer := fs.Int("pipeline-completion-buffer", cfg.PipelineCompletionBuffer, "import pipeline completion channel buffer size")

	if err := fs.Parse(args); err != nil {
		return cfg, true, 2
	}
	if *showVersion {
		fmt.Fprintf(out, "approvaldistd %s\n", version)
		return cfg, true, 0
	}

	cfg.MetricsListenAddr = *metricsAddr
	cfg.LogLevel = *logLevel
	cfg.AggressionTickInterval = *aggressionTick
	cfg.PipelineCompletionBuffer = *completionBuffer
	cfg.Aggression.L1Threshold = l1
	cfg.Aggression.L2Threshold = l2
	if *resendPeriod > 0 {
		cfg.Aggression.ResendUnfinalizedPeriod = resendPeriod
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "approvaldistd: %v\n", err)
		return cfg, true, 2
	}
	return cfg, false, 0
}
