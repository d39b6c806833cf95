// Command approvaldistd runs the approval distribution core as a
// standalone process. In a full validator node the Overseer, Network
// Bridge, and Verifier collaborators are wired in by the embedding
// process; this binary wires a minimal loopback demo implementation of
// each so the dispatcher can be smoke-tested end to end without a live
// network or a real approval-voting subsystem.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parastream/approvaldist/pkg/aggression"
	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/dispatch"
	applog "github.com/parastream/approvaldist/pkg/log"
	"github.com/parastream/approvaldist/pkg/metrics"
	"github.com/parastream/approvaldist/pkg/pipeline"
	"github.com/parastream/approvaldist/pkg/reputation"
	"github.com/parastream/approvaldist/pkg/router"
	"github.com/parastream/approvaldist/pkg/store"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out *os.File) int {
	cfg, exit, code := parseFlags(args, out)
	if exit {
		return code
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		applog.SetDefault(applog.New(level))
	}
	logger := applog.Default().Module("cmd")
	logger.Info("starting approvaldistd", "metrics_addr", cfg.MetricsListenAddr)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer server.Close()
	}

	st := store.New(m)
	topo := topology.NewRegistry()
	bridge := &loopbackBridge{logger: logger.Module("bridge")}
	reporter := reputation.NewReporter(bridge, st.RecentlyOutdated(), func(change collab.ReputationChange) {
		m.ReputationChanges.WithLabelValues(change.Code).Inc()
	})
	rng := topology.NewRNG(1, 2)
	r := router.New(st, topo, rng, bridge, reporter)
	agg := aggression.New(cfg.Aggression, st, r)
	pipe := pipeline.New(loopbackVerifier{}, cfg.PipelineCompletionBuffer)

	overseer := make(chan collab.OverseerMessage)
	d := dispatch.New(dispatch.Deps{
		Store: st, Topology: topo, Pipeline: pipe, Router: r, Aggression: agg,
		Reporter: reporter, Metrics: m, Logger: applog.Default(),
		Overseer: overseer, AggressionInterval: cfg.AggressionTickInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		close(overseer)
		if err := <-runErr; err != nil && err != context.Canceled {
			logger.Error("dispatcher exited", "err", err)
			return 1
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("dispatcher exited", "err", err)
			return 1
		}
	}
	logger.Info("approvaldistd stopped")
	return 0
}

// loopbackBridge logs every send/report instead of touching a real
// network; it exists so this binary can run standalone for smoke testing.
type loopbackBridge struct {
	logger *applog.Logger
}

func (b *loopbackBridge) SendValidationMessage(peers []collab.PeerID, payload collab.V1Payload) {
	b.logger.Debug("send", "peers", fmt.Sprint(peers))
}

func (b *loopbackBridge) ReportPeer(peer collab.PeerID, change collab.ReputationChange) {
	b.logger.Debug("report peer", "peer", peer, "code", change.Code)
}

// loopbackVerifier accepts every assignment and approval unconditionally;
// real cryptographic verification is the approval-voting collaborator's
// job, outside this core's scope.
type loopbackVerifier struct{}

func (loopbackVerifier) CheckAndImportAssignment(ctx context.Context, cert collab.IndirectAssignmentCert, idx subject.CandidateIndex) (collab.AssignmentCheckResult, error) {
	return collab.Accepted, nil
}

func (loopbackVerifier) CheckAndImportApproval(ctx context.Context, vote collab.IndirectSignedApprovalVote) (collab.ApprovalCheckResult, error) {
	return collab.ApprovalAccepted, nil
}
