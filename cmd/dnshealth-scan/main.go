// Command dnshealth-scan builds two-hop Tor circuits through every
// selected exit relay, issues a SOCKS RESOLVE DNS query through each,
// and writes a run report summarizing which relays answered correctly.
// See spec.md for the full behavior; this file only wires the pieces
// together the way the upstream pack's cmd/tor-client wires its
// client, config, and logger packages.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/dnshealth-scan/internal/config"
	"github.com/opd-ai/dnshealth-scan/internal/engine"
	"github.com/opd-ai/dnshealth-scan/internal/logx"
	"github.com/opd-ai/dnshealth-scan/internal/metrics"
	"github.com/opd-ai/dnshealth-scan/internal/postprocess"
	"github.com/opd-ai/dnshealth-scan/internal/relay"
	"github.com/opd-ai/dnshealth-scan/internal/report"
	"github.com/opd-ai/dnshealth-scan/internal/runctx"
	"github.com/opd-ai/dnshealth-scan/internal/torcontrol"
	"github.com/opd-ai/dnshealth-scan/internal/torerr"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnshealth-scan: %v\n", err)
		os.Exit(1)
	}

	log := logx.New(logx.ParseLevel(cfg.LogLevel), os.Stderr)
	log.Info("starting dnshealth-scan", "version", version, "build_time", buildTime)

	if cfg.DebugGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warn("failed to start gops agent, continuing without it", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received shutdown signal, draining in-flight probes")
		cancel()
	}()

	code := run(ctx, cfg, log)
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, log *logx.Logger) int {
	run := runctx.New(time.Now())
	log = log.Run(run.ID)

	if err := os.MkdirAll(cfg.AnalysisDir, 0o700); err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryAnalysisDir, "creating analysis directory", err))
	}

	if err := selfCheckSocks(ctx, cfg.SocksAddr); err != nil {
		log.Warn("Tor SOCKS self-check failed, proceeding anyway", "addr", cfg.SocksAddr, "error", err)
	}

	consensusFile, err := os.Open(consensusPath(cfg))
	if err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryConsensus, "opening consensus document", err))
	}
	defer consensusFile.Close()

	consensus, err := relay.ParseConsensus(consensusFile)
	if err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryConsensus, "parsing consensus document", err))
	}

	selected, err := relay.Select(consensus, cfg.Select)
	if err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryConsensus, "selecting relays", err))
	}
	if len(selected) == 0 {
		log.Warn("no relays matched the selection criteria, nothing to do")
	}

	control, err := torcontrol.Dial(ctx, cfg.ControlAddr)
	if err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryControl, "dialing Tor control port", err))
	}
	defer control.Close()

	if err := control.Authenticate(ctx, ""); err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryControl, "authenticating to Tor control port", err))
	}
	if err := control.WatchCircuitEvents(ctx); err != nil {
		return fatal(log, torerr.Wrap(torerr.CategoryControl, "subscribing to circuit events", err))
	}

	m := metrics.New()
	e := engine.New(cfg, control, consensus, run, log, m)
	go e.DispatchEvents()

	if err := e.RunSelected(ctx, selected); err != nil {
		log.Error("scan run failed", "error", err)
		return 1
	}

	snap := m.Snapshot()
	log.Info("scan complete",
		"circuit_builds", snap.CircuitBuilds,
		"circuit_build_failures", snap.CircuitBuildFailure,
		"probe_retries", snap.ProbeRetries,
	)

	rep, parseErrors, err := report.Build(cfg.AnalysisDir, run.ID, run.StartWall, time.Now())
	if err != nil {
		log.Error("failed to build run report", "error", err)
		return 1
	}
	for _, pe := range parseErrors {
		log.Warn("skipped malformed artifact", "error", pe)
	}

	if prevPath := previousReportPath(cfg.AnalysisDir, run.ID); prevPath != "" {
		prev, err := report.Read(prevPath)
		if err != nil {
			log.Warn("failed to read previous report, skipping continuity pass", "path", prevPath, "error", err)
			rep = postprocess.Apply(rep, nil)
		} else {
			rep = postprocess.Apply(rep, &prev)
		}
	} else {
		rep = postprocess.Apply(rep, nil)
	}

	if err := report.Write(cfg.AnalysisDir, rep); err != nil {
		log.Error("failed to write run report", "error", err)
		return 1
	}

	fmt.Printf("total=%d passed=%d failed=%d pass_rate=%.2f%% report=%s\n",
		rep.Metadata.Total, rep.Metadata.Passed, rep.Metadata.Failed,
		rep.Metadata.PassRatePercent, report.Path(cfg.AnalysisDir, run.ID))
	return 0
}

// fatal logs a structured setup error and returns the process exit
// code for it. Every error reaching here is, by construction,
// fatal (Category/Severity describe why, not whether).
func fatal(log *logx.Logger, err *torerr.ScanError) int {
	log.Error(err.Message, "category", err.Category, "severity", err.Severity, "error", err.Unwrap())
	if torerr.IsFatal(err) {
		return 1
	}
	return 0
}

// selfCheckSocks opens one ordinary (non-isolated, non-RESOLVE)
// connection through Tor's SOCKS listener before the scan begins, the
// same proxy.SOCKS5 dialer construction the upstream pack's
// pkg/helpers HTTP client uses. It only ever warns: a failure here
// usually means the self-check target is itself unreachable over Tor,
// not that every relay's circuit will fail, so it must never gate the
// scan the way the control/consensus setup errors do.
func selfCheckSocks(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{})
	if err != nil {
		return fmt.Errorf("constructing SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(dialCtx, "tcp", "check.torproject.org:443")
	if err != nil {
		return fmt.Errorf("dialing through Tor: %w", err)
	}
	return conn.Close()
}

// consensusPath resolves the on-disk consensus document dnshealth-scan
// reads relay descriptors from. Fetching a fresh consensus from the
// directory authorities is an external collaborator's job (see
// spec.md §1); this engine only ever reads the cached copy Tor itself
// maintains.
func consensusPath(cfg config.Config) string {
	if p := os.Getenv("DNSHEALTH_CONSENSUS_PATH"); p != "" {
		return p
	}
	return "/var/lib/tor/cached-consensus"
}

// previousReportPath finds the most recently written run report under
// dir other than the one for runID, used as the continuity baseline
// for the post-processor. Returns "" when none exists.
func previousReportPath(dir, runID string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) < len("dnshealth_.json") || name[:len("dnshealth_")] != "dnshealth_" {
			continue
		}
		if name == fmt.Sprintf("dnshealth_%s.json", runID) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = name
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return ""
	}
	return dir + string(os.PathSeparator) + best
}
