// Package config defines the scan engine's configuration surface:
// the CLI flags spec.md §6 says the engine consumes, plus flags for
// the operational knobs (timeouts, retry caps, concurrency), each with
// a documented default. Grounded on the upstream Tor client's config package,
// trimmed to this domain and to flag-based construction only — the
// torrc-file dialect the teacher also supports has no role here
// (see DESIGN.md).
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/relay"
)

// Config is the full, validated configuration for one scan run.
type Config struct {
	AnalysisDir string

	// Probe target, see spec.md §6.
	BaseDomain   string // used in both modes
	ExpectedIP   string // non-empty => wildcard mode; empty => NXDOMAIN mode
	NXDOMAINMode bool

	// Relay selection, see spec.md §4.3.
	Select relay.SelectOptions

	// First hop / pacing, see spec.md §4.6.
	FirstHop   string
	BuildDelay time.Duration
	DelayNoise time.Duration

	// Retry caps and timeouts, see spec.md §4.5, §5.
	CircuitRetries    int
	TimeoutRetries    int
	QueryTimeout      time.Duration
	HardProbeTimeout  time.Duration
	MaxInFlight       int

	// Control/SOCKS endpoints of the local Tor process (external
	// collaborator per spec.md §1; this engine only dials them).
	ControlAddr string
	SocksAddr   string

	LogLevel   string
	DebugGops  bool
}

// Default returns the documented defaults for every knob not
// otherwise overridden by a flag, matching spec.md's stated defaults.
func Default() Config {
	return Config{
		BuildDelay:       2 * time.Second,
		DelayNoise:       500 * time.Millisecond,
		CircuitRetries:   2,
		TimeoutRetries:   1,
		QueryTimeout:     10 * time.Second,
		HardProbeTimeout: 180 * time.Second,
		MaxInFlight:      10,
		ControlAddr:      "127.0.0.1:9051",
		SocksAddr:        "127.0.0.1:9050",
		LogLevel:         "info",
	}
}

// Parse builds a Config from CLI args using the flag surface spec.md
// §6 names. It does not call flag.Parse() on the global flag.CommandLine,
// so it is safe to call from tests.
func Parse(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("dnshealth-scan", flag.ContinueOnError)

	fs.StringVar(&cfg.AnalysisDir, "analysis-dir", "", "directory for per-relay artifacts and the run report (required)")
	fs.StringVar(&cfg.BaseDomain, "H", "", "probe base domain (required; NXDOMAIN mode unless --expected-ip is set)")
	fs.StringVar(&cfg.ExpectedIP, "expected-ip", "", "wildcard-mode expected IPv4 literal")
	fs.StringVar(&cfg.Select.Fingerprint, "e", "", "restrict scan to one relay fingerprint")
	fs.StringVar(&cfg.Select.FingerprintFile, "E", "", "restrict scan to fingerprints listed in FILE")
	fs.StringVar(&cfg.Select.Country, "C", "", "restrict scan to relays in country code CC")
	fs.BoolVar(&cfg.Select.AllExits, "all-exits", false, "include BadExit relays")
	fs.BoolVar(&cfg.Select.BadExitsOnly, "bad-exits", false, "select only BadExit relays")
	fs.StringVar(&cfg.FirstHop, "first-hop", "", "fingerprint to use as first hop for every circuit")
	fs.DurationVar(&cfg.BuildDelay, "build-delay", cfg.BuildDelay, "minimum delay between circuit builds")
	fs.DurationVar(&cfg.DelayNoise, "delay-noise", cfg.DelayNoise, "uniform +/- jitter applied to build-delay")
	var shard string
	fs.StringVar(&shard, "shard", "", "N/M shard specification, e.g. 0/4")
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "Tor control port address")
	fs.StringVar(&cfg.SocksAddr, "socks-addr", cfg.SocksAddr, "Tor SOCKS port address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.BoolVar(&cfg.DebugGops, "debug-gops", false, "start a github.com/google/gops agent for runtime introspection")
	fs.IntVar(&cfg.MaxInFlight, "max-inflight", cfg.MaxInFlight, "maximum circuits built but not yet probed")
	fs.IntVar(&cfg.CircuitRetries, "circuit-retries", cfg.CircuitRetries, "retries for circuit-class outcomes")
	fs.IntVar(&cfg.TimeoutRetries, "timeout-retries", cfg.TimeoutRetries, "retries for timeout outcomes")
	fs.DurationVar(&cfg.QueryTimeout, "query-timeout", cfg.QueryTimeout, "per-SOCKS-exchange timeout")
	fs.DurationVar(&cfg.HardProbeTimeout, "hard-probe-timeout", cfg.HardProbeTimeout, "hard cap on all attempts for one relay")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if shard != "" {
		spec, err := parseShard(shard)
		if err != nil {
			return Config{}, err
		}
		cfg.Select.Shard = &spec
	}

	cfg.NXDOMAINMode = cfg.BaseDomain != "" && cfg.ExpectedIP == ""
	if cfg.BaseDomain == "" {
		return Config{}, fmt.Errorf("config: -H (base domain) is required")
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants Parse's flag wiring cannot express on its
// own (e.g. mutually exclusive selection flags).
func (c Config) Validate() error {
	if c.AnalysisDir == "" {
		return fmt.Errorf("config: --analysis-dir is required")
	}
	if c.Select.AllExits && c.Select.BadExitsOnly {
		return fmt.Errorf("config: --all-exits and --bad-exits are mutually exclusive")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: --max-inflight must be positive")
	}
	return nil
}

func parseShard(s string) (relay.ShardSpec, error) {
	var n, m int
	if _, err := fmt.Sscanf(s, "%d/%d", &n, &m); err != nil {
		return relay.ShardSpec{}, fmt.Errorf("config: invalid --shard %q, want N/M: %w", s, err)
	}
	if m <= 0 || n < 0 || n >= m {
		return relay.ShardSpec{}, fmt.Errorf("config: invalid --shard %q: need 0 <= N < M", s)
	}
	return relay.ShardSpec{N: n, M: m}, nil
}
