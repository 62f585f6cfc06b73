// Package artifact reads and writes per-relay Probe Result files:
// result_{FINGERPRINT}.json under the run's analysis directory. Writes
// follow the upstream pack's write-temp-then-rename idiom (see
// pkg/path.GuardManager.Save) so a killed worker never leaves a
// half-written file for the reporter to trip over.
package artifact

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/classify"
)

// Result is the JSON shape of one Probe Result, per the data model's
// field presence invariant: ok=true carries no fail_* fields, ok=false
// carries all three.
type Result struct {
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname"`
	Address     string `json:"address"`
	Timestamp   string `json:"timestamp"`
	RunID       string `json:"run_id"`
	OK          bool   `json:"ok"`

	ResolvedIP *string `json:"resolved_ip,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`

	FailType   string `json:"fail_type,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	// ConsecutiveFailures is only populated by the post-processor; a
	// freshly written artifact never carries it.
	ConsecutiveFailures *int `json:"consecutive_failures,omitempty"`
}

const maxErrorLen = 200

// FromOutcome builds the Result the probe worker writes for one
// relay, given the final classified outcome of its last attempt and
// the latency of that attempt.
func FromOutcome(runID, fingerprint, nickname, address string, now time.Time, o classify.Outcome, latency time.Duration, nxdomainMode bool) Result {
	r := Result{
		Fingerprint: fingerprint,
		Nickname:    nickname,
		Address:     address,
		Timestamp:   now.UTC().Format(time.RFC3339),
		RunID:       runID,
		OK:          o.Kind == classify.KindSuccess,
	}

	ms := latency.Milliseconds()
	r.LatencyMs = &ms

	if r.OK {
		r.ResolvedIP = resolvedIPString(o.IP, nxdomainMode)
		return r
	}

	r.FailType = failTypeString(o.Kind)
	r.FailReason = string(o.Reason)
	if r.FailReason == "" {
		// Timeout and bug outcomes have no finer reason; repeating the
		// fail_type keeps fail_reason present on every failure.
		r.FailReason = r.FailType
	}
	r.Error = truncate(o.Error(), maxErrorLen)
	return r
}

func resolvedIPString(ip net.IP, nxdomainMode bool) *string {
	if ip == nil {
		if nxdomainMode {
			s := "NXDOMAIN"
			return &s
		}
		return nil
	}
	s := ip.String()
	return &s
}

func failTypeString(k classify.Kind) string {
	switch k {
	case classify.KindDNS:
		return "dns"
	case classify.KindCircuit:
		return "circuit"
	case classify.KindTimeout:
		return "timeout"
	case classify.KindBug:
		return "bug"
	default:
		return "bug"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Path returns the artifact path for fingerprint under dir.
func Path(dir, fingerprint string) string {
	return filepath.Join(dir, fmt.Sprintf("result_%s.json", fingerprint))
}

// Write atomically writes r to its artifact path under dir.
func Write(dir string, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("artifact: marshal %s: %w", r.Fingerprint, err)
	}

	dst := Path(dir, r.Fingerprint)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("artifact: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("artifact: rename %s: %w", tmp, err)
	}
	return nil
}

// ReadAndRemove reads and parses every result_*.json in dir, deleting
// each as it is consumed. Files that fail to parse are logged by the
// caller (via the returned parseErrors slice) and skipped, per spec
// section on reporter parse-error handling.
func ReadAndRemove(dir string) (results []Result, parseErrors []error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "result_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		full := filepath.Join(dir, name)
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			parseErrors = append(parseErrors, fmt.Errorf("artifact: read %s: %w", name, readErr))
			continue
		}
		var r Result
		if unmarshalErr := json.Unmarshal(data, &r); unmarshalErr != nil {
			parseErrors = append(parseErrors, fmt.Errorf("artifact: parse %s: %w", name, unmarshalErr))
			os.Remove(full)
			continue
		}
		results = append(results, r)
		os.Remove(full)
	}
	return results, parseErrors, nil
}
