// Package report implements the Run Reporter of spec.md §4.7: it
// drains every per-relay artifact written during a scan, computes the
// run-level summary, and writes the single run report file. It uses
// the same write-temp-then-rename idiom as internal/artifact, grounded
// on the upstream pack's pkg/path atomic state-file save.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/artifact"
)

// Metadata is the run-level summary computed over every artifact in
// Report.Results, per spec.md §4.7's aggregation rules.
type Metadata struct {
	Total           int            `json:"total"`
	Passed          int            `json:"passed"`
	Failed          int            `json:"failed"`
	ByFailType      map[string]int `json:"by_fail_type"`
	PassRatePercent float64        `json:"pass_rate_percent"`
}

// Report is the document written to dnshealth_<run_id>.json.
type Report struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Metadata  Metadata          `json:"metadata"`
	Results   []artifact.Result `json:"results"`

	// Failures and FailuresByAddress are populated by the
	// post-processor, whether or not a previous run's report is
	// available. Both are omitted when no relay failed.
	Failures          []artifact.Result `json:"failures,omitempty"`
	FailuresByAddress map[string]int    `json:"failures_by_address,omitempty"`
}

// Path returns the run report's file path under dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("dnshealth_%s.json", runID))
}

// Build drains every result_*.json artifact from dir via
// artifact.ReadAndRemove and assembles the run report. Malformed
// artifacts are logged by the caller (parseErrors is returned,
// unchanged, for that purpose) and excluded from the summary.
func Build(dir, runID string, startedAt, endedAt time.Time) (Report, []error, error) {
	results, parseErrors, err := artifact.ReadAndRemove(dir)
	if err != nil {
		return Report{}, nil, fmt.Errorf("report: draining artifacts: %w", err)
	}

	return Report{
		RunID:     runID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Metadata:  summarize(results),
		Results:   results,
	}, parseErrors, nil
}

func summarize(results []artifact.Result) Metadata {
	m := Metadata{ByFailType: make(map[string]int)}
	m.Total = len(results)
	for _, r := range results {
		if r.OK {
			m.Passed++
			continue
		}
		m.Failed++
		if r.FailType != "" {
			m.ByFailType[r.FailType]++
		}
	}
	if m.Total > 0 {
		m.PassRatePercent = math.Round(float64(m.Passed)/float64(m.Total)*10000) / 100
	}
	return m
}

// Write atomically persists r to its canonical path under dir.
func Write(dir string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshaling %s: %w", r.RunID, err)
	}

	path := Path(dir, r.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("report: writing temp file for %s: %w", r.RunID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("report: renaming temp file for %s: %w", r.RunID, err)
	}
	return nil
}

// Read loads a previously written report, used by the post-processor
// to establish cross-run continuity.
func Read(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("report: reading %s: %w", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("report: parsing %s: %w", path, err)
	}
	return r, nil
}
