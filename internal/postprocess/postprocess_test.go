package postprocess

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/artifact"
	"github.com/opd-ai/dnshealth-scan/internal/classify"
	"github.com/opd-ai/dnshealth-scan/internal/report"
)

func resultFor(fingerprint string, o classify.Outcome) artifact.Result {
	return artifact.FromOutcome("20260801000000", fingerprint, "Relay"+fingerprint, "203.0.113.1", time.Now(), o, 5*time.Millisecond, false)
}

func streakOf(t *testing.T, results []artifact.Result, fingerprint string) int {
	t.Helper()
	for _, r := range results {
		if r.Fingerprint == fingerprint {
			if r.ConsecutiveFailures == nil {
				t.Fatalf("consecutive_failures not set for %s", fingerprint)
			}
			return *r.ConsecutiveFailures
		}
	}
	t.Fatalf("no result for %s", fingerprint)
	return -1
}

func TestApplyNoPreviousReport(t *testing.T) {
	current := report.Report{Results: []artifact.Result{
		resultFor("AAAA", classify.FromSocksSuccess(net.ParseIP("64.65.4.1"), "64.65.4.1")),
		resultFor("BBBB", classify.NewCircuitFailed("boom")),
	}}

	out := Apply(current, nil)

	if streakOf(t, out.Results, "AAAA") != 0 {
		t.Error("success should have streak 0")
	}
	if streakOf(t, out.Results, "BBBB") != 1 {
		t.Error("first-ever failure should have streak 1")
	}
	if len(out.Failures) != 1 || out.Failures[0].Fingerprint != "BBBB" {
		t.Errorf("got failures %+v", out.Failures)
	}
	if out.FailuresByAddress["203.0.113.1"] != 1 {
		t.Errorf("got failures_by_address %+v", out.FailuresByAddress)
	}
}

func TestApplyExtendsStreakAcrossRuns(t *testing.T) {
	two := 2
	previous := &report.Report{Results: []artifact.Result{
		{Fingerprint: "BBBB", OK: false, ConsecutiveFailures: &two},
	}}
	current := report.Report{Results: []artifact.Result{
		resultFor("BBBB", classify.NewCircuitFailed("boom again")),
	}}

	out := Apply(current, previous)

	if streakOf(t, out.Results, "BBBB") != 3 {
		t.Errorf("expected streak extended to 3, got %d", streakOf(t, out.Results, "BBBB"))
	}
}

func TestApplyResetsStreakAfterSuccess(t *testing.T) {
	three := 3
	previous := &report.Report{Results: []artifact.Result{
		{Fingerprint: "CCCC", OK: false, ConsecutiveFailures: &three},
	}}
	current := report.Report{Results: []artifact.Result{
		resultFor("CCCC", classify.FromSocksSuccess(net.ParseIP("64.65.4.1"), "64.65.4.1")),
	}}

	out := Apply(current, previous)

	if streakOf(t, out.Results, "CCCC") != 0 {
		t.Errorf("expected streak reset to 0 after success, got %d", streakOf(t, out.Results, "CCCC"))
	}
}

func TestApplyPreviousSuccessStartsNewStreakAtOne(t *testing.T) {
	zero := 0
	previous := &report.Report{Results: []artifact.Result{
		{Fingerprint: "DDDD", OK: true, ConsecutiveFailures: &zero},
	}}
	current := report.Report{Results: []artifact.Result{
		resultFor("DDDD", classify.NewCircuitFailed("new failure")),
	}}

	out := Apply(current, previous)

	if streakOf(t, out.Results, "DDDD") != 1 {
		t.Errorf("expected fresh streak of 1 after a prior success, got %d", streakOf(t, out.Results, "DDDD"))
	}
}
