package artifact

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/classify"
)

func TestFromOutcomeSuccessWildcard(t *testing.T) {
	o := classify.FromSocksSuccess(net.ParseIP("64.65.4.1"), "64.65.4.1")
	r := FromOutcome("20260801000000", "AAAA", "RelayA", "203.0.113.1", time.Now(), o, 120*time.Millisecond, false)

	if !r.OK {
		t.Fatal("expected ok=true")
	}
	if r.ResolvedIP == nil || *r.ResolvedIP != "64.65.4.1" {
		t.Errorf("got resolved_ip %v, want 64.65.4.1", r.ResolvedIP)
	}
	if r.FailType != "" || r.FailReason != "" || r.Error != "" {
		t.Error("expected no fail_* fields on success")
	}
	if r.LatencyMs == nil || *r.LatencyMs != 120 {
		t.Errorf("got latency_ms %v, want 120", r.LatencyMs)
	}
}

func TestFromOutcomeWrongIP(t *testing.T) {
	o := classify.FromSocksSuccess(net.ParseIP("93.184.216.34"), "64.65.4.1")
	r := FromOutcome("20260801000000", "AAAA", "RelayA", "203.0.113.1", time.Now(), o, 50*time.Millisecond, false)

	if r.OK {
		t.Fatal("expected ok=false")
	}
	if r.FailType != "dns" || r.FailReason != "wrong_ip" {
		t.Errorf("got fail_type=%q fail_reason=%q", r.FailType, r.FailReason)
	}
	if r.Error == "" {
		t.Error("expected non-empty error")
	}
}

func TestFromOutcomeNXDOMAINSentinel(t *testing.T) {
	o := classify.FromSocksNXDOMAIN("")
	r := FromOutcome("20260801000000", "AAAA", "RelayA", "203.0.113.1", time.Now(), o, 10*time.Millisecond, true)

	if !r.OK {
		t.Fatal("expected ok=true in NXDOMAIN mode")
	}
	if r.ResolvedIP == nil || *r.ResolvedIP != "NXDOMAIN" {
		t.Errorf("got resolved_ip %v, want NXDOMAIN sentinel", r.ResolvedIP)
	}
}

func TestWriteAndReadAndRemove(t *testing.T) {
	dir := t.TempDir()
	o := classify.FromSocksSuccess(net.ParseIP("64.65.4.1"), "64.65.4.1")
	r := FromOutcome("20260801000000", "AAAA", "RelayA", "203.0.113.1", time.Now(), o, 5*time.Millisecond, false)

	if err := Write(dir, r); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(Path(dir, "AAAA")); err != nil {
		t.Fatalf("expected artifact file to exist: %v", err)
	}

	results, parseErrors, err := ReadAndRemove(dir)
	if err != nil {
		t.Fatalf("ReadAndRemove: %v", err)
	}
	if len(parseErrors) != 0 {
		t.Errorf("unexpected parse errors: %v", parseErrors)
	}
	if len(results) != 1 || results[0].Fingerprint != "AAAA" {
		t.Errorf("got results %+v", results)
	}
	if _, err := os.Stat(Path(dir, "AAAA")); !os.IsNotExist(err) {
		t.Error("expected artifact to be removed after ReadAndRemove")
	}
}

func TestReadAndRemoveSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "result_BAD.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, parseErrors, err := ReadAndRemove(dir)
	if err != nil {
		t.Fatalf("ReadAndRemove: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
	if len(parseErrors) != 1 {
		t.Errorf("expected 1 parse error, got %d", len(parseErrors))
	}
}
