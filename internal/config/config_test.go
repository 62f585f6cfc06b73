package config

import "testing"

func TestParseWildcardMode(t *testing.T) {
	cfg, err := Parse([]string{
		"--analysis-dir", "/tmp/analysis",
		"-H", "tor.exit.validator.example",
		"--expected-ip", "64.65.4.1",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.NXDOMAINMode {
		t.Error("expected wildcard mode when --expected-ip is set")
	}
}

func TestParseNXDOMAINMode(t *testing.T) {
	cfg, err := Parse([]string{
		"--analysis-dir", "/tmp/analysis",
		"-H", "example-not-controlled.test",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.NXDOMAINMode {
		t.Error("expected NXDOMAIN mode when --expected-ip is unset")
	}
}

func TestParseRequiresAnalysisDir(t *testing.T) {
	_, err := Parse([]string{"-H", "example.test"})
	if err == nil {
		t.Error("expected error when --analysis-dir is missing")
	}
}

func TestParseRequiresBaseDomain(t *testing.T) {
	_, err := Parse([]string{"--analysis-dir", "/tmp/x"})
	if err == nil {
		t.Error("expected error when -H is missing")
	}
}

func TestParseShardSpec(t *testing.T) {
	cfg, err := Parse([]string{
		"--analysis-dir", "/tmp/x",
		"-H", "example.test",
		"--shard", "1/4",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Select.Shard == nil || cfg.Select.Shard.N != 1 || cfg.Select.Shard.M != 4 {
		t.Errorf("expected shard 1/4, got %+v", cfg.Select.Shard)
	}
}

func TestParseRejectsBadShard(t *testing.T) {
	_, err := Parse([]string{
		"--analysis-dir", "/tmp/x",
		"-H", "example.test",
		"--shard", "4/4",
	})
	if err == nil {
		t.Error("expected error for N >= M shard spec")
	}
}

func TestParseRejectsConflictingExitFlags(t *testing.T) {
	_, err := Parse([]string{
		"--analysis-dir", "/tmp/x",
		"-H", "example.test",
		"--all-exits",
		"--bad-exits",
	})
	if err == nil {
		t.Error("expected error for mutually exclusive --all-exits/--bad-exits")
	}
}
