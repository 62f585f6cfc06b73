package torerr

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	underlying := errors.New("boom")
	se := Wrap(CategoryControl, "dialing control port", underlying)

	if !errors.Is(se, underlying) {
		t.Errorf("errors.Is(se, underlying) = false, want true")
	}
	if se.Category != CategoryControl {
		t.Errorf("Category = %q, want %q", se.Category, CategoryControl)
	}
	if !se.Fatal {
		t.Errorf("Wrap should always set Fatal = true")
	}
}

func TestFatalfSetsMessage(t *testing.T) {
	se := Fatalf(CategoryConsensus, "no relays in %s", "consensus")
	if se.Message != "no relays in consensus" {
		t.Errorf("Message = %q", se.Message)
	}
	if se.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want critical", se.Severity)
	}
}

func TestIsMatchesByCategory(t *testing.T) {
	a := Fatalf(CategoryControl, "a")
	b := Fatalf(CategoryControl, "b")
	c := Fatalf(CategoryConsensus, "c")

	if !errors.Is(a, b) {
		t.Errorf("same-category ScanErrors should satisfy Is")
	}
	if errors.Is(a, c) {
		t.Errorf("different-category ScanErrors should not satisfy Is")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Wrap(CategoryAnalysisDir, "mkdir", errors.New("denied"))) {
		t.Errorf("Wrap-constructed errors should always be fatal")
	}
	if IsFatal(errors.New("plain error")) {
		t.Errorf("a non-ScanError should never be reported fatal")
	}
}
