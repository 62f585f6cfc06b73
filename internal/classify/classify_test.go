package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/opd-ai/dnshealth-scan/internal/socksdns"
)

func TestSocksReplyTableDNSCodes(t *testing.T) {
	cases := []struct {
		code   byte
		kind   Kind
		reason Reason
	}{
		{0x04, KindDNS, ReasonNXDOMAIN},
		{0x05, KindDNS, ReasonRefused},
		{0x07, KindDNS, ReasonUnsupported},
		{0x08, KindDNS, ReasonUnsupported},
	}
	for _, c := range cases {
		kind, reason := socksReplyTable(c.code)
		if kind != c.kind || reason != c.reason {
			t.Errorf("code 0x%02x: got (%v, %q), want (%v, %q)", c.code, kind, reason, c.kind, c.reason)
		}
	}
}

func TestSocksReplyTableCircuitCodes(t *testing.T) {
	for _, code := range []byte{0x01, 0x02, 0x03, 0x06, 0x09} {
		kind, reason := socksReplyTable(code)
		if kind != KindCircuit {
			t.Errorf("code 0x%02x: got kind %v, want KindCircuit", code, kind)
		}
		if reason != ReasonSocksError {
			t.Errorf("code 0x%02x: got reason %q, want %q", code, reason, ReasonSocksError)
		}
	}
}

func TestFromErrorSocksErrorCarriesReason(t *testing.T) {
	err := &socksdns.SocksError{Code: 0x02}
	o := FromError(err, "64.65.4.1")
	if o.Kind != KindCircuit {
		t.Fatalf("got kind %v, want KindCircuit", o.Kind)
	}
	if o.Reason != ReasonSocksError {
		t.Errorf("got reason %q, want %q", o.Reason, ReasonSocksError)
	}
}

func TestFromErrorNXDOMAINInWildcardMode(t *testing.T) {
	err := &socksdns.SocksError{Code: 0x04}
	o := FromError(err, "64.65.4.1")
	if o.Kind != KindDNS || o.Reason != ReasonNXDOMAIN {
		t.Errorf("got (%v, %q), want (KindDNS, nxdomain)", o.Kind, o.Reason)
	}
}

func TestFromErrorNXDOMAINInNXDOMAINMode(t *testing.T) {
	err := &socksdns.SocksError{Code: 0x04}
	o := FromError(err, "")
	if o.Kind != KindSuccess {
		t.Errorf("got kind %v, want KindSuccess", o.Kind)
	}
}

func TestFromErrorTimeout(t *testing.T) {
	o := FromError(context.DeadlineExceeded, "64.65.4.1")
	if o.Kind != KindTimeout {
		t.Errorf("got kind %v, want KindTimeout", o.Kind)
	}
}

func TestFromErrorUnexpectedIsCircuit(t *testing.T) {
	o := FromError(errors.New("boom"), "64.65.4.1")
	if o.Kind != KindCircuit || o.Reason != ReasonSocksError {
		t.Errorf("got (%v, %q), want (KindCircuit, socks_error)", o.Kind, o.Reason)
	}
}

func TestFromSocksSuccessWildcardMatch(t *testing.T) {
	o := FromSocksSuccess(net.ParseIP("64.65.4.1"), "64.65.4.1")
	if o.Kind != KindSuccess {
		t.Errorf("got kind %v, want KindSuccess", o.Kind)
	}
}

func TestFromSocksSuccessWrongIP(t *testing.T) {
	o := FromSocksSuccess(net.ParseIP("1.2.3.4"), "64.65.4.1")
	if o.Kind != KindDNS || o.Reason != ReasonWrongIP {
		t.Errorf("got (%v, %q), want (KindDNS, wrong_ip)", o.Kind, o.Reason)
	}
}

func TestFromSocksSuccessNXDOMAINModeAcceptsAny(t *testing.T) {
	o := FromSocksSuccess(net.ParseIP("1.2.3.4"), "")
	if o.Kind != KindSuccess {
		t.Errorf("got kind %v, want KindSuccess", o.Kind)
	}
}

func TestNewCircuitFailed(t *testing.T) {
	o := NewCircuitFailed("circuit closed before probe started")
	if o.Kind != KindCircuit || o.Reason != ReasonSocksError {
		t.Errorf("got (%v, %q), want (KindCircuit, socks_error)", o.Kind, o.Reason)
	}
	if !errors.Is(o, ErrCircuitFailed) {
		t.Error("expected errors.Is(o, ErrCircuitFailed) to hold")
	}
}

// TestFromErrorPreservesWrappedCircuitFailedReason covers the engine's
// real FAILED-event path: it reports the failure as an error wrapping
// ErrCircuitFailed (not an Outcome), and FromError must keep its exact
// text as Detail instead of falling through to the generic catch-all.
func TestFromErrorPreservesWrappedCircuitFailedReason(t *testing.T) {
	err := fmt.Errorf("engine: circuit %d %s: %s: %w", 7, "FAILED", "TIMEOUT", ErrCircuitFailed)
	o := FromError(err, "64.65.4.1")
	if o.Kind != KindCircuit || o.Reason != ReasonSocksError {
		t.Errorf("got (%v, %q), want (KindCircuit, socks_error)", o.Kind, o.Reason)
	}
	if o.Detail != err.Error() {
		t.Errorf("got detail %q, want the wrapped error's own text %q", o.Detail, err.Error())
	}
}

func TestNewBug(t *testing.T) {
	o := NewBug(errors.New("invariant violated"))
	if o.Kind != KindBug {
		t.Errorf("got kind %v, want KindBug", o.Kind)
	}
}

func TestOutcomeErrorString(t *testing.T) {
	o := FromError(errors.New("dial refused"), "64.65.4.1")
	if o.Error() == "" {
		t.Error("expected non-empty Error() string")
	}
}
