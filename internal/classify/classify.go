// Package classify turns a raw probe attempt outcome (a SOCKS reply,
// a circuit FAILED event, a timeout, or an unexpected error) into the
// closed sum type spec.md §9 asks for, replacing the source's
// multiple-exception-types-plus-string-matching control flow with a
// single switch over a typed code.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/dnshealth-scan/internal/socksdns"
)

// Kind is the discriminant of Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindDNS
	KindCircuit
	KindTimeout
	KindBug
)

// Reason is the finer fail_reason enum from spec.md §3/§6, shared by
// the dns and circuit kinds.
type Reason string

const (
	ReasonWrongIP     Reason = "wrong_ip"
	ReasonNXDOMAIN    Reason = "nxdomain"
	ReasonRefused     Reason = "refused"
	ReasonUnsupported Reason = "unsupported"
	ReasonSocksError  Reason = "socks_error"
)

// Outcome is the result of classifying one probe attempt. Only the
// fields relevant to Kind are populated; callers should switch on
// Kind before reading them.
type Outcome struct {
	Kind       Kind
	IP         net.IP
	Reason     Reason
	Detail     string // human-readable; Error() joins it with underlying for Probe Result's "error"
	underlying error
}

func (o Outcome) Error() string {
	if o.underlying != nil {
		return fmt.Sprintf("%s: %v", o.Detail, o.underlying)
	}
	return o.Detail
}

func (o Outcome) Unwrap() error {
	return o.underlying
}

// socksReplyTable implements the spec.md §6 mapping from SOCKS reply
// code to (fail_type, fail_reason). Retries are enforced by the probe
// package's per-category counters, not here; this table only fixes
// fail_type/fail_reason, which is what makes it part of the external
// protocol contract.
func socksReplyTable(code byte) (Kind, Reason) {
	switch code {
	case 0x04:
		return KindDNS, ReasonNXDOMAIN
	case 0x05:
		return KindDNS, ReasonRefused
	case 0x07, 0x08:
		return KindDNS, ReasonUnsupported
	default: // 0x01, 0x02, 0x03, 0x06, and any unrecognized code
		return KindCircuit, ReasonSocksError
	}
}

// FromSocksSuccess builds a Success or wrong-IP Outcome given the
// resolved IP and the probe mode (expectedIP == "" means NXDOMAIN
// mode per spec.md §4.5).
func FromSocksSuccess(ip net.IP, expectedIP string) Outcome {
	if expectedIP == "" {
		// NXDOMAIN mode: any resolved answer (including a non-IPv4
		// literal) is success.
		return Outcome{Kind: KindSuccess, IP: ip}
	}

	v4 := ip.To4()
	if v4 == nil {
		// IPv6 or unparseable in wildcard mode: wrong_ip, per spec.md §4.5.
		return Outcome{
			Kind:   KindDNS,
			Reason: ReasonWrongIP,
			Detail: fmt.Sprintf("expected %s, got non-IPv4 answer %s", expectedIP, ip),
		}
	}
	if v4.String() != expectedIP {
		return Outcome{
			Kind:   KindDNS,
			Reason: ReasonWrongIP,
			Detail: fmt.Sprintf("expected %s, got %s", expectedIP, v4),
		}
	}
	return Outcome{Kind: KindSuccess, IP: v4}
}

// FromSocksNXDOMAIN builds the Outcome for SOCKS reply 0x04, which is
// success in NXDOMAIN mode and a dns/nxdomain failure in wildcard
// mode, per spec.md §4.5 and the note under §6's reply table.
func FromSocksNXDOMAIN(expectedIP string) Outcome {
	if expectedIP == "" {
		return Outcome{Kind: KindSuccess, IP: nil} // resolved_ip sentinel set by caller
	}
	return Outcome{Kind: KindDNS, Reason: ReasonNXDOMAIN, Detail: "NXDOMAIN"}
}

// FromError classifies any error returned by socksdns.Client.Resolve
// or by the engine while waiting on a circuit for this relay.
func FromError(err error, expectedIP string) Outcome {
	var se *socksdns.SocksError
	if errors.As(err, &se) {
		if se.Code == 0x04 {
			return FromSocksNXDOMAIN(expectedIP)
		}
		kind, reason := socksReplyTable(se.Code)
		return Outcome{Kind: kind, Reason: reason, Detail: se.Error(), underlying: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || socksdns.IsTimeout(err) {
		return Outcome{Kind: KindTimeout, Detail: "query timed out", underlying: err}
	}

	if errors.Is(err, ErrCircuitFailed) {
		return Outcome{Kind: KindCircuit, Reason: ReasonSocksError, Detail: err.Error(), underlying: err}
	}

	// Anything else (malformed reply framing, EOF mid-exchange) is a
	// circuit-class outcome per spec.md §7's "EOF on the SOCKS stream"
	// rule, unless the caller explicitly tags it as a Bug via NewBug.
	return Outcome{Kind: KindCircuit, Reason: ReasonSocksError, Detail: "unexpected SOCKS failure", underlying: err}
}

// ErrCircuitFailed is the sentinel wrapped into a circuit-class
// Outcome's underlying error, whether built directly by NewCircuitFailed
// or produced by the engine wrapping a Tor-reported FAILED reason and
// passed through FromError. Callers that need the real Tor REASON text
// rather than classify's generic detail should wrap their error with
// this sentinel (%w) so FromError preserves err.Error() as Detail
// instead of falling through to the "unexpected SOCKS failure" catch-all.
var ErrCircuitFailed = errors.New("classify: circuit build failed")

// NewCircuitFailed builds the Outcome for spec.md §4.5's edge case:
// the engine delivers FAILED before the worker could even start.
func NewCircuitFailed(reason string) Outcome {
	return Outcome{Kind: KindCircuit, Reason: ReasonSocksError, Detail: reason, underlying: ErrCircuitFailed}
}

// NewBug wraps an unexpected error (a panic recovery, a programmer
// invariant violation) as a terminal, non-retried Bug outcome.
func NewBug(err error) Outcome {
	return Outcome{Kind: KindBug, Detail: err.Error(), underlying: err}
}
