// Package probe implements the per-relay DNS probe state machine of
// spec.md §4.5: INIT -> RESOLVING -> {SUCCESS, DNS_FAIL, CIRCUIT_FAIL,
// TIMEOUT, BUG}, with CIRCUIT_FAIL and TIMEOUT looping back to INIT
// until their retry budgets are spent. Retry caps replace the
// upstream pack's generic exponential-backoff pkg/errors.RetryPolicy
// with the fixed, category-specific ladder this domain's error
// taxonomy requires.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/dnshealth-scan/internal/artifact"
	"github.com/opd-ai/dnshealth-scan/internal/classify"
	"github.com/opd-ai/dnshealth-scan/internal/logx"
	"github.com/opd-ai/dnshealth-scan/internal/metrics"
	"github.com/opd-ai/dnshealth-scan/internal/queryname"
	"github.com/opd-ai/dnshealth-scan/internal/relay"
	"github.com/opd-ai/dnshealth-scan/internal/runctx"
	"github.com/opd-ai/dnshealth-scan/internal/socksdns"
)

// Circuit is a built circuit handle a worker can issue a RESOLVE
// through, and an advisory closer the worker calls when done with it.
type Circuit struct {
	Auth  socksdns.Auth
	Close func()
}

// CircuitSource lets a worker request a fresh circuit to the relay it
// is probing. The engine implements this by driving the Tor Control
// Adapter and blocking until the matching BUILT/FAILED event arrives.
// Acquire returns an error wrapping classify.ErrCircuitFailed on FAILED
// so the worker doesn't need to know about Tor control-event internals.
type CircuitSource interface {
	Acquire(ctx context.Context, exit *relay.Descriptor) (Circuit, error)
}

// RetryPolicy is the fixed per-category retry ladder from spec.md
// §4.5/§7: dns and bug outcomes are never retried.
type RetryPolicy struct {
	CircuitRetries int
	TimeoutRetries int
	CircuitDelay   time.Duration // fixed delay before every retry, circuit- or timeout-class
}

// DefaultRetryPolicy matches the spec's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{CircuitRetries: 2, TimeoutRetries: 1, CircuitDelay: 500 * time.Millisecond}
}

// Worker runs the retry-aware probe for one relay and writes its
// artifact.
type Worker struct {
	RunCtx       *runctx.Run
	BaseDomain   string
	ExpectedIP   string // "" => NXDOMAIN mode
	QueryTimeout time.Duration
	Retry        RetryPolicy
	AnalysisDir  string
	Socks        *socksdns.Client
	Circuits     CircuitSource
	Metrics      *metrics.Metrics
	Log          *logx.Logger
}

// Run drives the state machine to a terminal outcome for exit and
// writes exactly one artifact before returning. The returned error is
// non-nil only when the artifact could not be written; a per-relay
// probe failure is never returned as an error, it's recorded in the
// artifact. Every attempt, including the first, goes through
// w.Circuits.Acquire: this is what makes the spec.md §4.5 edge case
// (a FAILED event delivered before the worker's first attempt even
// starts) just the ordinary first trip around the loop instead of a
// separate code path.
func (w *Worker) Run(ctx context.Context, exit *relay.Descriptor) error {
	nxdomainMode := w.ExpectedIP == ""
	log := w.Log.Relay(exit.Fingerprint)

	circuitRetriesLeft := w.Retry.CircuitRetries
	timeoutRetriesLeft := w.Retry.TimeoutRetries
	attempt := 0

	var outcome classify.Outcome
	var latency time.Duration

	for {
		attempt++

		circ, acquireErr := w.Circuits.Acquire(ctx, exit)
		if acquireErr != nil {
			outcome = classify.FromError(fmt.Errorf("acquiring circuit: %w", acquireErr), w.ExpectedIP)
		} else {
			offset := w.RunCtx.ElapsedMillis(time.Now())
			domain, err := queryname.Generate(w.RunCtx.ID, attempt, offset, exit.Fingerprint, w.BaseDomain)
			if err != nil {
				circ.Close()
				outcome = classify.NewBug(err)
				break
			}

			attemptCtx, cancel := context.WithTimeout(ctx, w.QueryTimeout)
			start := time.Now()
			ip, resolveErr := w.Socks.Resolve(attemptCtx, domain, circ.Auth)
			latency = time.Since(start)
			cancel()
			circ.Close()

			if resolveErr == nil {
				outcome = classify.FromSocksSuccess(ip, w.ExpectedIP)
			} else {
				outcome = classify.FromError(resolveErr, w.ExpectedIP)
			}
		}

		if outcome.Kind != classify.KindCircuit && outcome.Kind != classify.KindTimeout {
			break
		}

		if outcome.Kind == classify.KindCircuit {
			if circuitRetriesLeft <= 0 {
				break
			}
			circuitRetriesLeft--
		} else {
			if timeoutRetriesLeft <= 0 {
				break
			}
			timeoutRetriesLeft--
		}
		w.Metrics.ProbeRetries.Inc()

		select {
		case <-ctx.Done():
			outcome = classify.NewCircuitFailed("cancelled during retry wait")
			goto done
		case <-time.After(w.Retry.CircuitDelay):
		}
	}

done:
	if outcome.Kind == classify.KindSuccess {
		w.Metrics.ProbesSucceeded.Inc()
	} else {
		w.Metrics.ProbesFailed.Inc()
		if outcome.Reason == classify.ReasonSocksError {
			w.Metrics.SocksErrors.Inc()
		}
		log.Debug("probe failed", "attempt", attempt, "kind", outcome.Kind, "reason", outcome.Reason, "detail", outcome.Detail)
	}

	result := artifact.FromOutcome(w.RunCtx.ID, exit.Fingerprint, exit.Nickname, exit.Address, time.Now(), outcome, latency, nxdomainMode)
	if err := artifact.Write(w.AnalysisDir, result); err != nil {
		log.Error("failed to write artifact", "error", err)
		return err
	}
	return nil
}
