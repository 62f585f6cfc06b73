// Package engine is the scan coordinator of spec.md §4.6: it paces
// circuit construction against the local Tor control channel, bounds
// in-flight circuits with a weighted semaphore, and dispatches one
// probe worker per built circuit. Its shape (one struct owning every
// collaborator, a sync.WaitGroup-joined worker set) follows the
// upstream pack's pkg/client.Client orchestration, generalized from a
// long-lived Tor client to one bounded scan run.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opd-ai/dnshealth-scan/internal/artifact"
	"github.com/opd-ai/dnshealth-scan/internal/classify"
	"github.com/opd-ai/dnshealth-scan/internal/config"
	"github.com/opd-ai/dnshealth-scan/internal/logx"
	"github.com/opd-ai/dnshealth-scan/internal/metrics"
	"github.com/opd-ai/dnshealth-scan/internal/probe"
	"github.com/opd-ai/dnshealth-scan/internal/relay"
	"github.com/opd-ai/dnshealth-scan/internal/runctx"
	"github.com/opd-ai/dnshealth-scan/internal/socksdns"
	"github.com/opd-ai/dnshealth-scan/internal/torcontrol"
)

// gracePeriod bounds how long RunSelected waits for in-flight workers
// to finish on their own once its context is cancelled. When it
// expires RunSelected returns without closing their circuits; workers
// still running close their own circuits when they exit.
const gracePeriod = 10 * time.Second

// Engine drives one scan run end to end: relay dispatch, circuit
// pacing, and probe supervision. It does not run the reporter or
// post-processor; those are separate stages the caller runs after
// RunSelected returns.
type Engine struct {
	cfg     config.Config
	log     *logx.Logger
	metrics *metrics.Metrics
	control *torcontrol.Client
	socks   *socksdns.Client

	sem *semaphore.Weighted

	guards []*relay.Descriptor
	rng    *rand.Rand
	rngMu  sync.Mutex

	lastBuildMu sync.Mutex
	lastBuild   time.Time

	eventsMu sync.Mutex
	waiters  map[uint32]chan torcontrol.CircuitEvent
	ready    map[uint32]torcontrol.CircuitEvent

	run *runctx.Run
	wg  sync.WaitGroup
}

// New wires an Engine around an already-authenticated control
// connection and the scan configuration. consensus supplies the guard
// pool used for random first-hop selection.
func New(cfg config.Config, control *torcontrol.Client, consensus []*relay.Descriptor, run *runctx.Run, log *logx.Logger, m *metrics.Metrics) *Engine {
	var guards []*relay.Descriptor
	for _, d := range consensus {
		if d.IsGuard() {
			guards = append(guards, d)
		}
	}
	return &Engine{
		cfg:     cfg,
		log:     log.Component("engine"),
		metrics: m,
		control: control,
		socks:   socksdns.New(cfg.SocksAddr),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		guards:  guards,
		rng:     rand.New(rand.NewSource(run.StartWall.UnixNano())),
		waiters: make(map[uint32]chan torcontrol.CircuitEvent),
		ready:   make(map[uint32]torcontrol.CircuitEvent),
		run:     run,
	}
}

// DispatchEvents must run as its own goroutine for the lifetime of
// the Engine: it demultiplexes the control connection's CIRC events
// to whichever Acquire call is waiting on that circuit ID. A circuit's
// BUILT/FAILED event can arrive before Acquire has registered its
// waiter (EXTENDCIRCUIT's reply only confirms Tor accepted the
// request; nothing blocks the event that follows it from being read
// off the wire and dispatched here first), so an event with no
// registered waiter is stashed in ready instead of dropped. Acquire
// checks ready under the same lock before registering, so whichever
// of the two sides runs first, the other still observes the event.
// Only BUILT and FAILED events are forwarded; other statuses
// (LAUNCHED, EXTENDED, CLOSED, ...) are skipped.
func (e *Engine) DispatchEvents() {
	for ev := range e.control.Events() {
		if ev.Status != torcontrol.StatusBuilt && ev.Status != torcontrol.StatusFailed {
			continue
		}
		e.eventsMu.Lock()
		ch, ok := e.waiters[ev.CircuitID]
		if ok {
			delete(e.waiters, ev.CircuitID)
			e.eventsMu.Unlock()
			ch <- ev
			continue
		}
		e.ready[ev.CircuitID] = ev
		e.eventsMu.Unlock()
	}
}

// RunSelected dispatches one probe worker per relay in selected,
// pacing circuit construction and bounding concurrency per spec.md
// §4.6/§5. It blocks until every dispatched worker has terminated
// (the join barrier spec.md §5 requires before teardown) or the grace
// period after cancellation expires.
func (e *Engine) RunSelected(ctx context.Context, selected []*relay.Descriptor) error {
	for _, exit := range selected {
		select {
		case <-ctx.Done():
			e.recordDrained(exit)
			continue
		default:
		}

		// Pacing happens once, inside Acquire, right before the circuit
		// this relay actually needs is built. Pacing here too would wait
		// build_delay twice per relay: once to dispatch the worker, once
		// more when the worker calls Acquire.
		exit := exit
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runOneRelay(ctx, exit)
		}()
	}

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		select {
		case <-waited:
		case <-time.After(gracePeriod):
			e.log.Warn("grace period expired, proceeding to teardown with in-flight workers still running")
		}
	}
	return nil
}

// recordDrained writes a circuit-class artifact for a relay that was
// never attempted because the engine entered drain mode before it
// could be dispatched.
func (e *Engine) recordDrained(exit *relay.Descriptor) {
	outcome := classify.NewCircuitFailed("scan cancelled before this relay was dispatched")
	result := artifact.FromOutcome(e.run.ID, exit.Fingerprint, exit.Nickname, exit.Address, time.Now(), outcome, 0, e.cfg.ExpectedIP == "")
	if err := artifact.Write(e.cfg.AnalysisDir, result); err != nil {
		e.log.Error("failed to write drained artifact", "fingerprint", exit.Fingerprint, "error", err)
	}
}

func (e *Engine) runOneRelay(ctx context.Context, exit *relay.Descriptor) {
	workerCtx, cancel := context.WithTimeout(ctx, e.cfg.HardProbeTimeout)
	defer cancel()

	w := &probe.Worker{
		RunCtx:       e.run,
		BaseDomain:   e.cfg.BaseDomain,
		ExpectedIP:   e.cfg.ExpectedIP,
		QueryTimeout: e.cfg.QueryTimeout,
		Retry:        probe.RetryPolicy{CircuitRetries: e.cfg.CircuitRetries, TimeoutRetries: e.cfg.TimeoutRetries, CircuitDelay: 500 * time.Millisecond},
		AnalysisDir:  e.cfg.AnalysisDir,
		Socks:        e.socks,
		Circuits:     e,
		Metrics:      e.metrics,
		Log:          e.log,
	}
	if err := w.Run(workerCtx, exit); err != nil {
		e.log.Error("worker exited without writing an artifact", "fingerprint", exit.Fingerprint, "error", err)
	}
}

// Acquire implements probe.CircuitSource: it paces against the
// engine's shared build-rate limiter, bounds in-flight circuits with
// the weighted semaphore, builds a two-hop circuit to exit, and
// blocks for the matching BUILT/FAILED event.
func (e *Engine) Acquire(ctx context.Context, exit *relay.Descriptor) (probe.Circuit, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return probe.Circuit{}, fmt.Errorf("engine: acquiring concurrency slot: %w", err)
	}
	e.metrics.InFlightCircuits.Inc()
	releaseOnce := sync.Once{}
	release := func() {
		releaseOnce.Do(func() {
			e.metrics.InFlightCircuits.Dec()
			e.sem.Release(1)
		})
	}

	if err := e.pace(ctx); err != nil {
		release()
		return probe.Circuit{}, err
	}

	firstHop, err := e.chooseFirstHop(exit)
	if err != nil {
		release()
		return probe.Circuit{}, err
	}

	waitCh := make(chan torcontrol.CircuitEvent, 1)

	start := time.Now()
	id, err := e.control.NewCircuit(ctx, []string{firstHop, exit.Fingerprint})
	if err != nil {
		release()
		return probe.Circuit{}, fmt.Errorf("engine: NewCircuit: %w", err)
	}

	// The BUILT/FAILED event for id can arrive before this point: Tor's
	// 250 EXTENDED reply only confirms the request was accepted, and
	// nothing blocks the event that follows it on the wire from being
	// read and dispatched before this goroutine registers a waiter.
	// Checking ready first (under the same lock DispatchEvents uses to
	// stash it) means whichever of the two sides runs first, the event
	// is still observed instead of silently dropped.
	e.eventsMu.Lock()
	if ev, ok := e.ready[id]; ok {
		delete(e.ready, id)
		e.eventsMu.Unlock()
		waitCh <- ev
	} else {
		e.waiters[id] = waitCh
		e.eventsMu.Unlock()
	}

	select {
	case ev := <-waitCh:
		built := ev.Status == torcontrol.StatusBuilt
		e.metrics.RecordCircuitBuild(built, time.Since(start))
		if !built {
			release()
			return probe.Circuit{}, fmt.Errorf("engine: circuit %d %s: %s: %w", id, ev.Status, ev.Reason, classify.ErrCircuitFailed)
		}
		closed := false
		var closeMu sync.Mutex
		closer := func() {
			closeMu.Lock()
			defer closeMu.Unlock()
			if closed {
				return
			}
			closed = true
			release()
			_ = e.control.CloseCircuit(context.Background(), id)
			e.eventsMu.Lock()
			delete(e.ready, id)
			e.eventsMu.Unlock()
		}
		auth := socksdns.Auth{Username: fmt.Sprintf("circ%d", id), Password: fmt.Sprintf("circ%d", id)}
		return probe.Circuit{Auth: auth, Close: closer}, nil
	case <-ctx.Done():
		e.eventsMu.Lock()
		delete(e.waiters, id)
		delete(e.ready, id)
		e.eventsMu.Unlock()
		release()
		return probe.Circuit{}, ctx.Err()
	}
}

// pace blocks until build_delay + U(-noise, +noise) has elapsed since
// the previous circuit build request, per spec.md §4.6 step 3a.
func (e *Engine) pace(ctx context.Context) error {
	e.lastBuildMu.Lock()
	var wait time.Duration
	now := time.Now()
	if !e.lastBuild.IsZero() {
		target := e.lastBuild.Add(e.cfg.BuildDelay + e.noise())
		if target.After(now) {
			wait = target.Sub(now)
		}
	}
	e.lastBuild = now.Add(wait)
	e.lastBuildMu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) noise() time.Duration {
	if e.cfg.DelayNoise <= 0 {
		return 0
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	n := e.rng.Int63n(int64(2*e.cfg.DelayNoise)) - int64(e.cfg.DelayNoise)
	return time.Duration(n)
}

// chooseFirstHop returns the configured --first-hop fingerprint, or a
// random guard-flagged relay from the consensus.
func (e *Engine) chooseFirstHop(exit *relay.Descriptor) (string, error) {
	if e.cfg.FirstHop != "" {
		return e.cfg.FirstHop, nil
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	guard, err := relay.RandomGuard(e.guards, e.rng.Intn)
	if err != nil {
		return "", fmt.Errorf("engine: %w", err)
	}
	return guard.Fingerprint, nil
}
