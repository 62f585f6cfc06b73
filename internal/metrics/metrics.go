// Package metrics provides in-process operational counters for a scan
// run. A snapshot is logged at teardown by cmd/dnshealth-scan's run;
// it is not an HTTP metrics exposition endpoint, which spec.md excludes.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects scan-wide counters and a circuit-build-time
// histogram, updated by the engine and probe workers and read once by
// the caller at teardown.
type Metrics struct {
	CircuitBuilds        *Counter
	CircuitBuildSuccess  *Counter
	CircuitBuildFailure  *Counter
	CircuitBuildTime     *Histogram
	InFlightCircuits     *Gauge
	ProbesSucceeded      *Counter
	ProbesFailed         *Counter
	ProbeRetries         *Counter
	SocksErrors          *Counter
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{
		CircuitBuilds:       NewCounter(),
		CircuitBuildSuccess: NewCounter(),
		CircuitBuildFailure: NewCounter(),
		CircuitBuildTime:    NewHistogram(),
		InFlightCircuits:    NewGauge(),
		ProbesSucceeded:     NewCounter(),
		ProbesFailed:        NewCounter(),
		ProbeRetries:        NewCounter(),
		SocksErrors:         NewCounter(),
	}
}

// RecordCircuitBuild records one circuit build attempt and its
// construction latency.
func (m *Metrics) RecordCircuitBuild(success bool, d time.Duration) {
	m.CircuitBuilds.Inc()
	if success {
		m.CircuitBuildSuccess.Inc()
	} else {
		m.CircuitBuildFailure.Inc()
	}
	m.CircuitBuildTime.Observe(d)
}

// Snapshot is a point-in-time, JSON/log-friendly copy of Metrics.
type Snapshot struct {
	CircuitBuilds       int64         `json:"circuit_builds"`
	CircuitBuildSuccess int64         `json:"circuit_build_success"`
	CircuitBuildFailure int64         `json:"circuit_build_failure"`
	CircuitBuildP50     time.Duration `json:"circuit_build_p50"`
	CircuitBuildP95     time.Duration `json:"circuit_build_p95"`
	ProbesSucceeded     int64         `json:"probes_succeeded"`
	ProbesFailed        int64         `json:"probes_failed"`
	ProbeRetries        int64         `json:"probe_retries"`
	SocksErrors         int64         `json:"socks_errors"`
}

// Snapshot returns a consistent point-in-time copy for logging.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CircuitBuilds:       m.CircuitBuilds.Value(),
		CircuitBuildSuccess: m.CircuitBuildSuccess.Value(),
		CircuitBuildFailure: m.CircuitBuildFailure.Value(),
		CircuitBuildP50:     m.CircuitBuildTime.Percentile(0.50),
		CircuitBuildP95:     m.CircuitBuildTime.Percentile(0.95),
		ProbesSucceeded:     m.ProbesSucceeded.Value(),
		ProbesFailed:        m.ProbesFailed.Value(),
		ProbeRetries:        m.ProbeRetries.Value(),
		SocksErrors:         m.SocksErrors.Value(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct{ value int64 }

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Inc()            { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)     { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64    { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can move up or down.
type Gauge struct{ value int64 }

func NewGauge() *Gauge { return &Gauge{} }

func (g *Gauge) Set(v int64)    { atomic.StoreInt64(&g.value, v) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1) }
func (g *Gauge) Value() int64   { return atomic.LoadInt64(&g.value) }

// Histogram tracks a bounded window of duration observations.
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

func NewHistogram() *Histogram {
	return &Histogram{observations: make([]time.Duration, 0, 1000)}
}

// Observe records d, dropping the oldest observation once the window
// of 1000 samples is full.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Percentile returns the p-th percentile (0.0-1.0) of the current
// window.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// Count returns the number of observations currently in the window.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
