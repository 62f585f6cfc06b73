// Package runctx defines the Run Context value threaded through the
// engine and probe workers, whose ID and start time the reporter
// records. It replaces the
// module-level mutable globals (_run_id, _run_start_time) that the
// source scanner used: a Run is constructed once in setup, never
// mutated, and carries everything downstream components need to stay
// free of package-level state.
package runctx

import "time"

// Run is the immutable, per-invocation context of one scan.
type Run struct {
	ID              string
	StartWall       time.Time
	startMonotonic  time.Time
}

// New creates a Run with ID formatted as spec.md requires:
// YYYYMMDDHHMMSS in UTC.
func New(now time.Time) *Run {
	utc := now.UTC()
	return &Run{
		ID:             utc.Format("20060102150405"),
		StartWall:      utc,
		startMonotonic: now,
	}
}

// ElapsedMillis returns max(0, floor((now-start)*1000)) milliseconds
// since the run began, used to derive Probe Query offsets.
func (r *Run) ElapsedMillis(now time.Time) int64 {
	d := now.Sub(r.startMonotonic)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
