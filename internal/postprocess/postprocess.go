// Package postprocess implements the optional cross-run continuity
// pass of spec.md §4.8: given the report just built and the most
// recent prior report (if any), it computes each relay's consecutive
// failure streak and a few top-level summaries and returns the updated
// report for the caller to write.
package postprocess

import (
	"github.com/opd-ai/dnshealth-scan/internal/artifact"
	"github.com/opd-ai/dnshealth-scan/internal/report"
)

// Apply computes continuity fields for current against the previous
// run's report (previous may be nil when none exists, i.e. this is
// the first run for this analysis directory) and returns
// the updated report. It does not write anything; call report.Write
// with the result.
func Apply(current report.Report, previous *report.Report) report.Report {
	prevStreak := make(map[string]int)
	if previous != nil {
		for _, r := range previous.Results {
			if r.ConsecutiveFailures != nil {
				prevStreak[r.Fingerprint] = *r.ConsecutiveFailures
			}
		}
	}

	updated := make([]artifact.Result, len(current.Results))
	var failures []artifact.Result
	failuresByAddress := make(map[string]int)

	for i, r := range current.Results {
		streak := consecutiveFailures(r, prevStreak)
		r.ConsecutiveFailures = &streak
		updated[i] = r

		if !r.OK {
			failures = append(failures, r)
			failuresByAddress[r.Address]++
		}
	}

	current.Results = updated
	current.Failures = failures
	current.FailuresByAddress = failuresByAddress
	return current
}

// consecutiveFailures implements spec.md §4.8's streak rule: a success
// resets the streak to 0; a failure extends the previous run's streak
// for this fingerprint by one, or starts a new streak at 1 if there is
// no prior streak to extend (first-ever failure, or the relay wasn't
// present in the previous report).
func consecutiveFailures(r artifact.Result, prevStreak map[string]int) int {
	if r.OK {
		return 0
	}
	if prev, ok := prevStreak[r.Fingerprint]; ok && prev > 0 {
		return prev + 1
	}
	return 1
}
