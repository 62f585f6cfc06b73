// Package queryname generates guaranteed-unique DNS probe names per
// (relay, attempt) pair within a run, per spec.md §4.4.
package queryname

import (
	"fmt"
	"strings"
)

const (
	maxNameLength  = 253
	maxLabelLength = 63
)

// Generate returns "{runID}.{attempt}.{offsetMillis}.{fingerprint}.{baseDomain}".
// It returns an error instead of truncating when the result would
// violate DNS length limits, so callers never send a malformed query.
func Generate(runID string, attempt int, offsetMillis int64, fingerprint, baseDomain string) (string, error) {
	name := fmt.Sprintf("%s.%d.%d.%s.%s", runID, attempt, offsetMillis, fingerprint, baseDomain)

	if len(name) > maxNameLength {
		return "", fmt.Errorf("queryname: %q exceeds %d octets", name, maxNameLength)
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) > maxLabelLength {
			return "", fmt.Errorf("queryname: label %q in %q exceeds %d octets", label, name, maxLabelLength)
		}
	}
	return name, nil
}
