// Package relay models the Relay Descriptor read from a Tor network
// consensus and selects the eligible exit set for a scan, per
// spec.md §4.3. The descriptor type and flag-parsing idiom are
// grounded on the upstream Tor client's directory package; this
// package adds nothing about *fetching* a consensus (that is an
// external collaborator per spec.md §1) and only parses the "r"/"s"
// line shape it consumes.
package relay

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
)

// Descriptor is one relay entry from the consensus: immutable for the
// life of a scan.
type Descriptor struct {
	Fingerprint string // 40 hex digits, uppercase
	Nickname    string
	Address     string
	Flags       []string
}

// HasFlag reports whether the relay carries the named consensus flag.
func (d *Descriptor) HasFlag(flag string) bool {
	for _, f := range d.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsExit reports the Exit capability.
func (d *Descriptor) IsExit() bool { return d.HasFlag("Exit") }

// IsBadExit reports the BadExit flag.
func (d *Descriptor) IsBadExit() bool { return d.HasFlag("BadExit") }

// IsGuard reports the Guard flag.
func (d *Descriptor) IsGuard() bool { return d.HasFlag("Guard") }

// ParseConsensus parses "r"/"s" line pairs from a network-status
// consensus document, matching the dir-spec router-status-entry
// shape: "r nickname identity digest published IP ORPort DirPort"
// followed by "s Flag Flag ...".
func ParseConsensus(r io.Reader) ([]*Descriptor, error) {
	var relays []*Descriptor
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var cur *Descriptor
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "r ") {
			if cur != nil {
				relays = append(relays, cur)
			}
			parts := strings.Fields(line)
			if len(parts) < 9 {
				cur = nil
				continue
			}
			cur = &Descriptor{
				Nickname:    parts[1],
				Fingerprint: strings.ToUpper(parts[2]),
				Address:     parts[6],
			}
			continue
		}

		if strings.HasPrefix(line, "s ") && cur != nil {
			cur.Flags = strings.Fields(line[2:])
		}
	}
	if cur != nil {
		relays = append(relays, cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("relay: reading consensus: %w", err)
	}
	return relays, nil
}

// ShardSpec restricts selection to the relays whose fingerprint hashes
// into shard N of M, per spec.md §4.3's distribution predicate.
type ShardSpec struct {
	N, M int
}

// Matches reports whether fingerprint belongs to this shard:
// SHA-256(fingerprint) interpreted as a big-endian integer mod M == N.
func (s ShardSpec) Matches(fingerprint string) bool {
	if s.M <= 0 {
		return true
	}
	sum := sha256.Sum256([]byte(strings.ToUpper(fingerprint)))
	n := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).Mod(n, big.NewInt(int64(s.M)))
	return mod.Int64() == int64(s.N)
}

// SelectOptions captures every relay-selection flag from spec.md §6.
type SelectOptions struct {
	AllExits        bool // --all-exits: ignore BadExit
	BadExitsOnly    bool // --bad-exits: select only BadExit
	Fingerprint     string
	FingerprintFile string // -E FILE: one fingerprint per line
	Country         string // -C CC
	Shard           *ShardSpec
	CountryLookup   CountryLookup // nil disables country filtering
}

// CountryLookup resolves a relay address to an ISO country code. The
// real GeoIP backend is an external collaborator; this interface lets
// the selector stay decoupled from any one implementation.
type CountryLookup interface {
	CountryOf(address string) (string, bool)
}

// Select returns the eligible exit set for opts, applied in the order
// spec.md §4.3 describes: explicit overrides first, then sharding.
func Select(consensus []*Descriptor, opts SelectOptions) ([]*Descriptor, error) {
	var allow map[string]bool
	if opts.FingerprintFile != "" {
		set, err := loadFingerprintFile(opts.FingerprintFile)
		if err != nil {
			return nil, err
		}
		allow = set
	}

	var out []*Descriptor
	for _, d := range consensus {
		if !d.IsExit() {
			continue
		}

		switch {
		case opts.BadExitsOnly:
			if !d.IsBadExit() {
				continue
			}
		case opts.AllExits:
			// include regardless of BadExit
		default:
			if d.IsBadExit() {
				continue
			}
		}

		if opts.Fingerprint != "" && !strings.EqualFold(d.Fingerprint, opts.Fingerprint) {
			continue
		}
		if allow != nil && !allow[strings.ToUpper(d.Fingerprint)] {
			continue
		}
		if opts.Country != "" {
			if opts.CountryLookup == nil {
				return nil, fmt.Errorf("relay: country filter %q requested but no CountryLookup configured", opts.Country)
			}
			cc, ok := opts.CountryLookup.CountryOf(d.Address)
			if !ok || !strings.EqualFold(cc, opts.Country) {
				continue
			}
		}
		if opts.Shard != nil && !opts.Shard.Matches(d.Fingerprint) {
			continue
		}

		out = append(out, d)
	}
	return out, nil
}

func loadFingerprintFile(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("relay: reading fingerprint file: %w", err)
	}
	defer f.Close()

	set := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[strings.ToUpper(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("relay: scanning fingerprint file: %w", err)
	}
	return set, nil
}

// RandomGuard returns a pseudo-random guard-flagged relay from the
// consensus for use as a circuit's first hop, using pick as the
// selection index function so callers (and tests) can supply a
// deterministic source of randomness.
func RandomGuard(consensus []*Descriptor, pick func(n int) int) (*Descriptor, error) {
	var guards []*Descriptor
	for _, d := range consensus {
		if d.IsGuard() {
			guards = append(guards, d)
		}
	}
	if len(guards) == 0 {
		return nil, fmt.Errorf("relay: no guard-flagged relays in consensus")
	}
	return guards[pick(len(guards))], nil
}
