// Package placement maps actor identities onto host processes.
//
// Placement is a pure function of the identity and the host count. No
// directory is shared between processes; every process computes the same
// owner for the same identity as long as it sees the same host count.
// Changing the host count moves identities between hosts and must be treated
// as a full redeploy.
package placement

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// Place returns the index in [0, hostCount) of the host owning identity.
//
// The hash is a 31-multiplier rolling hash over the identity's bytes with
// signed 32-bit wraparound, folded to a non-negative value before the modulo.
// A hostCount of zero or less yields 0.
func Place(identity string, hostCount int) int {
	return Rolling.Place(identity, hostCount)
}

// Hasher computes a placement for an identity.
type Hasher interface {
	// Name identifies the hasher in configuration.
	Name() string

	// Place returns an index in [0, hostCount).
	Place(identity string, hostCount int) int
}

// Rolling is the default hasher used by Place.
var Rolling Hasher = rollingHasher{}

// XXH3 places identities by the 64-bit xxh3 digest of the identity. It
// spreads similar identities more evenly than Rolling but is not compatible
// with it: a deployment must use a single hasher on every process.
var XXH3 Hasher = xxh3Hasher{}

// ByName returns the hasher registered under name. The empty name selects
// Rolling.
func ByName(name string) (Hasher, error) {
	switch name {
	case "", Rolling.Name():
		return Rolling, nil
	case XXH3.Name():
		return XXH3, nil
	default:
		return nil, fmt.Errorf("unknown placement hash %q", name)
	}
}

type rollingHasher struct{}

func (rollingHasher) Name() string { return "rolling" }

func (rollingHasher) Place(identity string, hostCount int) int {
	if hostCount <= 0 {
		return 0
	}

	var h int32
	for i := 0; i < len(identity); i++ {
		h = h*31 + int32(identity[i])
	}

	// -math.MinInt32 overflows, so fold through int64.
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return int(abs % int64(hostCount))
}

type xxh3Hasher struct{}

func (xxh3Hasher) Name() string { return "xxh3" }

func (xxh3Hasher) Place(identity string, hostCount int) int {
	if hostCount <= 0 {
		return 0
	}
	return int(xxh3.HashString(identity) % uint64(hostCount))
}
