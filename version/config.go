// Package version implements the master-side authoritative version
// allocator and live-committed-version tracker of spec.md §4.5: it hands
// out commit versions to registered commit proxies, tracks a monotone
// live-committed version, and answers recovery-data updates, all scoped to
// one recruitment generation (a LifetimeToken).
//
// Grounded on consumer/service.go's Service (task-group wiring, graceful
// generation teardown) and consumer/resolver.go's etcd-watched identity
// comparison (§4.5 Lifetime).
package version

import (
	"math/rand"
	"time"
)

// Config carries the tunable constants of spec.md §6.3 relevant to version
// allocation.
type Config struct {
	VersionsPerSecond              float64       // VERSIONS_PER_SECOND
	MaxReadTransactionLifeVersions float64       // MAX_READ_TRANSACTION_LIFE_VERSIONS
	MaxVersionRateModifier         float64       // MAX_VERSION_RATE_MODIFIER
	MaxVersionRateOffset           float64       // MAX_VERSION_RATE_OFFSET
	VersionVectorEnabled           bool
}

// DefaultConfig mirrors FoundationDB's own defaults in spirit (1M logical
// versions/sec, a 5 second max read-transaction lifetime).
func DefaultConfig() Config {
	return Config{
		VersionsPerSecond:              1e6,
		MaxReadTransactionLifeVersions: 5 * 1e6,
		MaxVersionRateModifier:         0.1,
		MaxVersionRateOffset:           1e6,
		VersionVectorEnabled:           false,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// secondsSinceEpoch is a small seam so tests can avoid relying on wall-clock
// precision when checking version/time alignment; production code just
// calls t.Sub(time.Unix(0, 0)).Seconds().
func secondsSinceEpoch(t time.Time) float64 {
	return t.Sub(time.Unix(0, 0)).Seconds()
}

// randFloat returns a random float64 in [0, 1), used only to pick a
// simulation reference version offset (UpdateRecoveryData).
func randFloat() float64 {
	return rand.Float64()
}
