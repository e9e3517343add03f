// Package queuemodel implements the per-endpoint load model used by
// loadbalance.Balancer to choose among alternatives and to pace hedged
// requests (spec.md §4.2).
//
// Grounded on broker/append_fsm.go's idiom of small state owned by a single
// goroutine and advanced by explicit method calls -- QueueModel is private
// to the client per spec.md §5 "Shared-resource policy", though Model's
// methods still take a mutex because lagging requests complete from other
// goroutines.
package queuemodel

import (
	"time"
)

// Tunable constants (spec.md §6.3), given concrete values here. Model uses
// them directly; they are not configurable per Model.
const (
	DefaultSmoothingAlpha     = 0.1  // exponential smoothing factor for outstanding/latency
	DefaultPenalty            = 1.0
	PenaltyIsBad              = 1.001 // LOAD_BALANCE_PENALTY_IS_BAD
	FutureVersionDebounce     = 10 * time.Millisecond
	MaxLaggingRequestsOutstanding = 1024
)

// Measurement is the per-endpoint state tracked by a Model. Invariants:
// SmoothOutstanding >= 0; Penalty monotone non-negative; FailedUntil >= 0.
type Measurement struct {
	SmoothOutstanding float64
	Latency           time.Duration
	Penalty           float64
	FailedUntil       time.Time
	addedDelta        float64 // contribution of a pending request; zeroed on completion
}

// IsBad reports whether the endpoint's self-declared penalty marks it as a
// poor placement choice (spec.md §4.4 "An endpoint with penalty > 1.001
// counts as bad").
func (m *Measurement) IsBad() bool { return m.Penalty > PenaltyIsBad }

// newMeasurement returns a Measurement with default Penalty, matching a
// never-before-seen endpoint.
func newMeasurement() *Measurement {
	return &Measurement{Penalty: DefaultPenalty}
}
