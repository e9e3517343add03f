package queuemodel

import (
	"sync"
	"time"
)

// Model maintains Measurements for a set of endpoint tokens, plus the
// adaptive hedge-policy state (SecondMultiplier/SecondBudget) shared across
// all endpoints it models. A Model is typically owned by one LoadBalancer
// client; per spec.md §5 it is not intended for concurrent use from
// multiple goroutines, though its exported methods take a mutex defensively
// since lagging requests complete from arbitrary goroutines.
type Model struct {
	mu           sync.Mutex
	measurements map[uint64]*Measurement

	secondMultiplier float64
	secondBudget     float64
	cfg              Config

	lagging *laggingSet
}

// Config tunes a Model's hedge-adaptation policy (spec.md §6.3).
type Config struct {
	SecondMultiplierGrowth float64
	SecondMultiplierDecay  float64
	SecondBudgetGrowth     float64
	SecondBudgetMax        float64
}

// DefaultConfig returns reasonable defaults in the spirit of FDB's own
// constants: small growth and decay steps (0.01 each), a modest standing
// hedge budget.
func DefaultConfig() Config {
	return Config{
		SecondMultiplierGrowth: 0.01,
		SecondMultiplierDecay:  0.01,
		SecondBudgetGrowth:     0.01,
		SecondBudgetMax:        5.0,
	}
}

// New returns an empty Model with the given hedge-adaptation config.
func New(cfg Config) *Model {
	return &Model{
		measurements:     make(map[uint64]*Measurement),
		secondMultiplier: 1.0,
		secondBudget:     cfg.SecondBudgetMax,
		cfg:              cfg,
		lagging:          newLaggingSet(MaxLaggingRequestsOutstanding),
	}
}

func (m *Model) measurementLocked(token uint64) *Measurement {
	var meas, ok = m.measurements[token]
	if !ok {
		meas = newMeasurement()
		m.measurements[token] = meas
	}
	return meas
}

// Snapshot returns a copy of the Measurement for token, or a zero-value
// default Measurement (Penalty=1.0) if the token has never been observed.
func (m *Model) Snapshot(token uint64) Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meas, ok := m.measurements[token]; ok {
		return *meas
	}
	return *newMeasurement()
}

// AddRequest records a new in-flight request against token, incrementing
// its SmoothOutstanding by a computed delta, and returns that delta so the
// matching EndRequest call can undo exactly this contribution (spec.md §3
// Measurement.addedDelta).
func (m *Model) AddRequest(token uint64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var meas = m.measurementLocked(token)
	var delta = 1.0
	meas.SmoothOutstanding += delta
	meas.addedDelta = delta
	return delta
}

// EndRequest undoes the SmoothOutstanding contribution of a prior AddRequest,
// and folds in the attempt's observed latency and self-reported penalty.
//
//   - clean: whether the reply was a clean, measurable round trip (a
//     lagging/cancelled request that never got a reply is not clean).
//   - futureVersion: whether the reply indicated the server is ahead of the
//     requester; if so, FailedUntil is set to a short debounce horizon so
//     placement doesn't hammer servers that are merely ahead, not down.
func (m *Model) EndRequest(token uint64, latency time.Duration, penalty float64, delta float64, clean bool, futureVersion bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var meas = m.measurementLocked(token)
	meas.SmoothOutstanding -= delta
	if meas.SmoothOutstanding < 0 {
		meas.SmoothOutstanding = 0 // invariant: SmoothOutstanding >= 0
	}
	meas.addedDelta = 0

	if clean {
		meas.Latency = ewmaDuration(meas.Latency, latency, DefaultSmoothingAlpha)
	}
	if penalty > 0 {
		meas.Penalty = penalty
	}
	if futureVersion {
		meas.FailedUntil = time.Now().Add(FutureVersionDebounce)
	}
}

func ewmaDuration(prev, sample time.Duration, alpha float64) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration((1-alpha)*float64(prev) + alpha*float64(sample))
}

// SecondMultiplier returns the current hedge-timing multiplier.
func (m *Model) SecondMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondMultiplier
}

// SecondBudget returns the current hedge-send budget.
func (m *Model) SecondBudget() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondBudget
}

// NoteFirstSuccess decays SecondMultiplier toward 1.0 and grows SecondBudget
// up to its cap, reflecting that the primary alternative served cleanly and
// hedging was unnecessary.
func (m *Model) NoteFirstSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondMultiplier -= (m.secondMultiplier - 1.0) * m.cfg.SecondMultiplierDecay
	if m.secondMultiplier < 1.0 {
		m.secondMultiplier = 1.0
	}
	m.secondBudget += m.cfg.SecondBudgetGrowth
	if m.secondBudget > m.cfg.SecondBudgetMax {
		m.secondBudget = m.cfg.SecondBudgetMax
	}
}

// TryNoteHedgeSent reports whether the budget admits a hedge send; if so, it
// spends 1.0 from SecondBudget and grows SecondMultiplier. Returns false
// (spending nothing) if budget < 1.
func (m *Model) TryNoteHedgeSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secondBudget < 1.0 {
		return false
	}
	m.secondBudget -= 1.0
	m.secondMultiplier += m.cfg.SecondMultiplierGrowth
	return true
}
