// Package failuremonitor implements a simple in-process FailureMonitor
// (spec.md §4.1): a per-endpoint reachability oracle with edge-triggered
// notification. It is consumed by loadbalance.Balancer through the
// protocol.FailureMonitor interface.
//
// Grounded on consumer/resolver.go's watch/notify idiom: state is guarded by
// a mutex, and waiters are released via a per-endpoint channel that is
// closed and replaced on every transition, exactly as Resolver's KeySpace
// observers fire on every etcd revision change.
package failuremonitor

import (
	"context"
	"sync"

	"github.com/chronokv/core/protocol"
)

type entry struct {
	failed bool
	ch     chan struct{} // closed and replaced on every state transition
}

// Monitor is a process-wide reachability oracle. The zero value is not
// usable; construct with New.
type Monitor struct {
	mu      sync.RWMutex
	entries map[protocol.Endpoint]*entry
}

// New returns an empty Monitor. All endpoints are considered reachable
// (failed=false, ok=false) until explicitly marked, matching the "pointwise,
// no cross-endpoint ordering" contract of spec.md §4.1.
func New() *Monitor {
	return &Monitor{entries: make(map[protocol.Endpoint]*entry)}
}

func (m *Monitor) entryFor(ep protocol.Endpoint) *entry {
	m.mu.RLock()
	var e, ok = m.entries[ep]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[ep]; ok {
		return e
	}
	e = &entry{ch: make(chan struct{})}
	m.entries[ep] = e
	return e
}

// GetState reports the last-known failed state of ep. ok is false if the
// endpoint has never been observed (treated as reachable by callers).
func (m *Monitor) GetState(ep protocol.Endpoint) (failed bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var e, present = m.entries[ep]
	if !present {
		return false, false
	}
	return e.failed, true
}

// SetState records a new failed state for ep, waking any waiter whose
// OnStateEqual predicate is now satisfied. Monotone only within a given
// endpoint incarnation: callers that observe a process restart should mint
// a new protocol.Endpoint (new Token) rather than flip an old one back.
func (m *Monitor) SetState(ep protocol.Endpoint, failed bool) {
	m.mu.Lock()
	var e, ok = m.entries[ep]
	if !ok {
		e = &entry{ch: make(chan struct{})}
		m.entries[ep] = e
	}
	if e.failed == failed && ok {
		m.mu.Unlock()
		return
	}
	e.failed = failed
	var old = e.ch
	e.ch = make(chan struct{})
	m.mu.Unlock()

	close(old)
}

// OnStateEqual returns a channel closed the next time ep is observed in the
// given failed-state. If ep is already in that state, the returned channel
// is still only closed on the *next* transition into it (edge-triggered),
// per spec.md §4.1 -- callers that want the current state should consult
// GetState first.
func (m *Monitor) OnStateEqual(ctx context.Context, ep protocol.Endpoint, failed bool) <-chan struct{} {
	var out = make(chan struct{})
	go func() {
		defer close(out)
		for {
			var e = m.entryFor(ep)
			m.mu.RLock()
			var cur, ch = e.failed, e.ch
			m.mu.RUnlock()

			if cur == failed {
				return
			}
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

var _ protocol.FailureMonitor = (*Monitor)(nil)
