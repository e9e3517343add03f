package queuemodel

import (
	"sync"
	"time"
)

// ModelHolder is a scoped handle bound to one request attempt (spec.md §3).
// Construction registers the attempt with the Model; Release (or
// MakeLagging) must be called exactly once on every exit path -- success,
// retry, cancellation, or lagging-request detachment -- so that the Model's
// SmoothOutstanding accounting always nets to zero for a completed attempt
// (spec.md §8 invariant 6). Release is idempotent, guarded by a bool,
// mirroring broker/append_fsm.go's returnPipeline idiom.
type ModelHolder struct {
	mu       sync.Mutex
	model    *Model
	token    uint64
	delta    float64
	released bool
}

// NewModelHolder acquires a ModelHolder for an attempt against token,
// registering it with model.
func NewModelHolder(model *Model, token uint64) *ModelHolder {
	return &ModelHolder{
		model: model,
		token: token,
		delta: model.AddRequest(token),
	}
}

// Release folds the attempt's outcome into the Model and marks this holder
// as released. Calling Release more than once is a no-op.
func (h *ModelHolder) Release(latency time.Duration, penalty float64, clean bool, futureVersion bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.model.EndRequest(h.token, latency, penalty, h.delta, clean, futureVersion)
}

// MakeLagging detaches this attempt into the Model's background lagging
// collection and marks the holder released to the caller -- the caller is
// no longer waiting, but wait is a closure that will eventually produce the
// real outcome (or give up early once the supplied channel is closed) and
// is run by the Model in the background; EndRequest is called with whatever
// wait returns, so accounting still completes.
func (h *ModelHolder) MakeLagging(wait func(cancelled <-chan struct{}) (latency time.Duration, penalty float64, clean bool, futureVersion bool)) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	var model, token, delta = h.model, h.token, h.delta
	h.mu.Unlock()

	model.lagging.Retain(func(cancelled <-chan struct{}) {
		var latency, penalty, clean, futureVersion = wait(cancelled)
		model.EndRequest(token, latency, penalty, delta, clean, futureVersion)
	})
}
