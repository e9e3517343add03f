// Package throttle implements the GRV-proxy admission controller of
// spec.md §4.6: a per-tag, rate-limited FIFO queue sitting in front of the
// version package's Coordinator. Each tag's budget is a
// golang.org/x/time/rate.Limiter, following the wrapper shape
// infrastructure/ratelimit/ratelimit.go uses elsewhere in the pack;
// release ordering across tags is a tiny container/heap priority queue
// keyed by global sequence number.
package throttle

import (
	"container/heap"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chronokv/core/protocol"
)

// DelayedRequest is one enqueued GetReadVersionRequest awaiting release.
type DelayedRequest struct {
	Req            protocol.GetReadVersionRequest
	Tag            protocol.Tag
	SequenceNumber uint64
	Done           func(released bool)
}

// tagQueue holds one tag's pending requests and its rate budget. A nil
// limiter means the tag is currently unlimited.
type tagQueue struct {
	tag     protocol.Tag
	limiter *rate.Limiter
	pending []DelayedRequest // FIFO by SequenceNumber, index 0 is the front
}

func (q *tagQueue) front() (DelayedRequest, bool) {
	if len(q.pending) == 0 {
		return DelayedRequest{}, false
	}
	return q.pending[0], true
}

func (q *tagQueue) popFront() DelayedRequest {
	var r = q.pending[0]
	q.pending = q.pending[1:]
	return r
}

// Throttler is the TagThrottler of spec.md §4.6. All methods are intended to
// be called from a single owning goroutine (spec.md §5's single-loop
// model); the mutex exists only to let AddRequest be called concurrently
// with the release loop running on a timer in its own goroutine.
type Throttler struct {
	clock protocol.Clock

	mu       sync.Mutex
	queues   map[protocol.Tag]*tagQueue
	sequence uint64
}

// New returns an empty Throttler with no configured tag rates -- every tag
// is unlimited until UpdateRates names it. clock drives rate.Limiter's
// AllowN calls so tests can substitute a fake and run §8's timing scenarios
// instantly.
func New(clock protocol.Clock) *Throttler {
	return &Throttler{clock: clock, queues: make(map[protocol.Tag]*tagQueue)}
}

// AddRequest implements spec.md §4.6 "Enqueue". req.Priority must not be
// PriorityImmediate: immediate requests bypass the throttler entirely and
// reaching here is a caller bug. A request carrying several tags is queued
// under the lowest-sorted one, and a warning is logged.
func (t *Throttler) AddRequest(req protocol.GetReadVersionRequest, done func(released bool)) {
	if req.Priority == protocol.PriorityImmediate {
		panic("throttle: immediate-priority request must not reach AddRequest")
	}

	// Go map iteration order is randomized, so pick the lowest-sorted tag to
	// keep the choice deterministic.
	var chosen protocol.Tag
	var first = true
	for tag := range req.Tags {
		if first || tag < chosen {
			chosen = tag
		}
		first = false
	}
	if len(req.Tags) > 1 {
		log.WithField("tags", req.Tags).Warn("throttle: request carries multiple tags, using the lowest-sorted one")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var q, ok = t.queues[chosen]
	if !ok {
		q = &tagQueue{tag: chosen}
		t.queues[chosen] = q
	}
	t.sequence++
	q.pending = append(q.pending, DelayedRequest{
		Req:            req,
		Tag:            chosen,
		SequenceNumber: t.sequence,
		Done:           done,
	})
}

// tagHeap orders tagQueue pointers by the sequence number of their front
// request, implementing spec.md §4.6 step 2's "priority queue of tag
// heads".
type tagHeap []*tagQueue

func (h tagHeap) Len() int { return len(h) }
func (h tagHeap) Less(i, j int) bool {
	var fi, _ = h[i].front()
	var fj, _ = h[j].front()
	return fi.SequenceNumber < fj.SequenceNumber
}
func (h tagHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tagHeap) Push(x any)        { *h = append(*h, x.(*tagQueue)) }
func (h *tagHeap) Pop() any {
	var old = *h
	var n = len(old)
	var item = old[n-1]
	*h = old[:n-1]
	return item
}

// ReleaseTransactions implements spec.md §4.6 "Release": as many requests as
// current budgets allow, in strictly increasing global sequence order,
// calling each released request's Done(true). Released requests are not
// routed by priority: there are no separate batch and default outputs. It
// returns the number of requests released per tag.
func (t *Throttler) ReleaseTransactions() map[protocol.Tag]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released = make(map[protocol.Tag]int)

	var h tagHeap
	for _, q := range t.queues {
		if _, ok := q.front(); ok {
			h = append(h, q)
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		var q = heap.Pop(&h).(*tagQueue)
		var front, ok = q.front()
		if !ok {
			continue
		}

		var count = front.Req.Tags[front.Tag]
		if q.limiter != nil && !q.limiter.AllowN(t.clock.Now(), count) {
			// Budget exhausted for this call: this tag is done releasing,
			// and is deliberately NOT re-inserted into h.
			continue
		}

		q.popFront()
		released[q.tag]++
		if front.Done != nil {
			front.Done(true)
		}

		if _, more := q.front(); more {
			heap.Push(&h, q)
		}
	}

	return released
}

// UpdateRates implements spec.md §4.6 "Reconfiguration": install rates for
// the given tags, clear rates (making the tag unlimited) for any existing
// queue not named, then drop queues that are both empty and rateless.
func (t *Throttler) UpdateRates(newRates map[protocol.Tag]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var named = make(map[protocol.Tag]bool, len(newRates))
	for tag, r := range newRates {
		named[tag] = true
		var q, ok = t.queues[tag]
		if !ok {
			q = &tagQueue{tag: tag}
			t.queues[tag] = q
		}
		var burst = int(r)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}

	for tag, q := range t.queues {
		if named[tag] {
			continue
		}
		q.limiter = nil
		if len(q.pending) == 0 {
			delete(t.queues, tag)
		}
	}
}

// Size implements spec.md §4.6 "Observability".
func (t *Throttler) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}
