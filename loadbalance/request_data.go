package loadbalance

import (
	"context"
	"sync"
	"time"

	"github.com/chronokv/core/protocol"
	"github.com/chronokv/core/queuemodel"
)

// requestData is a single attempt's state machine (spec.md §4.3): idle ->
// sending -> (waiting -> delivered | waiting -> canceled/lagging).
type requestData[Req any, Rep LoadBalancedReply] struct {
	stream protocol.RequestStream[Req, Rep]
	clock  protocol.Clock
	model  *queuemodel.Model

	mu              sync.Mutex
	holder          *queuemodel.ModelHolder
	requestStarted  bool
	requestProcessed bool
	triedAllOptions bool

	resultCh chan result[Rep]
	startedAt time.Time
}

type result[Rep any] struct {
	reply Rep
	err   error
}

func newRequestData[Req any, Rep LoadBalancedReply](stream protocol.RequestStream[Req, Rep], clock protocol.Clock, model *queuemodel.Model) *requestData[Req, Rep] {
	return &requestData[Req, Rep]{
		stream:   stream,
		clock:    clock,
		model:    model,
		resultCh: make(chan result[Rep], 1),
	}
}

// startRequest dispatches req against rd.stream. If backoff > 0, the actual
// send is scheduled after the delay and the ModelHolder is only acquired
// once the delay elapses (spec.md §4.3 startRequest): a delayed attempt
// that's abandoned before it ever sends shouldn't count against the
// endpoint's outstanding load.
func (rd *requestData[Req, Rep]) startRequest(ctx context.Context, backoff time.Duration, triedAllOptions bool, req Req) {
	rd.mu.Lock()
	rd.requestStarted = true
	rd.triedAllOptions = triedAllOptions
	rd.mu.Unlock()

	go func() {
		if backoff > 0 {
			if err := rd.clock.Delay(ctx, backoff); err != nil {
				rd.finish(result[Rep]{err: err})
				return
			}
		}

		var token = rd.stream.GetEndpoint().Token
		rd.mu.Lock()
		if rd.model != nil {
			rd.holder = queuemodel.NewModelHolder(rd.model, token)
		}
		rd.mu.Unlock()

		rd.startedAt = rd.clock.Now()
		var reply, err = rd.stream.TryGetReply(ctx, req)
		rd.finish(result[Rep]{reply: reply, err: err})
	}()
}

func (rd *requestData[Req, Rep]) finish(res result[Rep]) {
	select {
	case rd.resultCh <- res:
	default:
		// A result was already delivered (eg, cancellation raced completion);
		// the late arrival is dropped, matching at-most-once delivery of a
		// single classified outcome per attempt.
	}
}

// checkAndProcessResult blocks until rd's reply is ready (or ctx is done),
// and classifies it per spec.md §4.3's matrix. atMostOnce controls how
// broken_promise/request_maybe_delivered are surfaced. The raw reply is
// returned alongside the classification so the caller can hand a Delivered
// reply back to its own caller without re-deriving it.
func (rd *requestData[Req, Rep]) checkAndProcessResult(ctx context.Context, atMostOnce bool) (classification, Rep, error) {
	select {
	case res := <-rd.resultCh:
		rd.mu.Lock()
		rd.requestProcessed = true
		var triedAllOptions = rd.triedAllOptions
		var holder = rd.holder
		rd.mu.Unlock()

		var penalty float64
		var innerErr error
		var hasHeader bool
		if res.err == nil {
			penalty, innerErr, hasHeader = res.reply.LoadBalancedHeader()
		}
		var c = classify(res.err, penalty, innerErr, hasHeader, atMostOnce, triedAllOptions)

		if holder != nil {
			var latency = rd.clock.Now().Sub(rd.startedAt)
			holder.Release(latency, c.penalty, c.kind == Delivered, c.futureVersion)
		}
		return c, res.reply, nil

	case <-ctx.Done():
		var zero Rep
		return classification{}, zero, ctx.Err()
	}
}

// cancel tears down the attempt. If it had started but not yet been
// processed, and the Model is still valid, it is converted into a lagging
// request so the Model still eventually sees the outcome (spec.md §4.3
// Destruction, §5 Cancellation).
func (rd *requestData[Req, Rep]) cancel() {
	rd.mu.Lock()
	var started, processed, holder = rd.requestStarted, rd.requestProcessed, rd.holder
	rd.mu.Unlock()

	if !started || processed || holder == nil {
		return
	}

	holder.MakeLagging(func(cancelled <-chan struct{}) (time.Duration, float64, bool, bool) {
		select {
		case res := <-rd.resultCh:
			var latency = rd.clock.Now().Sub(rd.startedAt)
			if res.err != nil {
				return latency, 1.0, false, false
			}
			var penalty, _, hasHeader = res.reply.LoadBalancedHeader()
			if !hasHeader {
				penalty = 1.0
			}
			return latency, penalty, true, false
		case <-cancelled:
			// The lagging collection itself was cancelled wholesale (cap
			// reached); report an unclean outcome so the Model still undoes
			// this attempt's outstanding delta without a latency sample.
			return 0, 1.0, false, false
		}
	})
}
