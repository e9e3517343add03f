// Package loadbalance implements the two-choice, hedged-request RPC
// dispatcher of spec.md §4.3/§4.4: Balancer chooses a primary and (possibly)
// a hedge alternative, races them, classifies whichever reply arrives
// first, and retries under backoff.
//
// Grounded on broker/append_fsm.go's explicit state-machine idiom
// (appendState trampoline, errors.Wrap/pkg-errors propagation) and
// broker/client/reader.go's sentinel-error classification style.
package loadbalance

import (
	"github.com/pkg/errors"

	"github.com/chronokv/core/protocol"
)

// OutcomeKind tags how a single attempt's reply was classified
// (spec.md §9 "Tagged sum types").
type OutcomeKind int

const (
	// Delivered: a clean, successful reply.
	Delivered OutcomeKind = iota
	// Retriable: a transient failure; Balancer should re-select and retry.
	Retriable
	// Fatal: an error that must be surfaced to the caller immediately.
	Fatal
	// MaybeDelivered: broken_promise/request_maybe_delivered, not atMostOnce;
	// treated like Retriable by the caller, but recorded distinctly for
	// diagnostics.
	MaybeDelivered
)

// LoadBalancedReply is implemented by reply types that carry an optional
// inner header (self-reported Penalty and inner error). A reply that does
// not implement this meaningfully (hasHeader=false) is treated as success
// per spec.md §9's Open Question: this is deliberately permissive across
// all request types, matching the documented (if ambiguous) source
// behavior, rather than narrowing it to a subset.
type LoadBalancedReply interface {
	LoadBalancedHeader() (penalty float64, innerErr error, hasHeader bool)
}

// classification is the result of classifying one attempt's outcome.
type classification struct {
	kind          OutcomeKind
	err           error // set for Fatal only
	futureVersion bool
	penalty       float64
}

// classify implements the reply classification matrix of spec.md §4.3.
func classify(transportErr error, penalty float64, innerErr error, hasHeader bool, atMostOnce bool, triedAllOptions bool) classification {
	var effPenalty = 1.0
	if hasHeader {
		effPenalty = penalty
	}

	var effErr = transportErr
	if effErr == nil && hasHeader {
		effErr = innerErr
	}

	if effErr == nil {
		return classification{kind: Delivered, penalty: effPenalty}
	}

	switch {
	case errors.Is(effErr, protocol.ErrBrokenPromise), errors.Is(effErr, protocol.ErrRequestMaybeDelivered):
		if atMostOnce {
			return classification{kind: Fatal, err: protocol.ErrRequestMaybeDelivered, penalty: effPenalty}
		}
		return classification{kind: MaybeDelivered, penalty: effPenalty}

	case errors.Is(effErr, protocol.ErrServerOverloaded):
		return classification{kind: Retriable, penalty: effPenalty}

	case errors.Is(effErr, protocol.ErrFutureVersion):
		return classification{kind: Retriable, futureVersion: true, penalty: effPenalty}

	case errors.Is(effErr, protocol.ErrProcessBehind):
		if triedAllOptions {
			return classification{kind: Fatal, err: protocol.ErrProcessBehind, penalty: effPenalty}
		}
		return classification{kind: Retriable, penalty: effPenalty}

	default:
		return classification{kind: Fatal, err: effErr, penalty: effPenalty}
	}
}
