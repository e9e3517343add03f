package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/chronokv/core/protocol"
)

// fakeReply is a minimal LoadBalancedReply used to drive the dispatch
// subcommand against an in-process fixture instead of a real RPC transport.
type fakeReply struct {
	penalty   float64
	innerErr  error
	hasHeader bool
}

func (r fakeReply) LoadBalancedHeader() (float64, error, bool) {
	return r.penalty, r.innerErr, r.hasHeader
}

// fakeStream implements protocol.RequestStream against a fixed Endpoint,
// returning a canned outcome after a simulated latency. Grounded on the
// shape broker/client/append_service_test.go's fixture streams take: a
// small struct standing in for a real gRPC-backed stream.
type fakeStream struct {
	ep      protocol.Endpoint
	latency time.Duration
	fail    bool
}

func (s fakeStream) GetEndpoint() protocol.Endpoint { return s.ep }

func (s fakeStream) TryGetReply(ctx context.Context, _ string) (fakeReply, error) {
	var jitter = time.Duration(rand.Int63n(int64(s.latency) + 1))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return fakeReply{}, ctx.Err()
	}
	if s.fail {
		return fakeReply{}, protocol.ErrServerOverloaded
	}
	return fakeReply{penalty: 1.0, hasHeader: true}, nil
}
