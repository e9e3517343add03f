package loadbalance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronokv/core/failuremonitor"
	"github.com/chronokv/core/protocol"
	"github.com/chronokv/core/queuemodel"
)

type testReply struct {
	penalty   float64
	innerErr  error
	hasHeader bool
}

func (r testReply) LoadBalancedHeader() (float64, error, bool) { return r.penalty, r.innerErr, r.hasHeader }

type testStream struct {
	ep      protocol.Endpoint
	latency time.Duration
	err     error
}

func (s testStream) GetEndpoint() protocol.Endpoint { return s.ep }

func (s testStream) TryGetReply(ctx context.Context, _ string) (testReply, error) {
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return testReply{}, ctx.Err()
	}
	if s.err != nil {
		return testReply{}, s.err
	}
	return testReply{penalty: 1.0, hasHeader: true}, nil
}

func TestLoadBalanceDeliversOnSingleHealthyEndpoint(t *testing.T) {
	var fm = failuremonitor.New()
	var model = queuemodel.New(queuemodel.DefaultConfig())
	var alts = protocol.Alternatives{
		Endpoints: []protocol.Endpoint{{Address: "a", Token: 1}},
		CountBest: 1,
		Fresh:     true,
	}

	var bal = New[string, testReply](protocol.RealClock{}, fm, DefaultConfig())
	var newStream = func(ep protocol.Endpoint) protocol.RequestStream[string, testReply] {
		return testStream{ep: ep, latency: time.Millisecond}
	}

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var reply, err = bal.LoadBalance(ctx, alts, newStream, "req", false, model)
	require.NoError(t, err)
	assert.True(t, reply.hasHeader)
}

// TestLoadBalanceHedgeWinsOverSlowPrimary exercises spec scenario 6: a slow
// primary is hedged against a fast alternative, and the faster reply wins
// the race.
func TestLoadBalanceHedgeWinsOverSlowPrimary(t *testing.T) {
	var fm = failuremonitor.New()
	var model = queuemodel.New(queuemodel.DefaultConfig())
	var alts = protocol.Alternatives{
		Endpoints: []protocol.Endpoint{
			{Address: "slow", Token: 1},
			{Address: "fast", Token: 2},
		},
		CountBest: 2,
		Fresh:     true,
	}

	var cfg = DefaultConfig()
	cfg.BaseSecondRequestTime = time.Millisecond
	cfg.InstantSecondRequestMultiplier = 2.0

	var bal = New[string, testReply](protocol.RealClock{}, fm, cfg)
	var newStream = func(ep protocol.Endpoint) protocol.RequestStream[string, testReply] {
		if ep.Token == 1 {
			return testStream{ep: ep, latency: 200 * time.Millisecond}
		}
		return testStream{ep: ep, latency: 5 * time.Millisecond}
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var start = time.Now()
	var reply, err = bal.LoadBalance(ctx, alts, newStream, "req", false, model)
	var elapsed = time.Since(start)

	require.NoError(t, err)
	assert.True(t, reply.hasHeader)
	assert.Less(t, elapsed, 150*time.Millisecond, "hedged fast alternative should win before the slow primary returns")
}

func TestLoadBalanceRetriesOnServerOverloaded(t *testing.T) {
	var fm = failuremonitor.New()
	var model = queuemodel.New(queuemodel.DefaultConfig())
	var alts = protocol.Alternatives{
		Endpoints: []protocol.Endpoint{{Address: "a", Token: 1}},
		CountBest: 1,
		Fresh:     true,
	}

	var cfg = DefaultConfig()
	cfg.StartBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond

	var attempts int
	var bal = New[string, testReply](protocol.RealClock{}, fm, cfg)
	var newStream = func(ep protocol.Endpoint) protocol.RequestStream[string, testReply] {
		attempts++
		if attempts < 3 {
			return testStream{ep: ep, latency: time.Millisecond, err: protocol.ErrServerOverloaded}
		}
		return testStream{ep: ep, latency: time.Millisecond}
	}

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var reply, err = bal.LoadBalance(ctx, alts, newStream, "req", false, model)
	require.NoError(t, err)
	assert.True(t, reply.hasHeader)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestLoadBalanceEmptyAlternativesBlocksUntilContextDone(t *testing.T) {
	var fm = failuremonitor.New()
	var alts = protocol.Alternatives{}

	var bal = New[string, testReply](protocol.RealClock{}, fm, DefaultConfig())
	var newStream = func(ep protocol.Endpoint) protocol.RequestStream[string, testReply] {
		return testStream{ep: ep}
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var _, err = bal.LoadBalance(ctx, alts, newStream, "req", false, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
