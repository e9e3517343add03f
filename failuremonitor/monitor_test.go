package failuremonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronokv/core/protocol"
)

func TestGetStateDefaultsToUnknown(t *testing.T) {
	var m = New()
	var ep = protocol.Endpoint{Address: "a", Token: 1}

	var failed, ok = m.GetState(ep)
	assert.False(t, ok)
	assert.False(t, failed)
}

func TestSetStateThenGetState(t *testing.T) {
	var m = New()
	var ep = protocol.Endpoint{Address: "a", Token: 1}

	m.SetState(ep, true)
	var failed, ok = m.GetState(ep)
	require.True(t, ok)
	assert.True(t, failed)
}

func TestOnStateEqualIsEdgeTriggered(t *testing.T) {
	var m = New()
	var ep = protocol.Endpoint{Address: "a", Token: 1}
	var ctx = context.Background()

	m.SetState(ep, true)
	var ch = m.OnStateEqual(ctx, ep, true) // already true, but edge-triggered: waits for the *next* transition into true

	select {
	case <-ch:
		t.Fatal("OnStateEqual fired without a new transition")
	case <-time.After(20 * time.Millisecond):
	}

	m.SetState(ep, false)
	m.SetState(ep, true)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("OnStateEqual did not fire after the next transition into the target state")
	}
}

func TestOnStateEqualRespectsContext(t *testing.T) {
	var m = New()
	var ep = protocol.Endpoint{Address: "a", Token: 1}
	var ctx, cancel = context.WithCancel(context.Background())

	var ch = m.OnStateEqual(ctx, ep, true)
	cancel()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("OnStateEqual channel was not closed after context cancellation")
	}
}
