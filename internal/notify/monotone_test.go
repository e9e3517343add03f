package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotoneAdvanceIsMonotone(t *testing.T) {
	var m = NewMonotone(5)
	assert.EqualValues(t, 5, m.Value())

	m.Advance(3) // no-op: below current
	assert.EqualValues(t, 5, m.Value())

	m.Advance(10)
	assert.EqualValues(t, 10, m.Value())
}

func TestMonotoneWaitAtLeastUnblocksOnAdvance(t *testing.T) {
	var m = NewMonotone(0)
	var ctx = context.Background()
	var done = make(chan error, 1)

	go func() { done <- m.WaitAtLeast(ctx, 5) }()

	time.Sleep(10 * time.Millisecond) // give the waiter time to block
	m.Advance(5)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAtLeast did not unblock after Advance")
	}
}

func TestMonotoneWaitAtLeastRespectsContext(t *testing.T) {
	var m = NewMonotone(0)
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var err = m.WaitAtLeast(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
