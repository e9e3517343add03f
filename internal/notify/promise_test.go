package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseSend(t *testing.T) {
	var p = NewPromise[int]()
	p.Send(42)

	var v, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPromiseSendError(t *testing.T) {
	var p = NewPromise[int]()
	var sentinel = errors.New("boom")
	p.SendError(sentinel)

	var _, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestPromiseSendNeverBlocksUntilContextDone(t *testing.T) {
	var p = NewPromise[int]()
	p.SendNever()

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan struct{})
	go func() {
		defer close(done)
		var _, err = p.Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before context was cancelled")
	default:
	}
	cancel()
	<-done
}
