package loadbalance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandIntnZeroIsSafe(t *testing.T) {
	assert.Equal(t, 0, randIntn(0))
}

func TestWaitAnyEmptyReturnsImmediately(t *testing.T) {
	var done = make(chan struct{})
	go func() {
		waitAny(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitAny(nil) did not return")
	}
}

func TestWaitAnyFiresOnFirstClosedChannel(t *testing.T) {
	var a = make(chan struct{})
	var b = make(chan struct{})
	close(b)

	var done = make(chan struct{})
	go func() {
		waitAny([]<-chan struct{}{a, b})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitAny did not fire on an already-closed channel")
	}
}
