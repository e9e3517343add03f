package queuemodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModelHolderReleaseIsIdempotent(t *testing.T) {
	var m = New(DefaultConfig())
	var h = NewModelHolder(m, 1)
	assert.Equal(t, 1.0, m.Snapshot(1).SmoothOutstanding)

	h.Release(time.Millisecond, 1.0, true, false)
	h.Release(time.Millisecond, 1.0, true, false) // second call must be a no-op

	assert.Zero(t, m.Snapshot(1).SmoothOutstanding)
}

func TestModelHolderMakeLaggingEventuallyCompletes(t *testing.T) {
	var m = New(DefaultConfig())
	var h = NewModelHolder(m, 2)

	var waitStarted = make(chan struct{})
	var release = make(chan struct{})
	h.MakeLagging(func(cancelled <-chan struct{}) (time.Duration, float64, bool, bool) {
		close(waitStarted)
		<-release
		return time.Millisecond, 1.0, true, false
	})

	<-waitStarted
	assert.Equal(t, 1.0, m.Snapshot(2).SmoothOutstanding) // still outstanding until wait resolves
	close(release)

	assert.Eventually(t, func() bool {
		return m.Snapshot(2).SmoothOutstanding == 0
	}, time.Second, time.Millisecond)
}

func TestModelHolderMakeLaggingAfterReleaseIsNoop(t *testing.T) {
	var m = New(DefaultConfig())
	var h = NewModelHolder(m, 3)
	h.Release(time.Millisecond, 1.0, true, false)

	var called = false
	h.MakeLagging(func(cancelled <-chan struct{}) (time.Duration, float64, bool, bool) {
		called = true
		return 0, 0, false, false
	})
	assert.False(t, called)
}
