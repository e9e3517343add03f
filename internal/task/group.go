// Package task provides a small cooperative task-group helper, adapted from
// the Queue/graceful-shutdown pattern of consumer/service.go: named
// goroutines that share a cancellable Context and a closed-channel
// broadcast for "we are stopping", with the first error winning.
package task

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs a set of named functions as goroutines sharing a Context.
// Cancelling the Group's Context (directly, or via the first member
// returning a non-nil error) propagates to every member; Wait blocks until
// all members have returned.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	err     error
	stopped chan struct{}
	once    sync.Once
}

// NewGroup returns a Group deriving its Context from parent.
func NewGroup(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, stopped: make(chan struct{})}
}

// Context returns the Group's shared Context, cancelled when the Group is
// stopping (either explicitly, or because a member returned an error).
func (g *Group) Context() context.Context { return g.ctx }

// Stopping returns a channel closed when the first queued member returns,
// whether or not it returned an error. Cancel does not close it.
func (g *Group) Stopping() <-chan struct{} { return g.stopped }

// Queue runs fn in its own goroutine under the name |name|, used only for
// diagnostic logging. The first member to return a non-nil error cancels
// the Group's Context for all other members.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		var err = fn()

		g.once.Do(func() { close(g.stopped) })

		if err != nil {
			g.mu.Lock()
			if g.err == nil {
				g.err = err
				log.WithFields(log.Fields{"task": name, "err": err}).
					Error("task group member failed; cancelling group")
			}
			g.mu.Unlock()
			g.cancel()
		}
	}()
}

// Cancel cancels the Group's Context without recording an error.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued member has returned, then returns the
// first non-nil error observed (if any).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
