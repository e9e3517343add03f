package version

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/chronokv/core/protocol"
)

// LifetimeToken identifies one recruitment generation of a Coordinator: the
// key a generation's ownership is staked on in Etcd, and the revision it was
// created at. A Coordinator that observes its token's key mutate or vanish
// must treat its generation as ended (spec.md §4.5 "Lifetime"), mirroring
// consumer/resolver.go's "resolve against the revision a Header was read at,
// and wait out any lag rather than serving stale routing".
type LifetimeToken struct {
	Key      string
	Revision int64
}

// WatchLifetime watches key in etcd and returns a channel that is closed the
// moment the key's value changes or is deleted -- signalling that some other
// process has taken over the generation this token belongs to. The watch is
// torn down when ctx is cancelled.
//
// Grounded on consumer/resolver.go's KS.Observers/WaitForRevision pattern,
// adapted from "watch a whole keyspace and notify observers" down to
// "watch a single ownership key and broadcast its end", since the core
// does not otherwise need a general keyspace mirror.
func WatchLifetime(ctx context.Context, client *clientv3.Client, token LifetimeToken) (<-chan struct{}, error) {
	var getResp, err = client.Get(ctx, token.Key)
	if err != nil {
		return nil, errors.Wrap(err, "fetching lifetime key")
	}
	if len(getResp.Kvs) == 0 || getResp.Kvs[0].ModRevision > token.Revision {
		var ended = make(chan struct{})
		close(ended)
		return ended, nil
	}

	var ended = make(chan struct{})
	go func() {
		defer close(ended)

		var watchCh = client.Watch(clientv3.WithRequireLeader(ctx), token.Key, clientv3.WithRev(token.Revision+1))
		for {
			select {
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				if resp.Err() != nil {
					log.WithError(resp.Err()).Warn("lifetime watch ended with error, treating generation as ended")
					return
				}
				for _, ev := range resp.Events {
					if ev.Type == mvccpb.PUT || ev.Type == mvccpb.DELETE {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ended, nil
}

// RunUntilLifetimeEnds blocks until either ctx is done or the Coordinator's
// generation ends (per WatchLifetime), returning protocol.ErrGenerationEnded
// in the latter case so callers can distinguish a deliberate shutdown from an
// involuntary handoff.
func RunUntilLifetimeEnds(ctx context.Context, client *clientv3.Client, token LifetimeToken) error {
	var ended, err = WatchLifetime(ctx, client, token)
	if err != nil {
		return err
	}
	select {
	case <-ended:
		return protocol.ErrGenerationEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}
