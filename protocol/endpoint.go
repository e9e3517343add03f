// Package protocol defines the wire-level vocabulary shared by the
// load-balanced dispatch, version-coordination, and tag-throttling
// subsystems: endpoints, alternatives sets, request/reply messages, and
// the sentinel error taxonomy used to classify RPC outcomes.
package protocol

import "fmt"

// Endpoint is an opaque, routable identifier for one replica of an RPC
// service. Two Endpoints are equal iff their Tokens match; Address is
// carried for dialing and logging only. A transport that re-publishes the
// same network Address under a new incarnation (eg, a restarted process)
// must mint a new Token, so that cached Endpoints referring to the old
// incarnation simply remain unreachable rather than silently aliasing the
// new one.
type Endpoint struct {
	Address string
	Token   uint64
}

// Equal reports whether ep and other designate the same replica incarnation.
func (ep Endpoint) Equal(other Endpoint) bool { return ep.Token == other.Token }

func (ep Endpoint) String() string { return fmt.Sprintf("%s#%x", ep.Address, ep.Token) }

// Alternatives is an ordered set of Endpoints serving the same logical RPC.
// The [0, CountBest) prefix is the caller's local ("best") tier; the
// remainder are remote alternatives. Fresh indicates the set is authoritative:
// repeated total failure against a non-Fresh set asks the caller to refresh
// it (ErrAllAlternativesFailed) rather than blocking forever.
type Alternatives struct {
	Endpoints []Endpoint
	CountBest int
	Fresh     bool
}

// Len returns the number of alternatives.
func (a Alternatives) Len() int { return len(a.Endpoints) }

// IsLocal reports whether alternative index i falls within the local prefix.
func (a Alternatives) IsLocal(i int) bool { return i < a.CountBest }
