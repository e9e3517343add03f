package version

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chronokv/core/internal/notify"
	"github.com/chronokv/core/internal/trc"
	"github.com/chronokv/core/protocol"
)

// maxRequestNum bounds RequestNum to what a Monotone (backed by int64) can
// represent without wrapping, per spec.md §8's "requestNum wraparound within
// a generation is not supported ... must be detected and the proxy rejected".
const maxRequestNum = uint64(math.MaxInt64)

// proxyState is the per-commit-proxy reply cache and FIFO gate of spec.md
// §3 "CommitProxyReplies".
type proxyState struct {
	mu               sync.Mutex
	replies          map[uint64]protocol.GetCommitVersionReply
	latestRequestNum *notify.Monotone
}

func newProxyState() *proxyState {
	return &proxyState{
		replies:          make(map[uint64]protocol.GetCommitVersionReply),
		latestRequestNum: notify.NewMonotone(0),
	}
}

// Coordinator is the master-side version allocator and live-committed
// tracker (spec.md §4.5). All mutating methods serialize through a single
// mutex, matching spec.md §5's single-goroutine-owned state model and
// consumer/resolver.go's "hold KS.Mu while mutating" idiom.
type Coordinator struct {
	cfg   Config
	clock protocol.Clock

	mu                         sync.Mutex
	version                    protocol.Version
	hasEmittedVersion          bool
	lastVersionTime            time.Time
	lastEpochEnd               protocol.Version
	recoveryTransactionVersion protocol.Version
	referenceVersion           *float64

	liveCommitted            *notify.Monotone
	liveCommittedInitialized bool
	minKnownCommittedVersion protocol.Version
	databaseLocked           bool
	proxyMetadataVersion     []byte
	locality                 string

	reportLiveCommittedVersionRequests uint64

	proxies map[protocol.ProxyID]*proxyState
}

// New returns a Coordinator with no registered proxies; callers must
// process an UpdateRecoveryDataRequest before GetCommitVersion will accept
// any proxy.
func New(clock protocol.Clock, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:                      cfg,
		clock:                    clock,
		recoveryTransactionVersion: protocol.InvalidVersion,
		liveCommitted:            notify.NewMonotone(int64(protocol.InvalidVersion)),
		minKnownCommittedVersion: protocol.InvalidVersion,
		proxies:                  make(map[protocol.ProxyID]*proxyState),
	}
}

// GetCommitVersion implements spec.md §4.5 "Version allocation". It blocks
// until req.RequestNum-1 has already been served for this proxy (FIFO), is
// idempotent on RequestNum, and treats a requestNum that is stale (at or
// below the proxy's latest, with no cached reply) as one whose reply must never
// be observed -- the caller has moved on, per the Open Question decision
// recorded in SPEC_FULL.md.
func (c *Coordinator) GetCommitVersion(ctx context.Context, req protocol.GetCommitVersionRequest) (protocol.GetCommitVersionReply, error) {
	c.mu.Lock()
	var ps, ok = c.proxies[req.RequestingProxy]
	c.mu.Unlock()
	if !ok {
		return protocol.GetCommitVersionReply{}, protocol.ErrUnknownProxy
	}
	if req.RequestNum > maxRequestNum {
		trc.AddTrace(ctx, "version: proxy %s rejected, requestNum %d exceeds generation lifetime", req.RequestingProxy, req.RequestNum)
		return protocol.GetCommitVersionReply{}, protocol.ErrRequestNumOverflow
	}

	if req.RequestNum > 0 {
		if err := ps.latestRequestNum.WaitAtLeast(ctx, int64(req.RequestNum-1)); err != nil {
			return protocol.GetCommitVersionReply{}, err
		}
	}

	ps.mu.Lock()
	if rep, cached := ps.replies[req.RequestNum]; cached {
		ps.mu.Unlock()
		trc.AddTrace(ctx, "version: proxy %s requestNum %d replayed from cache", req.RequestingProxy, req.RequestNum)
		return rep, nil // idempotent replay
	}
	if req.RequestNum <= uint64(ps.latestRequestNum.Value()) {
		ps.mu.Unlock()
		// Stale: the proxy has already reached or passed this requestNum and
		// we hold no cached reply for it (eg, evicted via
		// MostRecentProcessedRequestNum, or an exact duplicate of the latest
		// served requestNum whose cache entry was already evicted). The
		// promise is deliberately never resolved; see
		// internal/notify.Promise.SendNever.
		trc.AddTrace(ctx, "version: proxy %s requestNum %d stale, never resolving", req.RequestingProxy, req.RequestNum)
		var p = notify.NewPromise[protocol.GetCommitVersionReply]()
		p.SendNever()
		return p.Wait(ctx)
	}
	ps.mu.Unlock()

	c.mu.Lock()
	var rep = c.allocateVersionLocked(req.RequestNum)
	c.mu.Unlock()

	ps.mu.Lock()
	ps.replies[req.RequestNum] = rep
	for k := range ps.replies {
		if k <= req.MostRecentProcessedRequestNum {
			delete(ps.replies, k)
		}
	}
	ps.mu.Unlock()
	ps.latestRequestNum.Advance(int64(req.RequestNum))

	trc.AddTrace(ctx, "version: proxy %s requestNum %d issued version %d (prev %d)", req.RequestingProxy, req.RequestNum, rep.Version, rep.PrevVersion)
	return rep, nil
}

// allocateVersionLocked implements spec.md §4.5 step 5: compute a new
// version for this generation, advancing lastVersionTime and
// hasEmittedVersion. c.mu must be held.
func (c *Coordinator) allocateVersionLocked(requestNum uint64) protocol.GetCommitVersionReply {
	var prev = c.version

	if !c.hasEmittedVersion {
		c.version = c.recoveryTransactionVersion
		prev = c.lastEpochEnd
		c.hasEmittedVersion = true
		c.lastVersionTime = c.clock.Now()
	} else {
		var now = c.clock.Now()
		var elapsed = now.Sub(c.lastVersionTime).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		var toAdd = clampFloat(c.cfg.VersionsPerSecond*elapsed, 1, c.cfg.MaxReadTransactionLifeVersions)

		if c.referenceVersion != nil {
			var expected = secondsSinceEpoch(now)*c.cfg.VersionsPerSecond - *c.referenceVersion
			var maxOffset = math.Min(toAdd*c.cfg.MaxVersionRateModifier, c.cfg.MaxVersionRateOffset)
			var delta = expected - float64(c.version)
			delta = clampFloat(delta, toAdd-maxOffset, toAdd+maxOffset)
			c.version += protocol.Version(delta)
		} else {
			c.version += protocol.Version(toAdd)
		}
		c.lastVersionTime = now
	}

	return protocol.GetCommitVersionReply{Version: c.version, PrevVersion: prev, RequestNum: requestNum}
}

// UpdateLiveCommittedVersion implements spec.md §4.5 "Live-committed
// tracking". When version vectors are enabled and the request carries a
// PrevVersion ahead of what's currently committed, the update blocks until
// enough other reports have landed to catch liveCommittedVersion up --
// bounded only by incoming reports, never by a timer, preserving causal
// order.
func (c *Coordinator) UpdateLiveCommittedVersion(ctx context.Context, req protocol.ReportRawCommittedVersionRequest) error {
	c.mu.Lock()
	if req.MinKnownCommittedVersion > c.minKnownCommittedVersion {
		c.minKnownCommittedVersion = req.MinKnownCommittedVersion
	}
	var needWait = c.cfg.VersionVectorEnabled && req.PrevVersion != nil &&
		protocol.Version(c.liveCommitted.Value()) < *req.PrevVersion
	var waitFor int64
	if needWait {
		waitFor = int64(*req.PrevVersion)
	}
	c.mu.Unlock()

	if needWait {
		if err := c.liveCommitted.WaitAtLeast(ctx, waitFor); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Version > protocol.Version(c.liveCommitted.Value()) {
		c.databaseLocked = req.Locked
		c.proxyMetadataVersion = req.MetadataVersion
		c.liveCommitted.Advance(int64(req.Version))
		c.liveCommittedInitialized = true
	}
	c.reportLiveCommittedVersionRequests++
	return nil
}

// GetLiveCommittedVersion implements spec.md §4.5 "Serving read-committed".
func (c *Coordinator) GetLiveCommittedVersion() protocol.GetRawCommittedVersionReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveCommittedInitialized {
		c.liveCommitted.Advance(int64(c.recoveryTransactionVersion))
		c.liveCommittedInitialized = true
	}
	return protocol.GetRawCommittedVersionReply{
		Version:                  protocol.Version(c.liveCommitted.Value()),
		Locked:                   c.databaseLocked,
		MetadataVersion:          c.proxyMetadataVersion,
		MinKnownCommittedVersion: c.minKnownCommittedVersion,
	}
}

// UpdateRecoveryData implements spec.md §4.5 "Recovery data update".
// Processing is strictly one at a time: the whole Coordinator mutex is held
// for the duration, matching spec.md's stated serialization requirement.
func (c *Coordinator) UpdateRecoveryData(ctx context.Context, req protocol.UpdateRecoveryDataRequest, simulation bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recoveryTransactionVersion = req.RecoveryTransactionVersion
	c.lastEpochEnd = req.LastEpochEnd
	c.hasEmittedVersion = false
	c.version = req.RecoveryTransactionVersion

	c.proxies = make(map[protocol.ProxyID]*proxyState, len(req.CommitProxies))
	for _, p := range req.CommitProxies {
		c.proxies[p] = newProxyState()
	}

	if req.VersionEpoch != nil {
		var rv = float64(*req.VersionEpoch)
		c.referenceVersion = &rv
	} else if simulation {
		var rv = -randFloat() * c.cfg.VersionsPerSecond
		c.referenceVersion = &rv
	} else {
		c.referenceVersion = nil
	}

	c.locality = req.PrimaryLocality

	log.WithFields(log.Fields{
		"recoveryTransactionVersion": req.RecoveryTransactionVersion,
		"lastEpochEnd":               req.LastEpochEnd,
		"commitProxies":              len(req.CommitProxies),
	}).Info("version coordinator installed new recovery data")
	trc.AddTrace(ctx, "version: installed recovery data, recoveryTransactionVersion=%d lastEpochEnd=%d commitProxies=%d",
		req.RecoveryTransactionVersion, req.LastEpochEnd, len(req.CommitProxies))
}
