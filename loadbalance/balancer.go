package loadbalance

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chronokv/core/internal/trc"
	"github.com/chronokv/core/protocol"
	"github.com/chronokv/core/queuemodel"
)

// Config tunes Balancer's selection, hedging, backoff, and watchdog policy
// (spec.md §6.3).
type Config struct {
	StartBackoff  time.Duration // LOAD_BALANCE_START_BACKOFF
	MaxBackoff    time.Duration // LOAD_BALANCE_MAX_BACKOFF
	BackoffGrowth float64       // LOAD_BALANCE_BACKOFF_RATE

	InstantSecondRequestMultiplier float64       // INSTANT_SECOND_REQUEST_MULTIPLIER
	BaseSecondRequestTime          time.Duration // BASE_SECOND_REQUEST_TIME

	MaxBadOptions int  // LOAD_BALANCE_MAX_BAD_OPTIONS
	PenaltyIsBad  bool // LOAD_BALANCE_PENALTY_IS_BAD

	AlternativesFailureMinDelay time.Duration // ALTERNATIVES_FAILURE_*
	AlternativesFailureMaxDelay time.Duration

	WatchdogThreshold time.Duration
}

// DefaultConfig returns production-shaped defaults (spec.md §4.4 notes the
// watchdog threshold differs between simulation and production; callers in
// a test harness should shrink WatchdogThreshold explicitly).
func DefaultConfig() Config {
	return Config{
		StartBackoff:                   10 * time.Millisecond,
		MaxBackoff:                     1 * time.Second,
		BackoffGrowth:                  2.0,
		InstantSecondRequestMultiplier: 2.0,
		BaseSecondRequestTime:          1 * time.Millisecond,
		MaxBadOptions:                  1,
		PenaltyIsBad:                   true,
		AlternativesFailureMinDelay:    1 * time.Second,
		AlternativesFailureMaxDelay:    10 * time.Second,
		WatchdogThreshold:              5 * time.Second,
	}
}

// Balancer dispatches RPCs of request type Req / reply type Rep across a
// changing set of alternative endpoints (spec.md §4.4).
type Balancer[Req any, Rep LoadBalancedReply] struct {
	clock protocol.Clock
	fm    protocol.FailureMonitor
	cfg   Config
}

// New returns a Balancer using clock and fm, configured by cfg.
func New[Req any, Rep LoadBalancedReply](clock protocol.Clock, fm protocol.FailureMonitor, cfg Config) *Balancer[Req, Rep] {
	return &Balancer[Req, Rep]{clock: clock, fm: fm, cfg: cfg}
}

// NewStreamFunc opens (or returns a cached) RequestStream bound to ep.
type NewStreamFunc[Req any, Rep LoadBalancedReply] func(protocol.Endpoint) protocol.RequestStream[Req, Rep]

// LoadBalance dispatches req across alts until a definite reply or a fatal
// error is obtained, hedging a second attempt when the primary looks slow.
// It implements spec.md §4.4 in full: selection, hedging, retry/backoff,
// all-failed handling, the watchdog trace, and atMostOnce termination.
func (b *Balancer[Req, Rep]) LoadBalance(
	ctx context.Context,
	alts protocol.Alternatives,
	newStream NewStreamFunc[Req, Rep],
	req Req,
	atMostOnce bool,
	model *queuemodel.Model,
) (Rep, error) {
	var zero Rep

	if alts.Len() == 0 {
		// spec.md §8 boundary case: an empty alternatives set never completes
		// (the caller is expected to race this against its own timeout/refresh).
		<-ctx.Done()
		return zero, ctx.Err()
	}

	var watchdogStop = make(chan struct{})
	defer close(watchdogStop)
	go b.watchdog(alts, watchdogStop)

	var backoff = b.cfg.StartBackoff
	var numAttempts int
	var triedAllOptions bool
	var downSince time.Time

	for {
		var bestAlt, nextAlt int
		if model != nil {
			bestAlt, nextAlt = b.selectWithModel(alts, model)
		} else {
			bestAlt, nextAlt = b.selectRandom(alts), -1
		}

		if bestAlt == -1 {
			if downSince.IsZero() {
				downSince = b.clock.Now()
			}
			if err := b.waitForHealthyOrFail(ctx, alts, downSince); err != nil {
				return zero, err
			}
			continue
		}
		if !downSince.IsZero() {
			backoff = b.cfg.StartBackoff // reset on first healthy endpoint appearing
			downSince = time.Time{}
		}

		numAttempts++
		if numAttempts >= alts.Len() {
			numAttempts = 0
			triedAllOptions = true
			if err := b.clock.Delay(ctx, backoff); err != nil {
				return zero, err
			}
			backoff = clampDuration(time.Duration(float64(backoff)*b.cfg.BackoffGrowth), b.cfg.StartBackoff, b.cfg.MaxBackoff)
		}

		trc.AddTrace(ctx, "loadbalance: attempt %d against alt %d (hedge alt %d)", numAttempts, bestAlt, nextAlt)

		var outcome, err = b.attemptOnce(ctx, alts, bestAlt, nextAlt, newStream, req, atMostOnce, triedAllOptions, model)
		if err != nil {
			return zero, err
		}
		switch outcome.kind {
		case Delivered:
			trc.AddTrace(ctx, "loadbalance: delivered after %d attempt(s)", numAttempts)
			return outcome.reply, nil
		case Fatal:
			trc.AddTrace(ctx, "loadbalance: fatal outcome: %v", outcome.err)
			return zero, outcome.err
		default: // Retriable, MaybeDelivered: loop and re-select
		}
	}
}

type attemptOutcome[Rep any] struct {
	kind  OutcomeKind
	reply Rep
	err   error
}

// attemptOnce runs one primary (and possibly hedged) attempt, returning the
// first classified outcome and cancelling the loser into a lagging request.
func (b *Balancer[Req, Rep]) attemptOnce(
	ctx context.Context,
	alts protocol.Alternatives,
	bestAlt, nextAlt int,
	newStream NewStreamFunc[Req, Rep],
	req Req,
	atMostOnce bool,
	triedAllOptions bool,
	model *queuemodel.Model,
) (attemptOutcome[Rep], error) {
	type msg struct {
		which int // 0 = first, 1 = second
		c     classification
		reply Rep
		err   error
	}
	var outcomeCh = make(chan msg, 2)

	var first = newRequestData[Req, Rep](newStream(alts.Endpoints[bestAlt]), b.clock, model)
	first.startRequest(ctx, 0, triedAllOptions, req)
	go func() {
		var c, reply, err = first.checkAndProcessResult(ctx, atMostOnce)
		outcomeCh <- msg{0, c, reply, err}
	}()

	var secondPtr atomic.Pointer[requestData[Req, Rep]]
	if model != nil && nextAlt != -1 {
		var bestMeas = model.Snapshot(alts.Endpoints[bestAlt].Token)
		var nextMeas = model.Snapshot(alts.Endpoints[nextAlt].Token)
		var secondDelay, hedge = computeSecondDelay(bestMeas.Latency, nextMeas.Latency, model, b.cfg)

		if hedge {
			go func() {
				if secondDelay > 0 {
					if err := b.clock.Delay(ctx, secondDelay); err != nil {
						return
					}
				}
				if !model.TryNoteHedgeSent() {
					return
				}
				var second = newRequestData[Req, Rep](newStream(alts.Endpoints[nextAlt]), b.clock, model)
				secondPtr.Store(second)
				second.startRequest(ctx, 0, triedAllOptions, req)

				var c, reply, err = second.checkAndProcessResult(ctx, atMostOnce)
				outcomeCh <- msg{1, c, reply, err}
			}()
		}
	}

	select {
	case m := <-outcomeCh:
		if m.which == 0 {
			if s := secondPtr.Load(); s != nil {
				s.cancel()
			}
			if m.c.kind == Delivered && model != nil {
				model.NoteFirstSuccess()
			}
		} else {
			first.cancel()
		}
		if m.err != nil {
			return attemptOutcome[Rep]{}, m.err
		}
		return attemptOutcome[Rep]{kind: m.c.kind, reply: m.reply, err: m.c.err}, nil

	case <-ctx.Done():
		first.cancel()
		if s := secondPtr.Load(); s != nil {
			s.cancel()
		}
		return attemptOutcome[Rep]{}, ctx.Err()
	}
}

// selectWithModel implements spec.md §4.4 "Selection": scans alts, skipping
// failed/debounced endpoints, tracking the two lowest-SmoothOutstanding
// alternatives, stopping early once a healthy local endpoint and a viable
// second choice are both known and the bad-endpoint count stays bounded.
func (b *Balancer[Req, Rep]) selectWithModel(alts protocol.Alternatives, model *queuemodel.Model) (bestAlt, nextAlt int) {
	bestAlt, nextAlt = -1, -1
	var bestOut, nextOut = math.MaxFloat64, math.MaxFloat64
	var now = b.clock.Now()
	var badCount int
	var localHealthy bool

	for i, ep := range alts.Endpoints {
		if failed, ok := b.fm.GetState(ep); ok && failed {
			continue
		}
		var meas = model.Snapshot(ep.Token)
		if !meas.FailedUntil.IsZero() && meas.FailedUntil.After(now) {
			continue // debounced: up per FailureMonitor, but recently future_version'd
		}

		var bad = b.cfg.PenaltyIsBad && meas.IsBad()
		if bad {
			badCount++
		}
		if alts.IsLocal(i) && !bad {
			localHealthy = true
		}

		if meas.SmoothOutstanding < bestOut {
			nextOut, nextAlt = bestOut, bestAlt
			bestOut, bestAlt = meas.SmoothOutstanding, i
		} else if meas.SmoothOutstanding < nextOut {
			nextOut, nextAlt = meas.SmoothOutstanding, i
		}

		if i == alts.CountBest-1 && localHealthy && badCount <= b.cfg.MaxBadOptions && nextAlt != -1 {
			return bestAlt, nextAlt // avoid unnecessary cross-region scanning
		}
	}
	return bestAlt, nextAlt
}

// selectRandom implements the no-model selection policy: a random starting
// index, scanned circularly, returning the first non-failed endpoint.
func (b *Balancer[Req, Rep]) selectRandom(alts protocol.Alternatives) int {
	var n = alts.Len()
	var start = randIntn(n)
	for i := 0; i < n; i++ {
		var idx = (start + i) % n
		if failed, ok := b.fm.GetState(alts.Endpoints[idx]); !ok || !failed {
			return idx
		}
	}
	return -1
}

// computeSecondDelay implements spec.md §4.4 "Hedging policy".
func computeSecondDelay(bestLatency, nextLatency time.Duration, model *queuemodel.Model, cfg Config) (time.Duration, bool) {
	var multiplier = model.SecondMultiplier()
	var nominal = time.Duration(multiplier*float64(nextLatency)) + cfg.BaseSecondRequestTime
	var threshold = time.Duration(cfg.InstantSecondRequestMultiplier * float64(nominal))
	if bestLatency > threshold {
		return 0, true // immediate hedge
	}
	return nominal, true
}

// waitForHealthyOrFail blocks until some alternative becomes healthy. If
// alts is not Fresh, it additionally imposes a jittered delay derived from
// how long the alternatives have been down; if that delay elapses first, it
// returns ErrAllAlternativesFailed so the caller refreshes its set
// (spec.md §4.4 "'All failed' handling").
func (b *Balancer[Req, Rep]) waitForHealthyOrFail(ctx context.Context, alts protocol.Alternatives, downSince time.Time) error {
	var waitCh = make(chan struct{})
	go func() {
		defer close(waitCh)
		var chans = make([]<-chan struct{}, 0, alts.Len())
		for _, ep := range alts.Endpoints {
			chans = append(chans, b.fm.OnStateEqual(ctx, ep, false))
		}
		waitAny(chans)
	}()

	if !alts.Fresh {
		var elapsed = b.clock.Now().Sub(downSince)
		var delay = clampDuration(elapsed, b.cfg.AlternativesFailureMinDelay, b.cfg.AlternativesFailureMaxDelay)
		var failCh = make(chan struct{})
		go func() {
			defer close(failCh)
			_ = b.clock.DelayJittered(ctx, delay)
		}()
		select {
		case <-waitCh:
			return nil
		case <-failCh:
			return protocol.ErrAllAlternativesFailed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchdog emits a diagnostic trace (without aborting) if a dispatch exceeds
// the configured threshold, matching spec.md §4.4 "Watchdog".
func (b *Balancer[Req, Rep]) watchdog(alts protocol.Alternatives, stop <-chan struct{}) {
	var t = time.NewTimer(b.cfg.WatchdogThreshold)
	defer t.Stop()
	select {
	case <-stop:
		return
	case <-t.C:
		log.WithField("endpoints", alts.Endpoints).
			Warn("loadbalance: dispatch exceeded watchdog threshold; continuing to retry")
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
