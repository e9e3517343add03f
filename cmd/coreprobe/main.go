// Command coreprobe is a diagnostic harness for exercising the load
// balancer, version coordinator, and tag throttler against in-process
// fixtures. It is not part of the cluster wire protocol and carries no
// compatibility guarantee.
//
// Grounded on examples/word-count/wordcountctl/main.go's go-flags command
// layout.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/chronokv/core/failuremonitor"
	"github.com/chronokv/core/loadbalance"
	"github.com/chronokv/core/protocol"
	"github.com/chronokv/core/queuemodel"
	"github.com/chronokv/core/throttle"
	"github.com/chronokv/core/version"
)

var Config = new(struct {
	Log struct {
		Level string `long:"level" default:"info" description:"Logging level"`
	} `group:"Logging" namespace:"log"`
})

type cmdDispatch struct {
	Endpoints int     `long:"endpoints" default:"3" description:"Number of fixture endpoints"`
	FailRate  float64 `long:"fail-rate" default:"0.2" description:"Probability that each call to a fixture endpoint fails"`
}

func (cmd *cmdDispatch) Execute([]string) error {
	var fm = failuremonitor.New()
	var model = queuemodel.New(queuemodel.DefaultConfig())

	var alts = protocol.Alternatives{Fresh: true, CountBest: cmd.Endpoints}
	for i := 0; i < cmd.Endpoints; i++ {
		alts.Endpoints = append(alts.Endpoints, protocol.Endpoint{
			Address: fmt.Sprintf("127.0.0.1:%d", 10000+i),
			Token:   uint64(i + 1),
		})
	}

	var bal = loadbalance.New[string, fakeReply](protocol.RealClock{}, fm, loadbalance.DefaultConfig())
	var newStream = func(ep protocol.Endpoint) protocol.RequestStream[string, fakeReply] {
		return fakeStream{
			ep:      ep,
			latency: 5 * time.Millisecond,
			fail:    rand.Float64() < cmd.FailRate,
		}
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply, err = bal.LoadBalance(ctx, alts, newStream, "probe", false, model)
	var penalty, innerErr, hasHeader = reply.LoadBalancedHeader()
	log.WithFields(log.Fields{
		"penalty":   penalty,
		"innerErr":  innerErr,
		"hasHeader": hasHeader,
		"err":       err,
	}).Info("dispatch complete")
	return err
}

type cmdVersions struct {
	Proxies  int `long:"proxies" default:"1" description:"Number of commit proxies to simulate"`
	Requests int `long:"requests" default:"10" description:"GetCommitVersion calls per proxy"`
}

func (cmd *cmdVersions) Execute([]string) error {
	var coord = version.New(protocol.RealClock{}, version.DefaultConfig())

	var proxies []protocol.ProxyID
	for i := 0; i < cmd.Proxies; i++ {
		proxies = append(proxies, protocol.ProxyID(fmt.Sprintf("proxy-%d", i)))
	}
	var ctx = context.Background()
	coord.UpdateRecoveryData(ctx, protocol.UpdateRecoveryDataRequest{
		RecoveryTransactionVersion: 100,
		LastEpochEnd:               100,
		CommitProxies:              proxies,
	}, true)

	for _, p := range proxies {
		var mostRecent uint64
		for n := uint64(1); n <= uint64(cmd.Requests); n++ {
			var rep, err = coord.GetCommitVersion(ctx, protocol.GetCommitVersionRequest{
				RequestingProxy:               p,
				RequestNum:                    n,
				MostRecentProcessedRequestNum: mostRecent,
			})
			if err != nil {
				return err
			}
			mostRecent = n
			log.WithFields(log.Fields{
				"proxy":       p,
				"requestNum":  n,
				"version":     rep.Version,
				"prevVersion": rep.PrevVersion,
			}).Info("version issued")
		}
	}

	var live = coord.GetLiveCommittedVersion()
	log.WithField("liveCommittedVersion", live.Version).Info("versions probe complete")
	return nil
}

type cmdThrottle struct {
	Tags     []string `long:"tag" description:"Tag name(s) to simulate" default:"sampleTag"`
	RatePerS float64  `long:"rate" default:"10" description:"Requests per second budget, per tag"`
	Seconds  int      `long:"seconds" default:"5" description:"Simulated seconds of traffic"`
}

func (cmd *cmdThrottle) Execute([]string) error {
	var th = throttle.New(protocol.RealClock{})

	var rates = make(map[protocol.Tag]float64, len(cmd.Tags))
	for _, t := range cmd.Tags {
		rates[protocol.Tag(t)] = cmd.RatePerS
	}
	th.UpdateRates(rates)

	var released = make(map[protocol.Tag]int)
	for s := 0; s < cmd.Seconds; s++ {
		for _, t := range cmd.Tags {
			for i := 0; i < int(cmd.RatePerS*2); i++ {
				th.AddRequest(protocol.GetReadVersionRequest{
					Priority: protocol.PriorityDefault,
					Tags:     map[protocol.Tag]int{protocol.Tag(t): 1},
				}, nil)
			}
		}
		for tag, n := range th.ReleaseTransactions() {
			released[tag] += n
		}
		time.Sleep(time.Second)
	}

	log.WithField("released", released).Info("throttle probe complete")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		var level, err = log.ParseLevel(Config.Log.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	var mustAdd = func(name, short, long string, cmd any) {
		if _, err := parser.AddCommand(name, short, long, cmd); err != nil {
			log.WithError(err).WithField("command", name).Fatal("failed to register command")
		}
	}

	mustAdd("dispatch", "Drive a LoadBalancer dispatch",
		"Constructs a fixture Alternatives set and issues one dispatch against in-process fake streams",
		&cmdDispatch{})
	mustAdd("versions", "Drive a VersionCoordinator",
		"Issues synthetic GetCommitVersion traffic and prints the resulting version trace",
		&cmdVersions{})
	mustAdd("throttle", "Drive a TagThrottler",
		"Feeds a synthetic tagged request stream and reports per-tag release counts",
		&cmdThrottle{})

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("coreprobe failed")
	}
}
