// Package probing implements the Alias Hint Collector: a
// four-phase bounded-concurrency probing pipeline that populates an IP
// Table with the evidence the Alias Resolver later groups into routers.
//
// Each phase runs as its own supervised dgroup.Group sub-group, bounded by
// a golang.org/x/sync/semaphore.Weighted sized to the phase's worker cap;
// the group's Wait is the barrier between phases.
package probing

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"golang.org/x/sync/semaphore"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/iptable"
)

// IPIDResult is the outcome of one IP-ID probe round.
type IPIDResult struct {
	IPID    uint16
	Token   uint64
	Replied bool
}

// UDPUnreachableResult is the outcome of a UDP-to-closed-port probe.
type UDPUnreachableResult struct {
	Replied  bool
	ReplySrc ipaddr.Addr
}

// ICMPTimestampResult is the outcome of an ICMP timestamp probe.
type ICMPTimestampResult struct {
	Replied bool
}

// ReverseDNSResult is the outcome of a PTR lookup.
type ReverseDNSResult struct {
	Hostname string
	Found    bool
}

// ProbeSuite is the only way AliasHintCollector workers touch the network.
// Every method is context-aware and returns a zero result with
// a nil error on timeout rather than treating a non-response as failure;
// only a genuine primitive failure (e.g. socket setup) returns an error.
type ProbeSuite interface {
	IPID(ctx context.Context, target ipaddr.Addr, token uint64) (IPIDResult, error)
	UDPUnreachable(ctx context.Context, target ipaddr.Addr, srcPort, dstPort uint16) (UDPUnreachableResult, error)
	ICMPTimestamp(ctx context.Context, target ipaddr.Addr) (ICMPTimestampResult, error)
	ReverseDNS(ctx context.Context, target ipaddr.Addr) (ReverseDNSResult, error)
}

// Config bounds each phase's worker pool and dispatch pacing.
type Config struct {
	MaxThreads    int
	NbIPIDs       int
	MaxCollectors int
	ProbeTimeout  time.Duration
	UDPPortLow    uint16
	UDPPortHigh   uint16
}

const (
	dispatchDelayFast = 10 * time.Millisecond
	dispatchDelaySlow = 100 * time.Millisecond
)

// AliasHintCollector runs the four probing phases over a fixed set of
// targets and records every observation into an iptable.Table.
type AliasHintCollector struct {
	suite  ProbeSuite
	table  *iptable.Table
	config Config

	tokenMu sync.Mutex
	token   uint64
}

// NewCollector builds a collector. table must already exist; the collector
// only ever touches entries it creates via table.GetOrCreate for targets
// passed to Run, preserving a single-writer-per-IP guarantee.
func NewCollector(suite ProbeSuite, table *iptable.Table, cfg Config) *AliasHintCollector {
	return &AliasHintCollector{suite: suite, table: table, config: cfg}
}

// getProbeToken returns the next probe token, one per target. This counter
// is owned by the collector instance, never global state, and is only ever
// incremented by the goroutine running phase 1's dispatch loop — every
// sample a target's worker records shares the one token assigned to it
// here, so the token groups that target's whole sample set.
func (c *AliasHintCollector) getProbeToken() uint64 {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token++
	return c.token
}

// Run executes all four phases in order over targets, each phase gated
// behind the prior phase's completion (a strict barrier). Results are
// written into the collector's table; the returned error is the first
// phase failure, if any.
func (c *AliasHintCollector) Run(ctx context.Context, targets []ipaddr.Addr) error {
	if err := c.phaseIPID(ctx, targets); err != nil {
		return err
	}
	if err := c.phaseUDPUnreachable(ctx, targets); err != nil {
		return err
	}
	if err := c.phaseICMPTimestamp(ctx, targets); err != nil {
		return err
	}
	if err := c.phaseReverseDNS(ctx, targets); err != nil {
		return err
	}
	return nil
}

func (c *AliasHintCollector) maxWorkers() int64 {
	if c.config.MaxThreads <= 0 {
		return 1
	}
	return int64(c.config.MaxThreads)
}

// maxCollectors bounds phase 1's concurrency: each collector worker holds
// nbIPIDs+1 threads' worth of budget (the sequential samples plus the
// worker goroutine itself), so at most maxThreads/(nbIPIDs+1) of them may
// run at once. This is the same quotient config.Env.MaxCollectors computes
// from the environment; phaseIPID enforces it rather than maxWorkers'
// maxThreads-wide cap the other three phases use.
func (c *AliasHintCollector) maxCollectors() int64 {
	if c.config.MaxCollectors <= 0 {
		return 1
	}
	return int64(c.config.MaxCollectors)
}

// phaseIPID runs one worker per target, each sending nbIPIDs sequential
// IP-ID probe rounds and recording every reply into the target's entry, then
// classifies each target's counter from the samples collected this phase.
// Workers are capped at maxCollectors concurrent, not maxThreads: each
// worker is charged nbIPIDs+1 threads' worth of budget (its nbIPIDs probe
// rounds, sent one after another, plus itself), so maxThreads is spent on
// nbIPIDs+1 per worker rather than one slot per round.
func (c *AliasHintCollector) phaseIPID(ctx context.Context, targets []ipaddr.Addr) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	sem := semaphore.NewWeighted(c.maxCollectors())

	for _, target := range targets {
		target := target
		entry := c.table.GetOrCreate(target, 0)
		token := c.getProbeToken()

		if err := sem.Acquire(ctx, 1); err != nil {
			return grp.Wait()
		}
		grp.Go(target.String(), func(ctx context.Context) error {
			defer sem.Release(1)
			for round := 0; round < c.config.NbIPIDs; round++ {
				probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
				res, err := c.suite.IPID(probeCtx, target, token)
				cancel()
				if err != nil {
					dlog.Debugf(ctx, "ip-id probe to %s round %d failed: %v", target, round, err)
					continue
				}
				if res.Replied {
					entry.AddSample(iptable.Sample{At: time.Now(), IPID: res.IPID, Token: res.Token})
				}
			}
			return nil
		})
		if err := dtime.SleepWithContext(ctx, dispatchDelayFast); err != nil {
			return grp.Wait()
		}
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	for _, target := range targets {
		entry := c.table.GetOrCreate(target, 0)
		entry.SetCounter(iptable.ClassifyCounter(entry.Snapshot().Samples))
	}
	return nil
}

// phaseUDPUnreachable sends one UDP probe per target to a closed port drawn
// from the configured port band, recording whether an ICMP port-unreachable
// reply arrived and whether its source IP matched the target.
func (c *AliasHintCollector) phaseUDPUnreachable(ctx context.Context, targets []ipaddr.Addr) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	sem := semaphore.NewWeighted(c.maxWorkers())

	for i, target := range targets {
		target := target
		srcPort, dstPort := c.portBand(i)
		if err := sem.Acquire(ctx, 1); err != nil {
			return grp.Wait()
		}
		grp.Go(target.String(), func(ctx context.Context) error {
			defer sem.Release(1)
			probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
			defer cancel()
			res, err := c.suite.UDPUnreachable(probeCtx, target, srcPort, dstPort)
			if err != nil {
				dlog.Debugf(ctx, "udp-unreachable probe to %s failed: %v", target, err)
				return nil
			}
			entry := c.table.GetOrCreate(target, 0)
			entry.SetUDPUnreachableReply(res.Replied, res.ReplySrc)
			return nil
		})
		if err := dtime.SleepWithContext(ctx, dispatchDelaySlow); err != nil {
			return grp.Wait()
		}
	}
	return grp.Wait()
}

func (c *AliasHintCollector) portBand(i int) (srcPort, dstPort uint16) {
	span := int(c.config.UDPPortHigh) - int(c.config.UDPPortLow) + 1
	if span <= 0 {
		span = 1
	}
	dstPort = c.config.UDPPortLow + uint16(i%span)
	srcPort = c.config.UDPPortLow
	return srcPort, dstPort
}

// phaseICMPTimestamp records whether each target answers an ICMP timestamp
// request. Same scheduling shape as phaseUDPUnreachable: one probe per
// target, 100 ms between dispatches.
func (c *AliasHintCollector) phaseICMPTimestamp(ctx context.Context, targets []ipaddr.Addr) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	sem := semaphore.NewWeighted(c.maxWorkers())

	for _, target := range targets {
		target := target
		if err := sem.Acquire(ctx, 1); err != nil {
			return grp.Wait()
		}
		grp.Go(target.String(), func(ctx context.Context) error {
			defer sem.Release(1)
			probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
			defer cancel()
			res, err := c.suite.ICMPTimestamp(probeCtx, target)
			if err != nil {
				dlog.Debugf(ctx, "icmp-timestamp probe to %s failed: %v", target, err)
				return nil
			}
			c.table.GetOrCreate(target, 0).SetTimestampReply(res.Replied)
			return nil
		})
		if err := dtime.SleepWithContext(ctx, dispatchDelaySlow); err != nil {
			return grp.Wait()
		}
	}
	return grp.Wait()
}

// phaseReverseDNS issues a PTR query for every target via the default
// ProbeSuite's miekg/dns client, 10 ms apart.
func (c *AliasHintCollector) phaseReverseDNS(ctx context.Context, targets []ipaddr.Addr) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	sem := semaphore.NewWeighted(c.maxWorkers())

	for _, target := range targets {
		target := target
		if err := sem.Acquire(ctx, 1); err != nil {
			return grp.Wait()
		}
		grp.Go(target.String(), func(ctx context.Context) error {
			defer sem.Release(1)
			probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
			defer cancel()
			res, err := c.suite.ReverseDNS(probeCtx, target)
			if err != nil {
				dlog.Debugf(ctx, "reverse-dns probe to %s failed: %v", target, err)
				return nil
			}
			if res.Found {
				c.table.GetOrCreate(target, 0).SetHostname(res.Hostname)
			}
			return nil
		})
		if err := dtime.SleepWithContext(ctx, dispatchDelayFast); err != nil {
			return grp.Wait()
		}
	}
	return grp.Wait()
}
