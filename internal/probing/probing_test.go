package probing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/iptable"
	"github.com/routegraph/routegraph/internal/probing"
)

// fakeSuite is a ProbeSuite that always replies instantly, recording every
// call so tests can assert ordering and token properties.
type fakeSuite struct {
	mu          sync.Mutex
	ipidTokens  []uint64
	udpCalled   bool
	udpCalledAt time.Time
	ipidDoneAt  time.Time
}

func (f *fakeSuite) IPID(_ context.Context, _ ipaddr.Addr, token uint64) (probing.IPIDResult, error) {
	f.mu.Lock()
	f.ipidTokens = append(f.ipidTokens, token)
	f.ipidDoneAt = time.Now()
	f.mu.Unlock()
	return probing.IPIDResult{IPID: uint16(token), Token: token, Replied: true}, nil
}

func (f *fakeSuite) UDPUnreachable(_ context.Context, target ipaddr.Addr, _, _ uint16) (probing.UDPUnreachableResult, error) {
	f.mu.Lock()
	f.udpCalled = true
	f.udpCalledAt = time.Now()
	f.mu.Unlock()
	return probing.UDPUnreachableResult{Replied: true, ReplySrc: target}, nil
}

func (f *fakeSuite) ICMPTimestamp(_ context.Context, _ ipaddr.Addr) (probing.ICMPTimestampResult, error) {
	return probing.ICMPTimestampResult{Replied: true}, nil
}

func (f *fakeSuite) ReverseDNS(_ context.Context, _ ipaddr.Addr) (probing.ReverseDNSResult, error) {
	return probing.ReverseDNSResult{Hostname: "host.example.", Found: true}, nil
}

func addrs(t *testing.T, ss ...string) []ipaddr.Addr {
	t.Helper()
	out := make([]ipaddr.Addr, len(ss))
	for i, s := range ss {
		a, err := ipaddr.Parse(s)
		require.NoError(t, err)
		out[i] = a
	}
	return out
}

// Invariant 4: one probe token per target, assigned contiguously from 1,
// and every one of that target's nbIPIDs samples carries it.
func TestProbeTokensAreContiguousFromOneAndGroupedPerTarget(t *testing.T) {
	suite := &fakeSuite{}
	table := iptable.NewTable()
	targets := addrs(t, "10.0.0.1", "10.0.0.2")

	collector := probing.NewCollector(suite, table, probing.Config{
		MaxThreads: 2, NbIPIDs: 4, MaxCollectors: 1, ProbeTimeout: time.Second,
		UDPPortLow: 33434, UDPPortHigh: 33529,
	})
	require.NoError(t, collector.Run(context.Background(), targets))

	suite.mu.Lock()
	defer suite.mu.Unlock()
	require.Len(t, suite.ipidTokens, 8, "4 samples per target across 2 targets")

	counts := make(map[uint64]int)
	for _, tok := range suite.ipidTokens {
		counts[tok]++
	}
	require.Len(t, counts, 2, "exactly one distinct token per target")
	for tok, n := range counts {
		assert.Equal(t, 4, n, "token %d must tag all 4 of its target's samples", tok)
	}
	assert.Contains(t, counts, uint64(1))
	assert.Contains(t, counts, uint64(2))
}

// S6: phase 1 completes strictly before phase 2 begins.
func TestPhaseOrderingBarrier(t *testing.T) {
	suite := &fakeSuite{}
	table := iptable.NewTable()
	targets := addrs(t, "10.0.0.1", "10.0.0.2")

	collector := probing.NewCollector(suite, table, probing.Config{
		MaxThreads: 2, NbIPIDs: 4, MaxCollectors: 1, ProbeTimeout: time.Second,
		UDPPortLow: 33434, UDPPortHigh: 33529,
	})
	require.NoError(t, collector.Run(context.Background(), targets))

	suite.mu.Lock()
	defer suite.mu.Unlock()
	require.True(t, suite.udpCalled)
	assert.True(t, suite.ipidDoneAt.Before(suite.udpCalledAt) || suite.ipidDoneAt.Equal(suite.udpCalledAt),
		"phase 2's UDP probe must not start before phase 1's last IP-ID sample was recorded")

	for _, ip := range targets {
		entry, ok := table.Get(ip)
		require.True(t, ok)
		snap := entry.Snapshot()
		assert.Len(t, snap.Samples, 4, "each IP must carry all 4 IP-ID samples once phase 1's barrier is reached")
		assert.True(t, snap.UDPUnreachableReply)
	}
}

func TestCollectorRecordsAllFourPhases(t *testing.T) {
	suite := &fakeSuite{}
	table := iptable.NewTable()
	targets := addrs(t, "10.0.0.1")

	collector := probing.NewCollector(suite, table, probing.Config{
		MaxThreads: 4, NbIPIDs: 2, MaxCollectors: 1, ProbeTimeout: time.Second,
		UDPPortLow: 33434, UDPPortHigh: 33529,
	})
	require.NoError(t, collector.Run(context.Background(), targets))

	entry, ok := table.Get(targets[0])
	require.True(t, ok)
	snap := entry.Snapshot()
	assert.Len(t, snap.Samples, 2)
	assert.True(t, snap.UDPUnreachableReply)
	assert.True(t, snap.TimestampReply)
	assert.True(t, snap.HasHostname)
	assert.Equal(t, "host.example.", snap.Hostname)
}
