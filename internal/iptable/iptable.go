// Package iptable implements the IP Table: a mapping from
// InetAddress to a probing-state record mutated by the probe workers of the
// Alias Hint Collector. The map itself is guarded by one mutex behind a
// create-if-absent accessor; per-entry fields are guarded individually so that the
// single-writer-per-key rule can still be checked defensively by
// concurrent readers such as the Alias Resolver.
package iptable

import (
	"sync"
	"time"

	"github.com/routegraph/routegraph/internal/ipaddr"
)

// CounterClass classifies an IP-ID counter's observed behavior.
type CounterClass int

const (
	CounterUnknown CounterClass = iota
	CounterHealthy
	CounterRandom
	CounterEcho
	CounterFast
)

// Sample is one (timestamp, IP-ID) observation tagged with the probe token
// that produced it.
type Sample struct {
	At    time.Time
	IPID  uint16
	Token uint64
}

// Snapshot is an immutable copy of an Entry's fields, safe to read without
// holding the entry's lock.
type Snapshot struct {
	IP                  ipaddr.Addr
	TTL                 uint8
	Samples             []Sample
	Counter             CounterClass
	Hostname            string
	HasHostname         bool
	TimestampReply      bool
	UDPUnreachableReply bool
	UDPReplySrc         ipaddr.Addr
	UDPReplySrcDiffers  bool
}

// Entry is the per-IP probing-state record. It is created once, on first
// mention, and mutated only by probe workers for the remainder of the run.
type Entry struct {
	mu   sync.RWMutex
	snap Snapshot
}

func newEntry(ip ipaddr.Addr, ttl uint8) *Entry {
	return &Entry{snap: Snapshot{IP: ip, TTL: ttl, Counter: CounterUnknown}}
}

// Snapshot returns a copy of the entry's current fields.
func (e *Entry) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.snap
	s.Samples = append([]Sample(nil), e.snap.Samples...)
	return s
}

// AddSample appends an IP-ID sample. Only the worker assigned to this IP
// should call this.
func (e *Entry) AddSample(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Samples = append(e.snap.Samples, s)
}

// SetCounter records the IP-ID-counter classification derived from the
// collected samples.
func (e *Entry) SetCounter(c CounterClass) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Counter = c
}

// SetHostname records a successful reverse-DNS result.
func (e *Entry) SetHostname(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Hostname = name
	e.snap.HasHostname = name != ""
}

// SetTimestampReply records whether the ICMP timestamp probe got a reply.
func (e *Entry) SetTimestampReply(got bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.TimestampReply = got
}

// SetUDPUnreachableReply records a UDP-unreachable probe result, including
// the reply source address when it differs from the probed IP (a classic
// alias-resolution hint: the device replying is not the IP that was probed).
func (e *Entry) SetUDPUnreachableReply(got bool, replySrc ipaddr.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.UDPUnreachableReply = got
	e.snap.UDPReplySrc = replySrc
	e.snap.UDPReplySrcDiffers = got && replySrc != e.snap.IP
}

// healthyPerRoundBound and fastPerRoundBound are ClassifyCounter's limits on
// one target's own round-over-round velocity; they are separate from the
// offset bounds aliasresolver applies when comparing two entries' counters.
// A velocity at or below the first looks like a normal per-packet increment,
// at or below the second like a wrap-prone counter advancing several times
// between probes, and anything wilder carries no identifying signal at all.
const (
	healthyPerRoundBound = 64
	fastPerRoundBound    = 4096
)

// ClassifyCounter derives a CounterClass from a target's collected IP-ID
// samples, taken in the order phaseIPID's single per-target worker recorded
// them (one probe round apart, since every sample for a target shares that
// target's probe token and carries no per-round distance of its own):
// constant across every sample looks like a counter that mirrors the probe
// rather than free-running (ECHO); a round-over-round velocity that stays
// at or below healthyPerRoundBound is a normal per-packet counter (HEALTHY);
// at or below fastPerRoundBound but not steady enough to trust tightly is a counter that
// wraps or jumps a lot under cross-traffic (FAST); anything else carries no
// identifying signal (RANDOM). Fewer than two samples can't establish a
// velocity at all.
func ClassifyCounter(samples []Sample) CounterClass {
	if len(samples) < 2 {
		return CounterUnknown
	}

	allSame := true
	for _, s := range samples[1:] {
		if s.IPID != samples[0].IPID {
			allSame = false
			break
		}
	}
	if allSame {
		return CounterEcho
	}

	var maxVelocity float64
	for i := 1; i < len(samples); i++ {
		delta := int32(samples[i].IPID) - int32(samples[i-1].IPID)
		if delta < 0 {
			delta += 1 << 16 // counter wrapped
		}
		if float64(delta) > maxVelocity {
			maxVelocity = float64(delta)
		}
	}

	switch {
	case maxVelocity <= healthyPerRoundBound:
		return CounterHealthy
	case maxVelocity <= fastPerRoundBound:
		return CounterFast
	default:
		return CounterRandom
	}
}

// Table is the concurrent IP Table. One entry per distinct IP encountered
// during a run; entries are never deleted.
type Table struct {
	mu      sync.Mutex
	entries map[ipaddr.Addr]*Entry
}

// NewTable creates an empty IP Table.
func NewTable() *Table {
	return &Table{entries: make(map[ipaddr.Addr]*Entry)}
}

// GetOrCreate returns the entry for ip, creating it with the given TTL if
// this is the first mention of ip in the run.
func (t *Table) GetOrCreate(ip ipaddr.Addr, ttl uint8) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ip]; ok {
		return e
	}
	e := newEntry(ip, ttl)
	t.entries[ip] = e
	return e
}

// Get returns the existing entry for ip, if any.
func (t *Table) Get(ip ipaddr.Addr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	return e, ok
}

// Len returns the number of distinct IPs recorded so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
