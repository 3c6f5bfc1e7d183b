// Package aliasresolver implements the AliasResolver: given an
// internal tree node's labels and its child subnets' ingress interfaces, it
// partitions those interfaces into disjoint Routers using four matching
// criteria drawn from the IP Table. It is a contract *consumed* by
// NetworkTree, not called from within it: the orchestrator (cmd/routegraph)
// runs it once per internal node after probing completes and attaches the
// result back onto the tree.
package aliasresolver

import (
	"strings"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/iptable"
	"github.com/routegraph/routegraph/internal/router"
	"github.com/routegraph/routegraph/internal/subnetset"
)

// ipidOffsetBound is the maximum IP-ID delta, per unit of token distance,
// tolerated when comparing two HEALTHY_COUNTER series for the same device.
const ipidOffsetBound = 4096

// Resolve groups labels and every interface of every subnet in subnets into
// Routers, using four compatibility criteria. Groups that do not form a
// valid Router are dropped from the result.
func Resolve(labels []ipaddr.Addr, subnets []*subnetset.SubnetSite, table *iptable.Table) []*router.Router {
	candidates := collectCandidates(labels, subnets)
	if len(candidates) == 0 {
		return nil
	}

	uf := newUnionFind(len(candidates))
	method := make([]router.AliasMethod, len(candidates))

	join := func(i, j int, m router.AliasMethod) {
		if uf.find(i) == uf.find(j) {
			return
		}
		uf.union(i, j)
		if method[i] == router.MethodUnknown {
			method[i] = m
		}
		if method[j] == router.MethodUnknown {
			method[j] = m
		}
	}

	snapshots := make([]iptable.Snapshot, len(candidates))
	haveSnap := make([]bool, len(candidates))
	for i, c := range candidates {
		if entry, ok := table.Get(c); ok {
			snapshots[i] = entry.Snapshot()
			haveSnap[i] = true
		}
	}

	for i := range candidates {
		if !haveSnap[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if !haveSnap[j] {
				continue
			}
			a, b := snapshots[i], snapshots[j]

			// (i) UDP-unreachable reply-source matching: probing one IP
			// produced a reply that actually came from the other.
			if a.UDPUnreachableReply && a.UDPReplySrc == b.IP {
				join(i, j, router.MethodUDPPortUnreachable)
				continue
			}
			if b.UDPUnreachableReply && b.UDPReplySrc == a.IP {
				join(i, j, router.MethodUDPPortUnreachable)
				continue
			}

			// (ii) IP-ID counter compatibility.
			if m, ok := ipidCompatible(a, b); ok {
				join(i, j, m)
				continue
			}

			// (iii) ICMP-timestamp fingerprint equality (both probes
			// answered, taken as a coarse fingerprint in the absence of a
			// modeled clock-skew value).
			if a.TimestampReply && b.TimestampReply {
				join(i, j, router.MethodICMPTimestamp)
				continue
			}

			// (iv) Reverse-DNS suffix similarity.
			if a.HasHostname && b.HasHostname && hostnameSuffixMatch(a.Hostname, b.Hostname) {
				join(i, j, router.MethodReverseDNS)
				continue
			}
		}
	}

	groups := make(map[int][]int)
	for i := range candidates {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var routers []*router.Router
	for _, members := range groups {
		r := router.New()
		for _, idx := range members {
			m := method[idx]
			if m == router.MethodUnknown && len(members) == 1 && haveSnap[idx] && snapshots[idx].UDPUnreachableReply {
				m = router.MethodUDPPortUnreachable
			}
			r.AddInterface(router.Interface{IP: candidates[idx], Method: m})
		}
		if r.Valid() {
			routers = append(routers, r)
		}
	}
	return routers
}

func collectCandidates(labels []ipaddr.Addr, subnets []*subnetset.SubnetSite) []ipaddr.Addr {
	seen := make(map[ipaddr.Addr]bool)
	var out []ipaddr.Addr
	add := func(ip ipaddr.Addr) {
		if ip == ipaddr.Missing || seen[ip] {
			return
		}
		seen[ip] = true
		out = append(out, ip)
	}
	for _, l := range labels {
		add(l)
	}
	for _, ss := range subnets {
		for _, iface := range ss.Interfaces {
			add(iface.IP)
		}
	}
	return out
}

// ipidCompatible implements criterion (ii) for every IP-ID counter class the
// IP Table can classify:
//
//   - HEALTHY_COUNTER series belong to the same device when their IP-IDs
//     stay within a bounded offset proportional to how far apart their
//     samples' probe tokens were issued (a healthy counter increments
//     roughly once per packet it sends, so same-device series drift apart
//     slowly and predictably).
//   - ECHO counters mirror the probe's own IP-ID back exactly; two echo
//     series only say something about the same device when their last
//     observed values are identical.
//   - FAST (wrap-prone) counters need a wider tolerance than HEALTHY_COUNTER
//     since they can advance many times between two probes.
//
// RANDOM counters carry no identifying signal and never match.
func ipidCompatible(a, b iptable.Snapshot) (router.AliasMethod, bool) {
	if a.Counter != b.Counter {
		return router.MethodUnknown, false
	}
	if len(a.Samples) == 0 || len(b.Samples) == 0 {
		return router.MethodUnknown, false
	}
	lastA, lastB := a.Samples[len(a.Samples)-1], b.Samples[len(b.Samples)-1]

	switch a.Counter {
	case iptable.CounterHealthy:
		if withinOffsetBound(lastA, lastB, ipidOffsetBound) {
			return router.MethodIPIDBased, true
		}
	case iptable.CounterFast:
		if withinOffsetBound(lastA, lastB, ipidOffsetBound*16) {
			return router.MethodGroupReserved, true
		}
	case iptable.CounterEcho:
		if lastA.IPID == lastB.IPID {
			return router.MethodGroupEcho, true
		}
	}
	return router.MethodUnknown, false
}

func withinOffsetBound(a, b iptable.Sample, perTokenBound int32) bool {
	tokenDist := int64(a.Token) - int64(b.Token)
	if tokenDist < 0 {
		tokenDist = -tokenDist
	}
	ipidDist := int32(a.IPID) - int32(b.IPID)
	if ipidDist < 0 {
		ipidDist = -ipidDist
	}
	bound := perTokenBound * int32(tokenDist+1)
	return ipidDist <= bound
}

func hostnameSuffixMatch(a, b string) bool {
	a = strings.TrimSuffix(strings.ToLower(a), ".")
	b = strings.TrimSuffix(strings.ToLower(b), ".")
	if a == "" || b == "" {
		return false
	}
	ra, rb := reverseLabels(a), reverseLabels(b)
	matched := 0
	for matched < len(ra) && matched < len(rb) && ra[matched] == rb[matched] {
		matched++
	}
	// Require at least a two-label common suffix (e.g. "example.com") so a
	// shared TLD alone doesn't group unrelated hosts.
	return matched >= 2
}

func reverseLabels(host string) []string {
	parts := strings.Split(host, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri != rj {
		uf.parent[ri] = rj
	}
}
