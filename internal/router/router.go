// Package router implements the RouterInterface and Router aggregate of
// a sorted set of interfaces believed to belong to the same
// device, tagged with the alias method that grouped each one in.
package router

import (
	"sort"
	"strings"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/iptable"
)

// AliasMethod is the probing technique that established that two interfaces
// belong to the same router.
type AliasMethod int

const (
	MethodUnknown AliasMethod = iota
	MethodIPIDBased
	MethodUDPPortUnreachable
	MethodReverseDNS
	MethodICMPTimestamp
	MethodGroupEcho
	MethodGroupRandom
	MethodGroupReserved
)

func (m AliasMethod) String() string {
	switch m {
	case MethodIPIDBased:
		return "ip-id"
	case MethodUDPPortUnreachable:
		return "udp-port-unreachable"
	case MethodReverseDNS:
		return "reverse-dns"
	case MethodICMPTimestamp:
		return "icmp-timestamp"
	case MethodGroupEcho:
		return "group-echo"
	case MethodGroupRandom:
		return "group-random"
	case MethodGroupReserved:
		return "group-reserved"
	default:
		return "unknown"
	}
}

// Interface is one (ip, aliasMethod) pair owned by a Router.
type Interface struct {
	IP     ipaddr.Addr
	Method AliasMethod
}

// Router is an ordered set of Interface, kept sorted by IP. A Router is
// exclusively owned by one internal tree node.
type Router struct {
	interfaces []Interface
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// AddInterface inserts iface in IP order, replacing an existing entry for
// the same IP if present (the later alias method wins).
func (r *Router) AddInterface(iface Interface) {
	i := sort.Search(len(r.interfaces), func(i int) bool { return !r.interfaces[i].IP.Less(iface.IP) })
	if i < len(r.interfaces) && r.interfaces[i].IP == iface.IP {
		r.interfaces[i] = iface
		return
	}
	r.interfaces = append(r.interfaces, Interface{})
	copy(r.interfaces[i+1:], r.interfaces[i:])
	r.interfaces[i] = iface
}

// HasInterface reports whether ip is already a member of r.
func (r *Router) HasInterface(ip ipaddr.Addr) bool {
	for _, iface := range r.interfaces {
		if iface.IP == ip {
			return true
		}
	}
	return false
}

// Interfaces returns the router's interfaces in ascending IP order. The
// returned slice must not be mutated by the caller.
func (r *Router) Interfaces() []Interface { return r.interfaces }

// Len returns the number of interfaces owned by r.
func (r *Router) Len() int { return len(r.interfaces) }

// Valid reports the Router invariant: at least two interfaces,
// or exactly one associated via a UDP-port-unreachable reply mismatch.
func (r *Router) Valid() bool {
	if len(r.interfaces) >= 2 {
		return true
	}
	return len(r.interfaces) == 1 && r.interfaces[0].Method == MethodUDPPortUnreachable
}

// GetMergingPivot returns the first owned IPTableEntry whose alias method is
// UDP_PORT_UNREACHABLE and whose IP-ID counter classification is
// HEALTHY_COUNTER: an anchor suitable for merging two Router candidates that
// may describe the same device.
func (r *Router) GetMergingPivot(table *iptable.Table) (*iptable.Entry, bool) {
	for _, iface := range r.interfaces {
		if iface.Method != MethodUDPPortUnreachable {
			continue
		}
		entry, ok := table.Get(iface.IP)
		if !ok {
			continue
		}
		if entry.Snapshot().Counter == iptable.CounterHealthy {
			return entry, true
		}
	}
	return nil, false
}

// String renders the router's interface IPs in ascending order, whitespace
// separated.
func (r *Router) String() string {
	parts := make([]string, len(r.interfaces))
	for i, iface := range r.interfaces {
		parts[i] = iface.IP.String()
	}
	return strings.Join(parts, " ")
}

// Methods returns the distinct alias methods used by the router's
// interfaces, in first-seen order, for the `(method1, method2, ...)` suffix
// of the alias report format.
func (r *Router) Methods() []AliasMethod {
	seen := make(map[AliasMethod]bool, len(r.interfaces))
	var out []AliasMethod
	for _, iface := range r.interfaces {
		if !seen[iface.Method] {
			seen[iface.Method] = true
			out = append(out, iface.Method)
		}
	}
	return out
}
