// Package subnetset implements the SubnetSite and SubnetSiteSet: a subnet
// discovered via a route, and a sorted, containment-aware collection of
// them. The containment helpers compare (prefix, prefixLength) ranges of
// sites that also carry a pivot, status and route alongside the prefix.
package subnetset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/routegraph/routegraph/internal/ipaddr"
)

// Status classifies how confidently a subnet was inferred.
type Status int

const (
	StatusAccurate Status = iota
	StatusOdd
	StatusShadow
	StatusUndefined
)

func (s Status) String() string {
	switch s {
	case StatusAccurate:
		return "ACCURATE"
	case StatusOdd:
		return "ODD"
	case StatusShadow:
		return "SHADOW"
	case StatusUndefined:
		return "UNDEFINED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses the subnet-record status token.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(s) {
	case "ACCURATE":
		return StatusAccurate, nil
	case "ODD":
		return StatusOdd, nil
	case "SHADOW":
		return StatusShadow, nil
	case "UNDEFINED":
		return StatusUndefined, nil
	default:
		return 0, fmt.Errorf("subnetset: unknown status %q", s)
	}
}

// InterfaceTTL is one (ip, TTL) pair recorded within a subnet.
type InterfaceTTL struct {
	IP  ipaddr.Addr
	TTL uint8
}

// SubnetSite is a subnet discovered via a traceroute-like route.
type SubnetSite struct {
	Prefix       ipaddr.Addr
	PrefixLength uint8
	Status       Status
	PivotIP      ipaddr.Addr
	PivotTTL     uint8
	Interfaces   []InterfaceTTL // sorted by IP
	Route        []ipaddr.Addr  // ipaddr.Missing (0.0.0.0) marks a non-responding hop
}

// Contains reports whether ip lies within this subnet's address range.
func (s *SubnetSite) Contains(ip ipaddr.Addr) bool {
	return ipaddr.Contains(s.Prefix, s.PrefixLength, ip)
}

// Covers reports whether outer strictly contains inner: inner's range is a
// proper, non-equal subset of outer's.
func Covers(outer, inner *SubnetSite) bool {
	if outer.PrefixLength == inner.PrefixLength && outer.Prefix.Mask(outer.PrefixLength) == inner.Prefix.Mask(inner.PrefixLength) {
		return false
	}
	return ipaddr.CoversRange(outer.Prefix, outer.PrefixLength, inner.Prefix, inner.PrefixLength)
}

// sameRange reports whether a and b describe the identical (prefix, prefixLength).
func sameRange(a, b *SubnetSite) bool {
	return a.PrefixLength == b.PrefixLength && a.Prefix.Mask(a.PrefixLength) == b.Prefix.Mask(b.PrefixLength)
}

// mergeInterfacesFrom unions other's interfaces into s, by IP, keeping s sorted.
func (s *SubnetSite) mergeInterfacesFrom(other []InterfaceTTL) {
	have := make(map[ipaddr.Addr]bool, len(s.Interfaces))
	for _, i := range s.Interfaces {
		have[i.IP] = true
	}
	for _, i := range other {
		if !have[i.IP] {
			s.Interfaces = append(s.Interfaces, i)
			have[i.IP] = true
		}
	}
	sort.Slice(s.Interfaces, func(i, j int) bool { return s.Interfaces[i].IP.Less(s.Interfaces[j].IP) })
}

// hasMissingHop reports whether the route contains the 0.0.0.0 marker.
func (s *SubnetSite) hasMissingHop() bool {
	for _, hop := range s.Route {
		if hop == ipaddr.Missing {
			return true
		}
	}
	return false
}

// AddResult is the outcome of SubnetSiteSet.AddSite.
type AddResult int

const (
	KnownSubnet AddResult = iota
	SmallerSubnet
	BiggerSubnet
	NewSubnet
)

func (r AddResult) String() string {
	switch r {
	case KnownSubnet:
		return "KNOWN_SUBNET"
	case SmallerSubnet:
		return "SMALLER_SUBNET"
	case BiggerSubnet:
		return "BIGGER_SUBNET"
	case NewSubnet:
		return "NEW_SUBNET"
	default:
		return "UNKNOWN"
	}
}

// Set is the SubnetSiteSet: sites sorted by (prefix ascending,
// prefixLength ascending on tie), with no two sites overlapping once
// AddSite has run.
type Set struct {
	sites []*SubnetSite
}

// NewSet creates an empty SubnetSiteSet.
func NewSet() *Set { return &Set{} }

// Len returns the number of sites currently in the set.
func (s *Set) Len() int { return len(s.sites) }

// Sites returns the sites in sorted order. The caller must not mutate the
// returned slice.
func (s *Set) Sites() []*SubnetSite { return s.sites }

func (s *Set) insertSorted(ss *SubnetSite) {
	i := sort.Search(len(s.sites), func(i int) bool {
		if s.sites[i].Prefix != ss.Prefix {
			return s.sites[i].Prefix > ss.Prefix
		}
		return s.sites[i].PrefixLength >= ss.PrefixLength
	})
	s.sites = append(s.sites, nil)
	copy(s.sites[i+1:], s.sites[i:])
	s.sites[i] = ss
}

func (s *Set) removeAt(i int) *SubnetSite {
	ss := s.sites[i]
	s.sites = append(s.sites[:i], s.sites[i+1:]...)
	return ss
}

// AddSite inserts ss into the set, merging across containment: an identical
// range absorbs ss's interfaces (KnownSubnet); a site strictly containing ss
// absorbs them instead of ss being inserted (SmallerSubnet); sites strictly
// contained in ss are removed and their interfaces carried into ss
// (BiggerSubnet); otherwise ss is inserted in order (NewSubnet).
func (s *Set) AddSite(ss *SubnetSite) AddResult {
	for _, existing := range s.sites {
		if sameRange(existing, ss) {
			existing.mergeInterfacesFrom(ss.Interfaces)
			return KnownSubnet
		}
	}

	for _, existing := range s.sites {
		if Covers(existing, ss) {
			existing.mergeInterfacesFrom(ss.Interfaces)
			return SmallerSubnet
		}
	}

	var contained []int
	for i, existing := range s.sites {
		if Covers(ss, existing) {
			contained = append(contained, i)
		}
	}
	if len(contained) > 0 {
		// Remove back-to-front so earlier indices stay valid.
		for i := len(contained) - 1; i >= 0; i-- {
			removed := s.removeAt(contained[i])
			ss.mergeInterfacesFrom(removed.Interfaces)
		}
		s.insertSorted(ss)
		return BiggerSubnet
	}

	s.insertSorted(ss)
	return NewSubnet
}

// GetSubnetContaining returns the first site whose range covers ip, or nil.
func (s *Set) GetSubnetContaining(ip ipaddr.Addr) *SubnetSite {
	for _, site := range s.sites {
		if site.Contains(ip) {
			return site
		}
	}
	return nil
}

// GetSubnetContainingWithTTL is as GetSubnetContaining, additionally
// requiring the site's pivot TTL to equal ttl exactly.
func (s *Set) GetSubnetContainingWithTTL(ip ipaddr.Addr, ttl uint8) *SubnetSite {
	for _, site := range s.sites {
		if site.Contains(ip) && site.PivotTTL == ttl {
			return site
		}
	}
	return nil
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// IsCompatible reports whether every site overlapping [lower, upper] has a
// pivotTTL compatible with ttl (exact match, or within +-1 when
// checkAdjacentTTL is set); when shadowExpansion is set, any overlapping
// ACCURATE or ODD site forces incompatibility regardless of TTL.
func (s *Set) IsCompatible(lower, upper ipaddr.Addr, ttl uint8, checkAdjacentTTL, shadowExpansion bool) bool {
	for _, site := range s.sites {
		siteEnd := ipaddr.RangeEnd(site.Prefix.Mask(site.PrefixLength), site.PrefixLength)
		siteStart := uint64(site.Prefix.Mask(site.PrefixLength))
		if uint64(lower) >= siteEnd || uint64(upper) < siteStart {
			continue // no overlap with [lower, upper]
		}
		if shadowExpansion && (site.Status == StatusAccurate || site.Status == StatusOdd) {
			return false
		}
		diff := absDiff(site.PivotTTL, ttl)
		if checkAdjacentTTL {
			if diff > 1 {
				return false
			}
		} else if diff != 0 {
			return false
		}
	}
	return true
}

// GetValidSubnet removes and returns the first site whose status is
// ACCURATE, ODD or SHADOW. When completeRoute is true, the site's route must
// additionally contain no missing-hop marker.
func (s *Set) GetValidSubnet(completeRoute bool) *SubnetSite {
	for i, site := range s.sites {
		if site.Status != StatusAccurate && site.Status != StatusOdd && site.Status != StatusShadow {
			continue
		}
		if completeRoute && site.hasMissingHop() {
			continue
		}
		return s.removeAt(i)
	}
	return nil
}

// GetShadowSubnet removes and returns the first SHADOW site, if any.
func (s *Set) GetShadowSubnet() *SubnetSite {
	for i, site := range s.sites {
		if site.Status == StatusShadow {
			return s.removeAt(i)
		}
	}
	return nil
}

// SortByRoute reorders the set ascending by route length, then ascending by
// prefix.
func (s *Set) SortByRoute() {
	sort.SliceStable(s.sites, func(i, j int) bool {
		a, b := s.sites[i], s.sites[j]
		if len(a.Route) != len(b.Route) {
			return len(a.Route) < len(b.Route)
		}
		return a.Prefix < b.Prefix
	})
}

// GetMaximumDistance returns the largest pivotTTL across all sites, or 0 if
// the set is empty.
func (s *Set) GetMaximumDistance() uint8 {
	var max uint8
	for _, site := range s.sites {
		if site.PivotTTL > max {
			max = site.PivotTTL
		}
	}
	return max
}

func routeHasPrefix(route, prefix []ipaddr.Addr) bool {
	if len(route) < len(prefix) {
		return false
	}
	for i, hop := range prefix {
		if route[i] != hop {
			return false
		}
	}
	return true
}

// AdaptRoutes rewrites, for every site whose route begins with the exact
// sequence oldPrefix, that prefix to newPrefix. It returns the number of
// sites modified; a second call with the same arguments modifies none
// (idempotence), since after the first call no route begins with oldPrefix
// unless oldPrefix and newPrefix share a common prefix.
func (s *Set) AdaptRoutes(oldPrefix, newPrefix []ipaddr.Addr) int {
	count := 0
	for _, site := range s.sites {
		if !routeHasPrefix(site.Route, oldPrefix) {
			continue
		}
		newRoute := make([]ipaddr.Addr, 0, len(site.Route)-len(oldPrefix)+len(newPrefix))
		newRoute = append(newRoute, newPrefix...)
		newRoute = append(newRoute, site.Route[len(oldPrefix):]...)
		site.Route = newRoute
		count++
	}
	return count
}

// String renders the set in the subnet-list format, the same text
// ioformat.WriteSubnetList (used by the CLI's report writer) produces for
// these sites.
func (s *Set) String() string {
	var b strings.Builder
	for _, site := range s.sites {
		fmt.Fprintf(&b, "%s/%d %s %d\n", site.Prefix, site.PrefixLength, site.Status, site.PivotTTL)
		b.WriteString("interfaces:\n")
		for _, iface := range site.Interfaces {
			fmt.Fprintf(&b, "%s %d\n", iface.IP, iface.TTL)
		}
		b.WriteString("route:")
		for _, hop := range site.Route {
			fmt.Fprintf(&b, " %s", hop)
		}
		b.WriteString("\n")
	}
	return b.String()
}
