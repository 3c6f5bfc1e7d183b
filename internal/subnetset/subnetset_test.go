package subnetset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/subnetset"
)

func addr(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

// S1. Containment absorption.
func TestContainmentAbsorption(t *testing.T) {
	set := subnetset.NewSet()

	small := &subnetset.SubnetSite{
		Prefix: addr(t, "10.0.0.0"), PrefixLength: 24,
		Status: subnetset.StatusAccurate, PivotIP: addr(t, "10.0.0.1"), PivotTTL: 5,
		Interfaces: []subnetset.InterfaceTTL{{IP: addr(t, "10.0.0.1"), TTL: 5}},
	}
	res1 := set.AddSite(small)
	require.Equal(t, subnetset.NewSubnet, res1)

	big := &subnetset.SubnetSite{
		Prefix: addr(t, "10.0.0.0"), PrefixLength: 23,
		Status: subnetset.StatusAccurate, PivotIP: addr(t, "10.0.0.129"), PivotTTL: 5,
		Interfaces: []subnetset.InterfaceTTL{{IP: addr(t, "10.0.0.129"), TTL: 5}},
	}
	res2 := set.AddSite(big)
	require.Equal(t, subnetset.BiggerSubnet, res2)

	require.Equal(t, 1, set.Len())
	got := set.Sites()[0]
	assert.Equal(t, uint8(23), got.PrefixLength)
	require.Len(t, got.Interfaces, 2)
	assert.Equal(t, addr(t, "10.0.0.1"), got.Interfaces[0].IP)
	assert.Equal(t, addr(t, "10.0.0.129"), got.Interfaces[1].IP)
}

// S2. Exact KNOWN.
func TestExactKnown(t *testing.T) {
	set := subnetset.NewSet()
	host := func() *subnetset.SubnetSite {
		return &subnetset.SubnetSite{
			Prefix: addr(t, "192.168.1.1"), PrefixLength: 32,
			Status: subnetset.StatusAccurate, PivotIP: addr(t, "192.168.1.1"), PivotTTL: 10,
		}
	}
	require.Equal(t, subnetset.NewSubnet, set.AddSite(host()))
	require.Equal(t, subnetset.KnownSubnet, set.AddSite(host()))
	assert.Equal(t, 1, set.Len())
}

func TestSmallerSubnetDoesNotInsert(t *testing.T) {
	set := subnetset.NewSet()
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.0.0"), PrefixLength: 16, PivotTTL: 5})
	res := set.AddSite(&subnetset.SubnetSite{
		Prefix: addr(t, "10.0.1.0"), PrefixLength: 24, PivotTTL: 5,
		Interfaces: []subnetset.InterfaceTTL{{IP: addr(t, "10.0.1.1"), TTL: 5}},
	})
	assert.Equal(t, subnetset.SmallerSubnet, res)
	assert.Equal(t, 1, set.Len())
	assert.Len(t, set.Sites()[0].Interfaces, 1)
}

func TestNoOverlapInvariant(t *testing.T) {
	set := subnetset.NewSet()
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.0.0"), PrefixLength: 24, PivotTTL: 1})
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.1.0"), PrefixLength: 24, PivotTTL: 1})
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.0.0"), PrefixLength: 23, PivotTTL: 1})

	sites := set.Sites()
	for i := 0; i < len(sites); i++ {
		for j := i + 1; j < len(sites); j++ {
			assert.False(t, ipaddr.Overlaps(sites[i].Prefix, sites[i].PrefixLength, sites[j].Prefix, sites[j].PrefixLength))
		}
	}
}

// Invariant 3: AdaptRoutes idempotence.
func TestAdaptRoutesIdempotent(t *testing.T) {
	set := subnetset.NewSet()
	a, b, c := addr(t, "1.1.1.1"), addr(t, "2.2.2.2"), addr(t, "3.3.3.3")
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.0.0"), PrefixLength: 24, Route: []ipaddr.Addr{a, b}})
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.1.0"), PrefixLength: 24, Route: []ipaddr.Addr{a, b, c}})
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.2.0"), PrefixLength: 24, Route: []ipaddr.Addr{b, a}})

	oldPrefix := []ipaddr.Addr{a}
	newPrefix := []ipaddr.Addr{c}

	count := set.AdaptRoutes(oldPrefix, newPrefix)
	assert.Equal(t, 2, count)
	for _, site := range set.Sites() {
		if len(site.Route) > 0 && site.Route[0] == c {
			assert.Equal(t, c, site.Route[0])
		}
	}

	count2 := set.AdaptRoutes(oldPrefix, newPrefix)
	assert.Equal(t, 0, count2, "second call with the same arguments must be a no-op")
}

func TestGetValidSubnetRequiresCompleteRoute(t *testing.T) {
	set := subnetset.NewSet()
	missing := &subnetset.SubnetSite{
		Prefix: addr(t, "10.0.0.0"), PrefixLength: 24, Status: subnetset.StatusAccurate,
		Route: []ipaddr.Addr{addr(t, "1.1.1.1"), ipaddr.Missing},
	}
	complete := &subnetset.SubnetSite{
		Prefix: addr(t, "10.0.1.0"), PrefixLength: 24, Status: subnetset.StatusAccurate,
		Route: []ipaddr.Addr{addr(t, "1.1.1.1"), addr(t, "2.2.2.2")},
	}
	set.AddSite(missing)
	set.AddSite(complete)

	got := set.GetValidSubnet(true)
	require.NotNil(t, got)
	assert.Equal(t, complete.Prefix, got.Prefix)
	assert.Equal(t, 1, set.Len())
}

func TestIsCompatible(t *testing.T) {
	set := subnetset.NewSet()
	set.AddSite(&subnetset.SubnetSite{Prefix: addr(t, "10.0.0.0"), PrefixLength: 24, PivotTTL: 5, Status: subnetset.StatusAccurate})

	lower, upper := addr(t, "10.0.0.0"), addr(t, "10.0.0.255")
	assert.True(t, set.IsCompatible(lower, upper, 5, false, false))
	assert.False(t, set.IsCompatible(lower, upper, 6, false, false))
	assert.True(t, set.IsCompatible(lower, upper, 6, true, false))
	assert.False(t, set.IsCompatible(lower, upper, 5, false, true), "shadowExpansion forces incompatibility over an ACCURATE site")
}
