package nettree_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/nettree"
	"github.com/routegraph/routegraph/internal/router"
	"github.com/routegraph/routegraph/internal/subnetset"
)

func addr(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func subnet(t *testing.T, prefix string, length uint8, route ...string) *subnetset.SubnetSite {
	t.Helper()
	ss := &subnetset.SubnetSite{Prefix: addr(t, prefix), PrefixLength: length, Status: subnetset.StatusAccurate}
	for _, hop := range route {
		ss.Route = append(ss.Route, addr(t, hop))
	}
	return ss
}

// S3: two routes [A, B, X] and [A, C, X] sharing a subnet-adjacent divergence
// fuse into a single HEDERA node rather than branching into two
// neighborhoods.
func TestHederaFusionOnLeafAdjacentDivergence(t *testing.T) {
	tree := nettree.NewTree()
	a, b, c := "1.1.1.1", "2.2.2.2", "3.3.3.3"

	s1 := subnet(t, "10.0.1.0", 24, a, b)
	require.NoError(t, tree.Insert(s1))

	s2 := subnet(t, "10.0.2.0", 24, a, c)
	require.NoError(t, tree.Insert(s2))

	root := tree.Root()
	require.Len(t, tree.Node(root).Children, 1, "both routes share hop A, so there is a single child off root")

	aNode := tree.Node(root).Children[0]
	require.Len(t, tree.Node(aNode).Children, 1, "B and C diverge directly into subnet leaves and must fuse into one HEDERA")

	hedera := tree.Node(aNode).Children[0]
	assert.Equal(t, nettree.NodeHedera, tree.Node(hedera).Type)
	assert.ElementsMatch(t, []ipaddr.Addr{addr(t, b), addr(t, c)}, tree.Node(hedera).Labels)
	assert.Len(t, tree.Node(hedera).Children, 2)
	for _, cid := range tree.Node(hedera).Children {
		assert.Equal(t, nettree.NodeSubnet, tree.Node(cid).Type)
	}
}

// A divergence that does NOT lead directly to subnet leaves creates separate
// INTERNAL siblings rather than fusing.
func TestNoFusionWhenDivergenceIsNotLeafAdjacent(t *testing.T) {
	tree := nettree.NewTree()
	a, b, c, x, y := "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"

	require.NoError(t, tree.Insert(subnet(t, "10.0.1.0", 24, a, b, x)))
	require.NoError(t, tree.Insert(subnet(t, "10.0.2.0", 24, a, c, y)))

	aNode := tree.Node(tree.Root()).Children[0]
	require.Len(t, tree.Node(aNode).Children, 2, "B and C each lead to further hops, not direct subnet leaves, so they stay separate")
	for _, cid := range tree.Node(aNode).Children {
		assert.Equal(t, nettree.NodeInternal, tree.Node(cid).Type)
	}
}

// S4 / invariant 2: a route with a missing hop gets repaired once the tree
// sees another route through the same, now-unambiguous, tree position.
func TestRepairRoutesFillsMissingHop(t *testing.T) {
	tree := nettree.NewTree()
	a, b := "1.1.1.1", "2.2.2.2"

	known := subnet(t, "10.0.1.0", 24, a, b)
	require.NoError(t, tree.Insert(known))

	gap := subnet(t, "10.0.2.0", 24)
	gap.Route = []ipaddr.Addr{addr(t, a), ipaddr.Missing}
	require.NoError(t, tree.Insert(gap))

	tree.RepairRoutes()

	require.Len(t, gap.Route, 2)
	assert.Equal(t, addr(t, b), gap.Route[1])
}

// S5: a trunk [A, B, C] and an incoming route [A', B, C, X] transplant to
// [A, B, C, X], discarding the divergent A' in favor of the trunk's A.
func TestFindTransplantation(t *testing.T) {
	tree := nettree.NewTree()
	a, b, c, x := "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"
	require.NoError(t, tree.Insert(subnet(t, "10.0.1.0", 24, a, b, c)))

	incoming := subnet(t, "10.0.2.0", 24, "9.9.9.9", b, c, x)
	oldPrefix, newPrefix, ok := tree.FindTransplantation(incoming)
	require.True(t, ok)
	assert.Equal(t, []ipaddr.Addr{addr(t, "9.9.9.9")}, oldPrefix)
	assert.Equal(t, []ipaddr.Addr{addr(t, a)}, newPrefix)

	assert.True(t, nettree.AdaptRoute(incoming, oldPrefix, newPrefix))
	assert.Equal(t, []ipaddr.Addr{addr(t, a), addr(t, b), addr(t, c), addr(t, x)}, incoming.Route)
	assert.True(t, tree.FittingRoute(incoming))
}

func TestFittingRouteAlreadyConsistent(t *testing.T) {
	tree := nettree.NewTree()
	a, b := "1.1.1.1", "2.2.2.2"
	require.NoError(t, tree.Insert(subnet(t, "10.0.1.0", 24, a, b)))

	fits := subnet(t, "10.0.2.0", 24, a, b, "3.3.3.3")
	assert.True(t, tree.FittingRoute(fits))
}

func TestPruneRemovesEmptyAncestors(t *testing.T) {
	tree := nettree.NewTree()
	a, b := "1.1.1.1", "2.2.2.2"
	ss := subnet(t, "10.0.1.0", 24, a, b)
	require.NoError(t, tree.Insert(ss))

	root := tree.Root()
	aNode := tree.Node(root).Children[0]
	bNode := tree.Node(aNode).Children[0]
	leaf := tree.Node(bNode).Children[0]

	tree.NullifyLeaf(leaf)

	assert.Empty(t, tree.Node(root).Children, "the whole A->B chain should prune away once its only leaf is gone")
}

func TestInsertRejectsInterfaceOutsideSubnet(t *testing.T) {
	tree := nettree.NewTree()
	ss := subnet(t, "10.0.1.0", 24, "1.1.1.1")
	ss.Interfaces = []subnetset.InterfaceTTL{{IP: addr(t, "192.168.0.1"), TTL: 3}}

	err := tree.Insert(ss)
	require.Error(t, err)
}

func TestBipartiteExportEmitsPerLabelEdgesForHedera(t *testing.T) {
	tree := nettree.NewTree()
	a, b, c := "1.1.1.1", "2.2.2.2", "3.3.3.3"

	s1 := subnet(t, "10.0.1.0", 24, a, b)
	s2 := subnet(t, "10.0.2.0", 24, a, c)
	require.NoError(t, tree.Insert(s1))
	require.NoError(t, tree.Insert(s2))

	aNode := tree.Node(tree.Root()).Children[0]
	hedera := tree.Node(aNode).Children[0]

	r := router.New()
	r.AddInterface(router.Interface{IP: addr(t, b), Method: router.MethodIPIDBased})
	r.AddInterface(router.Interface{IP: addr(t, c), Method: router.MethodIPIDBased})
	tree.SetRouters(hedera, []*router.Router{r})

	routers, subnets, edges := tree.Bipartite()
	require.Len(t, routers, 1)
	require.Len(t, subnets, 2)
	require.Len(t, edges, 4, "a HEDERA with two labels owned by the same router emits one edge per label for each of its two subnets")
	for _, e := range edges {
		assert.NotEmpty(t, e.Label)
	}
}

func TestStatisticsCountsOnlySubnetChildren(t *testing.T) {
	tree := nettree.NewTree()
	a := "10.0.1.1"
	s1 := subnet(t, "10.0.1.0", 24, a)
	s1.Interfaces = []subnetset.InterfaceTTL{{IP: addr(t, a), TTL: 1}}
	require.NoError(t, tree.Insert(s1))

	stats := tree.Statistics()
	want := [5]int{1, 1, 1, 1, 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Statistics() mismatch (-want +got):\n%s", diff)
	}
}
