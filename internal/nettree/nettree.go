// Package nettree implements the Neighborhood Tree: a
// route-keyed near-tree (a DAG only through HEDERA fusion) that organizes
// discovered subnets by their inferred position in the network.
//
// Nodes are arena-allocated and addressed by NodeID rather than linked by
// raw pointers, avoiding cyclic ownership between tree
// nodes and subnets: a SUBNET leaf holds a pointer to its SubnetSite, but
// nothing points back from the SubnetSite to the tree, so tearing down or
// reparenting a subtree is just slice surgery on child-id lists.
package nettree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/routegraph/routegraph/internal/apperrors"
	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/router"
	"github.com/routegraph/routegraph/internal/subnetset"
)

// NodeType classifies a NetworkTreeNode.
type NodeType int

const (
	NodeRoot NodeType = iota
	NodeInternal
	NodeSubnet
	NodeHedera
)

// NodeID addresses a node in a Tree's arena. A Tree built by NewTree always
// has node 0 as its root.
type NodeID int

const invalidNodeID NodeID = -1

// Node is one NetworkTreeNode: an internal/root/hedera node carrying route
// labels, or a subnet leaf carrying a SubnetSite.
type Node struct {
	Type     NodeType
	Labels   []ipaddr.Addr
	Depth    int
	Parent   NodeID
	Children []NodeID
	Subnet   *subnetset.SubnetSite
	Routers  []*router.Router
}

// Tree is the NetworkTree.
type Tree struct {
	nodes        []*Node
	depthMap     map[int][]NodeID
	subnetMap    map[uint32][]*subnetset.SubnetSite
	leafBySubnet map[*subnetset.SubnetSite]NodeID
	maxDepth     int
}

// NewTree creates a tree with only a ROOT node at depth 0.
func NewTree() *Tree {
	t := &Tree{
		depthMap:     make(map[int][]NodeID),
		subnetMap:    make(map[uint32][]*subnetset.SubnetSite),
		leafBySubnet: make(map[*subnetset.SubnetSite]NodeID),
	}
	t.nodes = append(t.nodes, &Node{Type: NodeRoot, Parent: invalidNodeID})
	return t
}

// Root is the tree's root NodeID.
func (t *Tree) Root() NodeID { return 0 }

// Node returns the node addressed by id.
func (t *Tree) Node(id NodeID) *Node { return t.nodes[id] }

// MaxDepth returns the deepest depth reached by any node.
func (t *Tree) MaxDepth() int { return t.maxDepth }

// DepthNodes returns the node IDs registered at the given depth.
func (t *Tree) DepthNodes(depth int) []NodeID { return t.depthMap[depth] }

func (t *Tree) newNode(typ NodeType, labels []ipaddr.Addr, depth int, parent NodeID) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, &Node{Type: typ, Labels: labels, Depth: depth, Parent: parent})
	t.depthMap[depth] = append(t.depthMap[depth], id)
	if depth > t.maxDepth {
		t.maxDepth = depth
	}
	return id
}

func hasLabel(n *Node, label ipaddr.Addr) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func labelsIntersect(a, b []ipaddr.Addr) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Insert walks ss's route from depth 1, creating INTERNAL
// nodes as needed and attaching a SUBNET leaf once the route is consumed.
func (t *Tree) Insert(ss *subnetset.SubnetSite) error {
	for _, iface := range ss.Interfaces {
		if !ss.Contains(iface.IP) {
			return apperrors.New(apperrors.KindInvariantViolation,
				"interface %s lies outside subnet %s/%d", iface.IP, ss.Prefix, ss.PrefixLength)
		}
	}
	leaf := t.insertAt(t.Root(), 0, ss)
	t.leafBySubnet[ss] = leaf
	key := ipaddr.Top20(ss.Prefix)
	t.subnetMap[key] = append(t.subnetMap[key], ss)
	return nil
}

// insertAt consumes ss.Route[hopIdx:] starting from parent, returning the
// NodeID of the attached SUBNET leaf.
func (t *Tree) insertAt(parent NodeID, hopIdx int, ss *subnetset.SubnetSite) NodeID {
	if hopIdx == len(ss.Route) {
		leaf := t.newNode(NodeSubnet, nil, t.Node(parent).Depth+1, parent)
		t.Node(leaf).Subnet = ss
		t.Node(parent).Children = append(t.Node(parent).Children, leaf)
		return leaf
	}

	hop := ss.Route[hopIdx]
	depth := hopIdx + 1
	p := t.Node(parent)

	if hop == ipaddr.Missing {
		for _, cid := range p.Children {
			if c := t.Node(cid); c.Type == NodeInternal || c.Type == NodeHedera {
				return t.insertAt(cid, hopIdx+1, ss)
			}
		}
		child := t.newNode(NodeInternal, []ipaddr.Addr{ipaddr.Missing}, depth, parent)
		t.Node(parent).Children = append(t.Node(parent).Children, child)
		return t.insertAt(child, hopIdx+1, ss)
	}

	for _, cid := range p.Children {
		c := t.Node(cid)
		if (c.Type == NodeInternal || c.Type == NodeHedera) && hasLabel(c, hop) {
			return t.insertAt(cid, hopIdx+1, ss)
		}
	}

	// No existing child carries this label. If this is the final hop before a
	// subnet leaf and a sibling neighborhood is itself leaf-adjacent (all of
	// its children are subnet leaves), treat the divergence as load balancing
	// at the edge of a neighborhood and fuse into a HEDERA rather than
	// branching the tree into two unrelated-looking neighborhoods. See
	// DESIGN.md's "HEDERA fusion trigger" entry for the reasoning; this is a
	// deliberately narrow heuristic, not a blanket rule for every divergence.
	if depth == len(ss.Route) {
		for _, cid := range p.Children {
			c := t.Node(cid)
			if (c.Type == NodeInternal || c.Type == NodeHedera) && t.isLeafAdjacent(cid) {
				return t.fuseAndDescend(parent, cid, hop, hopIdx, ss)
			}
		}
	}

	child := t.newNode(NodeInternal, []ipaddr.Addr{hop}, depth, parent)
	t.Node(parent).Children = append(t.Node(parent).Children, child)
	return t.insertAt(child, hopIdx+1, ss)
}

func (t *Tree) isLeafAdjacent(id NodeID) bool {
	n := t.Node(id)
	if len(n.Children) == 0 {
		return false
	}
	for _, cid := range n.Children {
		if t.Node(cid).Type != NodeSubnet {
			return false
		}
	}
	return true
}

func (t *Tree) fuseAndDescend(parent, existingChild NodeID, newLabel ipaddr.Addr, hopIdx int, ss *subnetset.SubnetSite) NodeID {
	existing := t.Node(existingChild)
	labels := append(append([]ipaddr.Addr{}, existing.Labels...), newLabel)
	hedera := t.newNode(NodeHedera, labels, existing.Depth, parent)

	t.Node(hedera).Children = existing.Children
	for _, cid := range existing.Children {
		t.Node(cid).Parent = hedera
	}

	pchildren := t.Node(parent).Children
	for i, cid := range pchildren {
		if cid == existingChild {
			pchildren[i] = hedera
			break
		}
	}
	t.Node(parent).Children = pchildren

	// Demote the fused-away node: clear its labels so it can never be mistaken
	// for a still-live neighborhood.
	existing.Labels = nil
	existing.Children = nil
	t.removeFromDepthMap(existing.Depth, existingChild)

	return t.insertAt(hedera, hopIdx+1, ss)
}

func (t *Tree) removeFromDepthMap(depth int, id NodeID) {
	list := t.depthMap[depth]
	for i, cid := range list {
		if cid == id {
			t.depthMap[depth] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (t *Tree) detachChild(parent, child NodeID) {
	children := t.Node(parent).Children
	for i, cid := range children {
		if cid == child {
			t.Node(parent).Children = append(children[:i], children[i+1:]...)
			return
		}
	}
}

// NullifyLeaf detaches a SUBNET leaf from the tree and prunes any ancestor
// internal nodes left empty by its removal.
func (t *Tree) NullifyLeaf(leaf NodeID) {
	n := t.Node(leaf)
	if n.Type != NodeSubnet {
		return
	}
	parent := n.Parent
	t.detachChild(parent, leaf)
	delete(t.leafBySubnet, n.Subnet)
	key := ipaddr.Top20(n.Subnet.Prefix)
	list := t.subnetMap[key]
	for i, s := range list {
		if s == n.Subnet {
			t.subnetMap[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	t.prune(parent)
}

// prune walks upward from id: while the current node has no
// children, is not a SUBNET leaf, and has no accumulated Router data, remove
// it from its parent and depthMap, then continue from the parent. Stops at
// the first ancestor with another child, a SUBNET leaf, or the root.
func (t *Tree) prune(id NodeID) {
	for id != invalidNodeID {
		n := t.Node(id)
		if n.Type == NodeRoot {
			return
		}
		if len(n.Children) > 0 || n.Type == NodeSubnet || len(n.Routers) > 0 {
			return
		}
		parent := n.Parent
		n.Labels = nil
		t.detachChild(parent, id)
		t.removeFromDepthMap(n.Depth, id)
		id = parent
	}
}

// RepairRoutes fills missing-marker hops in every stored subnet route using
// the unambiguous label of the tree node that actually occupies that depth
// along the subnet's path.
func (t *Tree) RepairRoutes() {
	for ss, leaf := range t.leafBySubnet {
		for i, hop := range ss.Route {
			if hop != ipaddr.Missing {
				continue
			}
			depth := i + 1
			nodeID := t.ancestorAtDepth(leaf, depth)
			if nodeID == invalidNodeID {
				continue
			}
			n := t.Node(nodeID)
			if len(n.Labels) == 1 && n.Labels[0] != ipaddr.Missing {
				ss.Route[i] = n.Labels[0]
			}
		}
	}
}

func (t *Tree) ancestorAtDepth(id NodeID, depth int) NodeID {
	for id != invalidNodeID {
		n := t.Node(id)
		if n.Depth == depth {
			return id
		}
		if n.Depth < depth {
			return invalidNodeID
		}
		id = n.Parent
	}
	return invalidNodeID
}

// Statistics returns the fixed five-slot node-count vector:
//
//	[0] total internal nodes (INTERNAL + HEDERA)
//	[1] internals with only SUBNET children
//	[2] internals with complete linkage: every child matches a label
//	[3] internals with complete-or-partial linkage (>= children-2 matches)
//	[4] internals all of whose labels appear in a measured subnet's interfaces
func (t *Tree) Statistics() [5]int {
	var stats [5]int
	measured := t.allSubnetInterfaces()

	for _, id := range t.InternalNodes() {
		n := t.Node(id)
		stats[0]++
		if len(n.Children) == 0 {
			continue
		}

		onlySubnets := true
		matches := 0
		for _, cid := range n.Children {
			c := t.Node(cid)
			if c.Type == NodeSubnet {
				if labelMatchesSubnet(n.Labels, c.Subnet) {
					matches++
				}
			} else {
				onlySubnets = false
				if labelsIntersect(n.Labels, c.Labels) {
					matches++
				}
			}
		}
		if onlySubnets {
			stats[1]++
		}
		if matches == len(n.Children) {
			stats[2]++
		}
		if matches >= len(n.Children)-2 {
			stats[3]++
		}

		if len(n.Labels) > 0 {
			allMeasured := true
			for _, l := range n.Labels {
				if l == ipaddr.Missing || !measured[l] {
					allMeasured = false
					break
				}
			}
			if allMeasured {
				stats[4]++
			}
		}
	}
	return stats
}

func labelMatchesSubnet(labels []ipaddr.Addr, ss *subnetset.SubnetSite) bool {
	for _, l := range labels {
		for _, iface := range ss.Interfaces {
			if iface.IP == l {
				return true
			}
		}
	}
	return false
}

func (t *Tree) allSubnetInterfaces() map[ipaddr.Addr]bool {
	out := make(map[ipaddr.Addr]bool)
	for _, list := range t.subnetMap {
		for _, ss := range list {
			for _, iface := range ss.Interfaces {
				out[iface.IP] = true
			}
		}
	}
	return out
}

// trunkLabels returns the labels along the tree's trunk: the unique-child
// prefix path of internal nodes from the root.
func (t *Tree) trunkLabels() []ipaddr.Addr {
	var labels []ipaddr.Addr
	cur := t.Root()
	for {
		n := t.Node(cur)
		if len(n.Children) != 1 {
			return labels
		}
		child := t.Node(n.Children[0])
		if child.Type == NodeSubnet || len(child.Labels) == 0 {
			return labels
		}
		labels = append(labels, child.Labels[0])
		cur = n.Children[0]
	}
}

func sliceEqual(a, b []ipaddr.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FindTransplantation searches for the longest suffix of the trunk's labels
// that matches a contiguous run within ss's route. It returns
// the prefix of ss's route that does not fit (oldPrefix) and the
// corresponding trunk prefix that should replace it (newPrefix).
func (t *Tree) FindTransplantation(ss *subnetset.SubnetSite) (oldPrefix, newPrefix []ipaddr.Addr, ok bool) {
	trunk := t.trunkLabels()
	route := ss.Route

	maxK := len(trunk)
	if len(route) < maxK {
		maxK = len(route)
	}
	for k := maxK; k >= 1; k-- {
		want := trunk[len(trunk)-k:]
		for m := k; m <= len(route); m++ {
			if sliceEqual(route[m-k:m], want) {
				oldPrefix = append([]ipaddr.Addr{}, route[:m-k]...)
				newPrefix = append([]ipaddr.Addr{}, trunk[:len(trunk)-k]...)
				return oldPrefix, newPrefix, true
			}
		}
	}
	return nil, nil, false
}

// FittingRoute reports whether ss's route is already consistent with the
// tree's trunk labels.
func (t *Tree) FittingRoute(ss *subnetset.SubnetSite) bool {
	trunk := t.trunkLabels()
	n := len(trunk)
	if len(ss.Route) < n {
		n = len(ss.Route)
	}
	for i := 0; i < n; i++ {
		if trunk[i] != ss.Route[i] {
			return false
		}
	}
	return true
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

// AdaptRoute rewrites ss's route in place if it begins with oldPrefix,
// replacing that prefix with newPrefix, and reports whether it did.
func AdaptRoute(ss *subnetset.SubnetSite, oldPrefix, newPrefix []ipaddr.Addr) bool {
	if !routeHasPrefix(ss.Route, oldPrefix) {
		return false
	}
	newRoute := make([]ipaddr.Addr, 0, len(ss.Route)-len(oldPrefix)+len(newPrefix))
	newRoute = append(newRoute, newPrefix...)
	newRoute = append(newRoute, ss.Route[len(oldPrefix):]...)
	ss.Route = newRoute
	return true
}

// InternalNodes returns every INTERNAL/HEDERA node id in the tree, used by
// the Alias Resolver to enumerate neighborhoods. Nodes detached by HEDERA
// fusion or pruning are no longer in depthMap and are not returned.
func (t *Tree) InternalNodes() []NodeID {
	var out []NodeID
	for depth := 1; depth <= t.maxDepth; depth++ {
		for _, id := range t.depthMap[depth] {
			if n := t.Node(id); n.Type == NodeInternal || n.Type == NodeHedera {
				out = append(out, id)
			}
		}
	}
	return out
}

// ChildSubnets returns the SubnetSites attached directly below id.
func (t *Tree) ChildSubnets(id NodeID) []*subnetset.SubnetSite {
	var out []*subnetset.SubnetSite
	for _, cid := range t.Node(id).Children {
		if c := t.Node(cid); c.Type == NodeSubnet {
			out = append(out, c.Subnet)
		}
	}
	return out
}

// SetRouters attaches the Alias Resolver's output to an internal node.
func (t *Tree) SetRouters(id NodeID, routers []*router.Router) {
	t.Node(id).Routers = routers
}

// RouterNode is one router-side vertex of the bipartite export.
type RouterNode struct {
	ID     string
	Router *router.Router
}

// SubnetNode is one subnet-side vertex of the bipartite export.
type SubnetNode struct {
	Prefix       ipaddr.Addr
	PrefixLength uint8
}

// Edge is a (router, subnet) edge; Label is set for load-balanced edges
// a node with multiple labels emits one edge per label (load-balancing).
type Edge struct {
	RouterID     string
	SubnetPrefix string
	Label        string
}

// Bipartite produces the bipartite graph: router nodes on one
// side, subnet nodes on the other, edges wherever a router interface lies
// within a subnet or the router is the ingress router of the subnet's
// neighborhood.
func (t *Tree) Bipartite() ([]RouterNode, []SubnetNode, []Edge) {
	var routers []RouterNode
	var subnets []SubnetNode
	var edges []Edge
	routerID := make(map[*router.Router]string)

	for _, n := range t.nodes {
		if n.Type != NodeInternal && n.Type != NodeHedera {
			continue
		}
		for _, r := range n.Routers {
			id, ok := routerID[r]
			if !ok {
				id = "R-" + uuid.NewString()
				routerID[r] = id
				routers = append(routers, RouterNode{ID: id, Router: r})
			}
			for _, cid := range n.Children {
				c := t.Node(cid)
				if c.Type != NodeSubnet {
					continue
				}
				sub := c.Subnet
				subnetPrefix := fmt.Sprintf("%s/%d", sub.Prefix, sub.PrefixLength)

				interfaceWithin := false
				for _, iface := range r.Interfaces() {
					if sub.Contains(iface.IP) {
						interfaceWithin = true
						break
					}
				}

				if len(n.Labels) > 1 {
					emitted := false
					for _, l := range n.Labels {
						if r.HasInterface(l) {
							edges = append(edges, Edge{RouterID: id, SubnetPrefix: subnetPrefix, Label: l.String()})
							emitted = true
						}
					}
					if !emitted && interfaceWithin {
						edges = append(edges, Edge{RouterID: id, SubnetPrefix: subnetPrefix})
					}
					continue
				}

				ingress := len(n.Labels) == 1 && r.HasInterface(n.Labels[0])
				if interfaceWithin || ingress {
					edges = append(edges, Edge{RouterID: id, SubnetPrefix: subnetPrefix})
				}
			}
		}
	}

	for _, list := range t.subnetMap {
		for _, s := range list {
			subnets = append(subnets, SubnetNode{Prefix: s.Prefix, PrefixLength: s.PrefixLength})
		}
	}
	return routers, subnets, edges
}
