// Command routegraph runs the full topology-inference pipeline: parse a
// route file into a SubnetSiteSet, assemble the Neighborhood
// Tree, probe for alias hints, resolve routers per neighborhood, and emit
// the subnet-list/alias/bipartite reports. Argument parsing is cobra+pflag.
package main

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/routegraph/routegraph/internal/aliasresolver"
	"github.com/routegraph/routegraph/internal/apperrors"
	"github.com/routegraph/routegraph/internal/config"
	"github.com/routegraph/routegraph/internal/ioformat"
	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/iptable"
	"github.com/routegraph/routegraph/internal/logging"
	"github.com/routegraph/routegraph/internal/nettree"
	"github.com/routegraph/routegraph/internal/probing"
	"github.com/routegraph/routegraph/internal/router"
	"github.com/routegraph/routegraph/internal/subnetset"
)

const processName = "routegraph"

type flags struct {
	routeFile    string
	dumpSubnets  string
	aliasReport  string
	bipartite    string
	dnsServer    string
	maxThreads   uint16
	nbIPIDs      uint8
	probeTimeout time.Duration
	udpPortLow   uint16
	udpPortHigh  uint16
}

func main() {
	ctx := context.Background()
	ctx = logging.WithBaseLogger(ctx)
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var f flags
	cmd := &cobra.Command{
		Use:   processName,
		Short: "Infer router/subnet topology from a traceroute-derived route file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Main(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.routeFile, "route-file", "", "path to the input route/subnet file (required)")
	cmd.Flags().StringVar(&f.dumpSubnets, "dump-subnets", "", "path to write the merged subnet list (one block per subnet); empty skips")
	cmd.Flags().StringVar(&f.aliasReport, "alias-report", "", "path to write the alias report; defaults to stdout")
	cmd.Flags().StringVar(&f.bipartite, "bipartite", "", "path to write the bipartite router/subnet export; empty skips")
	cmd.Flags().StringVar(&f.dnsServer, "dns-server", "8.8.8.8:53", "DNS server used for reverse-DNS probing")
	cmd.Flags().Uint16Var(&f.maxThreads, "max-threads", 0, "override MAX_THREADS from the environment")
	cmd.Flags().Uint8Var(&f.nbIPIDs, "nb-ip-ids", 0, "override NB_IP_IDS from the environment")
	cmd.Flags().DurationVar(&f.probeTimeout, "probe-timeout", 0, "override PROBE_TIMEOUT from the environment")
	cmd.Flags().Uint16Var(&f.udpPortLow, "udp-port-low", 0, "override UDP_PORT_LOW from the environment")
	cmd.Flags().Uint16Var(&f.udpPortHigh, "udp-port-high", 0, "override UDP_PORT_HIGH from the environment")

	if err := cmd.MarkFlagRequired("route-file"); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(3)
	}

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

// Main runs the pipeline end to end: ingest, tree assembly, probing, alias
// resolution, report emission.
func Main(ctx context.Context, f flags) error {
	env, err := config.LoadEnv(ctx)
	if err != nil {
		return err
	}
	env = applyOverrides(env, f)
	if err := env.Validate(); err != nil {
		return err
	}

	in, err := os.Open(f.routeFile)
	if err != nil {
		return apperrors.Wrap(apperrors.KindMalformedInput, err, "opening route file")
	}
	defer in.Close()

	sites, err := ioformat.ParseSubnetFile(in)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "parsed %d subnet records from %s", len(sites), f.routeFile)

	set := subnetset.NewSet()
	for _, ss := range sites {
		set.AddSite(ss)
	}
	set.SortByRoute()

	tree := nettree.NewTree()
	for _, ss := range set.Sites() {
		if err := insertWithTransplantation(ctx, tree, set, ss); err != nil {
			return err
		}
	}
	tree.RepairRoutes()

	suite, err := probing.NewDefaultSuite(f.dnsServer)
	if err != nil {
		return err
	}
	defer suite.Close()

	table := iptable.NewTable()
	collector := probing.NewCollector(suite, table, probing.Config{
		MaxThreads:    int(env.MaxThreads),
		NbIPIDs:       int(env.NbIPIDs),
		MaxCollectors: env.MaxCollectors(),
		ProbeTimeout:  env.ProbeTimeout,
		UDPPortLow:    env.UDPPortLow,
		UDPPortHigh:   env.UDPPortHigh,
	})

	targets := collectTargets(tree, set)
	dlog.Infof(ctx, "probing %d distinct targets", len(targets))
	if err := collector.Run(ctx, targets); err != nil {
		return err
	}

	for _, id := range tree.InternalNodes() {
		node := tree.Node(id)
		routers := aliasresolver.Resolve(node.Labels, tree.ChildSubnets(id), table)
		tree.SetRouters(id, routers)
	}

	return writeReports(ctx, f, set, tree)
}

func applyOverrides(env config.Env, f flags) config.Env {
	if f.maxThreads != 0 {
		env.MaxThreads = f.maxThreads
	}
	if f.nbIPIDs != 0 {
		env.NbIPIDs = f.nbIPIDs
	}
	if f.probeTimeout != 0 {
		env.ProbeTimeout = f.probeTimeout
	}
	if f.udpPortLow != 0 {
		env.UDPPortLow = f.udpPortLow
	}
	if f.udpPortHigh != 0 {
		env.UDPPortHigh = f.udpPortHigh
	}
	return env
}

// insertWithTransplantation inserts ss into tree, first checking whether its
// route already fits the trunk, then attempting the prefix-rewrite graft
// (findTransplantation/adaptRoutes), and finally surfacing
// KindInconsistentRoute as a warning with the site skipped rather than
// aborting the whole run.
func insertWithTransplantation(ctx context.Context, tree *nettree.Tree, set *subnetset.Set, ss *subnetset.SubnetSite) error {
	if tree.FittingRoute(ss) {
		return tree.Insert(ss)
	}

	oldPrefix, newPrefix, ok := tree.FindTransplantation(ss)
	if !ok {
		warn := apperrors.New(apperrors.KindInconsistentRoute, "subnet %s/%d: no fitting route or transplantation, skipped", ss.Prefix, ss.PrefixLength)
		dlog.Warn(ctx, warn)
		return nil
	}

	nettree.AdaptRoute(ss, oldPrefix, newPrefix)
	set.AdaptRoutes(oldPrefix, newPrefix)
	return tree.Insert(ss)
}

// collectTargets gathers every address the Alias Hint Collector should
// probe: every internal/hedera node label and every subnet interface, deduped.
func collectTargets(tree *nettree.Tree, set *subnetset.Set) []ipaddr.Addr {
	seen := make(map[ipaddr.Addr]bool)
	var out []ipaddr.Addr
	add := func(ip ipaddr.Addr) {
		if ip == ipaddr.Missing || seen[ip] {
			return
		}
		seen[ip] = true
		out = append(out, ip)
	}

	for _, id := range tree.InternalNodes() {
		for _, label := range tree.Node(id).Labels {
			add(label)
		}
	}
	for _, ss := range set.Sites() {
		for _, iface := range ss.Interfaces {
			add(iface.IP)
		}
	}
	return out
}

func writeReports(ctx context.Context, f flags, set *subnetset.Set, tree *nettree.Tree) error {
	if f.dumpSubnets != "" {
		out, err := os.Create(f.dumpSubnets)
		if err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, err, "creating subnet-list output")
		}
		defer out.Close()
		if err := ioformat.WriteSubnetList(out, set.Sites()); err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, err, "writing subnet-list output")
		}
		dlog.Infof(ctx, "wrote subnet list to %s", f.dumpSubnets)
	}

	routerNodes, subnetNodes, edges := tree.Bipartite()
	ids := make([]string, len(routerNodes))
	routers := make([]*router.Router, len(routerNodes))
	for i, rn := range routerNodes {
		ids[i] = rn.ID
		routers[i] = rn.Router
	}

	aliasOut := os.Stdout
	if f.aliasReport != "" {
		out, err := os.Create(f.aliasReport)
		if err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, err, "creating alias-report output")
		}
		defer out.Close()
		aliasOut = out
	}
	if err := ioformat.WriteAliases(aliasOut, ids, routers); err != nil {
		return apperrors.Wrap(apperrors.KindMalformedInput, err, "writing alias report")
	}
	dlog.Infof(ctx, "resolved %d routers", len(routerNodes))

	if f.bipartite != "" {
		out, err := os.Create(f.bipartite)
		if err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, err, "creating bipartite output")
		}
		defer out.Close()
		if err := ioformat.WriteBipartite(out, routerNodes, subnetNodes, edges); err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, err, "writing bipartite output")
		}
		dlog.Infof(ctx, "wrote bipartite export to %s", f.bipartite)
	}

	return nil
}
