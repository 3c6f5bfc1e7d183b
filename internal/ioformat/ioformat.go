// Package ioformat implements the route-file parser and the three report
// writers for the subnet-list, alias, and bipartite formats. It never opens
// a file itself — every function here
// takes an io.Reader/io.Writer, and file path handling stays in the CLI layer.
package ioformat

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/routegraph/routegraph/internal/apperrors"
	"github.com/routegraph/routegraph/internal/ipaddr"
	"github.com/routegraph/routegraph/internal/nettree"
	"github.com/routegraph/routegraph/internal/router"
	"github.com/routegraph/routegraph/internal/subnetset"
)

// ParseSubnetFile reads the per-subnet text records: a block per
// subnet giving the CIDR prefix, status token, pivotTTL, an `interfaces:`
// section and a `route:` line. A malformed record is wrapped as
// apperrors.KindMalformedInput with its line number and aggregated via
// multierror so one bad record doesn't hide the rest of the file; the
// aggregate is returned as a single error under an abort-on-malformed-input policy.
func ParseSubnetFile(r io.Reader) ([]*subnetset.SubnetSite, error) {
	scanner := bufio.NewScanner(r)
	var (
		sites   []*subnetset.SubnetSite
		current *subnetset.SubnetSite
		errs    *multierror.Error
		lineNo  int
		section string // "" | "interfaces" | "route"
	)

	flush := func() {
		if current != nil {
			sites = append(sites, current)
			current = nil
		}
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "interfaces:":
			section = "interfaces"
			continue
		case strings.HasPrefix(line, "route:"):
			section = "route"
			if current == nil {
				errs = multierror.Append(errs, lineErr(lineNo, "route: line outside any subnet record"))
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(line, "route:"))
			if rest != "" {
				hops, err := parseHops(rest)
				if err != nil {
					errs = multierror.Append(errs, lineErr(lineNo, err.Error()))
					continue
				}
				current.Route = hops
			}
			continue
		}

		switch section {
		case "interfaces":
			iface, err := parseInterfaceLine(line)
			if err != nil {
				errs = multierror.Append(errs, lineErr(lineNo, err.Error()))
				continue
			}
			if current == nil {
				errs = multierror.Append(errs, lineErr(lineNo, "interface line outside any subnet record"))
				continue
			}
			current.Interfaces = append(current.Interfaces, iface)
		case "route":
			// A bare continuation line after "route:" with no hops is
			// treated as the record's end; fall through to starting a new
			// record below.
			fallthrough
		default:
			flush()
			site, err := parseHeaderLine(line)
			if err != nil {
				errs = multierror.Append(errs, lineErr(lineNo, err.Error()))
				current = nil
				section = ""
				continue
			}
			current = site
			section = ""
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "reading subnet file"))
	}
	if errs != nil && errs.Len() > 0 {
		return sites, apperrors.Wrap(apperrors.KindMalformedInput, errs.ErrorOrNil(), "parsing subnet file")
	}
	return sites, nil
}

func lineErr(line int, msg string) error {
	return fmt.Errorf("line %d: %s", line, msg)
}

func parseHeaderLine(line string) (*subnetset.SubnetSite, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, errors.Errorf("expected \"prefix/len status pivotTTL\", got %q", line)
	}
	prefix, length, err := parseCIDR(fields[0])
	if err != nil {
		return nil, err
	}
	status, err := subnetset.ParseStatus(fields[1])
	if err != nil {
		return nil, err
	}
	ttl, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pivotTTL %q", fields[2])
	}
	return &subnetset.SubnetSite{
		Prefix: prefix, PrefixLength: length, Status: status, PivotTTL: uint8(ttl),
	}, nil
}

func parseCIDR(s string) (ipaddr.Addr, uint8, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("expected CIDR prefix, got %q", s)
	}
	addr, err := ipaddr.Parse(parts[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || length > 32 {
		return 0, 0, errors.Errorf("invalid prefix length in %q", s)
	}
	return addr, uint8(length), nil
}

func parseInterfaceLine(line string) (subnetset.InterfaceTTL, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return subnetset.InterfaceTTL{}, errors.Errorf("expected \"ip ttl\", got %q", line)
	}
	ip, err := ipaddr.Parse(fields[0])
	if err != nil {
		return subnetset.InterfaceTTL{}, err
	}
	ttl, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return subnetset.InterfaceTTL{}, errors.Wrapf(err, "invalid TTL %q", fields[1])
	}
	return subnetset.InterfaceTTL{IP: ip, TTL: uint8(ttl)}, nil
}

func parseHops(s string) ([]ipaddr.Addr, error) {
	fields := strings.Fields(s)
	hops := make([]ipaddr.Addr, len(fields))
	for i, f := range fields {
		hop, err := ipaddr.Parse(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid route hop %q", f)
		}
		hops[i] = hop
	}
	return hops, nil
}

// WriteSubnetList renders sites in the subnet-list format.
func WriteSubnetList(w io.Writer, sites []*subnetset.SubnetSite) error {
	for _, site := range sites {
		if _, err := fmt.Fprintf(w, "%s/%d %s %d\n", site.Prefix, site.PrefixLength, site.Status, site.PivotTTL); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "interfaces:\n"); err != nil {
			return err
		}
		for _, iface := range site.Interfaces {
			if _, err := fmt.Fprintf(w, "%s %d\n", iface.IP, iface.TTL); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "route:"); err != nil {
			return err
		}
		for _, hop := range site.Route {
			if _, err := fmt.Fprintf(w, " %s", hop); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteAliases renders the alias report: one line per router,
// `routerID: ip1 ip2 ... ipN (method1, method2, ...)`. ids must be parallel
// to routers; callers mint them with google/uuid at the report boundary
// (`R-<uuid>`), matching the bipartite export's router-ID convention.
func WriteAliases(w io.Writer, ids []string, routers []*router.Router) error {
	for i, r := range routers {
		methods := r.Methods()
		parts := make([]string, len(methods))
		for j, m := range methods {
			parts[j] = m.String()
		}
		if _, err := fmt.Fprintf(w, "%s: %s (%s)\n", ids[i], r.String(), strings.Join(parts, ", ")); err != nil {
			return err
		}
	}
	return nil
}

// WriteBipartite renders the bipartite router/subnet export:
// `routers:`/`subnets:` vertex sections followed by an `edges:` section,
// with a third field on load-balanced edges carrying the label.
func WriteBipartite(w io.Writer, routers []nettree.RouterNode, subnets []nettree.SubnetNode, edges []nettree.Edge) error {
	if _, err := io.WriteString(w, "routers:\n"); err != nil {
		return err
	}
	for _, r := range routers {
		if _, err := fmt.Fprintf(w, "%s\n", r.ID); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "subnets:\n"); err != nil {
		return err
	}
	for _, s := range subnets {
		if _, err := fmt.Fprintf(w, "%s/%d\n", s.Prefix, s.PrefixLength); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "edges:\n"); err != nil {
		return err
	}
	for _, e := range edges {
		if e.Label != "" {
			if _, err := fmt.Fprintf(w, "%s %s %s\n", e.RouterID, e.SubnetPrefix, e.Label); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", e.RouterID, e.SubnetPrefix); err != nil {
			return err
		}
	}
	return nil
}
