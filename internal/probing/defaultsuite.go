package probing

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/routegraph/routegraph/internal/apperrors"
	"github.com/routegraph/routegraph/internal/ipaddr"
)

// DefaultSuite implements ProbeSuite over real ICMP/UDP sockets
// (golang.org/x/net/icmp for raw ICMP listening) and a miekg/dns client for
// PTR queries.
type DefaultSuite struct {
	icmpConn  *icmp.PacketConn
	dnsClient *dns.Client
	dnsServer string
}

// NewDefaultSuite opens the raw ICMP listening socket used by IPID and
// ICMPTimestamp. dnsServer is the resolver used for PTR queries (e.g.
// "8.8.8.8:53").
func NewDefaultSuite(dnsServer string) (*DefaultSuite, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindProbePrimitiveUnavailable, err,
			"opening raw ICMP listening socket (requires CAP_NET_RAW or root)")
	}
	return &DefaultSuite{
		icmpConn:  conn,
		dnsClient: &dns.Client{Net: "udp"},
		dnsServer: dnsServer,
	}, nil
}

// Close releases the raw socket.
func (s *DefaultSuite) Close() error {
	return s.icmpConn.Close()
}

// IPID sends an ICMP echo request carrying token (low 16 bits in its
// identifier field, the remaining bits in its sequence field) and
// reports the IP-ID field of the reply's IP header.
func (s *DefaultSuite) IPID(ctx context.Context, target ipaddr.Addr, token uint64) (IPIDResult, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(token & 0xffff), Seq: int(token >> 16), Data: []byte("routegraph")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return IPIDResult{}, err
	}
	if _, err := s.icmpConn.WriteTo(wire, &net.IPAddr{IP: target.Netip().AsSlice()}); err != nil {
		return IPIDResult{}, nil //nolint:nilerr // send failure on a single target is a non-reply, not a primitive failure
	}

	reply := make([]byte, 1500)
	deadline, ok := ctx.Deadline()
	if ok {
		_ = s.icmpConn.SetReadDeadline(deadline)
	}
	_, peer, err := s.icmpConn.ReadFrom(reply)
	if err != nil {
		return IPIDResult{}, nil
	}
	if peerAddr, ok := peer.(*net.IPAddr); !ok || !peerAddr.IP.Equal(net.IP(target.Netip().AsSlice())) {
		return IPIDResult{}, nil
	}

	ipid := uint16(reply[4])<<8 | uint16(reply[5])
	return IPIDResult{IPID: ipid, Token: token, Replied: true}, nil
}

// UDPUnreachable sends a single UDP datagram to a closed port on target and
// reports whether an ICMP port-unreachable response arrived, and from where.
func (s *DefaultSuite) UDPUnreachable(ctx context.Context, target ipaddr.Addr, srcPort, dstPort uint16) (UDPUnreachableResult, error) {
	conn, err := net.DialUDP("udp4", &net.UDPAddr{Port: int(srcPort)}, &net.UDPAddr{IP: net.IP(target.Netip().AsSlice()), Port: int(dstPort)})
	if err != nil {
		return UDPUnreachableResult{}, nil
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte("routegraph-probe")); err != nil {
		return UDPUnreachableResult{}, nil
	}

	reply := make([]byte, 1500)
	deadline, ok := ctx.Deadline()
	if ok {
		_ = s.icmpConn.SetReadDeadline(deadline)
	}
	n, peer, err := s.icmpConn.ReadFrom(reply)
	if err != nil || n < 8 {
		return UDPUnreachableResult{}, nil
	}
	parsed, err := icmp.ParseMessage(1, reply[:n])
	if err != nil || parsed.Type != ipv4.ICMPTypeDestinationUnreachable {
		return UDPUnreachableResult{}, nil
	}
	peerAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return UDPUnreachableResult{}, nil
	}
	replySrc, err := ipaddr.Parse(peerAddr.IP.String())
	if err != nil {
		return UDPUnreachableResult{}, nil
	}
	return UDPUnreachableResult{Replied: true, ReplySrc: replySrc}, nil
}

// ICMPTimestamp sends an ICMP timestamp request and reports whether a
// timestamp reply arrived.
func (s *DefaultSuite) ICMPTimestamp(ctx context.Context, target ipaddr.Addr) (ICMPTimestampResult, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeTimestamp,
		Code: 0,
		Body: &icmp.Echo{ID: 1, Seq: 1, Data: make([]byte, 12)},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return ICMPTimestampResult{}, err
	}
	if _, err := s.icmpConn.WriteTo(wire, &net.IPAddr{IP: target.Netip().AsSlice()}); err != nil {
		return ICMPTimestampResult{}, nil
	}

	reply := make([]byte, 1500)
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.icmpConn.SetReadDeadline(deadline)
	}
	n, _, err := s.icmpConn.ReadFrom(reply)
	if err != nil {
		return ICMPTimestampResult{}, nil
	}
	parsed, err := icmp.ParseMessage(1, reply[:n])
	if err != nil || parsed.Type != ipv4.ICMPTypeTimestampReply {
		return ICMPTimestampResult{}, nil
	}
	return ICMPTimestampResult{Replied: true}, nil
}

// ReverseDNS issues a PTR query for target against the configured resolver.
func (s *DefaultSuite) ReverseDNS(ctx context.Context, target ipaddr.Addr) (ReverseDNSResult, error) {
	arpa, err := dns.ReverseAddr(target.String())
	if err != nil {
		return ReverseDNSResult{}, nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	reply, _, err := s.dnsClient.ExchangeContext(ctx, msg, s.dnsServer)
	if err != nil || reply == nil {
		return ReverseDNSResult{}, nil
	}
	for _, rr := range reply.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return ReverseDNSResult{Hostname: ptr.Ptr, Found: true}, nil
		}
	}
	return ReverseDNSResult{}, nil
}
