package probe

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ferrule/ferrule/internal/wire"
)

// NSParams describes the fields needed to build an ICMPv6 Neighbor
// Solicitation (spec.md §4.D), including the unicast-vs-multicast
// destination choice the nexthop's UcastProbes/BcastProbes counters drive.
type NSParams struct {
	SrcMAC net.HardwareAddr
	SrcIP  netip.Addr
	Target netip.Addr
	// Unicast sends directly to Target instead of its solicited-node
	// multicast address; set once a prior reply has been observed and the
	// unicast probe budget (NH_UCAST_PROBES) has not been exhausted.
	// UnicastDstMAC is the target's already-known lladdr and is required
	// when Unicast is set.
	Unicast       bool
	UnicastDstMAC net.HardwareAddr
}

// BuildNS serializes an Ethernet+IPv6+ICMPv6 Neighbor Solicitation carrying
// a Source Link-Layer Address option, per RFC 4861 §4.3/§7.2.2. The option
// is carried only when SrcIP is specified; an NS from :: omits it.
func BuildNS(p NSParams) ([]byte, error) {
	if !p.SrcIP.Is6() || !p.Target.Is6() {
		return nil, fmt.Errorf("probe: NDP requires IPv6 addresses")
	}
	if p.Unicast && len(p.UnicastDstMAC) != 6 {
		return nil, fmt.Errorf("probe: unicast NS requires a known destination lladdr")
	}

	dst := p.Target
	var dstMAC net.HardwareAddr
	if p.Unicast {
		dstMAC = p.UnicastDstMAC
	} else {
		dst = wire.SolicitedNodeMulticast(p.Target)
		dstMAC = wire.EthernetMulticastForIPv6(dst)
	}

	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   wire.NDPHopLimit,
		SrcIP:      net.IP(p.SrcIP.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	icmp6.SetNetworkLayerForChecksum(ip6)

	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: net.IP(p.Target.AsSlice()),
	}
	// RFC 4861 §4.3/§7.2.4: a Source Link-Layer Address option is only
	// valid when the source is specified; duplicate address detection
	// probes (source "::") must omit it.
	if !p.SrcIP.IsUnspecified() {
		ns.Options = layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: p.SrcMAC},
		}
	}

	return serializeIPv6(eth, ip6, icmp6, ns)
}

// NAParams describes the fields needed to build an ICMPv6 Neighbor
// Advertisement reply.
type NAParams struct {
	SrcMAC    net.HardwareAddr
	SrcIP     netip.Addr // local->ipv6 (the address being advertised)
	DstIP     netip.Addr // unicast destination, or all-nodes if unsolicited
	DstMAC    net.HardwareAddr
	Solicited bool
	Router    bool
}

// BuildNA serializes an Ethernet+IPv6+ICMPv6 Neighbor Advertisement
// carrying a Target Link-Layer Address option, mirroring
// ndp_ns_input.c's reply construction.
func BuildNA(p NAParams) ([]byte, error) {
	if !p.SrcIP.Is6() || !p.DstIP.Is6() {
		return nil, fmt.Errorf("probe: NDP requires IPv6 addresses")
	}
	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       p.DstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   wire.NDPHopLimit,
		SrcIP:      net.IP(p.SrcIP.AsSlice()),
		DstIP:      net.IP(p.DstIP.AsSlice()),
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}
	icmp6.SetNetworkLayerForChecksum(ip6)

	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         naFlags(p.Router, true, p.Solicited),
		TargetAddress: net.IP(p.SrcIP.AsSlice()),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: p.SrcMAC},
		},
	}

	return serializeIPv6(eth, ip6, icmp6, na)
}

func naFlags(router, override, solicited bool) uint8 {
	var f uint8
	if router {
		f |= 0x80
	}
	if solicited {
		f |= 0x40
	}
	if override {
		f |= 0x20
	}
	return f
}

// ParsedNS is the validated content of an incoming Neighbor Solicitation.
type ParsedNS struct {
	SrcIP     netip.Addr
	DstIP     netip.Addr
	HopLimit  uint8
	Target    netip.Addr
	SrcLLAddr net.HardwareAddr // nil if the Source Link-Layer Address option was absent
}

// ParseNS decodes and validates an incoming Neighbor Solicitation against
// RFC 4861 §7.1.1: hop limit 255, code 0, length >= 24 octets, target not
// multicast, and (if source is unspecified) destination must be multicast
// with no source link-layer option.
func ParseNS(data []byte) (*ParsedNS, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ipLayer := pkt.Layer(layers.LayerTypeIPv6)
	if ipLayer == nil {
		return nil, fmt.Errorf("probe: no IPv6 layer")
	}
	ip6 := ipLayer.(*layers.IPv6)

	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	if icmpLayer == nil {
		return nil, fmt.Errorf("probe: no ICMPv6 layer")
	}
	icmp6 := icmpLayer.(*layers.ICMPv6)

	nsLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
	if nsLayer == nil {
		return nil, fmt.Errorf("probe: no Neighbor Solicitation layer")
	}
	ns := nsLayer.(*layers.ICMPv6NeighborSolicitation)

	if ip6.HopLimit != wire.NDPHopLimit {
		return nil, fmt.Errorf("probe: NS hop limit %d, want %d", ip6.HopLimit, wire.NDPHopLimit)
	}
	if icmp6.TypeCode.Code() != 0 {
		return nil, fmt.Errorf("probe: NS code %d, want 0", icmp6.TypeCode.Code())
	}
	if len(icmp6.LayerPayload())+4 < wire.MinNeighborMsgLen {
		return nil, fmt.Errorf("probe: NS too short")
	}

	target, ok := netip.AddrFromSlice(ns.TargetAddress)
	if !ok {
		return nil, fmt.Errorf("probe: malformed NS target address")
	}
	if wire.IsMulticast(target) {
		return nil, fmt.Errorf("probe: NS target must not be multicast")
	}

	src, _ := netip.AddrFromSlice(ip6.SrcIP)
	dst, _ := netip.AddrFromSlice(ip6.DstIP)

	var srcLL net.HardwareAddr
	for _, opt := range ns.Options {
		if opt.Type == layers.ICMPv6OptSourceAddress {
			srcLL = net.HardwareAddr(opt.Data)
		}
	}

	if src.IsUnspecified() {
		if !wire.IsMulticast(dst) {
			return nil, fmt.Errorf("probe: NS from unspecified source must target a multicast destination")
		}
		if srcLL != nil {
			return nil, fmt.Errorf("probe: NS from unspecified source must not carry a source link-layer option")
		}
	}

	return &ParsedNS{
		SrcIP:     src,
		DstIP:     dst,
		HopLimit:  ip6.HopLimit,
		Target:    target.Unmap(),
		SrcLLAddr: srcLL,
	}, nil
}

// ParsedNA is the validated content of an incoming Neighbor Advertisement.
type ParsedNA struct {
	Target    netip.Addr
	Solicited bool
	Override  bool
	TgtLLAddr net.HardwareAddr
}

// ParseNA decodes an incoming Neighbor Advertisement used as a probe reply.
func ParseNA(data []byte) (*ParsedNA, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	naLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement)
	if naLayer == nil {
		return nil, fmt.Errorf("probe: no Neighbor Advertisement layer")
	}
	na := naLayer.(*layers.ICMPv6NeighborAdvertisement)

	target, ok := netip.AddrFromSlice(na.TargetAddress)
	if !ok {
		return nil, fmt.Errorf("probe: malformed NA target address")
	}

	var tgtLL net.HardwareAddr
	for _, opt := range na.Options {
		if opt.Type == layers.ICMPv6OptTargetAddress {
			tgtLL = net.HardwareAddr(opt.Data)
		}
	}

	return &ParsedNA{
		Target:    target.Unmap(),
		Solicited: na.Flags&0x40 != 0,
		Override:  na.Flags&0x20 != 0,
		TgtLLAddr: tgtLL,
	}, nil
}

func serializeIPv6(eth *layers.Ethernet, ip6 *layers.IPv6, icmp6 *layers.ICMPv6, payload gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, payload); err != nil {
		return nil, fmt.Errorf("probe: serialize NDP packet: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
