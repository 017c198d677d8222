// Package probe builds and validates the ARP requests/replies and ICMPv6
// Neighbor Solicitation/Advertisement packets that drive nexthop
// resolution (spec.md §4.D/§4.E), using gopacket/layers for wire encode
// and decode.
package probe

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ferrule/ferrule/internal/nexthop"
)

// BroadcastMAC is the Ethernet broadcast destination used for ARP requests.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ARPRequestParams describes the fields needed to build an ARP request for
// a target address (spec.md §4.D).
type ARPRequestParams struct {
	SrcMAC net.HardwareAddr
	SrcIP  netip.Addr
	Target netip.Addr
}

// BuildARPRequest serializes an Ethernet+ARP request packet: broadcast
// destination, "who-has Target tell SrcIP".
func BuildARPRequest(p ARPRequestParams) ([]byte, error) {
	if !p.Target.Is4() || !p.SrcIP.Is4() {
		return nil, fmt.Errorf("probe: ARP requires IPv4 addresses")
	}
	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       BroadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	targetBytes := p.Target.As4()
	srcBytes := p.SrcIP.As4()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   p.SrcMAC,
		SourceProtAddress: srcBytes[:],
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetBytes[:],
	}
	return serialize(eth, arp)
}

// ARPReplyParams describes the fields needed to build an ARP reply.
type ARPReplyParams struct {
	SrcMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstMAC net.HardwareAddr
	DstIP  netip.Addr
}

// BuildARPReply serializes an Ethernet+ARP reply: "SrcIP is at SrcMAC",
// unicast to DstMAC/DstIP.
func BuildARPReply(p ARPReplyParams) ([]byte, error) {
	if !p.SrcIP.Is4() || !p.DstIP.Is4() {
		return nil, fmt.Errorf("probe: ARP requires IPv4 addresses")
	}
	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       p.DstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	srcBytes := p.SrcIP.As4()
	dstBytes := p.DstIP.As4()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   p.SrcMAC,
		SourceProtAddress: srcBytes[:],
		DstHwAddress:      p.DstMAC,
		DstProtAddress:    dstBytes[:],
	}
	return serialize(eth, arp)
}

// ParsedARP is the decoded, validated content of an incoming ARP packet.
type ParsedARP struct {
	Operation layers.ARPOperation
	SenderIP  netip.Addr
	SenderMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// ParseARP decodes and sanity-checks an ARP packet: spec.md §4.E's "learn
// sender's (IP, MAC) on reception" needs only opcode, sender and target.
func ParseARP(data []byte) (*ParsedARP, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil, fmt.Errorf("probe: no ARP layer in packet")
	}
	arp := arpLayer.(*layers.ARP)
	if arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return nil, fmt.Errorf("probe: unexpected ARP address sizes")
	}
	senderIP, ok := netip.AddrFromSlice(arp.SourceProtAddress)
	if !ok {
		return nil, fmt.Errorf("probe: malformed ARP sender address")
	}
	targetIP, ok := netip.AddrFromSlice(arp.DstProtAddress)
	if !ok {
		return nil, fmt.Errorf("probe: malformed ARP target address")
	}
	return &ParsedARP{
		Operation: arp.Operation,
		SenderIP:  senderIP,
		SenderMAC: net.HardwareAddr(arp.SourceHwAddress),
		TargetIP:  targetIP,
	}, nil
}

func serialize(eth *layers.Ethernet, arp *layers.ARP) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("probe: serialize ARP: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// macFromNexthop converts the fixed-size nexthop MAC to net.HardwareAddr.
func macFromNexthop(m nexthop.MAC) net.HardwareAddr {
	return net.HardwareAddr(m[:])
}

// MACFromHardwareAddr converts a decoded Ethernet source address to the
// pool's fixed-size MAC, used by the datapath's receive path to turn a
// ParsedARP/ParsedNS/ParsedNA sender address into a PostProbeReply payload.
func MACFromHardwareAddr(hw net.HardwareAddr) (nexthop.MAC, bool) {
	var m nexthop.MAC
	if len(hw) != 6 {
		return m, false
	}
	copy(m[:], hw)
	return m, true
}
