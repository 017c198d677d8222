// Package wire holds small protocol helpers shared by the ARP and NDP
// probe builders: solicited-node multicast derivation, the matching
// Ethernet multicast address, and the RFC 4861 §7.1.1 validation
// constants. Checksums themselves are computed by gopacket/layers during
// serialization (SetNetworkLayerForChecksum); this package only supplies
// the address-shape logic the original C pulls in from rte_ip6.h
// (rte_ipv6_solnode_from_addr and friends).
package wire

import (
	"net"
	"net/netip"
)

// NDPHopLimit is the IP Hop Limit every valid Neighbor Discovery packet
// must carry: 255, so the packet could not possibly have been forwarded
// by a router (RFC 4861 §7.1.1/§7.1.2).
const NDPHopLimit = 255

// MinNeighborMsgLen is the minimum ICMPv6 length (type+code+cksum+reserved+
// target, no options) for a Neighbor Solicitation or Advertisement.
const MinNeighborMsgLen = 24

// SolicitedNodeMulticast derives the IPv6 solicited-node multicast address
// ff02::1:ffXX:XXXX for target, taking its low 24 bits.
func SolicitedNodeMulticast(target netip.Addr) netip.Addr {
	b := target.As16()
	var out [16]byte
	out[0], out[1] = 0xff, 0x02
	out[11] = 0x01
	out[12] = 0xff
	out[13], out[14], out[15] = b[13], b[14], b[15]
	return netip.AddrFrom16(out)
}

// EthernetMulticastForIPv6 maps an IPv6 multicast address onto its
// corresponding Ethernet multicast MAC: 33:33:xx:xx:xx:xx built from the
// address's low 32 bits (RFC 2464 §7).
func EthernetMulticastForIPv6(addr netip.Addr) net.HardwareAddr {
	b := addr.As16()
	return net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}

// AllNodesMulticast is the IPv6 all-nodes link-local multicast address
// ff02::1, the destination of an unsolicited Neighbor Advertisement sent
// in reply to an NS from the unspecified address (RFC 4861 §7.2.4).
var AllNodesMulticast = netip.MustParseAddr("ff02::1")

// IsMulticast reports whether addr is in the multicast range for its family.
func IsMulticast(addr netip.Addr) bool {
	if addr.Is4() {
		return addr.As4()[0]&0xf0 == 0xe0
	}
	return addr.As16()[0] == 0xff
}
