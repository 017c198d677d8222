// Package collab defines the narrow collaborator interfaces the
// neighbor-resolution subsystem depends on but does not implement: the LPM
// route table, the interface table, and the packet-graph runtime
// (spec.md §6). Only the contracts referenced by the control loop and the
// datapath nodes are declared here; a real router binds a full LPM trie
// (e.g. gaissmai/bart, explicitly out of scope — see SPEC_FULL.md) and a
// real DPDK-backed graph behind these interfaces.
package collab

import (
	"net/netip"

	"github.com/ferrule/ferrule/internal/nexthop"
)

// RouteTable is the lookup/insert/delete contract referenced by spec.md §6.
type RouteTable interface {
	// Lookup returns the nexthop a forwarding decision for dst resolves to,
	// or nil if no route matches.
	Lookup(vrf uint16, iface uint16, dst netip.Addr) *nexthop.Nexthop
	// Insert adds a host (/32 or /128) or subnet route pointing at nh.
	Insert(vrf uint16, iface uint16, prefix netip.Prefix, nh *nexthop.Nexthop) error
	// Delete removes the route for the given prefix.
	Delete(vrf uint16, iface uint16, prefix netip.Prefix) error
}

// Iface describes the subset of interface attributes the resolution
// subsystem needs.
type Iface struct {
	ID     uint16
	VRFID  uint16
	LLAddr nexthop.MAC
}

// InterfaceTable resolves interface attributes and preferred source
// addresses for a given scope (spec.md §6).
type InterfaceTable interface {
	// FromID returns the interface descriptor, or ok=false if unknown.
	FromID(id uint16) (Iface, bool)
	// PreferredAddr returns this router's own address on iface matching the
	// scope of target (link-local vs. global, subnet membership for v4),
	// or ok=false if no suitable address is configured.
	PreferredAddr(iface uint16, target netip.Addr) (netip.Addr, bool)
}
