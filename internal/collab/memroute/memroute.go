// Package memroute is an in-memory reference implementation of
// collab.RouteTable and collab.InterfaceTable good enough to drive the
// control loop and the scenario tests (spec.md §8). It does an exact
// longest-prefix walk over a small sorted slice rather than a real trie;
// production-scale route lookup is explicitly out of scope (SPEC_FULL.md
// §6.1 notes gaissmai/bart as the real-world candidate behind the same
// interface).
package memroute

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/ferrule/ferrule/internal/collab"
	"github.com/ferrule/ferrule/internal/nexthop"
)

type route struct {
	prefix netip.Prefix
	nh     *nexthop.Nexthop
}

type vrfRoutes struct {
	byIface map[uint16][]route
}

// Table is a small in-memory RouteTable + InterfaceTable.
type Table struct {
	vrfs     map[uint16]*vrfRoutes
	ifaces   map[uint16]collab.Iface
	srcAddrs map[uint16][]netip.Addr
}

// New returns an empty table.
func New() *Table {
	return &Table{
		vrfs:     make(map[uint16]*vrfRoutes),
		ifaces:   make(map[uint16]collab.Iface),
		srcAddrs: make(map[uint16][]netip.Addr),
	}
}

// AddInterface registers an interface descriptor for FromID/PreferredAddr.
func (t *Table) AddInterface(iface collab.Iface, addrs ...netip.Addr) {
	t.ifaces[iface.ID] = iface
	t.srcAddrs[iface.ID] = append(t.srcAddrs[iface.ID], addrs...)
}

func (t *Table) FromID(id uint16) (collab.Iface, bool) {
	iface, ok := t.ifaces[id]
	return iface, ok
}

func (t *Table) PreferredAddr(iface uint16, target netip.Addr) (netip.Addr, bool) {
	for _, a := range t.srcAddrs[iface] {
		if a.Is4() == target.Is4() {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func (t *Table) vrf(vrf uint16) *vrfRoutes {
	r, ok := t.vrfs[vrf]
	if !ok {
		r = &vrfRoutes{byIface: make(map[uint16][]route)}
		t.vrfs[vrf] = r
	}
	return r
}

// Lookup performs a longest-prefix match over the routes registered on vrf
// for the given interface's route set, falling back to iface 0 ("any")
// entries if nothing more specific matches.
func (t *Table) Lookup(vrf uint16, iface uint16, dst netip.Addr) *nexthop.Nexthop {
	r, ok := t.vrfs[vrf]
	if !ok {
		return nil
	}
	if nh := bestMatch(r.byIface[iface], dst); nh != nil {
		return nh
	}
	return bestMatch(r.byIface[0], dst)
}

func bestMatch(routes []route, dst netip.Addr) *nexthop.Nexthop {
	var best *route
	for i := range routes {
		if !routes[i].prefix.Contains(dst) {
			continue
		}
		if best == nil || routes[i].prefix.Bits() > best.prefix.Bits() {
			best = &routes[i]
		}
	}
	if best == nil {
		return nil
	}
	return best.nh
}

func (t *Table) Insert(vrf uint16, iface uint16, prefix netip.Prefix, nh *nexthop.Nexthop) error {
	if nh == nil {
		return fmt.Errorf("memroute: insert with nil nexthop")
	}
	r := t.vrf(vrf)
	r.byIface[iface] = append(r.byIface[iface], route{prefix: prefix, nh: nh})
	sort.Slice(r.byIface[iface], func(i, j int) bool {
		return r.byIface[iface][i].prefix.Bits() > r.byIface[iface][j].prefix.Bits()
	})
	return nil
}

func (t *Table) Delete(vrf uint16, iface uint16, prefix netip.Prefix) error {
	r, ok := t.vrfs[vrf]
	if !ok {
		return fmt.Errorf("memroute: vrf %d has no routes", vrf)
	}
	list := r.byIface[iface]
	for i, rt := range list {
		if rt.prefix == prefix {
			r.byIface[iface] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memroute: prefix %s not found in vrf %d iface %d", prefix, vrf, iface)
}
