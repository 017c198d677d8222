package nexthop

import "net/netip"

// key indexes the pool's hash map. Grounded on original_source's
// nh_pool lookup by (vrf_id, iface_id, addr); the Go map does the hashing
// the C source hand-rolled.
type key struct {
	vrf  uint16
	addr netip.Addr
}

type slot struct {
	nh         *Nexthop
	generation uint32
}

// Callbacks is the capability set a pool is created with, standing in for
// the source's {solicit_nh, free_nh} function pointers (spec.md §4.A, §9).
type Callbacks struct {
	// Solicit is invoked to trigger an ARP/NDP probe for nh.
	Solicit func(nh *Nexthop)
	// Free is invoked when the final reference to nh is being released, to
	// let the route table clean up any route still pointing at it.
	Free func(nh *Nexthop)
}

// Pool is a fixed-capacity allocator and hash index of nexthops, keyed by
// (vrf_id, iface_id, addr). Only the control loop mutates a Pool; read-only
// access to individual nexthop {flags, lladdr} fields from data-plane
// workers goes through the Nexthop type's atomic accessors instead, not
// through the Pool (spec.md §5).
//
// Grounded on pkg/cache.Cache's two-level bookkeeping (a capacity-bounded
// map plus per-entry state) and on original_source's nh_pool free-list.
type Pool struct {
	family   Family
	capacity int
	cb       Callbacks

	slots     []slot
	freeList  []uint32 // indices of previously-allocated, now-freed slots
	nextFresh uint32   // low-water mark: slots below this have been touched at least once
	live      int
	index     map[key][]uint32 // vrf+addr -> candidate slot indices (iface disambiguates ties)
}

// New creates a fixed-capacity pool for the given family.
func New(family Family, capacity int, cb Callbacks) *Pool {
	return &Pool{
		family:   family,
		capacity: capacity,
		cb:       cb,
		slots:    make([]slot, capacity),
		index:    make(map[key][]uint32),
	}
}

// Len returns the number of live entries. Bounded by capacity at all times
// (spec.md §8 property 5).
func (p *Pool) Len() int { return p.live }

func isMulticastOrUnspecified(addr netip.Addr) bool {
	return addr.IsMulticast() || addr.IsUnspecified()
}

// NewNexthop allocates a new nexthop for (vrf, iface, addr). Fails with NoCapacity
// when the free list is empty, InvalidArg for multicast/unspecified
// addresses.
func (p *Pool) NewNexthop(vrf uint16, iface uint16, addr netip.Addr) (*Nexthop, error) {
	if isMulticastOrUnspecified(addr) {
		return nil, newErr(KindInvalidArg, "address %s is multicast or unspecified", addr)
	}

	idx, ok := p.allocSlot()
	if !ok {
		return nil, newErr(KindNoCapacity, "pool exhausted (capacity=%d)", p.capacity)
	}

	s := &p.slots[idx]
	nh := &Nexthop{
		handle:  Handle{Index: idx, Generation: s.generation},
		Family:  p.family,
		VRFID:   vrf,
		IfaceID: iface,
		Addr:    addr,
	}
	s.nh = nh
	p.live++

	k := key{vrf: vrf, addr: addr}
	p.index[k] = append(p.index[k], idx)

	return nh, nil
}

func (p *Pool) allocSlot() (uint32, bool) {
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return idx, true
	}
	if int(p.nextFresh) < len(p.slots) {
		idx := p.nextFresh
		p.nextFresh++
		return idx, true
	}
	return 0, false
}

// Lookup returns the existing entry for (vrf, iface, addr). If iface is
// UndefIface, any interface matches and the lowest-index match wins
// (deterministic tie-break per spec.md §4.A).
func (p *Pool) Lookup(vrf uint16, iface uint16, addr netip.Addr) (*Nexthop, error) {
	k := key{vrf: vrf, addr: addr}
	candidates := p.index[k]
	if len(candidates) == 0 {
		return nil, newErr(KindNotFound, "no nexthop for vrf=%d addr=%s", vrf, addr)
	}

	var best *Nexthop
	bestIdx := ^uint32(0)
	for _, idx := range candidates {
		s := &p.slots[idx]
		if s.nh == nil {
			continue
		}
		if iface != UndefIface && s.nh.IfaceID != iface {
			continue
		}
		if idx < bestIdx {
			best = s.nh
			bestIdx = idx
		}
	}
	if best == nil {
		return nil, newErr(KindNotFound, "no nexthop for vrf=%d iface=%d addr=%s", vrf, iface, addr)
	}
	return best, nil
}

// IncRef bumps the reference count. Every live nexthop's presence in the
// pool index is conditioned on RefCount > 0 (spec.md §3 invariant 1).
func (p *Pool) IncRef(nh *Nexthop) {
	nh.RefCount++
}

// DecRef releases a reference. When RefCount reaches zero the slot returns
// to the free list; the caller must have already cleared timers and held
// packets (spec.md §4.A).
func (p *Pool) DecRef(nh *Nexthop) {
	if nh.RefCount == 0 {
		return
	}
	nh.RefCount--
	if nh.RefCount > 0 {
		return
	}

	if p.cb.Free != nil {
		p.cb.Free(nh)
	}

	idx := nh.handle.Index
	s := &p.slots[idx]
	k := key{vrf: nh.VRFID, addr: nh.Addr}
	p.index[k] = removeIdx(p.index[k], idx)
	if len(p.index[k]) == 0 {
		delete(p.index, k)
	}

	s.nh = nil
	s.generation++
	p.live--
	p.freeList = append(p.freeList, idx)
}

func removeIdx(s []uint32, v uint32) []uint32 {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Iter performs a snapshot traversal over all live entries in deterministic
// (lowest-index-first) order. Single-threaded on the control loop.
func (p *Pool) Iter(fn func(nh *Nexthop)) {
	for i := range p.slots {
		if p.slots[i].nh != nil {
			fn(p.slots[i].nh)
		}
	}
}

// Resolve dereferences a Handle, returning nil if the slot has been freed
// and reused (generation mismatch) since the handle was captured.
func (p *Pool) Resolve(h Handle) *Nexthop {
	if int(h.Index) >= len(p.slots) {
		return nil
	}
	s := &p.slots[h.Index]
	if s.nh == nil || s.generation != h.Generation {
		return nil
	}
	return s.nh
}
