// Package nexthop implements the nexthop pool, the per-nexthop held-packet
// queue and the ARP/NDP resolution state machine described by the
// neighbor-resolution subsystem.
package nexthop

import (
	"net/netip"
	"sync/atomic"
)

// Family identifies the address family of a nexthop.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// Flags is a bit set over the nexthop's protection and reachability state.
type Flags uint16

const (
	FlagStatic Flags = 1 << iota
	FlagLocal
	FlagLink
	FlagGateway
	FlagReachable
	FlagStale
	FlagPending
	FlagFailed
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// String renders the set flags as a compact, comma-free letter code for
// CLI/log output: S(tatic) L(ocal) K(link) G(ateway) R(eachable) s(tale)
// P(ending) F(ailed). Unset bits are omitted entirely.
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var buf [8]byte
	n := 0
	add := func(bit Flags, c byte) {
		if f.Has(bit) {
			buf[n] = c
			n++
		}
	}
	add(FlagStatic, 'S')
	add(FlagLocal, 'L')
	add(FlagLink, 'K')
	add(FlagGateway, 'G')
	add(FlagReachable, 'R')
	add(FlagStale, 's')
	add(FlagPending, 'P')
	add(FlagFailed, 'F')
	return string(buf[:n])
}

// UndefIface is the sentinel meaning "not yet bound to an interface".
const UndefIface uint16 = 0

// MAC is a 48-bit link-layer address.
type MAC [6]byte

func (m MAC) IsZero() bool { return m == MAC{} }

func (m MAC) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 17)
	j := 0
	for i, b := range m {
		if i > 0 {
			buf[j] = ':'
			j++
		}
		buf[j] = hex[b>>4]
		buf[j+1] = hex[b&0xf]
		j += 2
	}
	return string(buf)
}

// MarshalText renders the MAC as colon-separated hex, so JSON carries it as a string.
func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Handle is an index+generation reference to a nexthop, safe to hand across
// the control/data bridge: the pool bumps the generation of a slot on free,
// so a stale handle retained by a racing worker is detected instead of
// dereferencing a reused slot (see SPEC_FULL.md §5.1).
type Handle struct {
	Index      uint32
	Generation uint32
}

// HeldPacket is a single entry in a nexthop's hold queue. The payload is an
// opaque handle into the packet-buffer pool collaborator (out of scope here);
// ferrule only needs to carry it until the nexthop resolves or the entry is
// dropped.
type HeldPacket struct {
	Data []byte
	// Iface is the interface the packet arrived/would egress on, carried so
	// the output node can pick the correct port once lladdr is known.
	Iface uint16
}

// Nexthop is "how to reach address A on interface I in vrf V" (spec.md §3).
type Nexthop struct {
	handle Handle

	Family  Family
	VRFID   uint16
	IfaceID uint16
	Addr    netip.Addr

	// flags and lladdr are the two fields a data-plane worker is allowed to
	// read directly (spec.md §5). The control loop publishes lladdr before
	// setting FlagReachable so an observer of FlagReachable always sees a
	// matching lladdr (sequentially-consistent atomics give the required
	// release/acquire ordering on top of the Go memory model).
	flags  atomic.Uint32
	lladdr atomic.Pointer[MAC]

	RefCount uint32

	UcastProbes uint32
	BcastProbes uint32

	LastRequest uint64 // ticks
	LastReply   uint64 // ticks

	held []HeldPacket
}

// Handle returns the stable index+generation reference for this nexthop.
func (n *Nexthop) Handle() Handle { return n.handle }

// HeldCount returns the number of packets currently queued on this nexthop.
func (n *Nexthop) HeldCount() int { return len(n.held) }

// GetFlags is safe to call from any data-plane worker.
func (n *Nexthop) GetFlags() Flags { return Flags(n.flags.Load()) }

// GetLLAddr is safe to call from any data-plane worker. It should only be
// trusted once GetFlags().Has(FlagReachable) is observed true.
func (n *Nexthop) GetLLAddr() MAC {
	p := n.lladdr.Load()
	if p == nil {
		return MAC{}
	}
	return *p
}

// setReachable publishes a new lladdr and then marks the nexthop reachable.
// Must only be called from the control loop.
func (n *Nexthop) setReachable(mac MAC) {
	m := mac
	n.lladdr.Store(&m)
	f := (Flags(n.flags.Load()) | FlagReachable) &^ (FlagStale | FlagPending | FlagFailed)
	n.flags.Store(uint32(f))
}

// SetStaticLLAddr configures a STATIC nexthop with an operator-supplied,
// fixed link-layer address (NH_ADD, spec.md §6). STATIC nexthops are
// immune to further mutation by probe receipt (see OnProbeReply).
func (n *Nexthop) SetStaticLLAddr(mac MAC) {
	m := mac
	n.lladdr.Store(&m)
	f := (Flags(n.flags.Load()) | FlagReachable | FlagStatic) &^ (FlagStale | FlagPending | FlagFailed)
	n.flags.Store(uint32(f))
}

// SetLink marks a nexthop as a LINK route's nexthop (GLOSSARY "LINK route"):
// it stands for a directly-connected subnet rather than a single host, is
// never itself probed, and is protected from NH_DEL (CanDelete) until the
// route referencing it is withdrawn. handleMiss pivots a miss against it to
// a per-host nexthop instead of probing the subnet address itself.
func (n *Nexthop) SetLink() {
	n.addFlags(FlagLink)
}

// ClearLink removes the LINK protection once the route referencing this
// nexthop has been withdrawn, so a subsequent NH_DEL can proceed.
func (n *Nexthop) ClearLink() {
	n.clearFlags(FlagLink)
}

// setFlags must only be called from the control loop.
func (n *Nexthop) setFlags(f Flags) { n.flags.Store(uint32(f)) }

// addFlags must only be called from the control loop.
func (n *Nexthop) addFlags(f Flags) { n.flags.Store(uint32(Flags(n.flags.Load()) | f)) }

// clearFlags must only be called from the control loop.
func (n *Nexthop) clearFlags(f Flags) { n.flags.Store(uint32(Flags(n.flags.Load()) &^ f)) }

// State reports the mutually-exclusive macro-state derived from the flag
// bits (spec.md §4.C).
type State int

const (
	StateNew State = iota
	StatePending
	StateReachable
	StateStale
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StateFailed:
		return "FAILED"
	default:
		return "NEW"
	}
}

// CurrentState derives the macro-state from the flag bits.
func (n *Nexthop) CurrentState() State {
	f := n.GetFlags()
	switch {
	case f.Has(FlagFailed):
		return StateFailed
	case f.Has(FlagReachable) && f.Has(FlagStale):
		return StateStale
	case f.Has(FlagReachable):
		return StateReachable
	case f.Has(FlagPending):
		return StatePending
	default:
		return StateNew
	}
}
