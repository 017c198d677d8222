package control

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/ferrule/ferrule/internal/collab"
	"github.com/ferrule/ferrule/internal/collab/memroute"
	"github.com/ferrule/ferrule/internal/nexthop"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return a
}

// newTestLoop builds a Loop over a memroute.Table with one interface
// (id 1, vrf 0) carrying both an IPv4 and IPv6 source address, running
// its bridge consumer so PostMiss/PostProbeReply are actually drained.
func newTestLoop(t *testing.T, reinject func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket)) (*Loop, *memroute.Table) {
	t.Helper()
	tbl := memroute.New()
	tbl.AddInterface(collab.Iface{ID: 1, VRFID: 0, LLAddr: nexthop.MAC{0, 1, 2, 3, 4, 5}},
		mustAddr(t, "10.0.0.1"), mustAddr(t, "2001:db8::1"))

	cfg := DefaultConfig()
	cfg.Reinject = reinject
	loop := New(cfg, tbl, tbl)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop.bridge.Run(ctx)

	return loop, tbl
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestMissOnUnknownDestCreatesPendingAndSolicits covers S1: a data-plane
// miss on a host nexthop that has never been resolved creates a held
// packet and emits exactly one solicitation, moving the nexthop to
// PENDING.
func TestMissOnUnknownDestCreatesPendingAndSolicits(t *testing.T) {
	var solicited []nexthop.HeldPacket
	loop, tbl := newTestLoop(t, func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket) {
		solicited = append(solicited, pkt)
	})

	dst := mustAddr(t, "10.0.0.9")
	nh, err := loop.v4.NewNexthop(0, 1, dst)
	if err != nil {
		t.Fatalf("NewNexthop: %v", err)
	}
	loop.v4.IncRef(nh)
	if err := tbl.Insert(0, 1, netip.PrefixFrom(dst, 32), nh); err != nil {
		t.Fatalf("insert host route: %v", err)
	}

	if err := loop.PostMiss(0, 1, nexthop.FamilyV4, dst, nexthop.HeldPacket{Data: []byte("pkt1"), Iface: 1}); err != nil {
		t.Fatalf("PostMiss: %v", err)
	}

	waitFor(t, func() bool {
		return nh.CurrentState() == nexthop.StatePending
	})
	if nh.HeldCount() != 1 {
		t.Errorf("HeldCount = %d, want 1", nh.HeldCount())
	}
	if len(solicited) != 1 {
		t.Fatalf("solicit reinjections = %d, want 1 (got %v)", len(solicited), solicited)
	}
}

// TestProbeReplyResolvesAndFlushesHeldPackets covers S1's second half: a probe reply
// for a PENDING nexthop publishes its lladdr, marks it REACHABLE, and
// flushes every held packet through Reinject in FIFO order.
func TestProbeReplyResolvesAndFlushesHeldPackets(t *testing.T) {
	var flushed [][]byte
	loop, tbl := newTestLoop(t, func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket) {
		flushed = append(flushed, pkt.Data)
	})

	dst := mustAddr(t, "10.0.0.42")
	nh, err := loop.v4.NewNexthop(0, 1, dst)
	if err != nil {
		t.Fatalf("NewNexthop: %v", err)
	}
	loop.v4.IncRef(nh)
	if err := tbl.Insert(0, 1, netip.PrefixFrom(dst, 32), nh); err != nil {
		t.Fatalf("insert host route: %v", err)
	}

	if err := loop.PostMiss(0, 1, nexthop.FamilyV4, dst, nexthop.HeldPacket{Data: []byte("a"), Iface: 1}); err != nil {
		t.Fatalf("PostMiss a: %v", err)
	}
	if err := loop.PostMiss(0, 1, nexthop.FamilyV4, dst, nexthop.HeldPacket{Data: []byte("b"), Iface: 1}); err != nil {
		t.Fatalf("PostMiss b: %v", err)
	}
	waitFor(t, func() bool { return nh.CurrentState() == nexthop.StatePending })
	if nh.HeldCount() != 2 {
		t.Fatalf("HeldCount before reply = %d, want 2", nh.HeldCount())
	}

	mac := nexthop.MAC{9, 9, 9, 9, 9, 9}
	if err := loop.PostProbeReply(0, 1, nexthop.FamilyV4, dst, mac); err != nil {
		t.Fatalf("PostProbeReply: %v", err)
	}

	waitFor(t, func() bool { return nh.CurrentState() == nexthop.StateReachable })
	if nh.GetLLAddr() != mac {
		t.Errorf("GetLLAddr = %v, want %v", nh.GetLLAddr(), mac)
	}
	if nh.HeldCount() != 0 {
		t.Errorf("HeldCount after reply = %d, want 0", nh.HeldCount())
	}

	var dataPackets int
	for _, d := range flushed {
		if string(d) == "a" || string(d) == "b" {
			dataPackets++
		}
	}
	if dataPackets != 2 {
		t.Errorf("flushed data packets = %d, want 2 (flushed=%v)", dataPackets, flushed)
	}
}

// TestDeleteRefusesReferencedNexthop covers S5: the operator cannot delete
// a nexthop that is still referenced by something else, and deletion
// succeeds once that extra reference is released.
func TestDeleteRefusesReferencedNexthop(t *testing.T) {
	loop, _ := newTestLoop(t, nil)

	addr := mustAddr(t, "10.0.0.50")
	mac := nexthop.MAC{1, 2, 3, 4, 5, 6}
	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: mac}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	nh, err := loop.v4.Lookup(0, 1, addr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	loop.v4.IncRef(nh) // simulate a second owner, e.g. a route still pointing at it

	err = loop.Del(DelRequest{VRFID: 0, Addr: addr})
	if nexthop.KindOf(err) != nexthop.KindBusy {
		t.Fatalf("Del while referenced = %v, want KindBusy", err)
	}

	loop.v4.DecRef(nh) // release the extra reference
	if err := loop.Del(DelRequest{VRFID: 0, Addr: addr}); err != nil {
		t.Fatalf("Del after releasing reference: %v", err)
	}
}

func TestDeleteMissingWithoutMissingOKReturnsNotFound(t *testing.T) {
	loop, _ := newTestLoop(t, nil)
	err := loop.Del(DelRequest{VRFID: 0, Addr: mustAddr(t, "10.0.0.77")})
	if nexthop.KindOf(err) != nexthop.KindNotFound {
		t.Fatalf("Del missing = %v, want KindNotFound", err)
	}
}

func TestAddDuplicateExistOKIsIdempotent(t *testing.T) {
	loop, _ := newTestLoop(t, nil)
	addr := mustAddr(t, "10.0.0.80")
	mac := nexthop.MAC{1, 1, 1, 1, 1, 1}

	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: mac}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: mac, ExistOK: true}); err != nil {
		t.Fatalf("second Add with ExistOK: %v", err)
	}
	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: mac}); nexthop.KindOf(err) != nexthop.KindExists {
		t.Fatalf("second Add without ExistOK = %v, want KindExists", err)
	}
}

// TestAddConflictingExistOKStillReturnsExists mirrors nh6_add's exist_ok
// handling (original_source/modules/ip6/control/nexthop.c): exist_ok only
// suppresses EEXIST when the existing nexthop's iface and lladdr match the
// request, never for a re-add of the same address with a different MAC.
func TestAddConflictingExistOKStillReturnsExists(t *testing.T) {
	loop, _ := newTestLoop(t, nil)
	addr := mustAddr(t, "10.0.0.81")
	mac := nexthop.MAC{1, 1, 1, 1, 1, 1}
	otherMAC := nexthop.MAC{2, 2, 2, 2, 2, 2}

	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: mac}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := loop.Add(AddRequest{VRFID: 0, IfaceID: 1, Addr: addr, MAC: otherMAC, ExistOK: true}); nexthop.KindOf(err) != nexthop.KindExists {
		t.Fatalf("conflicting re-add with different MAC, ExistOK=true = %v, want KindExists", err)
	}
}

// TestMissOnLinkRoutePivotsToHostNexthop covers S1's first step through a
// real LINK route installed via AddLink: a miss resolving to a LINK route
// whose address differs from the packet's destination pivots to a fresh
// host nexthop inheriting the link route's interface, instead of probing
// the subnet address itself.
func TestMissOnLinkRoutePivotsToHostNexthop(t *testing.T) {
	var solicited []nexthop.HeldPacket
	loop, _ := newTestLoop(t, func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket) {
		solicited = append(solicited, pkt)
	})

	subnet := netip.MustParsePrefix("10.0.0.0/24")
	if err := loop.AddLink(AddLinkRequest{VRFID: 0, IfaceID: 1, Prefix: subnet}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	dst := mustAddr(t, "10.0.0.2")
	if err := loop.PostMiss(0, 1, nexthop.FamilyV4, dst, nexthop.HeldPacket{Data: []byte("pkt"), Iface: 1}); err != nil {
		t.Fatalf("PostMiss: %v", err)
	}

	waitFor(t, func() bool {
		nh, err := loop.v4.Lookup(0, 1, dst)
		return err == nil && nh.CurrentState() == nexthop.StatePending
	})
	host, err := loop.v4.Lookup(0, 1, dst)
	if err != nil {
		t.Fatalf("pivoted host nexthop not found: %v", err)
	}
	if host.Addr != dst {
		t.Errorf("pivoted nexthop addr = %v, want %v", host.Addr, dst)
	}
	if host.GetFlags().Has(nexthop.FlagLink) {
		t.Error("pivoted host nexthop must not itself carry FlagLink")
	}
	if len(solicited) != 1 {
		t.Fatalf("solicit reinjections = %d, want 1 (got %v)", len(solicited), solicited)
	}
}

// TestLinkRouteDeleteProtectionReleasedOnWithdraw covers S5 end to end:
// NH_DEL on a LINK route's own address is refused while the route exists,
// and succeeds once DelLink withdraws the route.
func TestLinkRouteDeleteProtectionReleasedOnWithdraw(t *testing.T) {
	loop, _ := newTestLoop(t, nil)

	subnet := netip.MustParsePrefix("10.0.1.0/24")
	if err := loop.AddLink(AddLinkRequest{VRFID: 0, IfaceID: 1, Prefix: subnet}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	netAddr := subnet.Addr()
	if err := loop.Del(DelRequest{VRFID: 0, Addr: netAddr}); nexthop.KindOf(err) != nexthop.KindBusy {
		t.Fatalf("Del on a live LINK route = %v, want KindBusy", err)
	}

	if err := loop.DelLink(DelLinkRequest{VRFID: 0, IfaceID: 1, Prefix: subnet}); err != nil {
		t.Fatalf("DelLink: %v", err)
	}

	if err := loop.Del(DelRequest{VRFID: 0, Addr: netAddr}); err != nil {
		t.Fatalf("Del after DelLink: %v", err)
	}
}
