package nexthop

import (
	"testing"
)

func newTestNH(t *testing.T, addr string) *Nexthop {
	t.Helper()
	p := New(FamilyV4, 4, Callbacks{})
	nh, err := p.NewNexthop(0, 1, mustAddr(t, addr))
	if err != nil {
		t.Fatal(err)
	}
	return nh
}

// S1 — ARP resolution flushes held packets.
func TestScenario_ARPResolutionFlushesHeldPackets(t *testing.T) {
	nh := newTestNH(t, "10.0.0.2")
	tun := DefaultTunables()

	var solicited int
	res := OnDataPlaneMiss(nh, tun, 1, HeldPacket{Data: []byte("pkt1")}, func(n *Nexthop) { solicited++ })
	if res != MissHeld {
		t.Fatalf("got %v, want MissHeld", res)
	}
	if nh.CurrentState() != StatePending {
		t.Fatalf("state = %v, want PENDING", nh.CurrentState())
	}
	if nh.HeldCount() != 1 || solicited != 1 {
		t.Fatalf("held=%d solicited=%d, want 1,1", nh.HeldCount(), solicited)
	}

	var flushed []HeldPacket
	OnProbeReply(nh, MAC{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}, 2, func(p HeldPacket) { flushed = append(flushed, p) })

	if nh.CurrentState() != StateReachable {
		t.Fatalf("state = %v, want REACHABLE", nh.CurrentState())
	}
	if nh.HeldCount() != 0 {
		t.Fatalf("held_count = %d, want 0", nh.HeldCount())
	}
	if len(flushed) != 1 || string(flushed[0].Data) != "pkt1" {
		t.Fatalf("flushed = %+v", flushed)
	}
	if nh.GetLLAddr() != (MAC{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}) {
		t.Fatalf("lladdr = %v", nh.GetLLAddr())
	}
}

// S3 — Hold queue overflow.
func TestScenario_HoldQueueOverflow(t *testing.T) {
	nh := newTestNH(t, "10.0.0.3")
	tun := DefaultTunables()
	tun.MaxHeldPkts = 4

	solicits := 0
	held, dropped := 0, 0
	for i := 0; i < 6; i++ {
		switch OnDataPlaneMiss(nh, tun, uint64(i), HeldPacket{Data: []byte{byte(i)}}, func(n *Nexthop) { solicits++ }) {
		case MissHeld:
			held++
		case MissDropped:
			dropped++
		}
	}
	if held != 4 || dropped != 2 {
		t.Fatalf("held=%d dropped=%d, want 4,2", held, dropped)
	}
	if solicits != 1 {
		t.Fatalf("solicits = %d, want exactly one outstanding", solicits)
	}
}

// S4 — Probe exhaustion.
func TestScenario_ProbeExhaustion(t *testing.T) {
	nh := newTestNH(t, "10.0.0.4")
	tun := DefaultTunables()
	tun.MaxProbes = 3

	OnDataPlaneMiss(nh, tun, 0, HeldPacket{Data: []byte("a")}, func(n *Nexthop) {})

	var results []ExpiryResult
	for tick := uint64(1); tick <= 3; tick++ {
		results = append(results, OnProbeTimerExpiry(nh, tun, tick, func(n *Nexthop) {}))
	}
	if results[len(results)-1] != ExpiryFailed {
		t.Fatalf("results = %v, want final ExpiryFailed", results)
	}
	if nh.CurrentState() != StateFailed {
		t.Fatalf("state = %v, want FAILED", nh.CurrentState())
	}
	if nh.HeldCount() != 0 {
		t.Fatalf("held packets not dropped on FAILED: %d", nh.HeldCount())
	}

	// subsequent miss transitions FAILED -> PENDING with a fresh solicit.
	solicited := false
	res := OnDataPlaneMiss(nh, tun, 10, HeldPacket{Data: []byte("b")}, func(n *Nexthop) { solicited = true })
	if res != MissHeld || !solicited {
		t.Fatalf("FAILED->PENDING miss: res=%v solicited=%v", res, solicited)
	}
	if nh.CurrentState() != StatePending {
		t.Fatalf("state = %v, want PENDING", nh.CurrentState())
	}
}

// S6 — Static nexthop immutability.
func TestScenario_StaticNexthopImmutability(t *testing.T) {
	nh := newTestNH(t, "10.0.0.5")
	nh.setReachable(MAC{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0x03})
	nh.addFlags(FlagStatic)

	OnProbeReply(nh, MAC{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0x04}, 100, func(p HeldPacket) {
		t.Fatal("static nexthop must not flush on probe reply")
	})

	if nh.GetLLAddr() != (MAC{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0x03}) {
		t.Fatalf("lladdr mutated on STATIC nexthop: %v", nh.GetLLAddr())
	}
}

func TestCanDeleteProtection(t *testing.T) {
	nh := newTestNH(t, "10.0.0.6")
	nh.addFlags(FlagLink)
	if CanDelete(nh) {
		t.Fatal("LINK nexthop must not be deletable")
	}
	nh.clearFlags(FlagLink)
	nh.RefCount = 2
	if CanDelete(nh) {
		t.Fatal("nexthop with ref_count > 1 must not be deletable")
	}
	nh.RefCount = 1
	if !CanDelete(nh) {
		t.Fatal("unreferenced, unflagged nexthop should be deletable")
	}
}

func TestStaleReprobesInBackgroundWithoutHolding(t *testing.T) {
	nh := newTestNH(t, "10.0.0.7")
	tun := DefaultTunables()
	nh.setReachable(MAC{1, 2, 3, 4, 5, 6})
	nh.LastReply = 0
	nh.addFlags(FlagStale)

	solicited := 0
	res := OnDataPlaneMiss(nh, tun, 100, HeldPacket{Data: []byte("x")}, func(n *Nexthop) { solicited++ })
	if res != MissReinjected {
		t.Fatalf("STALE miss must reinject (REACHABLE retained), got %v", res)
	}
	if nh.HeldCount() != 0 {
		t.Fatalf("STALE miss must not hold packets, held=%d", nh.HeldCount())
	}
	if solicited != 1 {
		t.Fatalf("expected background reprobe, solicited=%d", solicited)
	}
	if !nh.GetFlags().Has(FlagReachable) {
		t.Fatal("STALE->PENDING must retain REACHABLE for forwarding")
	}
}
