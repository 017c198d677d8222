package nexthop

import "fmt"

// CheckInvariants validates the quantified invariants from spec.md §8 for a
// single nexthop. Internal invariant violations are fatal (spec.md §7): it
// panics with a descriptive message rather than silently continuing with
// corrupted state. No code in this repository calls it.
func CheckInvariants(nh *Nexthop, tun Tunables) {
	f := nh.GetFlags()

	if nh.HeldCount() > tun.MaxHeldPkts {
		panic(fmt.Sprintf("nexthop %s: held_count %d exceeds NH_MAX_HELD_PKTS %d",
			nh.Addr, nh.HeldCount(), tun.MaxHeldPkts))
	}
	if f.Has(FlagReachable) && nh.HeldCount() != 0 {
		panic(fmt.Sprintf("nexthop %s: REACHABLE with non-empty hold queue (%d)",
			nh.Addr, nh.HeldCount()))
	}
	if f.Has(FlagReachable) && nh.GetLLAddr().IsZero() {
		panic(fmt.Sprintf("nexthop %s: REACHABLE with zero lladdr", nh.Addr))
	}
	if f.Has(FlagPending) && f.Has(FlagFailed) {
		panic(fmt.Sprintf("nexthop %s: PENDING and FAILED both set", nh.Addr))
	}
}
