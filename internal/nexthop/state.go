package nexthop

// Tunables bounds the resolution state machine. Defaults mirror
// spec.md §9's open-question resolution and are overridable via
// internal/config.
type Tunables struct {
	MaxHeldPkts  int    // NH_MAX_HELD_PKTS
	MaxProbes    uint32 // NH_MAX_PROBES
	UcastProbes  uint32 // NH_UCAST_PROBES
	ReachableTTL uint64 // reachability window, in ticks
	RetransTicks uint64 // minimum inter-probe interval, in ticks
}

// DefaultTunables returns the documented stable defaults.
func DefaultTunables() Tunables {
	return Tunables{
		MaxHeldPkts:  4,
		MaxProbes:    3,
		UcastProbes:  1,
		ReachableTTL: 30, // 30s @ 1 tick/s convention used by tests
		RetransTicks: 1,  // 1s
	}
}

// MissResult reports what OnDataPlaneMiss decided for a single packet.
type MissResult int

const (
	MissReinjected MissResult = iota // nexthop was already REACHABLE: forward immediately, no hold
	MissHeld                         // packet queued, possibly with a fresh solicit emitted
	MissDropped                      // hold queue was full
)

// OnDataPlaneMiss implements the "data-plane miss" transition table
// (spec.md §4.C). solicit is invoked at most once per call, only when a
// new probe must be emitted.
func OnDataPlaneMiss(nh *Nexthop, tun Tunables, now uint64, pkt HeldPacket, solicit func(*Nexthop)) MissResult {
	switch nh.CurrentState() {
	case StateReachable:
		return MissReinjected

	case StateStale:
		// STALE -> PENDING: REACHABLE stays set for forwarding, no packet is
		// held, background re-probe starts if one isn't already in flight.
		nh.addFlags(FlagPending)
		if now-nh.LastRequest >= tun.RetransTicks {
			emitSolicit(nh, tun, now, solicit)
		}
		return MissReinjected

	default: // NEW, PENDING, FAILED
		if nh.CurrentState() == StateFailed {
			nh.clearFlags(FlagFailed)
		}
		ok := nh.Enqueue(pkt, tun.MaxHeldPkts)
		if !ok {
			return MissDropped
		}
		if !nh.GetFlags().Has(FlagPending) {
			nh.addFlags(FlagPending)
			emitSolicit(nh, tun, now, solicit)
		}
		return MissHeld
	}
}

// emitSolicit records last_request and invokes the probe callback. Chooses
// unicast vs. broadcast/multicast per spec.md §4.C probe-timer-expiry rule,
// reused here for the initial probe as well. The probe counters are bumped
// after the callback, so the callback sees the same counts this choice used.
func emitSolicit(nh *Nexthop, tun Tunables, now uint64, solicit func(*Nexthop)) {
	unicast := nh.LastReply != 0 && nh.UcastProbes < tun.UcastProbes
	nh.LastRequest = now
	if solicit != nil {
		solicit(nh)
	}
	if unicast {
		nh.UcastProbes++
	} else {
		nh.BcastProbes++
	}
}

// OnProbeReply implements the "probe reply received" transition. Static
// nexthops are never mutated by probe receipt (spec.md §3 invariant 5).
// flush receives every packet that was held, in FIFO order.
func OnProbeReply(nh *Nexthop, mac MAC, now uint64, flush func(HeldPacket)) {
	if nh.GetFlags().Has(FlagStatic) {
		return
	}
	nh.setReachable(mac)
	nh.UcastProbes = 0
	nh.BcastProbes = 0
	nh.LastReply = now
	nh.Flush(flush)
}

// ExpiryResult reports what OnProbeTimerExpiry decided.
type ExpiryResult int

const (
	ExpiryNoop ExpiryResult = iota
	ExpiryReprobed
	ExpiryFailed
	ExpiryStaled
)

// OnProbeTimerExpiry implements the "probe timer expiry" transition for
// PENDING, REACHABLE and STALE nexthops (spec.md §4.C).
func OnProbeTimerExpiry(nh *Nexthop, tun Tunables, now uint64, solicit func(*Nexthop)) ExpiryResult {
	switch nh.CurrentState() {
	case StatePending:
		if nh.UcastProbes+nh.BcastProbes < tun.MaxProbes {
			emitSolicit(nh, tun, now, solicit)
			return ExpiryReprobed
		}
		nh.clearFlags(FlagPending)
		nh.addFlags(FlagFailed)
		nh.DropAll()
		return ExpiryFailed

	case StateReachable:
		if now-nh.LastReply > tun.ReachableTTL {
			nh.addFlags(FlagStale)
			return ExpiryStaled
		}
		return ExpiryNoop

	case StateStale:
		if nh.UcastProbes+nh.BcastProbes >= tun.MaxProbes {
			nh.clearFlags(FlagStale | FlagPending | FlagReachable)
			nh.addFlags(FlagFailed)
			nh.DropAll()
			return ExpiryFailed
		}
		emitSolicit(nh, tun, now, solicit)
		return ExpiryReprobed

	default:
		return ExpiryNoop
	}
}

// CanDelete reports whether an operator delete is permitted: none of
// {LOCAL, LINK, GATEWAY} set and ref_count <= 1 (spec.md §4.C).
func CanDelete(nh *Nexthop) bool {
	f := nh.GetFlags()
	if f.Has(FlagLocal | FlagLink | FlagGateway) {
		return false
	}
	return nh.RefCount <= 1
}
