// Package control implements the single-threaded control loop: the only
// goroutine that mutates nexthops, routes, and the pool (spec.md §5). It
// owns the per-family nexthop pools, ties them to the collaborator route
// and interface tables, drains the bridge, and answers operator requests.
// Grounded on original_source/modules/ip6/control/nexthop.c's handler
// shape (ip6_nexthop_new/lookup, ip6_nexthop_unreachable_cb, nh6_add/
// nh6_del/nh6_list) and on pkg/flusher's consumer-goroutine lifecycle.
package control

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/ferrule/ferrule/internal/bridge"
	"github.com/ferrule/ferrule/internal/collab"
	"github.com/ferrule/ferrule/internal/logger"
	"github.com/ferrule/ferrule/internal/metrics"
	"github.com/ferrule/ferrule/internal/nexthop"
	"github.com/ferrule/ferrule/internal/probe"
	"github.com/ferrule/ferrule/internal/vrf"
)

// Handler IDs registered on the bridge at startup.
const (
	HandlerMiss = iota
	HandlerProbeReply
	HandlerProbeNSReceived
)

// Config bounds pool capacities and exposes the resolution tunables.
type Config struct {
	MaxVRFs      uint16
	V4Capacity   int
	V6Capacity   int
	Tunables     nexthop.Tunables
	TickInterval time.Duration

	// Reinject hands a frame to the data plane for actual transmission: a
	// held packet once its nexthop resolves, or a freshly built ARP/NDP
	// solicitation frame. Nil means frames are silently dropped, useful for
	// unit tests that only care about state transitions.
	Reinject func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket)

	// Metrics is optional; nil disables ferrule_* metric emission from the
	// control loop.
	Metrics *metrics.Metrics

	// Snapshot is optional; nil disables persistence of STATIC nexthops
	// across restart (spec.md §4.G). When set, New replays it to
	// warm-start the pools and Add/Del append to it as the operator
	// changes STATIC entries.
	Snapshot *nexthop.Snapshotter
}

// DefaultConfig returns sensible defaults grounded on
// original_source/api/br_net_types.h's NH_MAX_HELD_PKTS/NH_MAX_PROBES/
// NH_UCAST_PROBES constants.
func DefaultConfig() Config {
	return Config{
		MaxVRFs:      256,
		V4Capacity:   1 << 16,
		V6Capacity:   1 << 16,
		Tunables:     nexthop.DefaultTunables(),
		TickInterval: time.Second,
	}
}

// Loop is the control-plane event loop.
type Loop struct {
	cfg Config

	v4   *nexthop.Pool
	v6   *nexthop.Pool
	vrfs *vrf.Table

	routes *collab.RouteTable
	ifaces collab.InterfaceTable

	bridge *bridge.Bridge

	mu      sync.Mutex
	now     uint64 // monotonic tick counter, advanced by Run's ticker
	timers  map[nexthop.Handle]uint64
	stopped chan struct{}
}

// unreachablePacket is the payload posted on a data-plane miss.
type unreachablePacket struct {
	VRF, Iface uint16
	Family     nexthop.Family
	Dst        netip.Addr
	Held       nexthop.HeldPacket
}

// probeReplyEvent is the payload posted when a probe reply is observed
// (ARP reply, NDP NA, or NS carrying a source lladdr).
type probeReplyEvent struct {
	VRF, Iface uint16
	Family     nexthop.Family
	SenderIP   netip.Addr
	SenderMAC  nexthop.MAC
}

// New constructs a Loop with fresh pools and a bridge wired to its handlers.
func New(cfg Config, ifaces collab.InterfaceTable, routes collab.RouteTable) *Loop {
	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Metrics = cfg.Metrics
	l := &Loop{
		cfg:    cfg,
		vrfs:   vrf.NewTable(cfg.MaxVRFs),
		ifaces: ifaces,
		bridge: bridge.New(bridgeCfg),
		timers: make(map[nexthop.Handle]uint64),
	}
	l.v4 = nexthop.New(nexthop.FamilyV4, cfg.V4Capacity, nexthop.Callbacks{Free: l.onFree})
	l.v6 = nexthop.New(nexthop.FamilyV6, cfg.V6Capacity, nexthop.Callbacks{Free: l.onFree})
	l.routes = &routes

	l.bridge.RegisterHandler("unreachable", false, func(payload any) {
		l.handleMiss(payload.(unreachablePacket))
	})
	l.bridge.RegisterHandler("probe_reply", false, func(payload any) {
		l.handleProbeReply(payload.(probeReplyEvent))
	})

	if cfg.Snapshot != nil {
		l.warmStart()
	}
	return l
}

// warmStart replays the snapshot log and restores STATIC nexthops so an
// operator's NH_ADD entries survive a restart without re-probing.
func (l *Loop) warmStart() {
	entries, err := l.cfg.Snapshot.Recover()
	if err != nil {
		logger.Warn("nexthop: snapshot recovery failed", logger.Err(err))
		return
	}
	for _, e := range entries {
		pool := l.pool(e.Family)
		nh, err := pool.NewNexthop(e.VRFID, e.IfaceID, e.Addr)
		if err != nil {
			logger.Warn("nexthop: skipping snapshot entry", logger.Err(err))
			continue
		}
		nh.SetStaticLLAddr(e.MAC)
		pool.IncRef(nh)
		bits := 32
		if e.Family == nexthop.FamilyV6 {
			bits = 128
		}
		if err := (*l.routes).Insert(e.VRFID, e.IfaceID, netip.PrefixFrom(e.Addr, bits), nh); err != nil {
			logger.Warn("nexthop: snapshot route insert failed", logger.Err(err))
		}
	}
}

func (l *Loop) pool(f nexthop.Family) *nexthop.Pool {
	if f == nexthop.FamilyV4 {
		return l.v4
	}
	return l.v6
}

// Run starts the bridge consumer and the tick-driven timer sweep. Blocks
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.bridge.Run(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.now++
			now := l.now
			l.mu.Unlock()
			l.sweepTimers(now)
		}
	}
}

// Stop drains the bridge with the given timeout (spec.md §5: "the data
// plane is stopped first to guarantee no new posts").
func (l *Loop) Stop(timeout time.Duration) {
	l.bridge.Stop(timeout)
}

// PostMiss is called by a data-plane worker on a forwarding miss; never
// blocks (spec.md §4.F).
func (l *Loop) PostMiss(vrfID, ifaceID uint16, family nexthop.Family, dst netip.Addr, pkt nexthop.HeldPacket) error {
	return l.bridge.Post(HandlerMiss, unreachablePacket{VRF: vrfID, Iface: ifaceID, Family: family, Dst: dst, Held: pkt})
}

// PostProbeReply is called by a data-plane worker on receipt of an ARP
// reply, an NDP NA, or an NS carrying a source lladdr.
func (l *Loop) PostProbeReply(vrfID, ifaceID uint16, family nexthop.Family, senderIP netip.Addr, senderMAC nexthop.MAC) error {
	return l.bridge.Post(HandlerProbeReply, probeReplyEvent{VRF: vrfID, Iface: ifaceID, Family: family, SenderIP: senderIP, SenderMAC: senderMAC})
}

// handleMiss implements the unreachable callback contract (spec.md §4.F).
func (l *Loop) handleMiss(pkt unreachablePacket) {
	nh := (*l.routes).Lookup(pkt.VRF, pkt.Iface, pkt.Dst)
	if nh == nil {
		// route withdrawn since the packet was enqueued; drop.
		return
	}

	if nh.GetFlags().Has(nexthop.FlagLink) && nh.Addr != pkt.Dst {
		pivot, err := l.pivotToHost(pkt.VRF, pkt.Iface, nh, pkt.Dst)
		if err != nil {
			logger.Warn("failed to pivot link route to host nexthop", logger.Err(err), logger.Addr(pkt.Dst.String()))
			return
		}
		nh = pivot
	}

	if nh.GetFlags().Has(nexthop.FlagReachable) {
		l.reinject(nh, pkt.Held)
		return
	}

	now := l.tick()
	result := nexthop.OnDataPlaneMiss(nh, l.cfg.Tunables, now, pkt.Held, l.emitSolicit)
	if result == nexthop.MissDropped {
		logger.Debug("hold queue full, dropping packet", logger.Nexthop(nh.Addr.String()))
	}
}

// pivotToHost creates (or reuses) a host nexthop for dst, inheriting the
// link route's iface, and inserts a host route pointing at it.
func (l *Loop) pivotToHost(vrfID, ifaceID uint16, link *nexthop.Nexthop, dst netip.Addr) (*nexthop.Nexthop, error) {
	pool := l.pool(link.Family)
	host, err := pool.Lookup(vrfID, ifaceID, dst)
	if err == nil {
		return host, nil
	}
	host, err = pool.NewNexthop(vrfID, ifaceID, dst)
	if err != nil {
		return nil, err
	}
	pool.IncRef(host)
	bits := 32
	if host.Family == nexthop.FamilyV6 {
		bits = 128
	}
	if err := (*l.routes).Insert(vrfID, ifaceID, netip.PrefixFrom(dst, bits), host); err != nil {
		return nil, err
	}
	return host, nil
}

func (l *Loop) reinject(nh *nexthop.Nexthop, pkt nexthop.HeldPacket) {
	if l.cfg.Reinject != nil {
		l.cfg.Reinject(nh, pkt)
	}
}

// emitSolicit is the Callbacks.Solicit hook: builds and posts an ARP
// request or NDP NS for nh, choosing unicast vs. multicast per
// ucast_probes/last_reply exactly as ndp_ns_output.c does.
func (l *Loop) emitSolicit(nh *nexthop.Nexthop) {
	iface, ok := l.ifaces.FromID(nh.IfaceID)
	if !ok {
		logger.Warn("solicit: unknown interface", logger.Iface(nh.IfaceID))
		return
	}
	local, ok := l.ifaces.PreferredAddr(nh.IfaceID, nh.Addr)
	if !ok {
		logger.Warn("solicit: no preferred source address", logger.Iface(nh.IfaceID))
		return
	}

	var pkt []byte
	var err error
	if nh.Family == nexthop.FamilyV4 {
		pkt, err = probe.BuildARPRequest(probe.ARPRequestParams{
			SrcMAC: macBytes(iface.LLAddr),
			SrcIP:  local,
			Target: nh.Addr,
		})
	} else {
		unicast := nh.LastReply != 0 && nh.UcastProbes < l.cfg.Tunables.UcastProbes
		pkt, err = probe.BuildNS(probe.NSParams{
			SrcMAC:        macBytes(iface.LLAddr),
			SrcIP:         local,
			Target:        nh.Addr,
			Unicast:       unicast,
			UnicastDstMAC: macBytes(nh.GetLLAddr()),
		})
	}
	if err != nil {
		logger.Warn("failed to build solicit packet", logger.Err(err))
		return
	}
	l.cfg.Metrics.SolicitSent(nh.Family.String())
	if l.cfg.Reinject != nil {
		l.cfg.Reinject(nh, nexthop.HeldPacket{Data: pkt, Iface: nh.IfaceID})
	}
}

// handleProbeReply implements the control-side learning steps from
// spec.md §4.D/§4.E: lookup-or-create, STATIC short-circuit, publish
// lladdr+REACHABLE, flush the hold queue.
func (l *Loop) handleProbeReply(ev probeReplyEvent) {
	pool := l.pool(ev.Family)
	nh, err := pool.Lookup(ev.VRF, ev.Iface, ev.SenderIP)
	if err != nil {
		nh, err = pool.NewNexthop(ev.VRF, ev.Iface, ev.SenderIP)
		if err != nil {
			logger.Debug("probe reply: cannot create nexthop", logger.Err(err))
			return
		}
		pool.IncRef(nh)
		bits := 32
		if ev.Family == nexthop.FamilyV6 {
			bits = 128
		}
		if err := (*l.routes).Insert(ev.VRF, ev.Iface, netip.PrefixFrom(ev.SenderIP, bits), nh); err != nil {
			logger.Debug("probe reply: cannot insert host route", logger.Err(err))
		}
	}
	now := l.tick()
	nexthop.OnProbeReply(nh, ev.SenderMAC, now, func(p nexthop.HeldPacket) {
		l.reinject(nh, p)
	})
}

func (l *Loop) sweepTimers(now uint64) {
	for _, pool := range []*nexthop.Pool{l.v4, l.v6} {
		pool.Iter(func(nh *nexthop.Nexthop) {
			if !nh.GetFlags().Has(nexthop.FlagPending) {
				return
			}
			if now-nh.LastRequest < l.cfg.Tunables.RetransTicks {
				return
			}
			result := nexthop.OnProbeTimerExpiry(nh, l.cfg.Tunables, now, l.emitSolicit)
			if result == nexthop.ExpiryFailed {
				l.cfg.Metrics.ProbeTimedOut(nh.Family.String())
			}
		})
	}
}

func (l *Loop) onFree(nh *nexthop.Nexthop) {
	(*l.routes).Delete(nh.VRFID, nh.IfaceID, hostPrefix(nh))
}

func hostPrefix(nh *nexthop.Nexthop) netip.Prefix {
	bits := 32
	if nh.Family == nexthop.FamilyV6 {
		bits = 128
	}
	return netip.PrefixFrom(nh.Addr, bits)
}

func (l *Loop) tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

func macBytes(m nexthop.MAC) []byte { return m[:] }

// --- Operator request handlers -------------------------------------------

// AddRequest is the NH_ADD payload (spec.md §6).
type AddRequest struct {
	VRFID, IfaceID uint16
	Addr           netip.Addr
	MAC            nexthop.MAC
	ExistOK        bool
}

// Add implements NH_ADD: create a static nexthop with the given lladdr.
func (l *Loop) Add(req AddRequest) error {
	if !l.vrfs.Valid(req.VRFID) {
		return nexthop.NewError(nexthop.KindInvalidArg, "vrf %d not configured", req.VRFID)
	}
	family := nexthop.FamilyV4
	if req.Addr.Is6() {
		family = nexthop.FamilyV6
	}
	pool := l.pool(family)

	if existing, err := pool.Lookup(req.VRFID, req.IfaceID, req.Addr); err == nil {
		if req.ExistOK && existing.IfaceID == req.IfaceID && existing.GetLLAddr() == req.MAC {
			return nil
		}
		return nexthop.NewError(nexthop.KindExists, "nexthop %s already exists", req.Addr)
	}

	nh, err := pool.NewNexthop(req.VRFID, req.IfaceID, req.Addr)
	if err != nil {
		return err
	}
	nh.SetStaticLLAddr(req.MAC)
	pool.IncRef(nh)
	bits := 32
	if family == nexthop.FamilyV6 {
		bits = 128
	}
	if err := (*l.routes).Insert(req.VRFID, req.IfaceID, netip.PrefixFrom(req.Addr, bits), nh); err != nil {
		return err
	}
	if l.cfg.Snapshot != nil {
		entry := nexthop.StaticEntry{VRFID: req.VRFID, IfaceID: req.IfaceID, Family: family, Addr: req.Addr, MAC: req.MAC}
		if err := l.cfg.Snapshot.AppendAdd(entry); err != nil {
			logger.Warn("nexthop: snapshot append failed", logger.Err(err))
		}
	}
	return nil
}

// DelRequest is the NH_DEL payload.
type DelRequest struct {
	VRFID     uint16
	Addr      netip.Addr
	MissingOK bool
}

// Del implements NH_DEL, refusing to delete protected or referenced
// nexthops (CanDelete, spec.md §4.C).
func (l *Loop) Del(req DelRequest) error {
	family := nexthop.FamilyV4
	if req.Addr.Is6() {
		family = nexthop.FamilyV6
	}
	pool := l.pool(family)

	nh, err := pool.Lookup(req.VRFID, nexthop.UndefIface, req.Addr)
	if err != nil {
		if req.MissingOK {
			return nil
		}
		return err
	}
	if !nexthop.CanDelete(nh) {
		return nexthop.NewError(nexthop.KindBusy, "nexthop %s is referenced or protected", req.Addr)
	}
	wasStatic := nh.GetFlags().Has(nexthop.FlagStatic)
	pool.DecRef(nh)
	if wasStatic && l.cfg.Snapshot != nil {
		if err := l.cfg.Snapshot.AppendRemove(req.VRFID, nh.IfaceID, family, req.Addr); err != nil {
			logger.Warn("nexthop: snapshot append failed", logger.Err(err))
		}
	}
	return nil
}

// AddLinkRequest creates a LINK route: a directly-connected subnet whose
// nexthop describes the subnet, not a host (GLOSSARY "LINK route").
type AddLinkRequest struct {
	VRFID, IfaceID uint16
	Prefix         netip.Prefix
}

// AddLink implements the LINK-route creation operation exercised by
// scenario S1/S5: a subnet route that handleMiss's pivotToHost step later
// turns data-plane misses against into a per-host nexthop.
func (l *Loop) AddLink(req AddLinkRequest) error {
	if !l.vrfs.Valid(req.VRFID) {
		return nexthop.NewError(nexthop.KindInvalidArg, "vrf %d not configured", req.VRFID)
	}
	addr := req.Prefix.Addr()
	family := nexthop.FamilyV4
	if addr.Is6() {
		family = nexthop.FamilyV6
	}
	pool := l.pool(family)

	if _, err := pool.Lookup(req.VRFID, req.IfaceID, addr); err == nil {
		return nexthop.NewError(nexthop.KindExists, "link route %s already exists", req.Prefix)
	}

	nh, err := pool.NewNexthop(req.VRFID, req.IfaceID, addr)
	if err != nil {
		return err
	}
	nh.SetLink()
	pool.IncRef(nh)
	if err := (*l.routes).Insert(req.VRFID, req.IfaceID, req.Prefix, nh); err != nil {
		return err
	}
	return nil
}

// DelLinkRequest withdraws a previously-added LINK route.
type DelLinkRequest struct {
	VRFID, IfaceID uint16
	Prefix         netip.Prefix
}

// DelLink withdraws the route and clears the nexthop's LINK protection; the
// nexthop keeps its reference in the pool until a subsequent NH_DEL on the
// bare address releases it (spec.md S5: "Remove the LINK route first, then NH_DEL
// returns OK").
func (l *Loop) DelLink(req DelLinkRequest) error {
	addr := req.Prefix.Addr()
	family := nexthop.FamilyV4
	if addr.Is6() {
		family = nexthop.FamilyV6
	}
	pool := l.pool(family)

	nh, err := pool.Lookup(req.VRFID, req.IfaceID, addr)
	if err != nil {
		return err
	}
	if err := (*l.routes).Delete(req.VRFID, req.IfaceID, req.Prefix); err != nil {
		return err
	}
	nh.ClearLink()
	return nil
}

// ListEntry is one row of an NH_LIST response.
type ListEntry struct {
	Addr      netip.Addr
	IfaceID   uint16
	VRFID     uint16
	MAC       nexthop.MAC
	Flags     nexthop.Flags
	HeldCount int
}

// AllVRFs requests an NH_LIST across every configured VRF.
const AllVRFs = ^uint16(0)

// List implements NH_LIST.
func (l *Loop) List(family nexthop.Family, vrfID uint16) []ListEntry {
	pool := l.pool(family)
	var out []ListEntry
	pool.Iter(func(nh *nexthop.Nexthop) {
		if vrfID != AllVRFs && nh.VRFID != vrfID {
			return
		}
		out = append(out, ListEntry{
			Addr:      nh.Addr,
			IfaceID:   nh.IfaceID,
			VRFID:     nh.VRFID,
			MAC:       nh.GetLLAddr(),
			Flags:     nh.GetFlags(),
			HeldCount: nh.HeldCount(),
		})
	})
	return out
}

