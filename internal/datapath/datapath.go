// Package datapath is a small fixed-worker-pool harness standing in for
// the real DPDK poll-mode workers: each Worker pulls frames off its own
// inbound queue, resolves a nexthop via the shared route table, and
// either transmits immediately (REACHABLE) or hands the miss to the
// control loop (spec.md §4.F). Grounded on pkg/adapter/base.go's
// BaseAdapter — a bounded pool of goroutines sharing one lifecycle,
// tracked by a WaitGroup and released through a semaphore — narrowed
// here to a fixed worker count known up front instead of one goroutine
// per accepted connection.
package datapath

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ferrule/ferrule/internal/collab"
	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/logger"
	"github.com/ferrule/ferrule/internal/metrics"
	"github.com/ferrule/ferrule/internal/nexthop"
	"github.com/ferrule/ferrule/internal/probe"
	"github.com/ferrule/ferrule/internal/wire"
)

// Frame is one inbound packet awaiting a forwarding decision.
type Frame struct {
	VRF, Iface uint16
	Family     nexthop.Family
	Dst        netip.Addr
	Data       []byte
}

// Transmitter sends a resolved frame out an interface. A real binding
// wraps a DPDK tx queue or an AF_PACKET socket; tests can use a channel.
type Transmitter interface {
	Transmit(iface uint16, lladdr nexthop.MAC, data []byte)
}

// Receiver supplies inbound frames to ReceiveFrame. A real binding wraps
// an AF_PACKET socket or a DPDK rx queue; it blocks until a frame is
// available or ctx is cancelled, reporting ok=false on shutdown.
type Receiver interface {
	ReceiveNext(ctx context.Context) (vrf, iface uint16, data []byte, ok bool)
}

// Pool is a fixed set of workers sharing one route table and one control
// loop. Each worker owns its own inbound queue so frames for the same
// flow keep arriving in order.
type Pool struct {
	routes collab.RouteTable
	ifaces collab.InterfaceTable
	loop   *control.Loop
	tx     Transmitter
	rx     Receiver
	m      *metrics.Metrics

	queues []chan Frame
	wg     sync.WaitGroup
}

// Config bounds the pool's worker count and per-worker queue depth.
type Config struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics

	// Ifaces resolves the receiving interface's own lladdr and addresses
	// for ReceiveFrame's "is the probe's target local to this interface"
	// check (spec.md §4.E). Nil disables ARP/NDP probe reception: frames
	// handed to ReceiveFrame are dropped.
	Ifaces collab.InterfaceTable

	// Receiver feeds Run's receive loop. Nil means no ARP/NDP frames ever
	// reach ReceiveFrame in production, the same way a nil Transmitter
	// means resolved frames are never actually put on the wire.
	Receiver Receiver
}

// DefaultConfig returns sensible defaults: one worker per logical core is
// the real target, but a fixed small pool is plenty for a reference
// binding.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1024}
}

// New builds a Pool bound to routes/loop/tx, not yet started.
func New(cfg Config, routes collab.RouteTable, loop *control.Loop, tx Transmitter) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	p := &Pool{routes: routes, ifaces: cfg.Ifaces, loop: loop, tx: tx, rx: cfg.Receiver, m: cfg.Metrics}
	p.queues = make([]chan Frame, cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan Frame, cfg.QueueSize)
	}
	return p
}

// Run starts all workers, blocking callers should run it in a goroutine.
// Returns once ctx is cancelled and every worker has exited; frames still
// queued are not processed.
func (p *Pool) Run(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	if p.rx != nil {
		p.wg.Add(1)
		go p.receiveLoop(ctx)
	}
	p.wg.Wait()
}

// receiveLoop drains the bound Receiver into ReceiveFrame until ctx is
// cancelled or the Receiver reports shutdown.
func (p *Pool) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		vrf, iface, data, ok := p.rx.ReceiveNext(ctx)
		if !ok {
			return
		}
		p.ReceiveFrame(vrf, iface, data)
	}
}

// Deliver hands a control-loop-resolved frame (a flushed held packet or a
// freshly built solicit) to the bound Transmitter. A nil Transmitter (no
// NIC binding configured) drops it.
func (p *Pool) Deliver(iface uint16, lladdr nexthop.MAC, data []byte) {
	if p.tx == nil {
		return
	}
	p.tx.Transmit(iface, lladdr, data)
}

// Submit enqueues a frame on the worker selected by a simple hash of the
// destination address, so a given flow is always handled by the same
// worker (spec.md's per-worker ordering assumption). Drops and counts the
// frame if that worker's queue is full rather than blocking the caller.
func (p *Pool) Submit(f Frame) {
	idx := workerFor(f.Dst, len(p.queues))
	select {
	case p.queues[idx] <- f:
	default:
		logger.Debug("datapath: worker queue full, dropping frame", logger.Iface(f.Iface))
	}
}

func workerFor(dst netip.Addr, n int) int {
	b := dst.As16()
	var h uint32
	for _, c := range b {
		h = h*31 + uint32(c)
	}
	return int(h % uint32(n))
}

func (p *Pool) worker(ctx context.Context, id int, q chan Frame) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q:
			p.handle(f)
		}
	}
}

func (p *Pool) handle(f Frame) {
	nh := p.routes.Lookup(f.VRF, f.Iface, f.Dst)
	if nh == nil {
		return
	}

	if nh.GetFlags().Has(nexthop.FlagReachable) {
		if p.tx != nil {
			p.tx.Transmit(nh.IfaceID, nh.GetLLAddr(), f.Data)
		}
		return
	}

	held := nexthop.HeldPacket{Data: f.Data, Iface: f.Iface}
	if err := p.loop.PostMiss(f.VRF, f.Iface, f.Family, f.Dst, held); err != nil {
		p.m.HeldPacketDropped(f.Family.String())
		logger.Debug("datapath: control bridge ring full, dropping frame")
	}
}

// ReceiveFrame is the inbound probe path (spec.md §4.E): a real NIC
// binding hands every ARP/NDP frame it sees here. ARP and NDP Neighbor
// Solicitation are answered directly from the data plane when their
// target resolves to a local address; Solicitation frames that carry a
// source lladdr, and Neighbor Advertisements, are additionally copied to
// the control loop via PostProbeReply for neighbor-cache learning so the
// control loop never has to parse or validate wire bytes itself.
func (p *Pool) ReceiveFrame(vrf, iface uint16, data []byte) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return
	}
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		p.receiveARP(vrf, iface, data)
	case layers.EthernetTypeIPv6:
		switch {
		case pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation) != nil:
			p.receiveNS(vrf, iface, data)
		case pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement) != nil:
			p.receiveNA(vrf, iface, data)
		}
	}
}

// receiveARP implements "ARP input is analogous" (spec.md §4.E): learn the
// sender's (IP, MAC) unconditionally, and reply when the request's target
// IP is assigned to the receiving interface.
func (p *Pool) receiveARP(vrf, iface uint16, data []byte) {
	parsed, err := probe.ParseARP(data)
	if err != nil {
		logger.Debug("datapath: dropping malformed ARP frame", logger.Err(err))
		return
	}
	senderMAC, ok := probe.MACFromHardwareAddr(parsed.SenderMAC)
	if !ok {
		return
	}
	if err := p.loop.PostProbeReply(vrf, iface, nexthop.FamilyV4, parsed.SenderIP, senderMAC); err != nil {
		logger.Debug("datapath: control bridge ring full, dropping ARP learn", logger.Err(err))
	}
	if parsed.Operation != layers.ARPRequest || p.ifaces == nil {
		return
	}
	local, ok := p.ifaces.PreferredAddr(iface, parsed.TargetIP)
	if !ok || local != parsed.TargetIP {
		return
	}
	ifaceDesc, ok := p.ifaces.FromID(iface)
	if !ok {
		return
	}
	reply, err := probe.BuildARPReply(probe.ARPReplyParams{
		SrcMAC: macHW(ifaceDesc.LLAddr),
		SrcIP:  parsed.TargetIP,
		DstMAC: parsed.SenderMAC,
		DstIP:  parsed.SenderIP,
	})
	if err != nil {
		logger.Warn("datapath: failed to build ARP reply", logger.Err(err))
		return
	}
	if p.tx != nil {
		p.tx.Transmit(iface, ifaceDesc.LLAddr, reply)
	}
}

// receiveNS implements the NDP NS half of spec.md §4.E. ParseNS has
// already enforced RFC 4861 §7.1.1's wire-format invariants (hop limit,
// code, non-multicast target, unspecified-source/multicast-dest pairing);
// this only needs to decide locality and build the reply.
func (p *Pool) receiveNS(vrf, iface uint16, data []byte) {
	if p.ifaces == nil {
		return
	}
	ns, err := probe.ParseNS(data)
	if err != nil {
		logger.Debug("datapath: dropping invalid NS", logger.Err(err))
		return
	}
	local, ok := p.ifaces.PreferredAddr(iface, ns.Target)
	if !ok || local != ns.Target {
		return // target not LOCAL to this interface: IGNORE.
	}
	ifaceDesc, ok := p.ifaces.FromID(iface)
	if !ok {
		return
	}

	unspecified := ns.SrcIP.IsUnspecified()
	naParams := probe.NAParams{
		SrcMAC:    macHW(ifaceDesc.LLAddr),
		SrcIP:     ns.Target,
		Solicited: !unspecified,
		Router:    false,
	}
	if unspecified {
		naParams.DstIP = wire.AllNodesMulticast
		naParams.DstMAC = wire.EthernetMulticastForIPv6(wire.AllNodesMulticast)
	} else {
		naParams.DstIP = ns.SrcIP
		naParams.DstMAC = ns.SrcLLAddr
		if naParams.DstMAC == nil {
			naParams.DstMAC = probe.BroadcastMAC
		}
	}

	reply, err := probe.BuildNA(naParams)
	if err != nil {
		logger.Warn("datapath: failed to build NA reply", logger.Err(err))
		return
	}
	if p.tx != nil {
		p.tx.Transmit(iface, ifaceDesc.LLAddr, reply)
	}

	if !unspecified && ns.SrcLLAddr != nil {
		if mac, ok := probe.MACFromHardwareAddr(ns.SrcLLAddr); ok {
			if err := p.loop.PostProbeReply(vrf, iface, nexthop.FamilyV6, ns.SrcIP, mac); err != nil {
				logger.Debug("datapath: control bridge ring full, dropping NS learn", logger.Err(err))
			}
		}
	}
}

// receiveNA handles a Neighbor Advertisement arriving as a reply to one of
// our own solicitations: it only ever feeds the control loop's learning
// path, it never itself needs a reply.
func (p *Pool) receiveNA(vrf, iface uint16, data []byte) {
	na, err := probe.ParseNA(data)
	if err != nil {
		logger.Debug("datapath: dropping malformed NA", logger.Err(err))
		return
	}
	if na.TgtLLAddr == nil {
		return
	}
	mac, ok := probe.MACFromHardwareAddr(na.TgtLLAddr)
	if !ok {
		return
	}
	if err := p.loop.PostProbeReply(vrf, iface, nexthop.FamilyV6, na.Target, mac); err != nil {
		logger.Debug("datapath: control bridge ring full, dropping NA learn", logger.Err(err))
	}
}

func macHW(m nexthop.MAC) net.HardwareAddr { return net.HardwareAddr(m[:]) }
