// Package demoharness wires one guest interface pair (block + network)
// entirely within a single process, for the cmd/ demo binaries. It
// exists because internal/hyper.Host is a process-wide simulated
// hypervisor: there is no real shared-memory page to map across a
// process boundary, so every demo binary plays both the frontend and
// the backend role itself and differs only in how it drives the
// resulting Stack.
package demoharness

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rishav/splitio/internal/blockfront"
	"github.com/rishav/splitio/internal/controlplane"
	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/ifstate"
	"github.com/rishav/splitio/internal/netback"
	"github.com/rishav/splitio/internal/netfront"
	"github.com/rishav/splitio/internal/ring"
	"github.com/rishav/splitio/internal/telemetry"
)

const (
	// BackendDomID and GuestDomID name the two sides of the simulated
	// split: 0 is the privileged backend domain, 1 is the guest.
	BackendDomID = uint16(0)
	GuestDomID   = uint16(1)

	netTXPort    = evtchn.Port(1)
	netRXPort    = evtchn.Port(2)
	netIfacePort = evtchn.Port(3)
	blockPort    = evtchn.Port(4)

	// netHandle and blockHandle are this process's control-plane handle
	// numbers (spec.md §6's "handle" configuration key), one per
	// interface pair.
	netHandle   = controlplane.Handle(1)
	blockHandle = controlplane.Handle(2)
)

// Config parameterizes a Stack.
type Config struct {
	RingSize    int
	CreditBytes uint64
	CreditUsec  uint64
	MAC         [6]byte
	Metrics     *telemetry.Metrics
	// Sink receives packets the guest's network stack delivers upward
	// (i.e. whatever the loopback host stack echoes back). Optional.
	Sink guestio.PacketSink
	// Redis, when set, backs the control plane (persisted configuration
	// and InterfaceConnect/InterfaceStatus/CreditLimit/Disconnect
	// messages) with a real store instead of driving the lifecycle
	// state machines purely in-process.
	Redis redis.Cmdable
}

// DefaultConfig mirrors the ring/credit sizing the package's own tests
// exercise (32-slot rings, a generous default credit window).
func DefaultConfig() Config {
	return Config{
		RingSize:    32,
		CreditBytes: 65536,
		CreditUsec:  10000,
		MAC:         [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	}
}

// ramDisk is the out-of-scope block backend's stand-in responder: it
// acknowledges every request as OK, matching blockfront's own test
// stub (stubBackend in frontend_test.go).
type ramDisk struct {
	back *ring.Back[blockfront.Request, blockfront.Response]
	ops  atomic.Int64
}

func (d *ramDisk) drain() {
	for {
		req, ok := d.back.PopRequest()
		if !ok {
			break
		}
		d.ops.Add(1)
		d.back.PushResponse(blockfront.Response{ID: req.ID, Op: req.Op, Status: blockfront.StatusOK})
	}
	d.back.PublishResponses()
}

// loopbackStack stands in for the host network stack netback hands
// transmitted packets to: it echoes every packet straight back onto
// the same interface's RX path, simulating a full TX->RX round trip
// without a second domain to actually route packets to.
type loopbackStack struct {
	rx    *netback.RXBackend
	iface *netback.Interface
	sent  atomic.Int64
}

func (s *loopbackStack) Transmit(pkt guestio.Packet, _ netback.Handle, done func()) {
	s.sent.Add(1)
	done()
	s.iface.QueueRX(pkt)
	s.rx.LinkInterface(s.iface)
	s.rx.Drain()
}

// Stack is one fully-wired guest interface pair: a network frontend
// looped back through its own backend, and a block frontend served by
// a trivial always-OK responder. Both interfaces' Closed/Disconnected/
// Connected/Disconnecting lifecycle is governed by an ifstate.Machine,
// optionally backed by a Redis control plane.
type Stack struct {
	Host    *hyper.Host
	Events  *evtchn.Shim
	Metrics *telemetry.Metrics
	Log     *telemetry.Logger

	Net        *netfront.Frontend
	txBackend  *netback.TXBackend
	loop       *loopbackStack
	netIface   *netback.Interface
	netMachine *ifstate.Machine

	Block        *blockfront.Frontend
	disk         *ramDisk
	Queue        *guestio.BlockQueue
	blockMachine *ifstate.Machine
	completions  atomic.Int64

	store       *controlplane.Store
	creditAdmin *controlplane.CreditAdmin
}

// New builds a Stack: a netfront/netback pair sharing one ring and one
// event-channel namespace, plus a blockfront/ramdisk pair sharing
// another. All event bindings and the initial RX buffer fill are done
// before New returns, so the caller can start driving traffic
// immediately.
func New(cfg Config) (*Stack, error) {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	log := telemetry.NewLogger("demoharness")

	host := hyper.NewHost()
	events := evtchn.New()

	netFE, err := netfront.NewFrontend(netfront.Config{
		Name:         "eth0",
		DomID:        GuestDomID,
		TXRingSize:   cfg.RingSize,
		RXRingSize:   cfg.RingSize,
		BackendDomID: BackendDomID,
		MAC:          cfg.MAC,
		Host:         host,
		Events:       events,
		TXPort:       netTXPort,
		RXPort:       netRXPort,
		OutQueue:     guestio.NewNetQueue(),
		Sink:         cfg.Sink,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}

	txBack := ring.NewBack(netFE.TXShared())
	rxBack := ring.NewBack(netFE.RXShared())
	rxBackend := netback.NewRXBackend(host, BackendDomID, metrics)
	iface := netback.NewInterface(1, GuestDomID, netIfacePort, events, txBack, rxBack, cfg.CreditBytes, cfg.CreditUsec)
	loop := &loopbackStack{rx: rxBackend, iface: iface}
	txBackend := netback.NewTXBackend(host, loop, BackendDomID, metrics)

	if err := events.Bind(netTXPort, func() { txBackend.LinkInterface(iface); txBackend.Drain() }); err != nil {
		return nil, err
	}
	if err := events.Bind(netRXPort, func() {}); err != nil {
		return nil, err
	}
	if err := events.Bind(netIfacePort, func() { netFE.HandleTXInterrupt(); netFE.HandleRXInterrupt() }); err != nil {
		return nil, err
	}

	var store *controlplane.Store
	var creditAdmin *controlplane.CreditAdmin
	if cfg.Redis != nil {
		store = controlplane.NewStore(cfg.Redis)
		creditAdmin = controlplane.NewCreditAdmin(cfg.Redis)
	}

	netMachine := ifstate.New(&netDriver{fe: netFE, handle: netHandle, mac: cfg.MAC, store: store, log: log}, log.Infof)
	if err := netMachine.Fire(ifstate.EvPeerDisconnected); err != nil {
		return nil, err
	}
	if err := netMachine.Fire(ifstate.EvPeerConnected); err != nil {
		return nil, err
	}

	st := &Stack{
		Host: host, Events: events, Metrics: metrics, Log: log,
		Net: netFE, txBackend: txBackend, loop: loop, netIface: iface, netMachine: netMachine,
		store: store, creditAdmin: creditAdmin,
	}

	queue := guestio.NewBlockQueue(func(c guestio.BlockCompletion) { st.completions.Add(1) })
	blockFE, err := blockfront.NewFrontend(blockfront.Config{
		Name:         "xvda",
		RingSize:     cfg.RingSize,
		BackendDomID: BackendDomID,
		Host:         host,
		Events:       events,
		Port:         blockPort,
		Queue:        queue,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}
	disk := &ramDisk{back: ring.NewBack(blockFE.Shared())}
	if err := events.Bind(blockPort, func() { disk.drain(); blockFE.HandleInterrupt() }); err != nil {
		return nil, err
	}

	blockMachine := ifstate.New(&blockDriver{fe: blockFE, handle: blockHandle, store: store, log: log}, log.Infof)
	if err := blockMachine.Fire(ifstate.EvPeerDisconnected); err != nil {
		return nil, err
	}
	if err := blockMachine.Fire(ifstate.EvPeerConnected); err != nil {
		return nil, err
	}

	st.Block = blockFE
	st.disk = disk
	st.Queue = queue
	st.blockMachine = blockMachine
	return st, nil
}

// ResetNetwork drives the network interface's Connected -> Disconnected
// "reset" path (ifstate.Machine.Reset) and back to Connected, exercising
// the same recovery machinery a suspend/resume cycle would.
func (s *Stack) ResetNetwork() error {
	if err := s.netMachine.Reset(); err != nil {
		return err
	}
	return s.netMachine.Fire(ifstate.EvPeerConnected)
}

// ResetBlock drives the block interface's reset->recovery path: pending
// requests are marked INVALID, the shadow ring is replayed onto a fresh
// free list once the interface reconnects.
func (s *Stack) ResetBlock() error {
	if err := s.blockMachine.Reset(); err != nil {
		return err
	}
	return s.blockMachine.Fire(ifstate.EvPeerConnected)
}

// NetState and BlockState report each interface's current connection
// state, for callers that want to observe the lifecycle machine rather
// than just its I/O throughput.
func (s *Stack) NetState() ifstate.State   { return s.netMachine.State() }
func (s *Stack) BlockState() ifstate.State { return s.blockMachine.State() }

// SetCreditLimit applies an administrative credit-limit override
// (spec.md §6's CreditLimit control message) to the live network
// backend shaper, recording the change in the control plane (when
// configured) so it survives a restart the way a persisted xenstore key
// would.
func (s *Stack) SetCreditLimit(creditBytes, creditUsec uint64) error {
	if s.creditAdmin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if _, _, err := s.creditAdmin.SetCreditLimit(ctx, netHandle, creditBytes, creditUsec); err != nil {
			return err
		}
		if s.store != nil {
			if err := s.store.WriteConfig(ctx, netHandle, controlplane.KeyRate, controlplane.FormatRate(creditBytes, creditUsec)); err != nil {
				return err
			}
			if err := s.store.SendToFrontend(ctx, netHandle, controlplane.Message{
				Type:        controlplane.MsgCreditLimit,
				Handle:      netHandle,
				CreditBytes: creditBytes,
				CreditUsec:  creditUsec,
			}); err != nil {
				return err
			}
		}
	}
	s.netIface.SetCredit(creditBytes, creditUsec)
	return nil
}

// SubmitBlockWrite queues a single-sector write of size bytes and
// drains the block frontend's queue immediately.
func (s *Stack) SubmitBlockWrite(guestID, sector uint64, size int) {
	s.Queue.Submit(guestio.BlockRequest{
		GuestID: guestID,
		Op:      guestio.BlockWrite,
		Sector:  sector,
		Buffers: []guestio.Buffer{{Data: make([]byte, size), Frame: s.Host.AllocFrame(GuestDomID)}},
	})
	s.Block.DrainQueue()
}

// Xmit transmits one packet through the network frontend.
func (s *Stack) Xmit(pkt guestio.Packet) error {
	return s.Net.Xmit(pkt)
}

// Stats returns live counters for reporting.
func (s *Stack) Stats() (blockOps, completions, txPackets int64) {
	return s.disk.ops.Load(), s.completions.Load(), s.loop.sent.Load()
}
