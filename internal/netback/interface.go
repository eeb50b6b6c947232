// Package netback implements the network backend's transmit and
// receive tasklets: per-interface credit shaping and admission on TX,
// batched grant-map/unmap hypercalls, a pending-index ring recycled by
// a destructor-driven dealloc ring, strict-FIFO interface scheduling,
// and the RX page-flip pipeline with its bulk frame-reservation cache.
package netback

import (
	"sync"

	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/netfront"
	"github.com/rishav/splitio/internal/ring"
)

const (
	// ETHHLen and ETHFrameLen bound valid TX packet sizes.
	ETHHLen     = netfront.ETHHLen
	ETHFrameLen = netfront.ETHFrameLen
	PageSize    = netfront.PageSize
	PageMask    = netfront.PageMask
	PageShift   = netfront.PageShift

	// PendingRingSize is the size of the TX pending-index ring
	// (spec.md §4.7 step 3: "a 256-entry ring (power of two,
	// mask-indexed)").
	PendingRingSize = 256

	// MaxBatch bounds how many peer requests one grant-map hypercall
	// batches together (spec.md §4.7 step 4).
	MaxBatch = 32

	// FrameCacheSize is netback's per-backend bulk frame-reservation
	// cache (spec.md §4.8 step 3).
	FrameCacheSize = 64
)

// Handle identifies one frontend/backend interface pair.
type Handle uint32

// Interface is the per-direction record of spec.md §3's "Interface
// record": everything the TX/RX tasklets need to drive one connected
// guest network interface.
type Interface struct {
	mu sync.Mutex

	Handle     Handle
	GuestDomID uint16
	Evtchn     evtchn.Port
	Events     *evtchn.Shim

	TXBack *ring.Back[netfront.TXRequest, netfront.TXResponse]
	RXBack *ring.Back[netfront.RXRequest, netfront.RXResponse]

	shaper *creditShaper

	// stalled holds a TX request already popped from the ring but not
	// yet admitted, because either the credit shaper or the pending
	// pool had no room for it. The TX tasklet retries it before popping
	// anything new.
	stalled *netfront.TXRequest

	active bool

	// rxPending is host-stack traffic queued for delivery to the guest,
	// guarded by mu like every other per-interface field.
	rxPending []guestio.Packet

	// rxStalled holds an RX request already popped from the ring and
	// its matching packet, held back because the frame-reservation
	// cache ran dry. The RX tasklet retries it before popping anything
	// new, so no ring accounting is lost.
	rxStalled    *netfront.RXRequest
	rxStalledPkt guestio.Packet

	// schedule list intrusive link (guarded by scheduleList.mu, not mu).
	next      *Interface
	scheduled bool
	refcnt    int

	// rxSchedule list intrusive link (guarded by rxScheduleList.mu).
	rxNext      *Interface
	rxScheduled bool
	rxRefcnt    int
}

// QueueRX hands pkt to the interface's RX queue for delivery to the
// guest. Callers must also call RXBackend.LinkInterface to schedule
// the interface for draining.
func (iface *Interface) QueueRX(pkt guestio.Packet) {
	iface.mu.Lock()
	iface.rxPending = append(iface.rxPending, pkt)
	iface.mu.Unlock()
}

// NewInterface constructs an Interface record bound to its rings and
// credit parameters.
func NewInterface(handle Handle, guestDomID uint16, port evtchn.Port, events *evtchn.Shim,
	txBack *ring.Back[netfront.TXRequest, netfront.TXResponse],
	rxBack *ring.Back[netfront.RXRequest, netfront.RXResponse],
	creditBytes, creditUsec uint64) *Interface {
	return &Interface{
		Handle:     handle,
		GuestDomID: guestDomID,
		Evtchn:     port,
		Events:     events,
		TXBack:     txBack,
		RXBack:     rxBack,
		shaper:     newCreditShaper(creditBytes, creditUsec),
		active:     true,
	}
}

// SetCredit applies an administrative credit-limit override
// (spec.md §6's CreditLimit control message) to the live shaper.
func (iface *Interface) SetCredit(creditBytes, creditUsec uint64) {
	iface.shaper.setLimit(creditBytes, creditUsec)
}

// notify rings the TX/RX doorbell for this interface. Caller holds mu.
func (iface *Interface) notify() error {
	return iface.Events.Notify(iface.Evtchn)
}

// hasMoreTXWork reports whether the interface still has TX requests
// waiting (either stalled in hand, or unconsumed on the ring).
// Caller must hold iface.mu.
func (iface *Interface) hasMoreTXWork() bool {
	return iface.stalled != nil || iface.TXBack.HasUnconsumedRequests()
}

// scheduleList is the per-backend intrusive FIFO of interfaces with
// pending TX work, per spec.md §9's design note: nodes are owned by
// the interface record itself, link/unlink adjust a refcount, and the
// whole list is guarded by one mutex standing in for a spinlock.
type scheduleList struct {
	mu         sync.Mutex
	head, tail *Interface
}

// link appends iface to the tail of the schedule list, incrementing
// its refcount. A no-op if iface is already linked.
func (s *scheduleList) link(iface *Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iface.scheduled {
		return
	}
	iface.scheduled = true
	iface.refcnt++
	iface.next = nil
	if s.tail == nil {
		s.head, s.tail = iface, iface
		return
	}
	s.tail.next = iface
	s.tail = iface
}

// popFront removes and returns the head of the schedule list,
// decrementing its refcount, or (nil, false) if empty.
func (s *scheduleList) popFront() (*Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil, false
	}
	iface := s.head
	s.head = iface.next
	if s.head == nil {
		s.tail = nil
	}
	iface.next = nil
	iface.scheduled = false
	iface.refcnt--
	return iface, true
}

// rxScheduleList is the RX-side twin of scheduleList: interfaces with
// queued host-stack traffic waiting to be page-flipped to the guest.
// It is a separate list (distinct link fields) because an interface
// can simultaneously have pending TX and pending RX work.
type rxScheduleList struct {
	mu         sync.Mutex
	head, tail *Interface
}

func (s *rxScheduleList) link(iface *Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iface.rxScheduled {
		return
	}
	iface.rxScheduled = true
	iface.rxRefcnt++
	iface.rxNext = nil
	if s.tail == nil {
		s.head, s.tail = iface, iface
		return
	}
	s.tail.rxNext = iface
	s.tail = iface
}

func (s *rxScheduleList) popFront() (*Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil, false
	}
	iface := s.head
	s.head = iface.rxNext
	if s.head == nil {
		s.tail = nil
	}
	iface.rxNext = nil
	iface.rxScheduled = false
	iface.rxRefcnt--
	return iface, true
}
