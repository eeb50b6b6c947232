package netfront

import (
	"fmt"
	"sync"

	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/grant"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/ring"
	"github.com/rishav/splitio/internal/telemetry"
)

// txShadow mirrors one in-flight TX packet.
type txShadow struct {
	inUse bool
	next  uint16
	ref   grant.Ref
	buf   []byte // the (possibly bounce-copied) page-aligned buffer granted out
}

// rxShadow mirrors one posted RX buffer.
type rxShadow struct {
	inUse bool
	next  uint16
	ref   grant.Ref
	page  []byte
}

// RefillBounds configures the exponential-increase / linear-decrease
// target sizing of spec.md §4.6's RX refill policy.
type RefillBounds struct {
	Min, Max int
}

// Frontend is one network interface's frontend half.
type Frontend struct {
	mu sync.Mutex

	name         string
	domID        uint16
	backendDomID uint16
	mac          [6]byte

	connected bool

	grants *grant.Pool
	host   *hyper.Host

	shared *ring.Shared[TXRequest, TXResponse]
	front  *ring.Front[TXRequest, TXResponse]
	tx     []txShadow
	txFree uint16
	txHas  bool

	rxShared *ring.Shared[RXRequest, RXResponse]
	rxFront  *ring.Front[RXRequest, RXResponse]
	rx       []rxShadow
	rxFree   uint16
	rxHas    bool

	target int
	bounds RefillBounds

	outq *guestio.NetQueue
	sink guestio.PacketSink

	evt     *evtchn.Shim
	txPort  evtchn.Port
	rxPort  evtchn.Port

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// Config configures a new network Frontend.
type Config struct {
	Name         string
	DomID        uint16
	TXRingSize   int
	RXRingSize   int
	BackendDomID uint16
	MAC          [6]byte
	Host         *hyper.Host
	Events       *evtchn.Shim
	TXPort       evtchn.Port
	RXPort       evtchn.Port
	OutQueue     *guestio.NetQueue
	Sink         guestio.PacketSink
	Bounds       RefillBounds
	Metrics      *telemetry.Metrics
}

// NewFrontend allocates TX/RX rings, their grant pools, and shadow
// tracking arrays.
func NewFrontend(cfg Config) (*Frontend, error) {
	txShared, err := ring.NewShared[TXRequest, TXResponse](cfg.TXRingSize)
	if err != nil {
		return nil, fmt.Errorf("netfront: tx ring: %w", err)
	}
	rxShared, err := ring.NewShared[RXRequest, RXResponse](cfg.RXRingSize)
	if err != nil {
		return nil, fmt.Errorf("netfront: rx ring: %w", err)
	}
	pool, err := grant.AllocPool(cfg.Host, cfg.TXRingSize+cfg.RXRingSize+1)
	if err != nil {
		return nil, fmt.Errorf("netfront: grant pool: %w", err)
	}

	bounds := cfg.Bounds
	if bounds.Max == 0 {
		bounds.Max = cfg.RXRingSize
	}
	if bounds.Min == 0 {
		bounds.Min = 8
	}

	f := &Frontend{
		name:         cfg.Name,
		domID:        cfg.DomID,
		backendDomID: cfg.BackendDomID,
		mac:          cfg.MAC,
		grants:       pool,
		host:         cfg.Host,
		shared:       txShared,
		front:        ring.NewFront(txShared),
		tx:           make([]txShadow, cfg.TXRingSize),
		rxShared:     rxShared,
		rxFront:      ring.NewFront(rxShared),
		rx:           make([]rxShadow, cfg.RXRingSize),
		target:       bounds.Min,
		bounds:       bounds,
		outq:         cfg.OutQueue,
		sink:         cfg.Sink,
		evt:          cfg.Events,
		txPort:       cfg.TXPort,
		rxPort:       cfg.RXPort,
		log:          telemetry.NewLogger("netfront:" + cfg.Name),
		metrics:      cfg.Metrics,
	}
	f.initTXFreeList()
	f.initRXFreeList()
	return f, nil
}

func (f *Frontend) initTXFreeList() {
	n := len(f.tx)
	for i := range f.tx {
		if i == n-1 {
			f.tx[i] = txShadow{next: uint16(i)}
		} else {
			f.tx[i] = txShadow{next: uint16(i + 1)}
		}
	}
	f.txFree = 0
	f.txHas = n > 0
}

func (f *Frontend) initRXFreeList() {
	n := len(f.rx)
	for i := range f.rx {
		if i == n-1 {
			f.rx[i] = rxShadow{next: uint16(i)}
		} else {
			f.rx[i] = rxShadow{next: uint16(i + 1)}
		}
	}
	f.rxFree = 0
	f.rxHas = n > 0
}

func (f *Frontend) claimTX() (uint16, bool) {
	if !f.txHas {
		return 0, false
	}
	id := f.txFree
	s := &f.tx[id]
	if s.next == id {
		f.txHas = false
	} else {
		f.txFree = s.next
	}
	*s = txShadow{inUse: true}
	return id, true
}

func (f *Frontend) releaseTX(id uint16) {
	s := &f.tx[id]
	s.inUse = false
	if f.txHas {
		s.next = f.txFree
	} else {
		s.next = id
	}
	f.txFree = id
	f.txHas = true
}

func (f *Frontend) claimRX() (uint16, bool) {
	if !f.rxHas {
		return 0, false
	}
	id := f.rxFree
	s := &f.rx[id]
	if s.next == id {
		f.rxHas = false
	} else {
		f.rxFree = s.next
	}
	*s = rxShadow{inUse: true}
	return id, true
}

func (f *Frontend) releaseRX(id uint16) {
	s := &f.rx[id]
	s.inUse = false
	if f.rxHas {
		s.next = f.rxFree
	} else {
		s.next = id
	}
	f.rxFree = id
	f.rxHas = true
}

// TXShared returns the underlying TX ring, so a backend in the same
// process can attach a ring.Back to it the way a real backend would
// map the frontend's granted ring page via its control-plane handle.
func (f *Frontend) TXShared() *ring.Shared[TXRequest, TXResponse] { return f.shared }

// RXShared is TXShared's RX-ring counterpart.
func (f *Frontend) RXShared() *ring.Shared[RXRequest, RXResponse] { return f.rxShared }

// SetConnected marks the interface Connected or not, gating Xmit.
func (f *Frontend) SetConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
	if connected {
		f.sendGratuitousARP()
	}
}

// sendGratuitousARP populates learning bridges on connect, per spec.md
// §4.6, without the frontend needing to understand protocol internals
// beyond "a broadcast frame announcing this MAC exists now".
func (f *Frontend) sendGratuitousARP() {
	frame := buildGratuitousARP(f.mac)
	f.outq.Submit(guestio.Packet{Data: frame})
	if f.log != nil {
		f.log.Infof("sent gratuitous ARP for %02x:%02x:%02x:%02x:%02x:%02x",
			f.mac[0], f.mac[1], f.mac[2], f.mac[3], f.mac[4], f.mac[5])
	}
}

// buildGratuitousARP constructs a minimal broadcast ARP-reply-shaped
// frame (enough to be observably a gratuitous ARP on the wire; this
// module does not implement L3/L4 networking per spec.md's Non-goals).
func buildGratuitousARP(mac [6]byte) []byte {
	frame := make([]byte, ETHHLen)
	for i := 0; i < 6; i++ {
		frame[i] = 0xff // broadcast destination
	}
	copy(frame[6:12], mac[:])
	frame[12] = 0x08
	frame[13] = 0x06 // EtherType ARP
	return frame
}

// Xmit enqueues one guest-originated packet for transmission and kicks
// the TX drain loop. It never blocks; a packet that cannot be queued
// (interface down, oversize) is rejected immediately.
func (f *Frontend) Xmit(pkt guestio.Packet) error {
	if len(pkt.Data) < ETHHLen {
		return fmt.Errorf("netfront: packet too short (%d < %d)", len(pkt.Data), ETHHLen)
	}
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return errNotConnected
	}
	f.outq.Submit(pkt)
	f.DrainTXQueue()
	return nil
}

// DrainTXQueue pulls packets off the outgoing queue and onto the TX
// ring until either the queue empties or the ring/grant pool/shadow
// pool has no more room, mirroring blockfront.DrainQueue's loop shape.
// Packets that straddle a page boundary are bounce-copied into a fresh
// page-aligned buffer before granting, since the wire addr encoding can
// only express one page plus an in-page offset.
func (f *Frontend) DrainTXQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()

	pushed := false
	for {
		pkt, ok := f.outq.Peek()
		if !ok {
			break
		}
		if f.front.Full() {
			f.outq.Stop()
			break
		}

		buf := pkt.Data
		offset := pkt.Offset
		if crossesPage(offset, len(buf)) {
			// The buffer straddles a page boundary; bounce it into a
			// fresh page-aligned allocation so the single-page addr
			// encoding below can express it. The copy starts at offset 0
			// in its own page, so it can no longer cross.
			aligned := make([]byte, len(buf))
			copy(aligned, buf)
			buf = aligned
			offset = 0
		}

		id, ok := f.claimTX()
		if !ok {
			f.outq.Stop()
			break
		}
		ref, err := f.grants.Claim()
		if err != nil {
			f.releaseTX(id)
			f.outq.Stop()
			break
		}
		frame := f.host.AllocFrame(f.domID)
		if err := f.grants.GrantForeignAccess(ref, f.backendDomID, frame, false); err != nil {
			f.grants.Release(ref)
			f.releaseTX(id)
			f.log.Warnf("dropping tx packet: %v", err)
			f.outq.Drop()
			continue
		}
		f.tx[id].ref = ref
		f.tx[id].buf = buf

		addr := (uint64(ref) << PageShift) | offset
		if err := f.front.PushRequest(TXRequest{ID: id, Addr: addr, Size: uint16(len(buf)), CsumBlank: boolToU8(pkt.CsumBlank)}); err != nil {
			_ = f.grants.EndForeignAccess(ref)
			f.releaseTX(id)
			f.outq.Stop()
			break
		}
		f.outq.Drop()
		pushed = true
	}

	if pushed {
		notify := f.front.PublishRequests()
		// Aggressive notification policy: always notify here since each
		// Xmit call represents a fresh burst the backend may be idle
		// waiting on; HandleTXInterrupt relies on the ring's own
		// threshold check rather than re-deriving idleness.
		if notify {
			_ = f.evt.Notify(f.txPort)
		}
		if f.metrics != nil {
			f.metrics.RingOccupancy.WithLabelValues(f.name, "tx").Set(float64(f.front.Outstanding()))
		}
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func crossesPage(offset uint64, size int) bool {
	return (offset&PageMask)+uint64(size) > PageSize
}

type netfrontError string

func (e netfrontError) Error() string { return string(e) }

const errNotConnected = netfrontError("netfront: interface not connected")

// HandleTXInterrupt drains TX responses: releases the grant, frees the
// shadow buffer, and returns the shadow id to the free list.
func (f *Frontend) HandleTXInterrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		rsp, ok := f.front.PopResponse()
		if !ok {
			if !f.front.FinalCheckForResponses() {
				break
			}
			continue
		}
		id := rsp.ID
		if int(id) >= len(f.tx) || !f.tx[id].inUse {
			f.log.Errorf("protocol fault: tx response for unknown slot %d", id)
			continue
		}
		ref := f.tx[id].ref
		_ = f.grants.EndForeignAccess(ref)
		f.releaseTX(id)
		if f.metrics != nil {
			status := "ok"
			if rsp.Status != TXOkay {
				status = "error"
			}
			f.metrics.TXPackets.WithLabelValues(f.name, status).Inc()
		}
	}
}

// PostBuffers donates fresh pages to the backend up to the current fill
// target, via transfer grants (spec.md §4.6: "the frontend donates
// pages outright rather than merely granting access, so the backend can
// hand them straight to the network stack with no copy"). It posts in
// one batch and publishes/notifies once.
func (f *Frontend) PostBuffers() {
	f.mu.Lock()
	defer f.mu.Unlock()

	posted := 0
	for f.rxOutstanding()+posted < f.target {
		if f.rxFront.Full() {
			break
		}
		id, ok := f.claimRX()
		if !ok {
			break
		}
		page := make([]byte, PageSize)
		ref, err := f.grants.Claim()
		if err != nil {
			f.releaseRX(id)
			break
		}
		frame := f.host.AllocFrame(f.domID)
		if err := f.grants.GrantForeignTransfer(ref, f.backendDomID, frame); err != nil {
			f.grants.Release(ref)
			f.releaseRX(id)
			break
		}
		f.rx[id].ref = ref
		f.rx[id].page = page

		if err := f.rxFront.PushRequest(RXRequest{ID: id, Gref: uint16(ref)}); err != nil {
			_, _ = f.grants.EndForeignTransfer(ref)
			f.releaseRX(id)
			break
		}
		posted++
	}

	if posted > 0 {
		if f.rxFront.PublishRequests() {
			_ = f.evt.Notify(f.rxPort)
		}
		if f.metrics != nil {
			f.metrics.RingOccupancy.WithLabelValues(f.name, "rx").Set(float64(f.rxFront.Outstanding()))
		}
	}
}

// rxOutstanding counts buffers currently posted to the backend (i.e.
// not free and not yet delivered). Caller holds f.mu.
func (f *Frontend) rxOutstanding() int {
	n := 0
	for i := range f.rx {
		if f.rx[i].inUse {
			n++
		}
	}
	return n
}

// HandleRXInterrupt drains RX responses, converting each donated page
// back into a delivered packet (or a dropped/error completion), then
// adjusts the fill target and tops the ring back up.
func (f *Frontend) HandleRXInterrupt() {
	type delivery struct {
		data []byte
	}
	var out []delivery
	var okCount, errCount int

	f.mu.Lock()
	for {
		rsp, has := f.rxFront.PopResponse()
		if !has {
			if !f.rxFront.FinalCheckForResponses() {
				break
			}
			continue
		}
		id := rsp.ID
		if int(id) >= len(f.rx) || !f.rx[id].inUse {
			f.log.Errorf("protocol fault: rx response for unknown slot %d", id)
			continue
		}
		ref := f.rx[id].ref
		page := f.rx[id].page
		f.releaseRX(id)

		if rsp.Status < 0 {
			_, _ = f.grants.EndForeignTransfer(ref)
			errCount++
			continue
		}

		if _, terr := f.grants.EndForeignTransfer(ref); terr != nil {
			f.log.Errorf("end foreign transfer: %v", terr)
			errCount++
			continue
		}

		size := int(rsp.Status)
		offset := int(rsp.Addr)
		if offset+size > len(page) || size < 0 {
			f.log.Warnf("rx response overruns donated page, dropping")
			errCount++
			continue
		}
		data := make([]byte, size)
		copy(data, page[offset:offset+size])
		out = append(out, delivery{data: data})
		okCount++
	}
	f.adjustFillTargetLocked(okCount, errCount)
	f.mu.Unlock()

	for _, d := range out {
		if f.sink != nil {
			f.sink.Deliver(guestio.Packet{Data: d.data})
		}
	}
	if f.metrics != nil && (okCount > 0 || errCount > 0) {
		f.metrics.RXPackets.WithLabelValues(f.name, "ok").Add(float64(okCount))
		f.metrics.RXPackets.WithLabelValues(f.name, "error").Add(float64(errCount))
	}

	f.PostBuffers()
}

// adjustFillTargetLocked implements the exponential-increase / linear-
// decrease heuristic of spec.md §4.6: the target grows fast when the
// ring is running dry (every posted buffer got used) and shrinks slowly
// otherwise, bounded by bounds.Min/Max. Caller holds f.mu.
func (f *Frontend) adjustFillTargetLocked(delivered, errored int) {
	if delivered+errored == 0 {
		return
	}
	if f.rxOutstanding() == 0 {
		f.target *= 2
	} else {
		f.target--
	}
	if f.target < f.bounds.Min {
		f.target = f.bounds.Min
	}
	if f.target > f.bounds.Max {
		f.target = f.bounds.Max
	}
}
