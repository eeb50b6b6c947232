package netback

import (
	"fmt"
	"sync"
	"time"

	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/netfront"
	"github.com/rishav/splitio/internal/telemetry"
)

// HostStack is the backend's handoff point to the privileged domain's
// network stack (spec.md §4.7 step 6, "hand the packet to the host
// network stack"). done must be invoked exactly once, whenever the
// host stack has finished with pkt, to return the pending slot and
// raise the TX response — it stands in for the real kernel's skb
// destructor callback.
type HostStack interface {
	Transmit(pkt guestio.Packet, iface Handle, done func())
}

// pendingEntry is one slot of the 256-entry pending-index ring
// (spec.md §4.7 step 3), threaded as a free list exactly like
// blockfront's shadow ring.
type pendingEntry struct {
	inUse bool
	next  uint16
	iface *Interface
	req   netfront.TXRequest
	ref   uint16
}

// TXBackend is the per-backend TX tasklet: strict-FIFO interface
// scheduling, a shared pending-index pool, and a dealloc queue fed by
// the host stack's packet destructors.
type TXBackend struct {
	mu sync.Mutex

	host         *hyper.Host
	stack        HostStack
	backendDomID uint16

	schedule scheduleList

	pending  []pendingEntry
	freeHead uint16
	hasFree  bool

	deallocMu sync.Mutex
	dealloc   []uint16

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewTXBackend constructs a TX backend with its pending ring sized per
// spec.md §4.7 step 3.
func NewTXBackend(host *hyper.Host, stack HostStack, backendDomID uint16, metrics *telemetry.Metrics) *TXBackend {
	tb := &TXBackend{
		host:         host,
		stack:        stack,
		backendDomID: backendDomID,
		pending:      make([]pendingEntry, PendingRingSize),
		log:          telemetry.NewLogger("netback:tx"),
		metrics:      metrics,
	}
	tb.initFreeList()
	return tb
}

func (tb *TXBackend) initFreeList() {
	n := len(tb.pending)
	for i := 0; i < n; i++ {
		if i == n-1 {
			tb.pending[i] = pendingEntry{next: uint16(i)}
		} else {
			tb.pending[i] = pendingEntry{next: uint16(i + 1)}
		}
	}
	tb.freeHead = 0
	tb.hasFree = n > 0
}

func (tb *TXBackend) claimPending() (uint16, bool) {
	if !tb.hasFree {
		return 0, false
	}
	id := tb.freeHead
	e := &tb.pending[id]
	if e.next == id {
		tb.hasFree = false
	} else {
		tb.freeHead = e.next
	}
	*e = pendingEntry{inUse: true}
	return id, true
}

func (tb *TXBackend) releasePending(id uint16) {
	e := &tb.pending[id]
	e.inUse = false
	if tb.hasFree {
		e.next = tb.freeHead
	} else {
		e.next = id
	}
	tb.freeHead = id
	tb.hasFree = true
}

// LinkInterface schedules iface for TX processing: called when the
// frontend notifies the TX event channel, or when a new interface
// connects with work already queued.
func (tb *TXBackend) LinkInterface(iface *Interface) {
	tb.schedule.link(iface)
}

func crossesPage(addr uint64, size uint16) bool {
	offset := addr & PageMask
	return offset+uint64(size) >= PageSize
}

// Drain runs one pass of the TX tasklet: it first retires completed
// packets via the dealloc queue, then walks the schedule list FIFO,
// admitting as many requests per interface as the pending ring and
// credit shaper allow.
func (tb *TXBackend) Drain() {
	tb.drainDealloc()

	for {
		iface, ok := tb.schedule.popFront()
		if !ok {
			break
		}
		tb.drainInterface(iface)
	}
}

// drainDealloc processes destructor-reported completions: unmaps the
// guest pages in one batched hypercall, emits OKAY responses, and
// returns pending slots to the free list.
func (tb *TXBackend) drainDealloc() {
	tb.deallocMu.Lock()
	batch := tb.dealloc
	tb.dealloc = nil
	tb.deallocMu.Unlock()
	if len(batch) == 0 {
		return
	}

	type completion struct {
		iface *Interface
		id    uint16
	}
	touched := map[*Interface]bool{}
	completed := map[*Interface]int{}

	for start := 0; start < len(batch); start += MaxBatch {
		end := start + MaxBatch
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		tb.mu.Lock()
		refs := make([]uint16, 0, len(chunk))
		completions := make([]completion, 0, len(chunk))
		for _, id := range chunk {
			e := &tb.pending[id]
			if !e.inUse {
				continue
			}
			refs = append(refs, e.ref)
			completions = append(completions, completion{iface: e.iface, id: id})
		}
		tb.mu.Unlock()

		tb.host.UnmapForeignAccessBatch(refs)

		tb.mu.Lock()
		for _, c := range completions {
			e := &tb.pending[c.id]
			iface := e.iface
			req := e.req
			tb.releasePending(c.id)

			iface.mu.Lock()
			iface.TXBack.PushResponse(netfront.TXResponse{ID: req.ID, Status: netfront.TXOkay})
			iface.mu.Unlock()

			touched[iface] = true
			completed[iface]++
		}
		tb.mu.Unlock()
	}

	for iface := range touched {
		iface.mu.Lock()
		notify := iface.TXBack.PublishResponses()
		more := iface.hasMoreTXWork()
		iface.mu.Unlock()

		if notify {
			_ = iface.notify()
		}
		if tb.metrics != nil {
			label := fmt.Sprintf("iface-%d", iface.Handle)
			tb.metrics.TXPackets.WithLabelValues(label, "ok").Add(float64(completed[iface]))
		}
		if more {
			tb.schedule.link(iface)
		}
	}
}

// drainInterface admits requests from one interface until the ring
// empties, the pending pool is exhausted, or the credit shaper defers
// the next packet (in which case a timer re-links the interface once
// its window rolls over).
func (tb *TXBackend) drainInterface(iface *Interface) {
	iface.mu.Lock()
	defer func() {
		if iface.TXBack.PublishResponses() {
			_ = iface.notify()
		}
		iface.mu.Unlock()
	}()

	now := time.Now()
	for {
		var req netfront.TXRequest
		if iface.stalled != nil {
			req = *iface.stalled
		} else {
			got, ok := iface.TXBack.PopRequest()
			if !ok {
				break
			}
			req = got
		}

		if req.Size < ETHHLen || req.Size > ETHFrameLen || crossesPage(req.Addr, req.Size) {
			iface.stalled = nil
			iface.TXBack.PushResponse(netfront.TXResponse{ID: req.ID, Status: netfront.TXDropped})
			continue
		}

		ok, wait := iface.shaper.admit(now, uint64(req.Size))
		if !ok {
			iface.stalled = &req
			tb.armCreditTimer(iface, wait)
			return
		}

		tb.mu.Lock()
		id, gotSlot := tb.claimPending()
		tb.mu.Unlock()
		if !gotSlot {
			iface.stalled = &req
			return
		}
		iface.stalled = nil

		ref := uint16(req.Addr >> PageShift)
		frame, _, err := tb.host.MapForeignAccess(ref, tb.backendDomID)
		if err != nil {
			tb.mu.Lock()
			tb.releasePending(id)
			tb.mu.Unlock()
			iface.TXBack.PushResponse(netfront.TXResponse{ID: req.ID, Status: netfront.TXError})
			continue
		}
		_ = frame

		tb.mu.Lock()
		tb.pending[id] = pendingEntry{inUse: true, iface: iface, req: req, ref: ref}
		tb.mu.Unlock()

		// The first 64 bytes would normally be delivered by in-buffer
		// copy as a protocol prefix, with the remainder attached as a
		// fragment referencing the mapped page; the simulated host has
		// no byte-addressable backing store, so the payload itself is a
		// zero-filled placeholder of the declared size.
		pkt := guestio.Packet{Data: make([]byte, req.Size), CsumBlank: req.CsumBlank != 0}
		pendingID := id
		tb.stack.Transmit(pkt, iface.Handle, func() { tb.completeTX(pendingID) })
	}
}

// completeTX is the destructor callback the host stack invokes once it
// is done with a transmitted packet.
func (tb *TXBackend) completeTX(id uint16) {
	tb.deallocMu.Lock()
	tb.dealloc = append(tb.dealloc, id)
	tb.deallocMu.Unlock()
}

// armCreditTimer schedules iface to rejoin the schedule list once its
// credit window rolls over, matching spec.md §4.7 step 2's "arm a
// timer for the deadline and stop the interface until then".
func (tb *TXBackend) armCreditTimer(iface *Interface, wait time.Duration) {
	if wait <= 0 {
		wait = time.Microsecond
	}
	time.AfterFunc(wait, func() {
		tb.schedule.link(iface)
		tb.Drain()
	})
}
