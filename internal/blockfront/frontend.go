// Package blockfront implements the block frontend: it serializes
// guest block I/O onto a shared ring, keeps a private shadow copy of
// every in-flight request so it can replay them after a suspend/resume
// cycle, and drives the Probe control path.
package blockfront

import (
	"fmt"
	"sync"

	"github.com/rishav/splitio/internal/eventlog"
	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/grant"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/ring"
	"github.com/rishav/splitio/internal/telemetry"
)

// shadowSlot is the frontend-private mirror of one in-flight request.
// When free, next threads the free list through the slot (spec.md:
// "the free list of shadow slots is a linked list threaded through the
// id field of unused slots").
type shadowSlot struct {
	inUse   bool
	next    uint32
	guestID uint64
	op      Op
	device  uint16
	sector  uint64
	nrSegs  uint8
	refs    [MaxSegments]grant.Ref
	frames  [MaxSegments]uint64
	first   [MaxSegments]uint8
	last    [MaxSegments]uint8
}

// Frontend is one block interface's frontend half.
type Frontend struct {
	mu sync.Mutex

	name         string
	backendDomID uint16

	grants *grant.Pool
	host   *hyper.Host

	shared *ring.Shared[Request, Response]
	front  *ring.Front[Request, Response]

	shadow   []shadowSlot
	freeHead uint32
	hasFree  bool

	queue            *guestio.BlockQueue
	stoppedFullRing  bool

	evt  *evtchn.Shim
	port evtchn.Port

	recovery bool

	controlMu       sync.Mutex
	controlCond     *sync.Cond
	controlRspValid bool
	controlRsp      Response
	controlBusy     bool

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	batcher *eventlog.Batcher
}

// Config configures a new Frontend.
type Config struct {
	Name         string
	RingSize     int // power of two
	BackendDomID uint16
	Host         *hyper.Host
	Events       *evtchn.Shim
	Port         evtchn.Port
	Queue        *guestio.BlockQueue
	Metrics      *telemetry.Metrics
	Batcher      *eventlog.Batcher // optional
}

// NewFrontend allocates the ring, the grant pool (sized
// ring_slots*max_segments+1 per spec.md's Lifecycle section), and the
// shadow ring, all starting empty/free.
func NewFrontend(cfg Config) (*Frontend, error) {
	shared, err := ring.NewShared[Request, Response](cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("blockfront: %w", err)
	}

	poolSize := cfg.RingSize*MaxSegments + 1
	pool, err := grant.AllocPool(cfg.Host, poolSize)
	if err != nil {
		return nil, fmt.Errorf("blockfront: grant pool: %w", err)
	}

	f := &Frontend{
		name:         cfg.Name,
		backendDomID: cfg.BackendDomID,
		grants:       pool,
		host:         cfg.Host,
		shared:       shared,
		front:        ring.NewFront(shared),
		shadow:       make([]shadowSlot, cfg.RingSize),
		queue:        cfg.Queue,
		evt:          cfg.Events,
		port:         cfg.Port,
		log:          telemetry.NewLogger("blockfront:" + cfg.Name),
		metrics:      cfg.Metrics,
		batcher:      cfg.Batcher,
	}
	f.controlCond = sync.NewCond(&f.controlMu)
	f.initFreeList()
	return f, nil
}

func (f *Frontend) initFreeList() {
	n := len(f.shadow)
	for i := 0; i < n; i++ {
		if i == n-1 {
			f.shadow[i] = shadowSlot{next: uint32(i)}
		} else {
			f.shadow[i] = shadowSlot{next: uint32(i + 1)}
		}
	}
	f.freeHead = 0
	f.hasFree = n > 0
}

func (f *Frontend) claimShadow() (uint32, bool) {
	if !f.hasFree {
		return 0, false
	}
	id := f.freeHead
	slot := &f.shadow[id]
	if slot.next == id {
		f.hasFree = false
	} else {
		f.freeHead = slot.next
	}
	*slot = shadowSlot{inUse: true}
	return id, true
}

func (f *Frontend) releaseShadow(id uint32) {
	slot := &f.shadow[id]
	slot.inUse = false
	if f.hasFree {
		slot.next = f.freeHead
	} else {
		slot.next = id
	}
	f.freeHead = id
	f.hasFree = true
	if f.metrics != nil {
		f.metrics.RingOccupancy.WithLabelValues(f.name, "block").Set(float64(f.front.Outstanding()))
	}
}

// Shared returns the underlying ring, so a backend in the same process
// can attach a ring.Back to it (the in-process stand-in for mapping
// the frontend's granted ring page via its control-plane handle).
func (f *Frontend) Shared() *ring.Shared[Request, Response] { return f.shared }

func opFromGuest(op guestio.BlockOp) Op {
	switch op {
	case guestio.BlockWrite:
		return OpWrite
	case guestio.BlockProbe:
		return OpProbe
	default:
		return OpRead
	}
}

// prepareSegments claims a grant reference per buffer and installs the
// foreign-access permission, write-enabled iff the op is Write. It
// writes the resulting refs/frames directly into slot.
func (f *Frontend) prepareSegments(req guestio.BlockRequest, slot *shadowSlot) ([MaxSegments]Segment, error) {
	var segs [MaxSegments]Segment
	writable := req.Op == guestio.BlockWrite
	claimed := 0
	for i, buf := range req.Buffers {
		if i >= MaxSegments {
			f.rollbackSegments(slot, claimed)
			return segs, fmt.Errorf("blockfront: too many segments (%d > %d)", len(req.Buffers), MaxSegments)
		}
		ref, err := f.grants.Claim()
		if err != nil {
			f.rollbackSegments(slot, claimed)
			return segs, fmt.Errorf("blockfront: claim grant: %w", err)
		}
		if err := f.grants.GrantForeignAccess(ref, f.backendDomID, buf.Frame, writable); err != nil {
			f.grants.Release(ref)
			f.rollbackSegments(slot, claimed)
			return segs, fmt.Errorf("blockfront: grant foreign access: %w", err)
		}
		slot.refs[i] = ref
		slot.frames[i] = buf.Frame
		slot.first[i] = 0
		slot.last[i] = 7 // whole 4KB page in 512B sectors, by convention
		segs[i] = Segment{GrantRefOrFrame: uint32(ref), FirstSector: 0, LastSector: 7}
		claimed++
	}
	slot.nrSegs = uint8(claimed)
	return segs, nil
}

func (f *Frontend) rollbackSegments(slot *shadowSlot, n int) {
	for i := 0; i < n; i++ {
		_ = f.grants.EndForeignAccess(slot.refs[i])
	}
}

// DrainQueue pulls guest requests off the queue and onto the ring until
// either the queue is empty or the ring (or the grant pool) has no more
// room, matching spec.md §4.5's enqueue loop. It publishes and
// notifies exactly once per call, after the loop completes.
func (f *Frontend) DrainQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()

	pushed := false
	for {
		req, ok := f.queue.Peek()
		if !ok {
			break
		}
		if f.front.Full() {
			f.queue.Stop()
			f.stoppedFullRing = true
			break
		}
		id, ok := f.claimShadow()
		if !ok {
			f.queue.Stop()
			f.stoppedFullRing = true
			break
		}
		slot := &f.shadow[id]
		slot.guestID = req.GuestID
		slot.op = opFromGuest(req.Op)
		slot.device = req.Device
		slot.sector = req.Sector

		segs, err := f.prepareSegments(req, slot)
		if err != nil {
			f.log.Warnf("dropping request %d: %v", req.GuestID, err)
			f.releaseShadow(id)
			f.queue.Drop()
			f.queue.Complete(guestio.BlockCompletion{GuestID: req.GuestID, Status: guestio.StatusError})
			continue
		}

		wireReq := Request{
			ID:         uint64(id),
			Op:         slot.op,
			NrSegments: slot.nrSegs,
			Device:     slot.device,
			Sector:     slot.sector,
			Segments:   segs,
		}
		if err := f.front.PushRequest(wireReq); err != nil {
			// Full() said otherwise a moment ago; treat as transient.
			f.rollbackSegments(slot, int(slot.nrSegs))
			f.releaseShadow(id)
			f.queue.Stop()
			f.stoppedFullRing = true
			break
		}
		f.queue.Drop()
		pushed = true
	}

	if pushed {
		if f.front.PublishRequests() {
			_ = f.evt.Notify(f.port)
		}
		if f.metrics != nil {
			f.metrics.RingOccupancy.WithLabelValues(f.name, "block").Set(float64(f.front.Outstanding()))
		}
	}
}

// HandleInterrupt is the IRQ handler: it drains every published
// response, releases the corresponding shadow slot and its grants, and
// reports completion to the guest. It is bound to the interface's
// event-channel port and is therefore guaranteed single-threaded and
// edge-triggered by the evtchn shim.
func (f *Frontend) HandleInterrupt() {
	type done struct {
		guestID uint64
		status  Status
	}
	var completions []done

	f.mu.Lock()
	for {
		rsp, ok := f.front.PopResponse()
		if !ok {
			if !f.front.FinalCheckForResponses() {
				break
			}
			continue
		}
		id := uint32(rsp.ID)
		if int(id) >= len(f.shadow) || !f.shadow[id].inUse {
			f.log.Errorf("protocol fault: response for unknown/free shadow id %d", id)
			continue
		}
		slot := &f.shadow[id]
		gid := slot.guestID
		isControl := slot.op == OpProbe
		f.rollbackSegments(slot, int(slot.nrSegs))
		f.releaseShadow(id)

		if isControl {
			f.controlMu.Lock()
			f.controlRsp = rsp
			f.controlRspValid = true
			f.controlCond.Broadcast()
			f.controlMu.Unlock()
			continue
		}

		completions = append(completions, done{guestID: gid, status: rsp.Status})
	}

	restart := f.stoppedFullRing && !f.front.Full()
	if restart {
		f.stoppedFullRing = false
	}
	f.mu.Unlock()

	for _, c := range completions {
		status := guestio.StatusOK
		if c.status != StatusOK {
			status = guestio.StatusError
		}
		f.queue.Complete(guestio.BlockCompletion{GuestID: c.guestID, Status: status})
		if f.metrics != nil {
			lbl := "ok"
			if status != guestio.StatusOK {
				lbl = "error"
			}
			f.metrics.BlockRequests.WithLabelValues(f.name, "io", lbl).Inc()
		}
		if f.batcher != nil {
			f.batcher.Queue(CompletionEvent{Interface: f.name, GuestID: c.guestID, Status: c.status})
		}
	}

	if restart {
		f.queue.Start()
		f.DrainQueue()
	}
}

// Probe issues the control-only Probe operation and blocks the caller
// until its response arrives. Concurrent control calls are serialized
// by controlMu; the ring must drain of this control op before another
// one may be issued.
func (f *Frontend) Probe() (Status, error) {
	f.controlMu.Lock()
	for f.controlBusy {
		f.controlCond.Wait()
	}
	f.controlBusy = true
	f.controlRspValid = false
	f.controlMu.Unlock()

	defer func() {
		f.controlMu.Lock()
		f.controlBusy = false
		f.controlCond.Broadcast()
		f.controlMu.Unlock()
	}()

	f.mu.Lock()
	id, ok := f.claimShadow()
	if !ok {
		f.mu.Unlock()
		return 0, fmt.Errorf("blockfront: no shadow slot for probe")
	}
	slot := &f.shadow[id]
	slot.op = OpProbe
	wireReq := Request{ID: uint64(id), Op: OpProbe}
	if err := f.front.PushRequest(wireReq); err != nil {
		f.releaseShadow(id)
		f.mu.Unlock()
		return 0, fmt.Errorf("blockfront: probe: %w", err)
	}
	notify := f.front.PublishRequests()
	f.mu.Unlock()
	if notify {
		_ = f.evt.Notify(f.port)
	}

	f.controlMu.Lock()
	for !f.controlRspValid {
		f.controlCond.Wait()
	}
	rsp := f.controlRsp
	f.controlMu.Unlock()
	return rsp.Status, nil
}
