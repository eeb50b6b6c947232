// Package hyper is the simulated hypervisor collaborator: the only
// part of the system spec.md treats as genuinely external (hypercalls,
// page tables, event-channel delivery). Production code would replace
// this with real hypercalls; this implementation gives the rest of the
// module something concrete to run against in tests and demo binaries.
//
// Host models a single machine's frame space shared by every domain
// (frontend and backend) registered with it, plus the batched
// multicall primitives netback's RX path needs: bulk memory-reservation
// increases, and the atomic "reassign page while flushing the TLB"
// operation spec.md's RX pipeline depends on.
package hyper

import (
	"errors"
	"sync"
)

var (
	ErrBadFrame     = errors.New("hyper: unknown or out-of-range frame")
	ErrNotOwner     = errors.New("hyper: domain does not own frame")
	ErrNoFrames     = errors.New("hyper: memory reservation exhausted")
	ErrHandleBusy   = errors.New("hyper: map handle already outstanding")
	ErrBadHandle    = errors.New("hyper: unknown map handle")
	ErrUnallocated  = errors.New("hyper: reference never installed")
	ErrNotTransfer  = errors.New("hyper: reference is not a transfer grant")
	ErrNotConsumed  = errors.New("hyper: transfer not yet consumed by remote")
	ErrPermMismatch = errors.New("hyper: end_foreign_access called with the wrong was_readonly")
)

type permKind uint8

const (
	kindNone permKind = iota
	kindAccess
	kindTransfer
)

type permRecord struct {
	kind      permKind
	owner     uint16 // domain that installed the grant
	remoteDom uint16
	frame     uint64
	writable  bool
	mapped    bool   // true while the remote holds an active map (access grants)
	consumed  bool   // true once the remote has taken the frame (transfer grants)
	given     uint64 // frame the remote gave back on transfer consumption
}

// Host is the process-wide simulated hypervisor. One Host instance is
// shared by every interface in a demo/test process, matching spec.md's
// "global mutable state is a process-wide singleton with explicit
// init/teardown" design note.
type Host struct {
	mu sync.Mutex

	frames    map[uint64]uint16 // frame -> owning domain
	nextFrame uint64

	perms map[uint16]*permRecord // grant ref -> permission record

	reservationCache []uint64 // bulk-allocated frames awaiting use, per spec.md netback RX cache
}

// NewHost creates an empty simulated hypervisor.
func NewHost() *Host {
	return &Host{
		frames:    make(map[uint64]uint16),
		perms:     make(map[uint16]*permRecord),
		nextFrame: 1,
	}
}

// AllocFrame gives domain ownership of a freshly minted machine frame.
func (h *Host) AllocFrame(domain uint16) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.nextFrame
	h.nextFrame++
	h.frames[f] = domain
	return f
}

// Owner returns the domain that currently owns frame.
func (h *Host) Owner(frame uint64) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.frames[frame]
	if !ok {
		return 0, ErrBadFrame
	}
	return d, nil
}

// InstallForeignAccess implements the grant package's host interface:
// record that remoteDom may map frame (owned by the installing
// domain, implicit in ref's pool) with the given write permission.
func (h *Host) InstallForeignAccess(ref uint16, remoteDom uint16, frame uint64, writable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perms[ref] = &permRecord{
		kind:      kindAccess,
		remoteDom: remoteDom,
		frame:     frame,
		writable:  writable,
	}
	return nil
}

// MapForeignAccess is the backend side of InstallForeignAccess: map ref
// into the caller's address space read-only or read-write. Returns
// ErrUnallocated if the frontend never installed the grant.
func (h *Host) MapForeignAccess(ref uint16, mapperDom uint16) (frame uint64, writable bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.perms[ref]
	if !ok || p.kind != kindAccess {
		return 0, false, ErrUnallocated
	}
	p.mapped = true
	return p.frame, p.writable, nil
}

// UnmapForeignAccess releases a previously mapped access grant.
func (h *Host) UnmapForeignAccess(ref uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.perms[ref]; ok {
		p.mapped = false
	}
}

// MapForeignAccessBatch maps every ref in refs in one logical hypercall,
// the batching netback's TX path relies on (spec.md §4.7 step 4: "batched
// with up to MAX_BATCH peer requests in one hypercall"). A per-ref error
// is reported in the returned slice rather than aborting the whole batch.
type MapResult struct {
	Frame    uint64
	Writable bool
	Err      error
}

func (h *Host) MapForeignAccessBatch(refs []uint16, mapperDom uint16) []MapResult {
	out := make([]MapResult, len(refs))
	for i, ref := range refs {
		frame, writable, err := h.MapForeignAccess(ref, mapperDom)
		out[i] = MapResult{Frame: frame, Writable: writable, Err: err}
	}
	return out
}

// UnmapForeignAccessBatch unmaps every ref in refs in one logical
// hypercall, mirroring MapForeignAccessBatch for the TX completion path.
func (h *Host) UnmapForeignAccessBatch(refs []uint16) {
	for _, ref := range refs {
		h.UnmapForeignAccess(ref)
	}
}

// RevokeForeignAccess implements the grant package's host interface. It
// fails with stillMapped=true if the backend has not unmapped yet.
// wasReadOnly is the caller's record of the permission it installed;
// a mismatch against what was actually granted means the caller's
// bookkeeping has drifted from the record this host holds, which is
// itself a fault worth surfacing rather than silently revoking the
// wrong permission class.
func (h *Host) RevokeForeignAccess(ref uint16, wasReadOnly bool) (stillMapped bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.perms[ref]
	if !ok {
		return false, nil
	}
	if p.writable == wasReadOnly {
		return false, ErrPermMismatch
	}
	if p.mapped {
		return true, nil
	}
	delete(h.perms, ref)
	return false, nil
}

// InstallForeignTransfer implements the grant package's host interface.
func (h *Host) InstallForeignTransfer(ref uint16, remoteDom uint16, frame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perms[ref] = &permRecord{
		kind:      kindTransfer,
		remoteDom: remoteDom,
		frame:     frame,
	}
	return nil
}

// AcceptForeignTransfer is the backend side: take ownership of the
// frame the frontend offered via ref, giving backFrame in return (the
// old machine frame the backend is retiring, in the page-flip scheme).
func (h *Host) AcceptForeignTransfer(ref uint16, acceptor uint16, backFrame uint64) (frame uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.perms[ref]
	if !ok || p.kind != kindTransfer {
		return 0, ErrNotTransfer
	}
	h.frames[p.frame] = acceptor
	if backFrame != 0 {
		h.frames[backFrame] = p.remoteDom // frontend used to be remoteDom's perspective; here it gets the old frame
	}
	p.consumed = true
	p.given = backFrame
	frame = p.frame
	return frame, nil
}

// ConsumeForeignTransfer implements the grant package's host interface:
// the frontend asking whether its transfer was consumed, and if so what
// frame the backend gave back.
func (h *Host) ConsumeForeignTransfer(ref uint16) (newFrame uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, present := h.perms[ref]
	if !present || p.kind != kindTransfer || !p.consumed {
		return 0, false
	}
	delete(h.perms, ref)
	return p.given, true
}

// ReserveFrames is the bulk reservation-increase hypercall netback's RX
// path uses to refill its per-backend frame cache (spec.md §4.8 step 3,
// "cache of up to 64 frames per backend").
func (h *Host) ReserveFrames(n int) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = h.nextFrame
		h.frames[h.nextFrame] = 0 // reserved but not yet assigned to any domain
		h.nextFrame++
	}
	return out, nil
}

// ReassignPage is the atomic step of netback's RX multicall: update the
// guest's pseudo-physical map entry to newFrame, reassign oldFrame (the
// one holding the packet payload) to the guest domain, as one logical
// operation with respect to TLB flushing. The caller supplies the TLB
// flush boundary by calling FlushTLB once per batch, not per call.
func (h *Host) ReassignPage(guestDom uint16, oldFrame, newFrame uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.frames[newFrame]; !ok {
		return ErrBadFrame
	}
	h.frames[newFrame] = guestDom
	h.frames[oldFrame] = guestDom
	return nil
}

// FlushTLB is a no-op placeholder for the batch-ending TLB flush; it
// exists so call sites read the way the protocol's multicall does.
func (h *Host) FlushTLB() {}
