// Package grant implements the client side of the grant-reference
// page-sharing subsystem: a frontend-owned pool of 16-bit tokens, each
// of which the backend's hypervisor shim can use to map, write, or take
// ownership of one of the frontend's pages.
//
// Every reference the frontend issues must be released, end-accessed,
// or end-transferred exactly once; double release is a programming
// fault and panics, matching spec.md's "double release is a fault"
// invariant — callers are expected to track which references are live
// (the shadow ring does this for block/net I/O).
package grant

import (
	"errors"
	"sync"
)

// Ref is a grant reference: a 16-bit token naming one permission record.
type Ref uint16

// Permission is what a grant reference permits the remote domain to do.
type Permission uint8

const (
	PermissionNone Permission = iota
	PermissionReadOnly
	PermissionReadWrite
	PermissionTransfer
)

var (
	// ErrNoSpace is returned by AllocPool/Claim when the pool cannot
	// satisfy the request.
	ErrNoSpace = errors.New("grant: no space in pool")
	// ErrStillMapped is returned by EndForeignAccess when the remote
	// domain still holds the mapping; the caller must retry or mark
	// the reference INVALID.
	ErrStillMapped = errors.New("grant: remote still holds mapping")
	// ErrNotPending is returned by EndForeignTransfer when the transfer
	// has not yet been consumed by the remote domain.
	ErrNotPending = errors.New("grant: transfer not yet consumed")
	// ErrUnknownRef is returned when an operation names a reference the
	// pool did not issue.
	ErrUnknownRef = errors.New("grant: unknown reference")
)

// entry is the per-reference bookkeeping the client tracks locally.
// The hypervisor-visible permission record itself lives in the Host
// collaborator (internal/hyper); entry mirrors just enough state to
// validate operations and to drive post-resume replay.
type entry struct {
	inUse      bool
	invalid    bool
	permission Permission
	remoteDom  uint16
	frame      uint64
	// free is the free-list "next" link, valid only when !inUse.
	free Ref
}

// host is the minimal surface grant needs from the hypervisor shim.
// internal/hyper.Host satisfies it; tests use a fake.
type host interface {
	InstallForeignAccess(ref uint16, remoteDom uint16, frame uint64, writable bool) error
	RevokeForeignAccess(ref uint16, wasReadOnly bool) (stillMapped bool, err error)
	InstallForeignTransfer(ref uint16, remoteDom uint16, frame uint64) error
	ConsumeForeignTransfer(ref uint16) (newFrame uint64, ok bool)
}

// Pool is a per-direction pool of grant references, sized to
// ring_slots * max_segments_per_request + 1 as spec.md's Lifecycle
// section directs.
type Pool struct {
	mu      sync.Mutex
	host    host
	entries []entry
	freeTop Ref
	hasFree bool
}

// AllocPool allocates a pool of n references linked as a free list.
func AllocPool(h host, n int) (*Pool, error) {
	if n <= 0 {
		return nil, ErrNoSpace
	}
	p := &Pool{
		host:    h,
		entries: make([]entry, n),
	}
	for i := 0; i < n; i++ {
		if i == n-1 {
			p.entries[i].free = Ref(i) // sentinel: points to itself
		} else {
			p.entries[i].free = Ref(i + 1)
		}
	}
	p.freeTop = 0
	p.hasFree = n > 0
	return p, nil
}

// Claim removes the head of the free list and returns it.
func (p *Pool) Claim() (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasFree {
		return 0, ErrNoSpace
	}
	ref := p.freeTop
	e := &p.entries[ref]
	if e.free == ref {
		p.hasFree = false
	} else {
		p.freeTop = e.free
	}
	e.inUse = true
	e.invalid = false
	return ref, nil
}

// Release pushes ref back onto the free list. Releasing a reference
// that is not currently claimed is forbidden and panics, matching
// spec.md's "double release is a fault" invariant.
func (p *Pool) Release(ref Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(ref)
}

func (p *Pool) releaseLocked(ref Ref) {
	e := &p.entries[ref]
	if !e.inUse {
		panic("grant: double release of reference")
	}
	e.inUse = false
	e.invalid = false
	e.permission = PermissionNone
	if p.hasFree {
		e.free = p.freeTop
	} else {
		e.free = ref
	}
	p.freeTop = ref
	p.hasFree = true
}

func (p *Pool) get(ref Ref) (*entry, error) {
	if int(ref) >= len(p.entries) {
		return nil, ErrUnknownRef
	}
	e := &p.entries[ref]
	if !e.inUse {
		return nil, ErrUnknownRef
	}
	return e, nil
}

// GrantForeignAccess installs a host-visible permission record letting
// remoteDom map frame read-only or read-write.
func (p *Pool) GrantForeignAccess(ref Ref, remoteDom uint16, frame uint64, writable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return err
	}
	if err := p.host.InstallForeignAccess(uint16(ref), remoteDom, frame, writable); err != nil {
		return err
	}
	e.remoteDom = remoteDom
	e.frame = frame
	e.invalid = false
	if writable {
		e.permission = PermissionReadWrite
	} else {
		e.permission = PermissionReadOnly
	}
	return nil
}

// GrantForeignTransfer permits remoteDom to take ownership of frame
// exactly once.
func (p *Pool) GrantForeignTransfer(ref Ref, remoteDom uint16, frame uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return err
	}
	if err := p.host.InstallForeignTransfer(uint16(ref), remoteDom, frame); err != nil {
		return err
	}
	e.remoteDom = remoteDom
	e.frame = frame
	e.invalid = false
	e.permission = PermissionTransfer
	return nil
}

// EndForeignAccess revokes the permission record, passing along whether
// the grant was read-only (spec.md's end_foreign_access(ref,
// was_readonly)) so the host can refuse to revoke a write grant as if
// it were read-only. If the remote domain still holds the mapping it
// returns ErrStillMapped; the caller must retry the revoke or call
// MarkInvalid and move on (the usual recovery path across
// suspend/resume).
func (p *Pool) EndForeignAccess(ref Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return err
	}
	wasReadOnly := e.permission == PermissionReadOnly
	stillMapped, err := p.host.RevokeForeignAccess(uint16(ref), wasReadOnly)
	if err != nil {
		return err
	}
	if stillMapped {
		return ErrStillMapped
	}
	p.releaseLocked(ref)
	return nil
}

// EndForeignTransfer blocks (via repeated polling by the caller — this
// client never blocks internally, per spec.md's no-block-on-packet-path
// rule) until the transfer is consumed, then returns the frame the
// remote domain gave back and releases the reference.
func (p *Pool) EndForeignTransfer(ref Ref) (newFrame uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.get(ref); err != nil {
		return 0, err
	}
	frame, ok := p.host.ConsumeForeignTransfer(uint16(ref))
	if !ok {
		return 0, ErrNotPending
	}
	p.releaseLocked(ref)
	return frame, nil
}

// MarkInvalid sets the INVALID flag on a reference whose underlying
// permission may have been lost across a suspend/resume cycle. The
// reference remains claimed (not released) until the frontend either
// re-establishes the grant or explicitly releases it.
func (p *Pool) MarkInvalid(ref Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return err
	}
	e.invalid = true
	return nil
}

// Invalid reports whether ref is currently marked INVALID.
func (p *Pool) Invalid(ref Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return false
	}
	return e.invalid
}

// Frame returns the machine frame currently recorded for ref, as saved
// by the most recent GrantForeignAccess/GrantForeignTransfer call. Used
// by recovery to re-issue access grants with the frame the shadow slot
// remembers.
func (p *Pool) Frame(ref Ref) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.get(ref)
	if err != nil {
		return 0, err
	}
	return e.frame, nil
}
