// Package ring implements the shared-memory producer/consumer ring
// transport that connects a frontend (requester) and a backend
// (responder) across one interface.
//
// The design follows the classic split-driver ring: a power-of-two
// array of slots shared between the two sides, a free-running producer
// index per direction written only by its producer, and an event
// threshold per direction that the consumer arms so the producer knows
// when it must ring the doorbell. Indices are compared with subtraction
// modulo 2^32, never with '<', so wraparound is always correct.
//
// Go has no portable union type, so the single tagged-union slot array
// described by the protocol is modeled here as two parallel arrays
// (requests, responses) of the same power-of-two length, addressed by
// the same mask. Observably this is equivalent: nothing ever depends on
// a response slot aliasing the memory of the request slot at the same
// index, only on the indexing discipline.
package ring

import (
	"errors"
	"sync/atomic"
)

// Index is a free-running ring index. All comparisons between indices
// must go through subtraction (mod 2^32), never '<' or '>', so that
// wraparound behaves correctly.
type Index uint32

// ErrFull is returned by PushRequest/PushResponse when the ring has no
// free slot for the producer to use.
var ErrFull = errors.New("ring: no free slot")

// ErrNotPowerOfTwo is returned by NewShared when the requested size is
// not a power of two, or is smaller than 2.
var ErrNotPowerOfTwo = errors.New("ring: size must be a power of two >= 2")

// Shared is the ring page: the part of the protocol state that both
// sides of an interface observe. Exactly one side writes reqProd,
// exactly one side writes rspProd; reqEvent and rspEvent are written by
// the consumer of the corresponding direction to arm notifications.
type Shared[Req any, Rsp any] struct {
	reqProd  atomic.Uint32
	rspProd  atomic.Uint32
	reqEvent atomic.Uint32
	rspEvent atomic.Uint32

	reqs []Req
	rsps []Rsp
	mask Index
}

// NewShared allocates a ring page with n slots (n must be a power of
// two, mirroring FRONT_RING_INIT/BACK_RING_INIT sizing).
func NewShared[Req any, Rsp any](n int) (*Shared[Req, Rsp], error) {
	if n < 2 || n&(n-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	s := &Shared[Req, Rsp]{
		reqs: make([]Req, n),
		rsps: make([]Rsp, n),
		mask: Index(n - 1),
	}
	s.reqEvent.Store(1)
	s.rspEvent.Store(1)
	return s, nil
}

// Size returns the number of slots in the ring (always a power of two).
func (s *Shared[Req, Rsp]) Size() Index { return s.mask + 1 }

// Front is one frontend's private view of a ring: the requests it has
// produced but not yet published, and the responses it has consumed.
type Front[Req any, Rsp any] struct {
	shared     *Shared[Req, Rsp]
	reqProdPvt Index
	rspCons    Index
}

// NewFront creates a frontend endpoint bound to shared, equivalent to
// FRONT_RING_INIT: the endpoint starts with no requests produced and no
// responses consumed.
func NewFront[Req, Rsp any](shared *Shared[Req, Rsp]) *Front[Req, Rsp] {
	return &Front[Req, Rsp]{shared: shared}
}

// Full reports whether the ring has no free slot for a new request,
// i.e. req_prod_pvt - rsp_cons == N.
func (f *Front[Req, Rsp]) Full() bool {
	return f.reqProdPvt-f.rspCons == f.shared.Size()
}

// PushRequest writes req into the next free slot and advances the
// private producer index. It does not make the request visible to the
// backend; call PublishRequests for that.
func (f *Front[Req, Rsp]) PushRequest(req Req) error {
	if f.Full() {
		return ErrFull
	}
	f.shared.reqs[f.reqProdPvt&f.shared.mask] = req
	f.reqProdPvt++
	return nil
}

// PublishRequests makes all requests written since the last publish
// visible to the backend and reports whether the backend must be
// notified: notify is true iff the event threshold the backend armed
// lies within the half-open window (old_req_prod, new_req_prod].
func (f *Front[Req, Rsp]) PublishRequests() (notify bool) {
	old := Index(f.shared.reqProd.Load())
	// Release: all slot writes above are ordered before this store.
	f.shared.reqProd.Store(uint32(f.reqProdPvt))
	ev := Index(f.shared.reqEvent.Load())
	return Index(f.reqProdPvt-ev) < Index(f.reqProdPvt-old)
}

// PopResponse returns and consumes the next unconsumed response, if
// any. The second return is false when the frontend has drained every
// response the backend has published so far.
func (f *Front[Req, Rsp]) PopResponse() (Rsp, bool) {
	prod := Index(f.shared.rspProd.Load()) // Acquire.
	if f.rspCons == prod {
		var zero Rsp
		return zero, false
	}
	rsp := f.shared.rsps[f.rspCons&f.shared.mask]
	f.rspCons++
	return rsp, true
}

// HasUnconsumedResponses reports whether the frontend has responses it
// has not yet popped.
func (f *Front[Req, Rsp]) HasUnconsumedResponses() bool {
	return f.rspCons != Index(f.shared.rspProd.Load())
}

// FinalCheckForResponses re-arms the response event threshold after the
// frontend believes it has drained the ring, then re-reads the shared
// producer to close the race where the backend published between the
// drain loop's last check and this call. It returns true if there is,
// after all, more work — in which case the caller must not sleep.
func (f *Front[Req, Rsp]) FinalCheckForResponses() bool {
	if f.HasUnconsumedResponses() {
		return true
	}
	f.shared.rspEvent.Store(uint32(f.rspCons + 1))
	// Full fence: the event-threshold store must be visible before the
	// re-read below, or the backend could publish in between unseen.
	return f.HasUnconsumedResponses()
}

// Outstanding returns the number of requests in flight (produced but
// not yet reflected by a consumed response).
func (f *Front[Req, Rsp]) Outstanding() Index {
	return f.reqProdPvt - f.rspCons
}

// Back is one backend's private view of a ring: the requests it has
// consumed, and the responses it has produced but not yet published.
type Back[Req any, Rsp any] struct {
	shared     *Shared[Req, Rsp]
	reqCons    Index
	rspProdPvt Index
}

// NewBack creates a backend endpoint bound to shared, equivalent to
// BACK_RING_INIT.
func NewBack[Req, Rsp any](shared *Shared[Req, Rsp]) *Back[Req, Rsp] {
	return &Back[Req, Rsp]{shared: shared}
}

// HasUnconsumedRequests reports whether the backend has requests it has
// not yet popped.
func (b *Back[Req, Rsp]) HasUnconsumedRequests() bool {
	return b.reqCons != Index(b.shared.reqProd.Load())
}

// PopRequest returns and consumes the next unconsumed request, if any.
func (b *Back[Req, Rsp]) PopRequest() (Req, bool) {
	prod := Index(b.shared.reqProd.Load()) // Acquire.
	if b.reqCons == prod {
		var zero Req
		return zero, false
	}
	req := b.shared.reqs[b.reqCons&b.shared.mask]
	b.reqCons++
	return req, true
}

// CheckRingCorruption detects the fatal condition described in
// spec.md: the producer has advanced further than the ring can hold
// relative to what this side has consumed. A true return means the
// interface this ring belongs to must be torn down.
func (b *Back[Req, Rsp]) CheckRingCorruption() bool {
	prod := Index(b.shared.reqProd.Load())
	return prod-b.reqCons > b.shared.Size()
}

// ResponsesFull reports whether the backend has produced as many
// responses as the ring can hold without the frontend having consumed
// any of them yet (rsp_prod_pvt - req_cons == N), the responder-side
// mirror of Front.Full.
func (b *Back[Req, Rsp]) ResponsesFull() bool {
	return b.rspProdPvt-b.reqCons == b.shared.Size()
}

// PushResponse writes rsp into the slot matching the request it
// answers and advances the private producer index. It does not
// publish; call PublishResponses for that.
func (b *Back[Req, Rsp]) PushResponse(rsp Rsp) {
	b.shared.rsps[b.rspProdPvt&b.shared.mask] = rsp
	b.rspProdPvt++
}

// PublishResponses makes all responses written since the last publish
// visible to the frontend and reports whether the frontend must be
// notified.
func (b *Back[Req, Rsp]) PublishResponses() (notify bool) {
	old := Index(b.shared.rspProd.Load())
	b.shared.rspProd.Store(uint32(b.rspProdPvt))
	ev := Index(b.shared.rspEvent.Load())
	return Index(b.rspProdPvt-ev) < Index(b.rspProdPvt-old)
}

// FinalCheckForRequests re-arms the request event threshold roughly
// halfway through the outstanding window, so that a burst of new
// requests from the frontend reliably crosses it well before the ring
// fills, then re-reads the shared producer to close the publish race.
// Returns true if there is, after all, more work.
func (b *Back[Req, Rsp]) FinalCheckForRequests() bool {
	if b.HasUnconsumedRequests() {
		return true
	}
	window := Index(b.shared.reqProd.Load()) - b.reqCons
	newEvent := b.reqCons + window/2 + 1
	b.shared.reqEvent.Store(uint32(newEvent))
	return b.HasUnconsumedRequests()
}
