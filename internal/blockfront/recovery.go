package blockfront

import "github.com/rishav/splitio/internal/guestio"

// BeginReset marks recovery pending and marks every grant reference of
// every in-flight shadow slot INVALID, per spec.md §4.4's reset path
// ("Connected on Disconnected: set recovery = true, mark all grant
// references INVALID ..."). The shadow ring itself is preserved.
func (f *Frontend) BeginReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovery = true
	for i := range f.shadow {
		slot := &f.shadow[i]
		if !slot.inUse {
			continue
		}
		for j := 0; j < int(slot.nrSegs); j++ {
			_ = f.grants.MarkInvalid(slot.refs[j])
		}
	}
}

// Recovering reports whether BeginReset has run without a matching
// Recover yet, i.e. whether the next BindAndRecoverOrProbe-style
// transition must replay the shadow ring instead of issuing a
// first-time Probe.
func (f *Frontend) Recovering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recovery
}

// Recover runs the three-step recovery procedure of spec.md §4.5 once
// per Disconnected->Connected transition while recovery is true: it
// snapshots the shadow ring, reinitializes the free list, replays every
// in-flight request onto the fresh ring with freshly re-established
// grants, then clears recovery and republishes.
//
// newShadowSize is the size of the newly (re)allocated ring; it may
// differ from the previous ring's size if renegotiation changed it, in
// which case any slot whose id would no longer fit is reported as lost
// (this cannot happen with a stable ring size, which is the common
// case, but the spec's invariants would be violated by silently
// dropping a request otherwise).
func (f *Frontend) Recover() (replayed int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.recovery {
		return 0, nil
	}

	snapshot := make([]shadowSlot, len(f.shadow))
	copy(snapshot, f.shadow)

	f.initFreeList()

	pushed := false
	for i := range snapshot {
		old := &snapshot[i]
		if !old.inUse {
			continue
		}

		newID, ok := f.claimShadow()
		if !ok {
			return replayed, errNoRoomForReplay
		}
		slot := &f.shadow[newID]
		*slot = *old
		slot.inUse = true

		var segs [MaxSegments]Segment
		for j := 0; j < int(slot.nrSegs); j++ {
			ref := slot.refs[j]
			if f.grants.Invalid(ref) {
				writable := slot.op == OpWrite
				if err := f.grants.GrantForeignAccess(ref, f.backendDomID, slot.frames[j], writable); err != nil {
					return replayed, err
				}
			}
			segs[j] = Segment{GrantRefOrFrame: uint32(ref), FirstSector: slot.first[j], LastSector: slot.last[j]}
		}

		wireReq := Request{
			ID:         uint64(newID),
			Op:         slot.op,
			NrSegments: slot.nrSegs,
			Device:     slot.device,
			Sector:     slot.sector,
			Segments:   segs,
		}
		if err := f.front.PushRequest(wireReq); err != nil {
			return replayed, err
		}
		pushed = true
		replayed++
	}

	f.recovery = false
	if pushed {
		if f.front.PublishRequests() {
			_ = f.evt.Notify(f.port)
		}
	}
	if f.batcher != nil {
		f.batcher.Queue(RecoveryEvent{Interface: f.name, Replayed: replayed})
	}
	return replayed, nil
}

type recoveryError string

func (e recoveryError) Error() string { return string(e) }

const errNoRoomForReplay = recoveryError("blockfront: new ring has no room to replay all in-flight requests")

// TeardownAll abandons every in-flight request with a connection-lost
// status, used when the interface is torn down (spec.md §5: "On
// interface teardown all outstanding requests are treated as completed
// with a connection-lost status").
func (f *Frontend) TeardownAll() {
	f.mu.Lock()
	var completions []uint64
	for i := range f.shadow {
		slot := &f.shadow[i]
		if !slot.inUse {
			continue
		}
		for j := 0; j < int(slot.nrSegs); j++ {
			_ = f.grants.MarkInvalid(slot.refs[j])
		}
		completions = append(completions, slot.guestID)
	}
	f.mu.Unlock()

	for _, gid := range completions {
		f.queue.Complete(guestio.BlockCompletion{GuestID: gid, Status: guestio.StatusConnLost})
	}
}
