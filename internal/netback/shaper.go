package netback

import (
	"sync"
	"time"
)

// creditShaper is an in-process token bucket admitting TX bytes for one
// interface, grounded on the same replenish-on-deadline shape as the
// teacher's Redis token-bucket script but kept entirely in-memory:
// spec.md's no-block-on-packet-path rule forbids a round trip to an
// external store from the hot path.
type creditShaper struct {
	mu sync.Mutex

	creditBytes uint64
	creditUsec  uint64

	remaining uint64
	deadline  time.Time
}

func newCreditShaper(creditBytes, creditUsec uint64) *creditShaper {
	return &creditShaper{
		creditBytes: creditBytes,
		creditUsec:  creditUsec,
		remaining:   creditBytes,
		deadline:    time.Now().Add(time.Duration(creditUsec) * time.Microsecond),
	}
}

// setLimit applies an administratively overridden credit limit
// (controlplane.MsgCreditLimit) starting from a fresh window, the same
// way a newly connected interface's shaper starts out.
func (c *creditShaper) setLimit(creditBytes, creditUsec uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditBytes = creditBytes
	c.creditUsec = creditUsec
	c.remaining = creditBytes
	c.deadline = time.Now().Add(time.Duration(creditUsec) * time.Microsecond)
}

// admit implements spec.md §4.7 step 2: if size exceeds what remains in
// the current window and the window has elapsed, replenish and start a
// fresh window; otherwise refuse and report how long until the window
// rolls over so the caller can arm a timer.
func (c *creditShaper) admit(now time.Time, size uint64) (ok bool, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.remaining {
		if !now.Before(c.deadline) {
			c.remaining = c.creditBytes
			c.deadline = now.Add(time.Duration(c.creditUsec) * time.Microsecond)
		} else {
			return false, c.deadline.Sub(now)
		}
	}
	if size > c.remaining {
		return false, c.deadline.Sub(now)
	}
	c.remaining -= size
	return true, 0
}
