package evtchn

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind_AlreadyBound(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind(1, func() {}))
	assert.ErrorIs(t, s.Bind(1, func() {}), ErrAlreadyBound)
}

func TestNotify_NotBound(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Notify(1), ErrNotBound)
}

func TestUnbind_ThenNotify(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind(1, func() {}))
	require.NoError(t, s.Unbind(1))
	assert.ErrorIs(t, s.Notify(1), ErrNotBound)
}

// TestNotify_CoalescesConcurrentNotifies raises the doorbell a second
// time while the handler for the first notification is still running;
// evtchn must fold that into exactly one extra delivery, not run the
// handler concurrently and not drop it.
func TestNotify_CoalescesConcurrentNotifies(t *testing.T) {
	s := New()
	var calls atomic.Int32
	enter := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, s.Bind(1, func() {
		n := calls.Add(1)
		if n == 1 {
			close(enter)
			<-release
		}
	}))

	go func() { _ = s.Notify(1) }()

	select {
	case <-enter:
	case <-time.After(time.Second):
		t.Fatal("handler never entered its first call")
	}

	// A notify that arrives mid-delivery must coalesce rather than
	// running a second, concurrent handler invocation.
	done := make(chan error, 1)
	go func() { done <- s.Notify(1) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)

	deadline := time.After(time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a coalesced second delivery, got %d calls", calls.Load())
		default:
		}
	}
	assert.EqualValues(t, 2, calls.Load(), "exactly one extra delivery should have been coalesced in")
}
