package blockfront

import "github.com/rishav/splitio/internal/eventlog"

func init() {
	eventlog.RegisterGob(CompletionEvent{})
	eventlog.RegisterGob(RecoveryEvent{})
}

// CompletionEvent is appended when a shadow slot completes.
type CompletionEvent struct {
	Interface string
	GuestID   uint64
	Status    Status
}

func (CompletionEvent) Kind() string { return "blockfront.completion" }

// RecoveryEvent is appended once per Disconnected->Connected recovery
// run, recording how many in-flight requests were replayed.
type RecoveryEvent struct {
	Interface string
	Replayed  int
}

func (RecoveryEvent) Kind() string { return "blockfront.recovery" }
