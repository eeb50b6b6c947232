// Package ifstate implements the shared frontend/backend connection
// state machine described in spec.md §4.4 and §4.9: Closed →
// Disconnected → Connected, with a transient Disconnecting on the
// backend and a state-preserving Changed event.
//
// Fire dispatches on (state, event) with a switch on event outer and
// state inner, rather than the type-switch-on-status-enum chains
// spec.md §9 calls out as the thing to avoid; each (state, event) cell
// still maps to exactly one action, the way a literal table would.
package ifstate

import (
	"fmt"
	"sync"
)

// State is one of the four connection states an interface can occupy.
type State int

const (
	Closed State = iota
	Disconnected
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Event is a message that can drive the state machine, mirroring
// spec.md §4.9's summary table.
type Event int

const (
	EvPeerClosed Event = iota
	EvPeerDisconnected
	EvPeerConnected
	EvPeerChanged
	EvDisconnectControl
	EvDisconnectComplete
)

func (e Event) String() string {
	switch e {
	case EvPeerClosed:
		return "StatusClosed"
	case EvPeerDisconnected:
		return "StatusDisconnected"
	case EvPeerConnected:
		return "StatusConnected"
	case EvPeerChanged:
		return "StatusChanged"
	case EvDisconnectControl:
		return "Disconnect control"
	case EvDisconnectComplete:
		return "Disconnect complete"
	default:
		return "Unknown"
	}
}

// Callbacks are the side effects an interface performs when driven
// through the state machine. Each method corresponds to an action cell
// in spec.md §4.9's table.
type Callbacks interface {
	// AllocateAndConnect allocates the ring page, runs FRONT_RING_INIT,
	// and sends INTERFACE_CONNECT. Used for Closed/Disconnected ->
	// Disconnected (first connect or reconnect-with-new-ring).
	AllocateAndConnect(reconnect bool) error
	// BindAndRecoverOrProbe binds the event channel to its handler and
	// either runs recovery (resume path) or a first-time probe.
	BindAndRecoverOrProbe() error
	// TeardownLocals frees all resources for this interface. Called on
	// any transition into Closed.
	TeardownLocals()
	// EnterReset marks recovery pending, invalidates grants, frees the
	// ring, and unbinds the event channel, ahead of re-entering
	// Disconnected (the Connected -> Disconnected "reset" path).
	EnterReset() error
	// ScheduleRescan schedules a configuration rescan task without
	// changing state (Connected + Changed).
	ScheduleRescan()
	// BeginDisconnecting drains outstanding I/O and frees resources in
	// preparation for a clean Disconnect response.
	BeginDisconnecting() error
	// SendDisconnectResponse notifies the host the disconnect completed.
	SendDisconnectResponse()
}

// Logger receives a message for spurious (non-fatal) transitions.
type Logger func(format string, args ...any)

// Machine drives one interface's connection state.
type Machine struct {
	mu        sync.Mutex
	state     State
	callbacks Callbacks
	log       Logger
}

// New creates a state machine starting in Closed, as every interface
// does before its first connect.
func New(callbacks Callbacks, log Logger) *Machine {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Machine{state: Closed, callbacks: callbacks, log: log}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire drives the machine with event, running the action cell for
// (current state, event) and transitioning to the resulting state.
// Spurious transitions are logged, not returned as errors, except
// where the action itself fails, in which case the interface is fatal
// and Fire forces Closed (spec.md: "Any state on Closed: ... fatal").
func (m *Machine) Fire(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	var err error

	switch event {
	case EvPeerClosed:
		if from == Closed {
			m.log("spurious StatusClosed while already Closed")
			return nil
		}
		m.callbacks.TeardownLocals()
		m.state = Closed

	case EvPeerDisconnected:
		switch from {
		case Closed:
			err = m.callbacks.AllocateAndConnect(false)
		case Disconnected, Connected:
			err = m.callbacks.AllocateAndConnect(true)
		case Disconnecting:
			m.log("spurious StatusDisconnected while Disconnecting")
			return nil
		}
		if err == nil {
			m.state = Disconnected
		}

	case EvPeerConnected:
		switch from {
		case Disconnected:
			err = m.callbacks.BindAndRecoverOrProbe()
			if err == nil {
				m.state = Connected
			}
		case Connected:
			m.log("spurious StatusConnected while already Connected; rebinding")
			err = m.callbacks.BindAndRecoverOrProbe()
		default:
			m.log("spurious StatusConnected from %s", from)
			return nil
		}

	case EvPeerChanged:
		if from != Connected {
			m.log("spurious StatusChanged from %s", from)
			return nil
		}
		m.callbacks.ScheduleRescan()

	case EvDisconnectControl:
		if from != Connected {
			m.log("spurious disconnect control from %s", from)
			return nil
		}
		m.state = Disconnecting
		err = m.callbacks.BeginDisconnecting()

	case EvDisconnectComplete:
		if from != Disconnecting {
			m.log("spurious disconnect complete from %s", from)
			return nil
		}
		m.callbacks.SendDisconnectResponse()
		m.state = Disconnected

	default:
		return fmt.Errorf("ifstate: unknown event %v", event)
	}

	if err != nil {
		m.callbacks.TeardownLocals()
		m.state = Closed
		return fmt.Errorf("ifstate: action for (%s, %s) failed, interface closed: %w", from, event, err)
	}
	return nil
}

// Reset implements the Connected -> Disconnected "reset" path:
// recovery=true, grants invalidated, ring freed, event channel
// unbound, then re-enter Disconnected via AllocateAndConnect. spec.md
// separates this from a plain peer-initiated StatusDisconnected because
// it is locally triggered (e.g. a ring corruption or IRQ failure), but
// it ends in the same place.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		m.log("Reset called outside Connected (state=%s)", m.state)
	}
	if err := m.callbacks.EnterReset(); err != nil {
		m.callbacks.TeardownLocals()
		m.state = Closed
		return fmt.Errorf("ifstate: reset failed, interface closed: %w", err)
	}
	if err := m.callbacks.AllocateAndConnect(true); err != nil {
		m.callbacks.TeardownLocals()
		m.state = Closed
		return fmt.Errorf("ifstate: reconnect after reset failed: %w", err)
	}
	m.state = Disconnected
	return nil
}
