package ifstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCallbacks records every action cell invoked, with error knobs so
// tests can force the "action failed -> fatal Closed" path.
type fakeCallbacks struct {
	calls []string

	failAllocate   error
	failBind       error
	failReset      error
	failDisconnect error
}

func (f *fakeCallbacks) AllocateAndConnect(reconnect bool) error {
	if reconnect {
		f.calls = append(f.calls, "AllocateAndConnect(reconnect)")
	} else {
		f.calls = append(f.calls, "AllocateAndConnect(first)")
	}
	return f.failAllocate
}

func (f *fakeCallbacks) BindAndRecoverOrProbe() error {
	f.calls = append(f.calls, "BindAndRecoverOrProbe")
	return f.failBind
}

func (f *fakeCallbacks) TeardownLocals() {
	f.calls = append(f.calls, "TeardownLocals")
}

func (f *fakeCallbacks) EnterReset() error {
	f.calls = append(f.calls, "EnterReset")
	return f.failReset
}

func (f *fakeCallbacks) ScheduleRescan() {
	f.calls = append(f.calls, "ScheduleRescan")
}

func (f *fakeCallbacks) BeginDisconnecting() error {
	f.calls = append(f.calls, "BeginDisconnecting")
	return f.failDisconnect
}

func (f *fakeCallbacks) SendDisconnectResponse() {
	f.calls = append(f.calls, "SendDisconnectResponse")
}

func TestFire_FirstConnectSequence(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)
	assert.Equal(t, Closed, m.State())

	require.NoError(t, m.Fire(EvPeerDisconnected))
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Fire(EvPeerConnected))
	assert.Equal(t, Connected, m.State())

	assert.Equal(t, []string{"AllocateAndConnect(first)", "BindAndRecoverOrProbe"}, cb.calls)
}

func TestFire_ResetPathViaStatusDisconnected(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))
	cb.calls = nil

	// Connected -> Disconnected via a peer-initiated StatusDisconnected
	// reallocates the ring rather than running EnterReset (that path is
	// Machine.Reset, exercised separately below).
	require.NoError(t, m.Fire(EvPeerDisconnected))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, []string{"AllocateAndConnect(reconnect)"}, cb.calls)
}

func TestReset_RunsEnterResetThenReconnect(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))
	cb.calls = nil

	require.NoError(t, m.Reset())
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, []string{"EnterReset", "AllocateAndConnect(reconnect)"}, cb.calls)

	// The interface can reconnect normally afterward.
	require.NoError(t, m.Fire(EvPeerConnected))
	assert.Equal(t, Connected, m.State())
}

func TestChanged_OnlyFromConnected(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)

	// Spurious: not yet connected.
	require.NoError(t, m.Fire(EvPeerChanged))
	assert.Empty(t, cb.calls)
	assert.Equal(t, Closed, m.State())

	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))
	cb.calls = nil

	require.NoError(t, m.Fire(EvPeerChanged))
	assert.Equal(t, []string{"ScheduleRescan"}, cb.calls)
	assert.Equal(t, Connected, m.State())
}

func TestDisconnectControlAndComplete(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))
	cb.calls = nil

	require.NoError(t, m.Fire(EvDisconnectControl))
	assert.Equal(t, Disconnecting, m.State())
	assert.Equal(t, []string{"BeginDisconnecting"}, cb.calls)
	cb.calls = nil

	require.NoError(t, m.Fire(EvDisconnectComplete))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, []string{"SendDisconnectResponse"}, cb.calls)
}

func TestFire_ActionFailureForcesClosed(t *testing.T) {
	boom := errors.New("boom")
	cb := &fakeCallbacks{failBind: boom}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))

	err := m.Fire(EvPeerConnected)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Closed, m.State(), "a failed action cell must force the interface to Closed")
}

func TestFire_AnyStateToClosedTearsDown(t *testing.T) {
	cb := &fakeCallbacks{}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))
	cb.calls = nil

	require.NoError(t, m.Fire(EvPeerClosed))
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, []string{"TeardownLocals"}, cb.calls)
}

func TestReset_FailureForcesClosed(t *testing.T) {
	boom := errors.New("boom")
	cb := &fakeCallbacks{failReset: boom}
	m := New(cb, nil)
	require.NoError(t, m.Fire(EvPeerDisconnected))
	require.NoError(t, m.Fire(EvPeerConnected))

	err := m.Reset()
	require.Error(t, err)
	assert.Equal(t, Closed, m.State())
}
