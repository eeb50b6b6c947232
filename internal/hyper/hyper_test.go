package hyper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFrame_DistinctOwnedFrames(t *testing.T) {
	h := NewHost()
	a := h.AllocFrame(1)
	b := h.AllocFrame(2)
	assert.NotEqual(t, a, b)

	owner, err := h.Owner(a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, owner)
}

func TestForeignAccess_MapUnmapBatch(t *testing.T) {
	h := NewHost()
	frame := h.AllocFrame(1)
	require.NoError(t, h.InstallForeignAccess(10, 2, frame, true))

	results := h.MapForeignAccessBatch([]uint16{10, 99}, 2)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, frame, results[0].Frame)
	assert.ErrorIs(t, results[1].Err, ErrUnallocated, "an uninstalled reference must fail independently of the rest of the batch")

	stillMapped, err := h.RevokeForeignAccess(10, false)
	require.NoError(t, err)
	assert.True(t, stillMapped, "revoke before unmap must report the mapping still outstanding")

	h.UnmapForeignAccessBatch([]uint16{10})
	stillMapped, err = h.RevokeForeignAccess(10, false)
	require.NoError(t, err)
	assert.False(t, stillMapped)
}

func TestForeignTransfer_AcceptAndConsume(t *testing.T) {
	h := NewHost()
	donated := h.AllocFrame(1) // guest domain 1 owns the page it's donating
	require.NoError(t, h.InstallForeignTransfer(5, 2, donated))

	backFrame := h.AllocFrame(2)
	frame, err := h.AcceptForeignTransfer(5, 2, backFrame)
	require.NoError(t, err)
	assert.Equal(t, donated, frame)

	owner, err := h.Owner(donated)
	require.NoError(t, err)
	assert.EqualValues(t, 2, owner, "the acceptor now owns the donated frame")

	given, ok := h.ConsumeForeignTransfer(5)
	require.True(t, ok)
	assert.Equal(t, backFrame, given)

	_, ok = h.ConsumeForeignTransfer(5)
	assert.False(t, ok, "a transfer reference is consumed exactly once")
}

func TestReserveFrames_ThenReassignPage(t *testing.T) {
	h := NewHost()
	reserved, err := h.ReserveFrames(4)
	require.NoError(t, err)
	require.Len(t, reserved, 4)

	oldFrame := h.AllocFrame(0) // backend-owned frame carrying a packet payload
	guestDom := uint16(7)

	require.NoError(t, h.ReassignPage(guestDom, oldFrame, reserved[0]))

	ownerNew, err := h.Owner(reserved[0])
	require.NoError(t, err)
	assert.Equal(t, guestDom, ownerNew)

	ownerOld, err := h.Owner(oldFrame)
	require.NoError(t, err)
	assert.Equal(t, guestDom, ownerOld, "the retiring frame is reassigned to the guest alongside the fresh one")
}

func TestReassignPage_UnknownFrame(t *testing.T) {
	h := NewHost()
	err := h.ReassignPage(1, h.AllocFrame(0), 9999)
	assert.ErrorIs(t, err, ErrBadFrame)
}
