package grant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal host double so grant's pool logic is tested in
// isolation from internal/hyper.
type fakeHost struct {
	installed map[uint16]bool
	stillMap  bool
	consumed  map[uint16]uint64
	pending   map[uint16]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		installed: map[uint16]bool{},
		consumed:  map[uint16]uint64{},
		pending:   map[uint16]bool{},
	}
}

func (f *fakeHost) InstallForeignAccess(ref uint16, remoteDom uint16, frame uint64, writable bool) error {
	f.installed[ref] = true
	return nil
}

func (f *fakeHost) RevokeForeignAccess(ref uint16, wasReadOnly bool) (bool, error) {
	return f.stillMap, nil
}

func (f *fakeHost) InstallForeignTransfer(ref uint16, remoteDom uint16, frame uint64) error {
	f.pending[ref] = true
	return nil
}

func (f *fakeHost) ConsumeForeignTransfer(ref uint16) (uint64, bool) {
	if !f.pending[ref] {
		return 0, false
	}
	return f.consumed[ref], true
}

func TestPool_ClaimReleaseRoundTrip(t *testing.T) {
	pool, err := AllocPool(newFakeHost(), 4)
	require.NoError(t, err)

	refs := make([]Ref, 0, 4)
	for i := 0; i < 4; i++ {
		ref, err := pool.Claim()
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	_, err = pool.Claim()
	assert.ErrorIs(t, err, ErrNoSpace, "pool should be exhausted after claiming every reference")

	pool.Release(refs[0])
	ref, err := pool.Claim()
	require.NoError(t, err)
	assert.Equal(t, refs[0], ref, "a released reference should be the next one claimed")
}

func TestPool_DoubleReleasePanics(t *testing.T) {
	pool, err := AllocPool(newFakeHost(), 2)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	pool.Release(ref)

	assert.Panics(t, func() { pool.Release(ref) }, "double release of a reference must be a programming fault")
}

func TestPool_EndForeignAccess_StillMapped(t *testing.T) {
	host := newFakeHost()
	host.stillMap = true
	pool, err := AllocPool(host, 1)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	require.NoError(t, pool.GrantForeignAccess(ref, 1, 0x1000, true))

	err = pool.EndForeignAccess(ref)
	assert.ErrorIs(t, err, ErrStillMapped)

	// The reference must still be claimed, not silently released.
	assert.True(t, pool.Invalid(ref) == false)
	_, frameErr := pool.Frame(ref)
	assert.NoError(t, frameErr, "a still-mapped reference remains claimed after EndForeignAccess")

	host.stillMap = false
	require.NoError(t, pool.EndForeignAccess(ref))
	_, err = pool.Frame(ref)
	assert.ErrorIs(t, err, ErrUnknownRef, "a fully-revoked reference is released back to the pool")
}

func TestPool_EndForeignTransfer_NotYetConsumed(t *testing.T) {
	host := newFakeHost()
	pool, err := AllocPool(host, 1)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	require.NoError(t, pool.GrantForeignTransfer(ref, 1, 0x2000))

	_, err = pool.EndForeignTransfer(ref)
	assert.ErrorIs(t, err, ErrNotPending)

	host.pending[uint16(ref)] = true
	host.consumed[uint16(ref)] = 0x3000
	frame, err := pool.EndForeignTransfer(ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3000), frame)
}

func TestPool_MarkInvalid(t *testing.T) {
	pool, err := AllocPool(newFakeHost(), 1)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	assert.False(t, pool.Invalid(ref))
	require.NoError(t, pool.MarkInvalid(ref))
	assert.True(t, pool.Invalid(ref))
}
