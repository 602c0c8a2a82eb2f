package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorReservesLowestFree(t *testing.T) {
	a := newPortAllocator(8, discardLogger())

	for want := uint32(0); want < 8; want++ {
		port, err := a.reserve()
		require.NoError(t, err)
		assert.Equal(t, want, port)
	}
	assert.Equal(t, 8, a.inUse())
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := newPortAllocator(8, discardLogger())
	for i := 0; i < 8; i++ {
		_, err := a.reserve()
		require.NoError(t, err)
	}

	_, err := a.reserve()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestPortAllocatorReleaseReuse(t *testing.T) {
	a := newPortAllocator(4, discardLogger())
	for i := 0; i < 4; i++ {
		_, err := a.reserve()
		require.NoError(t, err)
	}

	a.release(1)
	a.release(3)
	assert.Equal(t, 2, a.inUse())

	// Lowest freed port comes back first.
	port, err := a.reserve()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), port)

	port, err = a.reserve()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), port)
}

func TestPortAllocatorGuardedRelease(t *testing.T) {
	a := newPortAllocator(2, discardLogger())
	p, err := a.reserve()
	require.NoError(t, err)

	a.release(p)
	// Double release and out-of-range release are logged no-ops; the pool
	// must stay intact.
	a.release(p)
	a.release(99)
	assert.Equal(t, 0, a.inUse())

	got, err := a.reserve()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got)
}
