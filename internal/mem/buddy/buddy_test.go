package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocRoundsUpToPowerOfTwo(t *testing.T) {
	a := New(0, 64)
	addr, err := a.Alloc(3) // rounds up to order 2 (4 pages)
	require.NoError(t, err)
	require.Zero(t, addr % (4 * 4096))
}

func TestAllocSplitsLargerBlock(t *testing.T) {
	a := New(0, 8) // one order-3 block initially
	require.Equal(t, 1, a.FreeBlocks(3))

	_, err := a.Alloc(1) // forces a split down to order 0
	require.NoError(t, err)
	require.Equal(t, 0, a.FreeBlocks(3))
	require.Equal(t, 1, a.FreeBlocks(2))
	require.Equal(t, 1, a.FreeBlocks(1))
	require.Equal(t, 1, a.FreeBlocks(0), "the handed-out page's order-0 buddy stays free")
}

func TestFreeCoalescesBuddies(t *testing.T) {
	a := New(0, 8)
	p1, _ := a.Alloc(1)
	p2, _ := a.Alloc(1)
	require.NotEqual(t, p1, p2)

	a.Free(p1)
	a.Free(p2)
	require.Equal(t, 1, a.FreeBlocks(3), "freeing both order-0 buddies should fully coalesce back to order 3")
}

func TestAllocExhaustion(t *testing.T) {
	a := New(0, 2)
	_, err := a.Alloc(2)
	require.NoError(t, err)
	_, err = a.Alloc(1)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestFreeOfUnknownAddressPanics(t *testing.T) {
	a := New(0, 8)
	require.Panics(t, func() { a.Free(4096) })
}
