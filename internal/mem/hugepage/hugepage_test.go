package hugepage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbkernel/kcore/internal/config"
)

func newTestArena(t *testing.T) (*Arena, *int) {
	var bases []uintptr
	next := 0
	for i := 0; i < 4; i++ {
		bases = append(bases, uintptr(i)*config.HugepageSize)
	}
	calls := 0
	a := New(2, func() (uintptr, error) {
		b := bases[next]
		next++
		calls++
		return b, nil
	}, func(addr uintptr) {})
	return a, &calls
}

func TestAllocPageGrowsArenaOnFirstUse(t *testing.T) {
	a, calls := newTestArena(t)
	addr, err := a.AllocPage()
	require.NoError(t, err)
	require.Zero(t, addr)
	require.Equal(t, 1, *calls)
	require.Equal(t, 1, a.HeapLen())
}

func TestFullHugepageLeavesHeap(t *testing.T) {
	a, _ := newTestArena(t)
	for i := 0; i < config.HugepagePages; i++ {
		_, err := a.AllocPage()
		require.NoError(t, err)
	}
	require.Equal(t, 0, a.HeapLen(), "a fully allocated hugepage should leave the active heap")
}

func TestFreeingEmptiesHugepageMovesToGC(t *testing.T) {
	a, _ := newTestArena(t)
	addr, _ := a.AllocPage()
	require.Equal(t, 1, a.HeapLen())

	a.FreePage(addr)
	require.Equal(t, 1, a.GCLen())
	require.Equal(t, 0, a.HeapLen())
}

func TestGCListRecycledBeforeNewGrowth(t *testing.T) {
	a, calls := newTestArena(t)
	addr, _ := a.AllocPage()
	a.FreePage(addr)
	require.Equal(t, 1, *calls)

	_, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, 1, *calls, "should recycle the GC'd hugepage instead of growing")
}

func TestFreeOfUnownedAddressPanics(t *testing.T) {
	a, _ := newTestArena(t)
	require.Panics(t, func() { a.FreePage(0xdeadbeef) })
}

func TestDoubleFreePanics(t *testing.T) {
	a, _ := newTestArena(t)
	addr, _ := a.AllocPage()
	a.FreePage(addr)

	require.Panics(t, func() { a.FreePage(addr) })
}
