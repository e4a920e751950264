package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerCPUArenaPushPop(t *testing.T) {
	a := NewPerCPUArena(2)
	require.True(t, a.Push(0x1000))
	require.True(t, a.Push(0x2000))
	require.False(t, a.Push(0x3000), "arena should be full")

	addr, ok := a.Pop()
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), addr)
}

func TestDomainAllocPrefersArena(t *testing.T) {
	d := NewDomain(0, 0, 64, 2, 4)
	d.Arenas[0].Push(0xdead000)

	addr, err := d.AllocPage(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(0xdead000), addr)
}

func TestDomainAllocFallsBackToBuddyThenZonelist(t *testing.T) {
	near := NewDomain(0, 0, 1, 1, 1) // one page total
	far := NewDomain(1, 0x10000, 64, 1, 1)
	near.SetDistance(far, 10)

	// exhaust near's own buddy capacity (1 page).
	_, err := near.Buddy.Alloc(1)
	require.NoError(t, err)

	addr, err := near.AllocPage(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, addr, uintptr(0x10000), "should have fallen through to the sibling zonelist")
}

func TestZonelistOrdersByDistanceThenFreePages(t *testing.T) {
	d := NewDomain(0, 0, 2, 1, 1)
	close1 := NewDomain(1, 0, 64, 1, 1)
	far1 := NewDomain(2, 0, 64, 1, 1)
	d.SetDistance(far1, 20)
	d.SetDistance(close1, 10)

	zl := d.zonelist()
	require.Equal(t, close1.ID, zl[0].ID)
	require.Equal(t, far1.ID, zl[1].ID)
}
