package cpumask

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmallMaskBasics(t *testing.T) {
	m := New(8)
	require.True(t, m.Empty())
	m.Set(3)
	m.Set(5)
	require.True(t, m.Test(3))
	require.True(t, m.Test(5))
	require.False(t, m.Test(4))
	require.Equal(t, 2, m.Count())

	var seen []int
	m.Iterate(func(c int) { seen = append(seen, c) })
	require.Equal(t, []int{3, 5}, seen)

	m.Clear(3)
	require.False(t, m.Test(3))
	require.Equal(t, 1, m.Count())
}

func TestLargeMaskBasics(t *testing.T) {
	m := New(200)
	m.Set(0)
	m.Set(63)
	m.Set(64)
	m.Set(199)
	require.Equal(t, 4, m.Count())
	require.True(t, m.Test(199))

	m.Clear(64)
	require.False(t, m.Test(64))
	require.Equal(t, 3, m.Count())
}

func TestIntersectsAndUnion(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(3)
	require.True(t, a.Intersects(b))

	u := a.Union(b)
	require.Equal(t, 3, u.Count())
	require.True(t, u.Test(1))
	require.True(t, u.Test(3))
}

func TestOutOfRangePanics(t *testing.T) {
	m := New(4)
	require.Panics(t, func() { m.Set(4) })
}

func TestNBitsInvariant(t *testing.T) {
	m := New(4)
	require.Equal(t, 4, m.NBits())
	big := New(128)
	require.Equal(t, 128, big.NBits())
}
