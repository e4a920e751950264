package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbkernel/kcore/internal/cpumask"
)

func maskOf(nbits int, cpus ...int) *cpumask.Mask {
	m := cpumask.New(nbits)
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

func TestAddNodeAndLookup(t *testing.T) {
	top := New(4, nil)
	core0 := top.AddNode(Core, 0, maskOf(4, 0, 1), nil)
	core1 := top.AddNode(Core, 1, maskOf(4, 2, 3), nil)

	require.Equal(t, core0, top.NodeFor(Core, 0))
	require.Equal(t, core0, top.NodeFor(Core, 1))
	require.Equal(t, core1, top.NodeFor(Core, 2))
	require.ElementsMatch(t, []*Node{core0, core1}, top.Nodes(Core))
}

func TestMarkCoreIdlePropagatesAcrossLevels(t *testing.T) {
	top := New(4, nil)
	smt := top.AddNode(SMT, 0, maskOf(4, 0), nil)
	core := top.AddNode(Core, 0, maskOf(4, 0, 1), nil)
	llc := top.AddNode(LLC, 0, maskOf(4, 0, 1, 2, 3), nil)

	top.MarkCoreIdle(0, true)

	require.Equal(t, 1, smt.IdleCount())
	require.Equal(t, 1, core.IdleCount())
	require.Equal(t, 1, llc.IdleCount())

	top.MarkCoreIdle(0, false)
	require.Equal(t, 0, smt.IdleCount())
	require.Equal(t, 0, core.IdleCount())
	require.Equal(t, 0, llc.IdleCount())
}

func TestIdleSubsetOfCpus(t *testing.T) {
	top := New(4, nil)
	core := top.AddNode(Core, 0, maskOf(4, 0, 1), nil)

	top.MarkCoreIdle(0, true)
	top.MarkCoreIdle(1, true)

	require.True(t, core.Idle.Intersects(core.Cpus) || core.Idle.Count() == core.Cpus.Count())
	require.Equal(t, core.Cpus.Count(), core.Idle.Count())
}

func TestSiblingsExcludesSelf(t *testing.T) {
	top := New(4, nil)
	core0 := top.AddNode(Core, 0, maskOf(4, 0), nil)
	core1 := top.AddNode(Core, 1, maskOf(4, 1), nil)
	core2 := top.AddNode(Core, 2, maskOf(4, 2), nil)

	sibs := top.Siblings(Core, 0)
	require.ElementsMatch(t, []*Node{core1, core2}, sibs)
	require.NotContains(t, sibs, core0)
}

func TestNodeForUnknownCPUReturnsNil(t *testing.T) {
	top := New(2, nil)
	require.Nil(t, top.NodeFor(Core, 0))
	require.Nil(t, top.NodeFor(Core, 99))
}
