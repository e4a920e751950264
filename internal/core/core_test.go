package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbkernel/kcore/internal/irql"
)

func noopHooks() irql.Hooks {
	return irql.Hooks{
		PinCurrentThread:   func() {},
		UnpinCurrentThread: func() {},
		DrainDPCs:          func() {},
		DrainAPCs:          func() {},
		RescheduleIfNeeded: func() {},
	}
}

func TestPublishAndGet(t *testing.T) {
	defer reset()
	g := New(2, nil)
	g.SetCore(NewCore(0, noopHooks()))
	g.SetCore(NewCore(1, noopHooks()))
	Publish(g)

	require.Same(t, g, Get())
	require.NotNil(t, g.CoreFor(0))
	require.Nil(t, g.CoreFor(5))
}

func TestPublishTwiceParics(t *testing.T) {
	defer reset()
	Publish(New(1, nil))
	require.Panics(t, func() { Publish(New(1, nil)) })
}

func TestGetBeforePublishPanics(t *testing.T) {
	defer reset()
	require.Panics(t, func() { Get() })
}

func TestBootstageMustAdvanceSequentially(t *testing.T) {
	g := New(1, nil)
	require.Equal(t, StageEarly, g.Bootstage())
	g.AdvanceBootstage(StageMem)
	require.Equal(t, StageMem, g.Bootstage())
	require.Panics(t, func() { g.AdvanceBootstage(StageDevices) })
}

func TestRequireStagePanicsWhenTooEarly(t *testing.T) {
	g := New(1, nil)
	require.Panics(t, func() { g.RequireStage(StageSched) })
	g.AdvanceBootstage(StageMem)
	require.NotPanics(t, func() { g.RequireStage(StageMem) })
}

func TestCorePreemptionDepthNesting(t *testing.T) {
	c := NewCore(0, noopHooks())
	require.False(t, c.PreemptionDisabled())
	c.PreemptionDisable()
	c.PreemptionDisable()
	require.True(t, c.PreemptionDisabled())
	c.PreemptionEnable()
	require.True(t, c.PreemptionDisabled())
	c.PreemptionEnable()
	require.False(t, c.PreemptionDisabled())
}

func TestCoreReschedFlag(t *testing.T) {
	c := NewCore(0, noopHooks())
	require.False(t, c.TakeResched())
	c.RequestResched()
	require.True(t, c.TakeResched())
	require.False(t, c.TakeResched())
}

func TestIdleCounting(t *testing.T) {
	g := New(1, nil)
	require.EqualValues(t, 0, g.IdleCount())
	g.IncIdle()
	g.IncIdle()
	require.EqualValues(t, 2, g.IdleCount())
	g.DecIdle()
	require.EqualValues(t, 1, g.IdleCount())
}

func TestRCUGenerationMonotonic(t *testing.T) {
	g := New(1, nil)
	require.EqualValues(t, 0, g.CurrentRCUGeneration())
	next := g.NextRCUGeneration()
	require.EqualValues(t, 1, next)
	require.EqualValues(t, 1, g.CurrentRCUGeneration())
}
