package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbkernel/kcore/internal/cpumask"
	"github.com/climbkernel/kcore/internal/topology"
)

func newTestScheduler(cpuID int) *Scheduler {
	idle := NewThread(0, "idle", ClassIdle)
	return New(cpuID, idle, nil, nil, nil)
}

func TestPickNextPrefersUrgentThenRealtimeThenTree(t *testing.T) {
	s := newTestScheduler(0)

	normal := NewThread(1, "normal", ClassNormal)
	normal.TicksLeft = int32(TicksForPriority(ClassNormal))
	s.Enqueue(normal)

	realtime := NewThread(2, "rt", ClassRealtime)
	s.Enqueue(realtime)

	urgent := NewThread(3, "urgent", ClassUrgent)
	s.Enqueue(urgent)

	require.Same(t, urgent, s.PickNext())
	require.Same(t, realtime, s.PickNext())
	require.Same(t, normal, s.PickNext())
}

func TestPickNextFallsBackToBackgroundThenIdle(t *testing.T) {
	s := newTestScheduler(0)

	bg := NewThread(1, "bg", ClassBackground)
	s.Enqueue(bg)

	require.Same(t, bg, s.PickNext())
	require.Same(t, s.idle, s.PickNext())
}

func TestPickNextOrdersReadyTreeByVRuntime(t *testing.T) {
	s := newTestScheduler(0)

	slow := NewThread(1, "slow", ClassNormal)
	slow.VRuntime = 500
	fast := NewThread(2, "fast", ClassNormal)
	fast.VRuntime = 100

	s.Enqueue(slow)
	s.Enqueue(fast)

	require.Same(t, fast, s.PickNext())
	require.Same(t, slow, s.PickNext())
}

func TestAccrueRuntimeScalesByWeightAndExhaustsTicks(t *testing.T) {
	normal := NewThread(1, "normal", ClassNormal)
	normal.TicksLeft = 1

	needsResched := AccrueRuntime(normal, 1000)
	require.True(t, needsResched, "tick budget should be exhausted and reset")
	require.Equal(t, int32(TicksForPriority(ClassNormal)), normal.TicksLeft)
	require.Equal(t, int64(1000), normal.VRuntime) // NICE_0_WEIGHT/NICE_0_WEIGHT == 1
}

func TestAccrueRuntimeHigherWeightAccruesSlower(t *testing.T) {
	high := NewThread(1, "high", ClassHigh)
	high.TicksLeft = 100
	low := NewThread(2, "low", ClassLow)
	low.TicksLeft = 100

	AccrueRuntime(high, 1000)
	AccrueRuntime(low, 1000)

	require.Less(t, high.VRuntime, low.VRuntime)
}

func TestYieldRequeuesPreviousRunningThread(t *testing.T) {
	s := newTestScheduler(0)

	a := NewThread(1, "a", ClassNormal)
	a.VRuntime = 10
	b := NewThread(2, "b", ClassNormal)
	b.VRuntime = 20
	s.Enqueue(a)
	s.Enqueue(b)

	first := s.Yield()
	require.Same(t, a, first)
	require.Equal(t, Running, a.State())

	second := s.Yield()
	require.Same(t, b, second, "b runs next: a is re-filed only after the pick, despite its lower vruntime")
}

func TestYieldTransitionsIdleBookkeeping(t *testing.T) {
	mask := cpumask.New(4)
	mask.Set(0)
	mask.Set(1)
	topo := topology.New(4, nil)
	topo.AddNode(topology.SMT, 0, mask, nil)

	var events []ReschedEvent
	idle := NewThread(0, "idle", ClassIdle)
	s := New(0, idle, topo, func(e ReschedEvent) { events = append(events, e) }, nil)

	// nothing runnable: yielding should pick idle and fire CPUIdle.
	s.Yield()
	require.Equal(t, []ReschedEvent{CPUIdle}, events)
	require.Equal(t, 1, topo.NodeFor(topology.SMT, 0).IdleCount())

	// enqueue work and yield again: should wake.
	work := NewThread(1, "work", ClassNormal)
	s.Enqueue(work)
	s.Yield()
	require.Equal(t, []ReschedEvent{CPUIdle, CPUWoke}, events)
	require.Equal(t, 0, topo.NodeFor(topology.SMT, 0).IdleCount())
}

func TestYieldPanicsOnRecursiveCall(t *testing.T) {
	s := newTestScheduler(0)
	atomicStoreForTest(s)
	require.Panics(t, func() { s.Yield() })
}

// atomicStoreForTest simulates Yield already being in progress on this
// scheduler, exercising the in_resched guard without needing a second
// goroutine actually racing Yield.
func atomicStoreForTest(s *Scheduler) {
	s.inResched = 1
}

func TestWakeReEnqueuesBlockedThread(t *testing.T) {
	s := newTestScheduler(0)
	th := NewThread(1, "t", ClassNormal)
	th.setState(Blocked)

	s.Wake(th, WakeNormal)

	require.Equal(t, Ready, th.State())
	require.Same(t, th, s.PickNext())
}

func TestReinsertIfBoostedRekeysOnlyAboveThreshold(t *testing.T) {
	s := newTestScheduler(0)
	th := NewThread(1, "t", ClassNormal)
	th.VRuntime = 1000
	s.Enqueue(th)

	s.ReinsertIfBoosted(th, 1) // below ClimbReinsertThreshold(2): no rekey
	require.Equal(t, int64(1000), th.VRuntime)

	s.ReinsertIfBoosted(th, 5) // delta >= threshold: rekeys and lowers vruntime
	require.Less(t, th.VRuntime, int64(1000))
}

func buildTwoCPUTopology() *topology.Topology {
	topo := topology.New(2, nil)
	m0 := cpumask.New(2)
	m0.Set(0)
	m1 := cpumask.New(2)
	m1.Set(1)
	for _, level := range []topology.Level{topology.SMT, topology.Core, topology.LLC, topology.NUMA, topology.Package} {
		topo.AddNode(level, 0, m0, nil)
		topo.AddNode(level, 1, m1, nil)
	}
	return topo
}

func TestShouldStealGatesOnThresholdAndMinDiff(t *testing.T) {
	require.True(t, ShouldSteal(0, 10))
	require.False(t, ShouldSteal(9, 10), "surplus too small to justify a steal")
	require.False(t, ShouldSteal(0, 0))
}

func TestControllerStealsNonPinnedThreadRespectingAffinity(t *testing.T) {
	topo := buildTwoCPUTopology()
	busy := newTestScheduler(0)
	busy.topo = topo
	idleSched := newTestScheduler(1)
	idleSched.topo = topo

	for i := 0; i < 10; i++ {
		th := NewThread(uint64(i+1), "busy", ClassNormal)
		busy.Enqueue(th)
	}
	pinned := NewThread(100, "pinned", ClassNormal)
	pinned.Pin()
	busy.Enqueue(pinned)

	ctrl := NewController([]*Scheduler{busy, idleSched}, topo, nil)
	stolen := ctrl.StealOneFor(1)

	require.NotNil(t, stolen)
	require.False(t, stolen.IsPinned())
	require.Equal(t, int32(1), stolen.CPUID)
}

func TestControllerDoesNotStealPinnedThread(t *testing.T) {
	topo := buildTwoCPUTopology()
	busy := newTestScheduler(0)
	busy.topo = topo
	idleSched := newTestScheduler(1)
	idleSched.topo = topo

	// enough threads to pass the ShouldSteal load gate, all pinned.
	for i := 0; i < 4; i++ {
		pinned := NewThread(uint64(i+1), "pinned", ClassNormal)
		pinned.Pin()
		busy.Enqueue(pinned)
	}

	ctrl := NewController([]*Scheduler{busy, idleSched}, topo, nil)
	stolen := ctrl.StealOneFor(1)

	require.Nil(t, stolen, "only threads available are pinned, nothing should steal")
}

func TestControllerRespectsAffinityMask(t *testing.T) {
	topo := buildTwoCPUTopology()
	busy := newTestScheduler(0)
	busy.topo = topo
	idleSched := newTestScheduler(1)
	idleSched.topo = topo

	// enough threads to pass the ShouldSteal load gate, all bound to CPU 0.
	for i := 0; i < 4; i++ {
		restricted := NewThread(uint64(i+1), "restricted", ClassNormal)
		restricted.Affinity = NewAffinity(0)
		busy.Enqueue(restricted)
	}

	ctrl := NewController([]*Scheduler{busy, idleSched}, topo, nil)
	stolen := ctrl.StealOneFor(1)

	require.Nil(t, stolen, "thread pinned by affinity to CPU 0 must not migrate to CPU 1")
}
