// Package sched implements the per-CPU thread scheduler from spec.md
// §4.3: a red-black tree of ready threads keyed by virtual runtime,
// priority-class FIFO lists, work stealing, and CLIMB-driven re-keying.
// Biscuit's goroutine-per-thread model (main.go's ide/cons trap loops
// block on channels rather than performing a real register-context
// switch) is kept: a Thread here is a live goroutine parked on a
// channel between scheduling decisions, not a saved stack frame.
package sched

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/climb"
	"github.com/climbkernel/kcore/internal/config"
	"github.com/climbkernel/kcore/internal/rbtree"
	"github.com/climbkernel/kcore/internal/topology"
)

// PriorityClass orders scheduling classes from spec.md §4.3:
// "REALTIME > URGENT > HIGH > NORMAL > LOW > BACKGROUND > IDLE".
type PriorityClass int

const (
	ClassIdle PriorityClass = iota
	ClassBackground
	ClassLow
	ClassNormal
	ClassHigh
	ClassUrgent
	ClassRealtime
	numClasses
)

// Weight scales virtual runtime accrual the way a nice value does:
// higher classes accrue vruntime more slowly for the same wall time.
func (c PriorityClass) Weight() int {
	switch c {
	case ClassRealtime:
		return config.NiceZeroWeight * 8
	case ClassUrgent:
		return config.NiceZeroWeight * 4
	case ClassHigh:
		return config.NiceZeroWeight * 2
	case ClassNormal:
		return config.NiceZeroWeight
	case ClassLow:
		return config.NiceZeroWeight / 2
	case ClassBackground:
		return config.NiceZeroWeight / 4
	default:
		return config.NiceZeroWeight
	}
}

// TicksForPriority mirrors TICKS_FOR_PRIO(level): LOW gets a long
// quantum (64), everything else gets 1<<level.
func TicksForPriority(c PriorityClass) int {
	if c == ClassLow {
		return 64
	}
	return 1 << uint(c)
}

// State is a thread's scheduling state.
type State int

const (
	New State = iota
	Ready
	Running
	Blocked
	Sleeping
	Terminated
	Zombie
	IdleThread
)

// WakeReason records why a thread transitioned to Ready, surfaced to
// observers per spec.md's wake contract.
type WakeReason int

const (
	WakeNormal WakeReason = iota
	WakeAPC
	WakeInterrupted
)

// Thread is the schedulable unit from spec.md §3's data model, trimmed
// to the fields the scheduler itself manages; register-context and
// kernel-stack fields are owned by the goroutine body this Thread
// wraps rather than modeled explicitly.
type Thread struct {
	ID    uint64
	Name  string

	state int32 // State, atomic

	Class        PriorityClass
	VRuntime     int64
	TicksLeft    int32

	CPUID    int32 // atomic: current/target CPU
	Affinity *AffinityMask
	Pinned   int32 // atomic bool

	Climb *climb.ThreadState

	node *rbtree.Node // present only while queued in the vruntime tree

	resume chan struct{}

	refcount int32
}

// AffinityMask restricts which CPUs a thread may run on; nil means any.
type AffinityMask struct {
	allowed map[int]bool
}

func NewAffinity(cpus ...int) *AffinityMask {
	m := &AffinityMask{allowed: make(map[int]bool, len(cpus))}
	for _, c := range cpus {
		m.allowed[c] = true
	}
	return m
}

func (a *AffinityMask) Allows(cpu int) bool {
	if a == nil {
		return true
	}
	return a.allowed[cpu]
}

// NewThread returns a fresh, unscheduled thread of the given class.
func NewThread(id uint64, name string, class PriorityClass) *Thread {
	return &Thread{
		ID:        id,
		Name:      name,
		state:     int32(New),
		Class:     class,
		TicksLeft: int32(TicksForPriority(class)),
		Climb:     climb.NewThreadState(),
		resume:    make(chan struct{}, 1),
		refcount:  1,
	}
}

func (t *Thread) State() State      { return State(atomic.LoadInt32(&t.state)) }
func (t *Thread) setState(s State)  { atomic.StoreInt32(&t.state, int32(s)) }
func (t *Thread) IsPinned() bool    { return atomic.LoadInt32(&t.Pinned) != 0 }
func (t *Thread) Pin()              { atomic.StoreInt32(&t.Pinned, 1) }
func (t *Thread) Unpin()            { atomic.StoreInt32(&t.Pinned, 0) }

// Park suspends the calling goroutine until Resume is called,
// standing in for a real context switch away from this thread.
func (t *Thread) Park() {
	t.setState(Blocked)
	<-t.resume
}

// Resume wakes a parked thread's goroutine.
func (t *Thread) Resume() {
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

func vruntimeLess(a, b any) bool {
	ta, tb := a.(*Thread), b.(*Thread)
	if ta.VRuntime != tb.VRuntime {
		return ta.VRuntime < tb.VRuntime
	}
	return ta.ID < tb.ID
}

// ReschedEvent names the CPU_IDLE/CPU_WOKE transitions a reschedule DPC
// carries, per spec.md's "a DPC is posted whenever a CPU transitions
// idle<->running."
type ReschedEvent int

const (
	CPUWoke ReschedEvent = iota
	CPUIdle
)

// Scheduler is one CPU's independent instance: a vruntime-ordered RB
// tree of READY threads plus the urgent/realtime/background FIFO
// lists and an idle thread, per spec.md §4.3's "Structure".
type Scheduler struct {
	mu sync.Mutex

	cpuID int

	tree             *rbtree.Tree
	realtime         *list.List
	urgent           *list.List
	background       *list.List
	idle             *Thread

	current *Thread
	idleNow int32 // atomic bool

	inResched int32 // atomic bool, set during Yield to prevent recursion

	stealing     int32 // atomic bool
	beingRobbed  int32 // atomic bool

	topo   *topology.Topology
	logger *zap.Logger

	onResched func(ReschedEvent)
}

// New builds an empty per-CPU scheduler. onResched, if non-nil, is
// invoked (as the reschedule DPC would be) on every idle<->running
// transition.
func New(cpuID int, idleThread *Thread, topo *topology.Topology, onResched func(ReschedEvent), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	idleThread.setState(IdleThread)
	return &Scheduler{
		cpuID:      cpuID,
		tree:       rbtree.New(vruntimeLess),
		realtime:   list.New(),
		urgent:     list.New(),
		background: list.New(),
		idle:       idleThread,
		topo:       topo,
		onResched:  onResched,
		logger:     logger.Named("sched"),
	}
}

// Enqueue makes t ready on this scheduler, filing it into the list or
// tree matching its class.
func (s *Scheduler) Enqueue(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(t)
}

func (s *Scheduler) enqueueLocked(t *Thread) {
	t.setState(Ready)
	atomic.StoreInt32(&t.CPUID, int32(s.cpuID))
	switch t.Class {
	case ClassRealtime:
		s.realtime.PushBack(t)
	case ClassUrgent:
		s.urgent.PushBack(t)
	case ClassBackground:
		s.background.PushBack(t)
	default:
		t.node = &rbtree.Node{Value: t}
		s.tree.Insert(t.node)
	}
}

// PickNext implements spec.md's preference order: urgent -> realtime ->
// leftmost vruntime node -> background -> idle.
func (s *Scheduler) PickNext() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickNextLocked()
}

func (s *Scheduler) pickNextLocked() *Thread {
	if e := s.urgent.Front(); e != nil {
		s.urgent.Remove(e)
		return e.Value.(*Thread)
	}
	if e := s.realtime.Front(); e != nil {
		s.realtime.Remove(e)
		return e.Value.(*Thread)
	}
	if n := s.tree.Min(); n != nil {
		s.tree.Remove(n)
		t := n.Value.(*Thread)
		t.node = nil
		return t
	}
	if e := s.background.Front(); e != nil {
		s.background.Remove(e)
		return e.Value.(*Thread)
	}
	return s.idle
}

// AccrueRuntime applies spec.md's vruntime formula:
// vruntime += delta * NICE_0_WEIGHT / weight, and decrements the tick
// budget, returning true if the quantum was exhausted (needs_resched).
func AccrueRuntime(t *Thread, deltaNs int64) (needsResched bool) {
	t.VRuntime += deltaNs * int64(config.NiceZeroWeight) / int64(t.Class.Weight())
	t.TicksLeft--
	if t.TicksLeft <= 0 {
		t.TicksLeft = int32(TicksForPriority(t.Class))
		return true
	}
	return false
}

// Yield implements spec.md's yield(): pick the next thread, swap
// current, and update idle/non-idle bookkeeping (propagated to
// topology idle masks). in_resched is set for the duration to block
// recursive DPC-delivery paths from re-entering.
func (s *Scheduler) Yield() *Thread {
	if !atomic.CompareAndSwapInt32(&s.inResched, 0, 1) {
		panic("sched: recursive yield on the same CPU")
	}
	defer atomic.StoreInt32(&s.inResched, 0)

	s.mu.Lock()
	prev := s.current
	next := s.pickNextLocked()
	s.current = next
	wasIdle := atomic.LoadInt32(&s.idleNow) != 0
	nowIdle := next == s.idle
	s.mu.Unlock()

	if prev != nil && prev != s.idle && prev.State() == Running {
		s.enqueueLocked2(prev)
	}
	next.setState(Running)

	if nowIdle != wasIdle {
		s.setIdleBookkeeping(nowIdle)
	}
	return next
}

// enqueueLocked2 acquires the lock itself; used from contexts (like
// Yield) that already released it before re-filing the previous
// thread, avoiding holding the scheduler lock across the caller's own
// bookkeeping.
func (s *Scheduler) enqueueLocked2(t *Thread) {
	s.mu.Lock()
	s.enqueueLocked(t)
	s.mu.Unlock()
}

func (s *Scheduler) setIdleBookkeeping(idle bool) {
	if idle {
		atomic.StoreInt32(&s.idleNow, 1)
	} else {
		atomic.StoreInt32(&s.idleNow, 0)
	}
	if s.topo != nil {
		s.topo.MarkCoreIdle(s.cpuID, idle)
	}
	if s.onResched != nil {
		if idle {
			s.onResched(CPUIdle)
		} else {
			s.onResched(CPUWoke)
		}
	}
}

// Current returns the thread presently running on this CPU.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Load reports a cheap proxy for this scheduler's queue depth, used by
// the work-stealing controller's threshold comparison.
func (s *Scheduler) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len() + s.urgent.Len() + s.realtime.Len() + s.background.Len()
}

// ReinsertIfBoosted re-keys t in the vruntime tree if its CLIMB
// effective boost changed enough to require it, per spec.md's
// REINSERT_THRESHOLD contract. No-op if t isn't currently tree-queued.
func (s *Scheduler) ReinsertIfBoosted(t *Thread, newEffectiveBoost int32) {
	changed := t.Climb.SetEffectiveBoost(newEffectiveBoost)
	if !changed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.node == nil {
		return
	}
	s.tree.Remove(t.node)
	// boost lowers effective vruntime, biasing pick-next toward this
	// thread, scaled the same way pressure-to-boost maps onto levels.
	t.VRuntime -= int64(newEffectiveBoost) * int64(config.NiceZeroWeight) / int64(config.ClimbBoostLevels)
	t.node = &rbtree.Node{Value: t}
	s.tree.Insert(t.node)
}

// Wake implements spec.md's wake(): re-enqueue a blocked/sleeping
// thread, either locally or cross-CPU (the caller arranges the IPI;
// Wake itself just performs the enqueue and priority bookkeeping).
func (s *Scheduler) Wake(t *Thread, reason WakeReason) {
	t.setState(Ready)
	s.Enqueue(t)
	s.logger.Debug("thread woken",
		zap.Uint64("id", t.ID),
		zap.String("name", t.Name),
		zap.Int("reason", int(reason)))
}

// Controller coordinates work stealing across every CPU's Scheduler,
// per spec.md §4.3's topology-aware victim preference (SMT -> CORE ->
// LLC -> NUMA -> PACKAGE) and stealer cap.
type Controller struct {
	scheds []*Scheduler
	topo   *topology.Topology
	logger *zap.Logger

	concurrentSteals int32 // atomic
}

// NewController wires together every CPU's Scheduler for cross-CPU
// load balancing.
func NewController(scheds []*Scheduler, topo *topology.Topology, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{scheds: scheds, topo: topo, logger: logger.Named("steal")}
}

// stealVictimOrder walks topology levels from tightest to widest,
// returning candidate node groups in spec.md's stated preference:
// "prefer an SMT sibling, then same core, then same LLC, then same
// NUMA node, then anywhere in the package."
func (c *Controller) stealVictimOrder(cpuID int) []int {
	var out []int
	seen := make(map[int]bool)
	for level := topology.SMT; level < 5; level++ {
		for _, n := range c.topo.Siblings(level, cpuID) {
			n.Cpus.Iterate(func(cpu int) {
				if cpu != cpuID && !seen[cpu] {
					seen[cpu] = true
					out = append(out, cpu)
				}
			})
		}
	}
	return out
}

// ShouldSteal reports whether thief's queue is starved enough relative
// to victim's to justify stealing, per spec.md's
// WORK_STEAL_THRESHOLD_PERCENT / DEFAULT_STEAL_MIN_DIFF gate. The
// surplus victimLoad-thiefLoad must be at least DefaultStealMinDiff
// tenths of a percent of victimLoad (130 = 13%), and thiefLoad must be
// below WorkStealThresholdPercent of victimLoad.
func ShouldSteal(thiefLoad, victimLoad int) bool {
	diff := victimLoad - thiefLoad
	if diff*1000 < victimLoad*config.DefaultStealMinDiff {
		return false
	}
	if victimLoad == 0 {
		return false
	}
	thresholdLoad := victimLoad * config.WorkStealThresholdPercent / 100
	return thiefLoad < thresholdLoad
}

// StealOneFor has an idle thiefCPU attempt to steal a single eligible,
// non-pinned, affinity-compatible thread from the best-preferenced
// victim with enough surplus load. Returns the stolen thread, or nil
// if no victim currently qualifies.
func (c *Controller) StealOneFor(thiefCPU int) *Thread {
	if atomic.AddInt32(&c.concurrentSteals, 1) > config.DefaultMaxConcurrentSteal {
		atomic.AddInt32(&c.concurrentSteals, -1)
		return nil
	}
	defer atomic.AddInt32(&c.concurrentSteals, -1)

	thief := c.scheds[thiefCPU]
	thiefLoad := thief.Load()

	for _, victimCPU := range c.stealVictimOrder(thiefCPU) {
		victim := c.scheds[victimCPU]
		if !atomic.CompareAndSwapInt32(&victim.beingRobbed, 0, 1) {
			continue
		}
		t := func() *Thread {
			defer atomic.StoreInt32(&victim.beingRobbed, 0)
			if !ShouldSteal(thiefLoad, victim.Load()) {
				return nil
			}
			return victim.stealEligibleLocked(thiefCPU)
		}()
		if t != nil {
			c.logger.Debug("work stolen",
				zap.Int("thief", thiefCPU),
				zap.Int("victim", victimCPU),
				zap.Uint64("thread", t.ID))
			thief.Enqueue(t)
			return t
		}
	}
	return nil
}

// stealEligibleLocked removes and returns the first non-pinned thread
// in the vruntime tree whose affinity permits running on thiefCPU.
func (s *Scheduler) stealEligibleLocked(thiefCPU int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Thread
	var foundNode *rbtree.Node
	s.tree.Walk(func(n *rbtree.Node) {
		if found != nil {
			return
		}
		t := n.Value.(*Thread)
		if t.IsPinned() || !t.Affinity.Allows(thiefCPU) {
			return
		}
		found = t
		foundNode = n
	})
	if found == nil {
		return nil
	}
	s.tree.Remove(foundNode)
	found.node = nil
	return found
}
