// Package core holds the per-CPU core state and the single process-wide
// Global struct from spec.md §3/§9's "Global state" design note. Biscuit
// keeps an analogous small set of process-wide arrays reachable from
// main rather than scattering singletons; this package is that anchor
// for kcore.
package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/cpumask"
	"github.com/climbkernel/kcore/internal/irql"
	"github.com/climbkernel/kcore/internal/topology"
)

// Bootstage gates which subsystems are safe to call, per spec.md's
// "enforce a monotonic bootstage flag guarding early vs. late paths".
type Bootstage int32

const (
	StageEarly    Bootstage = iota // bitmap PMM only
	StageMem                       // buddy + hugepage + VAS live
	StageSched                     // per-CPU schedulers live
	StageDevices                   // bio/bcache live
	StageRunning                   // steady state, all subsystems live
)

// Domain is a NUMA domain descriptor: its CPU membership and a free-list
// arena handle owned by internal/mem/buddy (stored as an opaque value so
// core does not import buddy; the boot sequence populates it during
// StageMem).
type Domain struct {
	ID   int
	Cpus *cpumask.Mask
	// Arena holds the domain's *buddy.Domain, set by cmd/kcoreboot's
	// phaseMem; typed any so core does not depend on buddy.
	Arena any
}

// Core is the per-CPU state block from spec.md §3: "{ id, self pointer,
// current_irql, current_thread, idle flag, needs_resched flag,
// preemption_disable_depth, RCU seen-generation, tsc_hz, LLC descriptor,
// SMT id, domain arena, domain pointer, TLB shootdown state }".
type Core struct {
	ID int

	// InstanceID disambiguates this Core across process restarts in
	// structured logs, since a bare integer ID is reused every boot.
	InstanceID uuid.UUID

	IRQL *irql.State

	// CurrentThread is a non-owning handle to whatever runs here; typed
	// any to let internal/sched own the concrete *sched.Thread type
	// without core depending on sched.
	CurrentThread atomic.Value

	idle              int32
	needsResched      int32
	preemptDisableCnt int32

	RCUSeenGen uint64

	TSCHz uint64

	LLCID int
	SMTID int

	Domain *Domain

	// Shootdown is an opaque slot for this CPU's TLB shootdown ring,
	// typed any so core does not depend on tlb. Nothing in this tree
	// sets it; tlb.Manager keeps its own per-CPU records.
	Shootdown any
}

// NewCore allocates a Core with a fresh IRQL state machine wired to hooks.
func NewCore(id int, hooks irql.Hooks) *Core {
	return &Core{ID: id, InstanceID: uuid.New(), IRQL: irql.New(hooks)}
}

func (c *Core) SetIdle(idle bool) {
	if idle {
		atomic.StoreInt32(&c.idle, 1)
	} else {
		atomic.StoreInt32(&c.idle, 0)
	}
}

func (c *Core) Idle() bool { return atomic.LoadInt32(&c.idle) != 0 }

func (c *Core) RequestResched() { atomic.StoreInt32(&c.needsResched, 1) }

func (c *Core) TakeResched() bool {
	return atomic.CompareAndSwapInt32(&c.needsResched, 1, 0)
}

// PreemptionDisable and PreemptionEnable implement the nestable
// preemption-disable depth counter named in the Core data model. Only
// the counter lives here; internal/sched does not consult it.
func (c *Core) PreemptionDisable() { atomic.AddInt32(&c.preemptDisableCnt, 1) }

func (c *Core) PreemptionEnable() int32 {
	return atomic.AddInt32(&c.preemptDisableCnt, -1)
}

func (c *Core) PreemptionDisabled() bool {
	return atomic.LoadInt32(&c.preemptDisableCnt) > 0
}

// Global is the single process-wide struct from spec.md §9: "one global
// struct accessed process-wide contains CPU array, domain array,
// topology, RCU generation, shootdown array, bootstage, idle counter,
// panicked flag." It is populated in order during boot and never freed.
type Global struct {
	mu sync.RWMutex

	InstanceID uuid.UUID

	Cpus     []*Core
	Domains  []*Domain
	Topology *topology.Topology

	RCUGeneration uint64

	bootstage int32
	idleCount int32
	panicked  int32

	Logger *zap.Logger
}

var instance atomic.Pointer[Global]

// New constructs (but does not publish) a Global sized for ncpus.
// Callers finish populating Cpus/Domains/Topology, then call Publish.
func New(ncpus int, logger *zap.Logger) *Global {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Global{
		InstanceID: uuid.New(),
		Cpus:       make([]*Core, ncpus),
		bootstage:  int32(StageEarly),
		Logger:     logger,
	}
}

// Publish installs g as the process-wide Global, per spec.md's "Publish
// via a single initialization routine". Safe to call exactly once; a
// second call panics, mirroring the monotonic-bootstage discipline.
func Publish(g *Global) {
	if !instance.CompareAndSwap(nil, g) {
		panic("core: Global already published")
	}
	g.Logger.Info("global state published", zap.String("instance", g.InstanceID.String()), zap.Int("cpus", len(g.Cpus)))
}

// Get returns the published Global. Panics if Publish has not run yet —
// every subsystem above StageEarly assumes it exists.
func Get() *Global {
	g := instance.Load()
	if g == nil {
		panic("core: Global not yet published")
	}
	return g
}

// reset is test-only: it un-publishes the Global so a fresh test can
// Publish its own. Never called from non-test code.
func reset() { instance.Store(nil) }

func (g *Global) Bootstage() Bootstage { return Bootstage(atomic.LoadInt32(&g.bootstage)) }

// AdvanceBootstage moves the monotonic stage flag forward. Panics if
// asked to move backward or skip, matching spec.md's "monotonic
// bootstage flag guarding early vs. late paths".
func (g *Global) AdvanceBootstage(next Bootstage) {
	cur := atomic.LoadInt32(&g.bootstage)
	if int32(next) != cur+1 {
		panic("core: bootstage must advance exactly one stage at a time")
	}
	atomic.StoreInt32(&g.bootstage, int32(next))
}

func (g *Global) RequireStage(min Bootstage) {
	if g.Bootstage() < min {
		panic("core: subsystem used before its bootstage was reached")
	}
}

func (g *Global) IncIdle() int32 { return atomic.AddInt32(&g.idleCount, 1) }
func (g *Global) DecIdle() int32 { return atomic.AddInt32(&g.idleCount, -1) }
func (g *Global) IdleCount() int32 { return atomic.LoadInt32(&g.idleCount) }

func (g *Global) SetPanicked() { atomic.StoreInt32(&g.panicked, 1) }
func (g *Global) Panicked() bool { return atomic.LoadInt32(&g.panicked) != 0 }

func (g *Global) NextRCUGeneration() uint64 {
	return atomic.AddUint64(&g.RCUGeneration, 1)
}

func (g *Global) CurrentRCUGeneration() uint64 {
	return atomic.LoadUint64(&g.RCUGeneration)
}

// CoreFor returns the Core for cpuID, or nil if out of range.
func (g *Global) CoreFor(cpuID int) *Core {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if cpuID < 0 || cpuID >= len(g.Cpus) {
		return nil
	}
	return g.Cpus[cpuID]
}

// SetCore installs c as the Core for its own ID during boot population.
func (g *Global) SetCore(c *Core) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cpus[c.ID] = c
}
