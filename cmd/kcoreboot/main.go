// Command kcoreboot is the hosted boot sequence for kcore: it plays the
// role of Biscuit's main() (phys_init, attach_devs, cpus_start, ...) but
// wires up this module's subsystems in the order spec.md §9's bootstage
// flag expects, one stage at a time, and then runs the per-CPU scheduler
// loops until interrupted.
package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/apc"
	"github.com/climbkernel/kcore/internal/arch"
	"github.com/climbkernel/kcore/internal/bcache"
	"github.com/climbkernel/kcore/internal/bio"
	"github.com/climbkernel/kcore/internal/config"
	"github.com/climbkernel/kcore/internal/core"
	"github.com/climbkernel/kcore/internal/cpumask"
	"github.com/climbkernel/kcore/internal/deferred"
	"github.com/climbkernel/kcore/internal/dpc"
	"github.com/climbkernel/kcore/internal/irql"
	"github.com/climbkernel/kcore/internal/mem/buddy"
	"github.com/climbkernel/kcore/internal/mem/hugepage"
	"github.com/climbkernel/kcore/internal/mem/pmm"
	"github.com/climbkernel/kcore/internal/mem/vas"
	"github.com/climbkernel/kcore/internal/rcu"
	"github.com/climbkernel/kcore/internal/sched"
	"github.com/climbkernel/kcore/internal/tlb"
	"github.com/climbkernel/kcore/internal/topology"
)

const (
	totalPhysPages = 1 << 16 // 256 MiB of simulated physical memory
	vasBase        = uintptr(0x0000_7f00_0000_0000)
	vasSize        = uintptr(1) << 40
)

// cpuUnit bundles everything owned by one logical CPU's scheduler loop,
// the hosted stand-in for a real AP: a core.Core, a sched.Scheduler, a
// dpc.Queue, and an apc.Thread for the idle thread running on it.
type cpuUnit struct {
	core  *core.Core
	sched *sched.Scheduler
	dpcs  *dpc.Queue
	apcs  *apc.Thread
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ncpu := arch.CPUID()
	if ncpu < 1 {
		ncpu = 1
	}
	logger.Info("kcore booting", zap.Int("host_cpus", ncpu))

	g := core.New(ncpu, logger)
	core.Publish(g)

	phasePmm(g, logger)
	g.AdvanceBootstage(core.StageMem)
	domains := phaseMem(g, logger)
	g.AdvanceBootstage(core.StageSched)
	units, ctrl, topo := phaseSched(g, domains, logger)
	g.AdvanceBootstage(core.StageDevices)
	bioSched, bcacheStore := phaseDevices(logger)
	g.AdvanceBootstage(core.StageRunning)

	rcuDomain := rcu.NewDomain(logger)
	tlbMgr := buildTLBManager(ncpu, logger)
	deferredQ := deferred.New(nil, logger)
	_ = rcuDomain
	_ = tlbMgr
	_ = deferredQ
	_ = bioSched
	_ = bcacheStore

	logger.Info("kcore running",
		zap.Int("cpus", ncpu),
		zap.Int("domains", len(domains)),
		zap.String("bootstage", "RUNNING"))

	runSchedulerLoops(units, ctrl, topo, logger)

	waitForShutdown(logger)
}

// waitForShutdown blocks until SIGINT/SIGTERM, mirroring a real kernel's
// halt-on-signal path in a hosted build that has no power-off instruction.
func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("kcore shutting down")
}

func phasePmm(g *core.Global, logger *zap.Logger) *pmm.Bitmap {
	bitmap := pmm.New(0, totalPhysPages)
	logger.Info("pmm bitmap initialized", zap.Int("pages", totalPhysPages))
	return bitmap
}

func phaseMem(g *core.Global, logger *zap.Logger) []*core.Domain {
	ncpu := len(g.Cpus)
	pagesPerDomain := totalPhysPages / 2
	if pagesPerDomain < 1 {
		pagesPerDomain = totalPhysPages
	}

	var domains []*core.Domain
	var buddyDomains []*buddy.Domain
	for i := 0; i < 2; i++ {
		base := uintptr(i * pagesPerDomain * config.PageSize)
		bd := buddy.NewDomain(i, base, pagesPerDomain, ncpu, 64)
		buddyDomains = append(buddyDomains, bd)

		cpus := cpumask.New(ncpu)
		for c := i; c < ncpu; c += 2 {
			cpus.Set(c)
		}
		domains = append(domains, &core.Domain{ID: i, Cpus: cpus, Arena: bd})
	}
	for i, bd := range buddyDomains {
		for j, other := range buddyDomains {
			if i != j {
				bd.SetDistance(other, 10*(j+1))
			}
		}
	}
	g.Domains = domains

	_ = hugepage.New(config.HugepageGCCap, func() (uintptr, error) {
		return uintptr(0x1000_0000), nil
	}, func(uintptr) {})

	_ = vas.New(vasBase, vasSize, ncpu)

	logger.Info("memory subsystem initialized",
		zap.Int("domains", len(domains)),
		zap.Int("pages_per_domain", pagesPerDomain))
	return domains
}

func phaseSched(g *core.Global, domains []*core.Domain, logger *zap.Logger) ([]*cpuUnit, *sched.Controller, *topology.Topology) {
	ncpu := len(g.Cpus)
	topo := topology.New(ncpu, logger)

	all := cpumask.New(ncpu)
	for c := 0; c < ncpu; c++ {
		all.Set(c)
	}
	for c := 0; c < ncpu; c++ {
		one := cpumask.New(ncpu)
		one.Set(c)
		topo.AddNode(topology.SMT, c, one, nil)
		topo.AddNode(topology.Core, c, one, nil)
	}
	topo.AddNode(topology.LLC, 0, all, &topology.CacheDescriptor{CacheLevel: 3, SizeBytes: 8 << 20, LineSizeBytes: 64, CoresSharing: ncpu})
	topo.AddNode(topology.NUMA, 0, all, nil)
	topo.AddNode(topology.Package, 0, all, nil)
	g.Topology = topo

	units := make([]*cpuUnit, ncpu)
	scheds := make([]*sched.Scheduler, ncpu)
	for c := 0; c < ncpu; c++ {
		dpcQ := dpc.New(c, logger)
		apcThread := apc.NewThread(func() {}, logger)

		hooks := irql.Hooks{
			PinCurrentThread:   func() {},
			UnpinCurrentThread: func() {},
			DrainDPCs:          func() { dpcQ.Drain() },
			DrainAPCs:          func() { apcThread.Deliver() },
			RescheduleIfNeeded: func() {},
		}
		cc := core.NewCore(c, hooks)
		cc.Domain = domains[c%len(domains)]
		g.SetCore(cc)

		idleThread := sched.NewThread(uint64(c)<<32, "idle", sched.ClassIdle)
		onResched := func(cpuID int) func(sched.ReschedEvent) {
			return func(e sched.ReschedEvent) {
				if e == sched.CPUIdle {
					g.IncIdle()
				} else {
					g.DecIdle()
				}
				dpcQ.Queue(func(a1, a2 any) {}, nil, nil)
			}
		}(c)

		s := sched.New(c, idleThread, topo, onResched, logger)
		scheds[c] = s
		units[c] = &cpuUnit{core: cc, sched: s, dpcs: dpcQ, apcs: apcThread}
	}

	ctrl := sched.NewController(scheds, topo, logger)
	logger.Info("scheduler subsystem initialized", zap.Int("cpus", ncpu))
	return units, ctrl, topo
}

func phaseDevices(logger *zap.Logger) (*bio.Scheduler, *bcache.Cache) {
	ops := &bio.Ops{
		ShouldCoalesce: func(iter, candidate *bio.Request) bool {
			return iter.LBA+iter.SectorCount == candidate.LBA
		},
		DoCoalesce: func(iter, candidate *bio.Request) {
			iter.SectorCount += candidate.SectorCount
		},
		SubmitBioAsync:    func(r *bio.Request) {},
		DispatchThreshold: config.DefaultBioDispatchThreshold,
		TickMs:            int64(config.DefaultBioTick / time.Millisecond),
	}
	biosched := bio.NewScheduler(ops, func() int64 { return time.Now().UnixMilli() })

	dev := &bcache.Device{
		SectorSize:      512,
		SectorsPerBlock: 8,
		ReadSync:        func(base uint64, buf []byte) {},
		ReadAsync:       func(base uint64, buf []byte, done func()) { done() },
		WriteSector:     func(base uint64, buf []byte) {},
	}
	cache := bcache.New(256, dev, logger)

	logger.Info("device subsystem initialized")
	return biosched, cache
}

func buildTLBManager(ncpu int, logger *zap.Logger) *tlb.Manager {
	return tlb.New(ncpu,
		func(cpuID int, addr uintptr) {},
		func(cpuID int) {},
		func(targetCPU int) {},
		logger)
}

// runSchedulerLoops spawns one goroutine per logical CPU, each standing
// in for a real core's idle loop: repeatedly yield, occasionally attempt
// a steal when idle, until the process shuts down.
func runSchedulerLoops(units []*cpuUnit, ctrl *sched.Controller, topo *topology.Topology, logger *zap.Logger) {
	var stop int32
	for i, u := range units {
		go func(cpuID int, u *cpuUnit) {
			for atomic.LoadInt32(&stop) == 0 {
				next := u.sched.Yield()
				if next == nil {
					continue
				}
				if next.Class == sched.ClassIdle {
					ctrl.StealOneFor(cpuID)
					time.Sleep(time.Millisecond)
				}
			}
		}(i, u)
	}
	logger.Debug("scheduler loops running", zap.Int("cpus", len(units)))
}
