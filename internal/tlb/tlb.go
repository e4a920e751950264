// Package tlb implements lockless per-CPU shootdown rings and the
// initiator/target protocol from spec.md §4.8, grounded on the ring's
// req_gen/done_gen/flush_all contract and the x/sys/cpu false-sharing
// guard named in spec.md §9's per-CPU design note.
package tlb

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/climbkernel/kcore/internal/config"
)

// IPISender delivers a shootdown interrupt to a target CPU; the real
// arch seam would program an APIC ICR write here.
type IPISender func(targetCPU int)

// Ring is one CPU's shootdown record: "{ head, tail, queue[N], req_gen,
// done_gen, flush_all }". The queue is a plain array behind atomic
// head/tail since only the initiator writes and only the ISR (the
// owning CPU) drains — a true SPSC ring per address, with the shared
// req_gen/done_gen pair coordinating readiness across any number of
// concurrent initiators.
type Ring struct {
	_ cpu.CacheLinePad

	head, tail uint64
	queue      [config.TLBRingSize]uintptr

	reqGen, doneGen uint64
	flushAll        int32

	_ cpu.CacheLinePad
}

func (r *Ring) size() uint64 { return uint64(len(r.queue)) }

// push stores addr if the ring has room, returning false (and setting
// flush_all) if it is full — the documented "overflow is correct but
// pessimistic" fallback.
func (r *Ring) push(addr uintptr) bool {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if head-tail >= r.size() {
		atomic.StoreInt32(&r.flushAll, 1)
		return false
	}
	r.queue[head%r.size()] = addr
	atomic.AddUint64(&r.head, 1)
	return true
}

// drain invalidates every queued address via invalidateOne, handling a
// set flush_all by calling invalidateAll once instead.
func (r *Ring) drain(invalidateOne func(uintptr), invalidateAll func()) {
	if atomic.CompareAndSwapInt32(&r.flushAll, 1, 0) {
		invalidateAll()
		atomic.StoreUint64(&r.tail, atomic.LoadUint64(&r.head))
		return
	}
	for {
		tail := atomic.LoadUint64(&r.tail)
		head := atomic.LoadUint64(&r.head)
		if tail >= head {
			return
		}
		invalidateOne(r.queue[tail%r.size()])
		atomic.AddUint64(&r.tail, 1)
	}
}

// Manager owns one Ring per CPU, the global shootdown generation, and
// the IPI send path, implementing spec.md §4.8's initiator/target flow.
type Manager struct {
	mu       sync.Mutex
	rings    []*Ring
	globalGen uint64

	invalidateOne func(cpuID int, addr uintptr)
	invalidateAll func(cpuID int)
	sendIPI       IPISender

	logger *zap.Logger
}

// New builds a Manager with one ring per CPU. invalidateOne/invalidateAll
// are the arch-level TLB operations a target CPU performs on its own
// ring; sendIPI notifies a target asynchronously.
func New(ncpus int, invalidateOne func(cpuID int, addr uintptr), invalidateAll func(cpuID int), sendIPI IPISender, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		rings:         make([]*Ring, ncpus),
		invalidateOne: invalidateOne,
		invalidateAll: invalidateAll,
		sendIPI:       sendIPI,
		logger:        logger.Named("tlb"),
	}
	for i := range m.rings {
		m.rings[i] = &Ring{}
	}
	return m
}

// Shootdown invalidates addr on every CPU other than initiator,
// following spec.md's numbered initiator flow. If sync is true, it
// spins until every target's done_gen has caught up.
func (m *Manager) Shootdown(initiator int, addr uintptr, sync bool) {
	m.mu.Lock()
	g := atomic.AddUint64(&m.globalGen, 1)

	var targets []int
	for i, r := range m.rings {
		if i == initiator {
			continue
		}
		r.push(addr)
		atomic.StoreUint64(&r.reqGen, g)
		if atomic.LoadUint64(&r.doneGen) < g {
			targets = append(targets, i)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if m.sendIPI != nil {
			m.sendIPI(t)
		}
	}

	if !sync {
		return
	}
	for _, t := range targets {
		for atomic.LoadUint64(&m.rings[t].doneGen) < g {
			if m.sendIPI != nil {
				m.sendIPI(t)
			}
		}
	}
}

// HandleIPI is the target-side ISR from spec.md §4.8: drain the ring
// until done_gen catches up to req_gen, invalidating addresses (or
// everything, if flush_all was set) as it goes.
func (m *Manager) HandleIPI(cpuID int) {
	r := m.rings[cpuID]
	req := atomic.LoadUint64(&r.reqGen)
	for atomic.LoadUint64(&r.doneGen) < req {
		r.drain(
			func(addr uintptr) { m.invalidateOne(cpuID, addr) },
			func() { m.invalidateAll(cpuID) },
		)
		atomic.StoreUint64(&r.doneGen, req)
		req = atomic.LoadUint64(&r.reqGen)
	}
}

// DoneGen and ReqGen expose a CPU's ring generations for tests and
// synchronous-shootdown polling elsewhere in the tree.
func (m *Manager) DoneGen(cpuID int) uint64 { return atomic.LoadUint64(&m.rings[cpuID].doneGen) }
func (m *Manager) ReqGen(cpuID int) uint64  { return atomic.LoadUint64(&m.rings[cpuID].reqGen) }

// FlushAllPending reports whether cpuID's ring has a pending flush_all,
// for diagnostics.
func (m *Manager) FlushAllPending(cpuID int) bool {
	return atomic.LoadInt32(&m.rings[cpuID].flushAll) != 0
}
