// Package apc implements per-thread Asynchronous Procedure Calls from
// spec.md §4.4: callbacks delivered at APC_LEVEL when a thread is about
// to run at PASSIVE with its APC-disable counter at zero.
package apc

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Type orders the three APC kinds by delivery priority.
type Type int

const (
	SpecialKernel Type = iota
	Kernel
	Event
	numTypes
)

func (t Type) pendingBit() uint32 { return 1 << uint(t) }

// Func is the body an APC runs when delivered.
type Func func(arg1, arg2 any)

// APC is one queued callback, per spec.md's data model: "{ function,
// arg1, arg2, list node, owner thread, cancelled flag, enqueued flag,
// type, optional event descriptor, execute_times counter }".
type APC struct {
	Fn         Func
	Arg1, Arg2 any
	Type       Type

	owner *Thread
	elem  *list.Element

	cancelled int32
	enqueued  int32

	// ExecuteTimes counts signals received before delivery; only
	// relevant to Event APCs, which become deliverable once it is
	// non-zero. Delivery runs Fn once and dequeues the APC, however many
	// signals accumulated.
	ExecuteTimes int32
}

func (a *APC) Cancelled() bool { return atomic.LoadInt32(&a.cancelled) != 0 }
func (a *APC) Enqueued() bool  { return atomic.LoadInt32(&a.enqueued) != 0 }

// Cancel atomically marks a as cancelled and unlinks it from its
// thread's list, per the "cancellation is atomic" contract.
func (a *APC) Cancel() {
	atomic.StoreInt32(&a.cancelled, 1)
	if a.owner != nil {
		a.owner.unlink(a)
	}
}

// Signal bumps an Event APC's execute_times, as if `signal(event)` fired.
func (a *APC) Signal() {
	atomic.AddInt32(&a.ExecuteTimes, 1)
}

// Thread is the per-thread APC bookkeeping: one list per type, a
// pending bitmask, and the two disable-depth counters named in
// spec.md's thread data model.
type Thread struct {
	mu sync.Mutex

	lists [numTypes]*list.List

	pendingMask uint32

	specialDisable int32
	kernelDisable  int32

	dying bool
	idle  bool

	wake func() // woken when an APC is enqueued on a non-running thread

	logger *zap.Logger
}

// NewThread returns empty per-thread APC state. wake is called whenever
// an enqueue transitions pendingMask from zero, per spec.md's "if the
// thread is not running, it is woken" — callers pass nil for a thread
// that is already known to be running.
func NewThread(wake func(), logger *zap.Logger) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Thread{wake: wake, logger: logger.Named("apc")}
	for i := range t.lists {
		t.lists[i] = list.New()
	}
	return t
}

func (t *Thread) MarkDying() { t.mu.Lock(); t.dying = true; t.mu.Unlock() }
func (t *Thread) MarkIdle(idle bool) {
	t.mu.Lock()
	t.idle = idle
	t.mu.Unlock()
}

// ErrTargetUnavailable is returned by Enqueue on a dying or idle thread.
type enqueueError string

func (e enqueueError) Error() string { return string(e) }

const ErrTargetUnavailable = enqueueError("apc: cannot enqueue on a dying or idle thread")

// Enqueue queues a on t, sets the corresponding pending bit, and wakes
// t if this transitioned the mask from empty.
func (t *Thread) Enqueue(a *APC) error {
	t.mu.Lock()
	if t.dying || t.idle {
		t.mu.Unlock()
		return ErrTargetUnavailable
	}
	wasEmpty := t.pendingMask == 0
	a.owner = t
	a.elem = t.lists[a.Type].PushBack(a)
	atomic.StoreInt32(&a.enqueued, 1)
	t.pendingMask |= a.Type.pendingBit()
	t.mu.Unlock()

	if wasEmpty && t.wake != nil {
		t.wake()
	}
	return nil
}

func (t *Thread) unlink(a *APC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a.elem == nil || a.owner != t {
		return
	}
	lst := t.lists[a.Type]
	lst.Remove(a.elem)
	a.elem = nil
	atomic.StoreInt32(&a.enqueued, 0)
	if lst.Len() == 0 {
		t.pendingMask &^= a.Type.pendingBit()
	}
}

// PendingMask reports which APC types currently have queued work.
func (t *Thread) PendingMask() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingMask
}

// RaiseSpecialDisable / LowerSpecialDisable and the Kernel equivalents
// implement the nestable disable-depth counters that gate delivery.
func (t *Thread) RaiseSpecialDisable() { atomic.AddInt32(&t.specialDisable, 1) }
func (t *Thread) LowerSpecialDisable() { atomic.AddInt32(&t.specialDisable, -1) }
func (t *Thread) RaiseKernelDisable()  { atomic.AddInt32(&t.kernelDisable, 1) }
func (t *Thread) LowerKernelDisable()  { atomic.AddInt32(&t.kernelDisable, -1) }

// Deliver runs every deliverable APC once, per spec.md's drain order:
// SPECIAL_KERNEL first, then KERNEL (only if kernel_apc_disable is
// zero), then EVENT APCs whose execute_times has been bumped. Callers
// (internal/irql's DrainAPCs hook) must already be at APC_LEVEL or
// below. Returns the count delivered.
func (t *Thread) Deliver() int {
	n := 0
	if atomic.LoadInt32(&t.specialDisable) == 0 {
		n += t.drainType(SpecialKernel, nil)
	}
	if atomic.LoadInt32(&t.kernelDisable) == 0 {
		n += t.drainType(Kernel, nil)
	}
	n += t.drainType(Event, func(a *APC) bool {
		return atomic.LoadInt32(&a.ExecuteTimes) > 0
	})
	return n
}

func (t *Thread) drainType(typ Type, ready func(*APC) bool) int {
	n := 0
	for {
		t.mu.Lock()
		lst := t.lists[typ]
		var next *list.Element
		var a *APC
		for e := lst.Front(); e != nil; e = next {
			next = e.Next()
			cand := e.Value.(*APC)
			if cand.Cancelled() {
				lst.Remove(e)
				continue
			}
			if ready != nil && !ready(cand) {
				continue
			}
			lst.Remove(e)
			a = cand
			break
		}
		if lst.Len() == 0 {
			t.pendingMask &^= typ.pendingBit()
		}
		t.mu.Unlock()

		if a == nil {
			return n
		}
		atomic.StoreInt32(&a.enqueued, 0)
		a.Fn(a.Arg1, a.Arg2)
		n++
	}
}
