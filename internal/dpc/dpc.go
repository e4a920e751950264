// Package dpc implements per-CPU Deferred Procedure Call queues from
// spec.md §4.5: "per-CPU queue of {function, arg1, arg2}. Invariant:
// executed strictly at IRQL ≤ DISPATCH_LEVEL, in FIFO order, one queue
// per CPU... Adding a DPC is lock-free (CAS on a linked list head)."
package dpc

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// Func is the body a DPC runs; it receives the two opaque arguments it
// was queued with.
type Func func(arg1, arg2 any)

type node struct {
	fn         Func
	arg1, arg2 any
	next       unsafe.Pointer // *node
}

// Queue is one CPU's DPC queue: a lock-free CAS-linked-list stack for
// insertion, drained FIFO by reversing the stack at drain time (the
// same trick classic lock-free work queues use to get FIFO semantics
// out of a LIFO push path).
type Queue struct {
	head   unsafe.Pointer // *node, LIFO push target
	logger *zap.Logger
	cpuID  int
}

// New returns an empty DPC queue for cpuID.
func New(cpuID int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{logger: logger.Named("dpc"), cpuID: cpuID}
}

// Queue enqueues fn to run later at DISPATCH_LEVEL, lock-free via CAS
// on the head pointer.
func (q *Queue) Queue(fn Func, arg1, arg2 any) {
	n := &node{fn: fn, arg1: arg1, arg2: arg2}
	for {
		old := atomic.LoadPointer(&q.head)
		n.next = old
		if atomic.CompareAndSwapPointer(&q.head, old, unsafe.Pointer(n)) {
			return
		}
	}
}

// Drain runs every queued DPC exactly once, in FIFO order (oldest
// queued first), and empties the queue. Callers (internal/irql's
// DrainDPCs hook) must already be at or below DISPATCH_LEVEL.
func (q *Queue) Drain() int {
	head := atomic.SwapPointer(&q.head, nil)
	if head == nil {
		return 0
	}
	// head is a LIFO chain (newest first); reverse it so Drain runs the
	// oldest-queued DPC first, matching the FIFO invariant.
	var prev unsafe.Pointer
	cur := head
	for cur != nil {
		n := (*node)(cur)
		next := n.next
		n.next = prev
		prev = cur
		cur = next
	}

	n := 0
	for prev != nil {
		cur := (*node)(prev)
		cur.fn(cur.arg1, cur.arg2)
		prev = cur.next
		n++
	}
	return n
}

// Pending reports whether any DPC is queued, without draining.
func (q *Queue) Pending() bool {
	return atomic.LoadPointer(&q.head) != nil
}
