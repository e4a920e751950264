// Package ksync implements the synchronization primitives from spec.md
// §4.2: spinlocks that raise IRQL, a writer-prioritized rwlock, and a
// priority-aware semaphore. Named ksync (not sync) to avoid shadowing
// the standard library package it deliberately does not delegate to for
// these IRQL-aware variants.
package ksync

import (
	"sync/atomic"

	"github.com/climbkernel/kcore/internal/irql"
	"github.com/climbkernel/kcore/internal/kpanic"
)

// Spinlock acquires at IRQL Dispatch by default (Raise's target level is
// configurable per spec.md's "some variants at APC"). Holding one
// implies preemption is disabled and DPCs are blocked on the owning CPU.
type Spinlock struct {
	held  int32
	level irql.Level
}

// NewSpinlock returns a spinlock that raises to level when locked
// (Dispatch for the common case, APC for the lighter variant).
func NewSpinlock(level irql.Level) *Spinlock {
	return &Spinlock{level: level}
}

// Lock raises the current CPU's IRQL to at least the lock's level, spins
// until it wins the test-and-set, and returns the previous IRQL for the
// matching Unlock call.
func (l *Spinlock) Lock(state *irql.State, relax func()) irql.Level {
	old := state.Raise(l.level)
	for !atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		relax()
	}
	return old
}

// TryLock attempts to acquire without spinning; on success it behaves
// like Lock and returns (oldIRQL, true). On failure it lowers the IRQL
// back to its previous level and returns (0, false).
func (l *Spinlock) TryLock(state *irql.State) (irql.Level, bool) {
	old := state.Raise(l.level)
	if atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		return old, true
	}
	state.Lower(old)
	return 0, false
}

// Unlock releases the lock and lowers the IRQL back to old. Panics if
// the lock was not held, the same "lock held when not expected"
// programming error spec.md §7 calls out as fail-fast.
func (l *Spinlock) Unlock(state *irql.State, old irql.Level) {
	if !atomic.CompareAndSwapInt32(&l.held, 1, 0) {
		kpanic.Panicf("ksync: unlock of spinlock that was not held")
	}
	state.Lower(old)
}

// Held reports whether the lock is currently held, for assertions only.
func (l *Spinlock) Held() bool {
	return atomic.LoadInt32(&l.held) != 0
}
