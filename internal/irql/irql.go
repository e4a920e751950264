// Package irql implements the IRQL discipline from spec.md §4.1: a
// per-CPU totally-ordered preemption/interrupt-masking state machine.
// Semantics are taken verbatim from original_source/include/sch/irql.h.
package irql

import (
	"sync/atomic"

	"github.com/climbkernel/kcore/internal/arch"
	"github.com/climbkernel/kcore/internal/config"
	"github.com/climbkernel/kcore/internal/kpanic"
)

// Level is one of the six IRQL values; NONE is the bootstage escape
// hatch used before the IRQL machinery is live.
type Level int8

const (
	None     Level = -1
	Passive  Level = 0
	APC      Level = 1
	Dispatch Level = 2
	Device   Level = 3
	High     Level = 4
)

func (l Level) String() string {
	switch l {
	case Passive:
		return "PASSIVE LEVEL"
	case APC:
		return "APC LEVEL"
	case Dispatch:
		return "DISPATCH LEVEL"
	case Device:
		return "DEVICE LEVEL"
	case High:
		return "HIGH LEVEL"
	case None:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// pinnedBit marks, inside the value returned by Raise, whether that
// raise is the one that pinned the thread (so the matching Lower knows
// whether to undo it). Matches IRQL_MARK_THREAD_PINNED in the original.
const pinnedBit = Level(1 << config.IRQLPinnedBit)

// Hooks is the set of callbacks State needs from the rest of the core
// without importing it directly (avoiding an import cycle with sched).
// A freestanding build's sched/dpc/apc packages wire these once at boot.
type Hooks struct {
	// PinCurrentThread/UnpinCurrentThread pin/unpin the thread running on
	// this CPU so it cannot migrate mid-raise.
	PinCurrentThread   func()
	UnpinCurrentThread func()
	// DrainDPCs runs all pending DPCs for this CPU; called while
	// descending through Dispatch.
	DrainDPCs func()
	// DrainAPCs runs any deliverable APCs for the current thread; called
	// while descending through APC.
	DrainAPCs func()
	// RescheduleIfNeeded checks needs_resched and yields if set and
	// preemption is enabled; called at the end of Lower.
	RescheduleIfNeeded func()
}

// State is one CPU's IRQL state machine.
type State struct {
	current int32 // atomic Level
	hooks   Hooks
}

// New returns a State starting at None, matching the pre-bootstage
// placeholder value.
func New(hooks Hooks) *State {
	return &State{current: int32(None), hooks: hooks}
}

// Get returns the current IRQL of this CPU.
func (s *State) Get() Level {
	return Level(atomic.LoadInt32(&s.current))
}

// Raise raises the IRQL to newLevel and returns the previous level
// (with the pinned bit folded in if this raise performed the pin).
// Panics if newLevel is lower than the current level. Equal is a no-op
// that still returns the old value (bit included) for symmetry.
func (s *State) Raise(newLevel Level) Level {
	old := s.Get()
	if old == None {
		// Bootstage escape hatch: IRQL machinery isn't live yet.
		return None
	}
	if newLevel < old {
		kpanic.Panicf("irql: raise(%v) while at %v (cannot raise to a lower level)", newLevel, old)
	}

	pinned := false
	if old == Passive && newLevel > Passive {
		s.hooks.PinCurrentThread()
		pinned = true
	}

	// Pin-check-disable-unpin: the raw interrupt flag is touched directly
	// (never through this package) to avoid recursing into Raise itself.
	if newLevel >= High {
		arch.DisableInterrupts()
	}

	atomic.StoreInt32(&s.current, int32(newLevel))

	ret := old
	if pinned {
		ret |= pinnedBit
	}
	return ret
}

// Lower lowers the IRQL back to oldLevel (as returned by Raise, pinned
// bit included), draining DPCs/APCs and rescheduling as appropriate.
// Panics if oldLevel's level component is higher than the current IRQL.
func (s *State) Lower(oldLevel Level) {
	cur := s.Get()
	if cur == None {
		return
	}

	wasPinned := oldLevel&pinnedBit != 0
	target := Level(int8(oldLevel) &^ int8(pinnedBit))

	if target > cur {
		kpanic.Panicf("irql: lower(%v) while at %v (cannot lower to a higher level)", target, cur)
	}
	if target == cur {
		if wasPinned {
			s.hooks.UnpinCurrentThread()
		}
		return
	}

	// Descend one gate at a time so drainage happens at the right point,
	// mirroring the original's sequential "re-enable blocked event types"
	// description.
	if cur >= High && target < High {
		arch.EnableInterrupts()
	}
	if cur >= Dispatch && target < Dispatch {
		s.hooks.DrainDPCs()
	}

	atomic.StoreInt32(&s.current, int32(target))

	if cur >= APC && target < APC {
		s.hooks.DrainAPCs()
	}

	if wasPinned {
		s.hooks.UnpinCurrentThread()
	}

	if target == Passive {
		s.hooks.RescheduleIfNeeded()
	}
}

// WithPinnedBit encodes whether the returned-from-Raise value should be
// treated as having pinned the thread; exported for callers that persist
// the old-IRQL value across a boundary (e.g. a lock's saved IRQL field).
func WithPinnedBit(level Level, pinned bool) Level {
	if pinned {
		return level | pinnedBit
	}
	return level
}

// LevelOf strips the pinned bit, returning the bare Level.
func LevelOf(encoded Level) Level {
	return Level(int8(encoded) &^ int8(pinnedBit))
}

// WasPinned reports the pinned bit of an encoded old-IRQL value.
func WasPinned(encoded Level) bool {
	return encoded&pinnedBit != 0
}
