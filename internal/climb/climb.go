// Package climb implements the CLIMB pressure-driven priority
// inheritance framework from spec.md §4.3, grounded verbatim on
// original_source/include/sch/climb.h's fixed-point constants and
// cubic pressure-to-boost shaping.
package climb

import (
	"container/list"
	"sync"

	"github.com/climbkernel/kcore/internal/config"
)

// Fixed is a 16.16 fixed-point value, mirroring fx16_16_t: kernel
// context in the original avoids floating point, and a freestanding
// build of this core would want the same, so the type is preserved
// rather than switched to float64.
type Fixed int32

const fixedShift = 16
const fixedOne = Fixed(1 << fixedShift)

// FromFloat and ToFloat are host-only conveniences for tests/logging;
// they are never on a hot path.
func FromFloat(f float64) Fixed { return Fixed(f * float64(fixedOne)) }
func (f Fixed) ToFloat() float64 { return float64(f) / float64(fixedOne) }

func (f Fixed) Mul(g Fixed) Fixed {
	return Fixed((int64(f) * int64(g)) >> fixedShift)
}

func (f Fixed) Add(g Fixed) Fixed { return f + g }
func (f Fixed) Sub(g Fixed) Fixed { return f - g }

func (f Fixed) Clamp(lo, hi Fixed) Fixed {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Pressure base values, CLIMB_PRESSURE_*_BASE in the original.
var (
	PressureThreadBase = FromFloat(0.05)
	PressureIOBase     = FromFloat(0.20)
	PressureLockBase   = FromFloat(0.10)
	PressureMax        = FromFloat(1.0)
)

var (
	indirectWeight       = FromFloat(0.85)
	indirectMinScale     = FromFloat(0.10)
	boostEWMAAlpha       = FromFloat(0.75)
	pressureToBoostScale = FromFloat(8.0)
)

// Kind distinguishes pressure a thread applies to itself by holding a
// contested resource (Direct) from pressure it absorbs because some
// other thread is waiting on something it holds (Indirect).
type Kind int

const (
	Direct Kind = iota
	Indirect
)

// Source names a kind of contested resource (a lock, I/O, another
// thread) and the base pressure it contributes.
type Source struct {
	Name string
	Base Fixed
}

// Handle is an explicit pressure application, applied and removed by the
// subsystem that causes or releases contention (spec.md §4.3's "Pressure
// handles are explicit objects").
type Handle struct {
	Name             string
	Pressure         Fixed
	appliedInternal  Fixed
	Kind             Kind
	Source           *Source
	GivenBy, GivenTo *ThreadState
	elem             *list.Element
}

// NewHandle creates a handle sourced from src (nil for an ad-hoc
// pressure value set later via Update).
func NewHandle(src *Source, kind Kind) *Handle {
	h := &Handle{Kind: kind}
	if src != nil {
		h.Pressure = src.Base
		h.Name = src.Name
		h.Source = src
	}
	return h
}

// ThreadState is the per-thread CLIMB bookkeeping from spec.md §3.
type ThreadState struct {
	mu sync.Mutex

	DirectPressure   Fixed
	IndirectPressure Fixed
	PressureEWMA     Fixed

	WantedBoost    int32
	BoostEWMA      Fixed
	EffectiveBoost int32

	PressurePeriods int32

	handles *list.List

	OnClimbTree bool
	// CPUID is the core this thread currently runs on, tracked so
	// PostMigrateHook can detect an actual change.
	CPUID int
}

// NewThreadState returns a freshly initialized per-thread CLIMB state.
func NewThreadState() *ThreadState {
	return &ThreadState{handles: list.New()}
}

// ApplyHandle records that h now contributes pressure to t, per
// spec.md's explicit pressure-handle contract.
func (t *ThreadState) ApplyHandle(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.GivenTo = t
	h.appliedInternal = h.Pressure
	h.elem = t.handles.PushBack(h)
	t.recomputeLocked()
}

// UpdateHandle changes the pressure value of an already-applied handle.
func (t *ThreadState) UpdateHandle(h *Handle, newPressure Fixed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.Pressure = newPressure
	h.appliedInternal = newPressure
	t.recomputeLocked()
}

// RemoveHandle detaches h from whichever thread it was applied to.
func (t *ThreadState) RemoveHandle(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.elem != nil {
		t.handles.Remove(h.elem)
		h.elem = nil
	}
	h.appliedInternal = 0
	t.recomputeLocked()
}

// recomputeLocked sums direct/indirect pressure across all active
// handles and re-derives the EWMA and wanted boost. Caller holds t.mu.
func (t *ThreadState) recomputeLocked() {
	var direct, indirect Fixed
	for e := t.handles.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		switch h.Kind {
		case Direct:
			direct += h.appliedInternal
		case Indirect:
			scaled := indirectMinScale + indirectWeight.Mul(h.appliedInternal)
			indirect += scaled
		}
	}
	t.DirectPressure = direct.Clamp(0, PressureMax)
	t.IndirectPressure = indirect.Clamp(0, PressureMax)

	total := (t.DirectPressure + t.IndirectPressure).Clamp(0, PressureMax)
	t.PressureEWMA = boostEWMAAlpha.Mul(t.PressureEWMA) + (fixedOne - boostEWMAAlpha).Mul(total)

	if total > 0 {
		if t.PressurePeriods < 1 {
			t.PressurePeriods = 1
		} else if t.PressurePeriods < config.ClimbMaxDecayPeriods {
			t.PressurePeriods++
		}
	} else if t.PressurePeriods > 0 {
		t.PressurePeriods = -1
	} else if t.PressurePeriods < 0 {
		t.PressurePeriods--
		if -t.PressurePeriods > config.ClimbMaxDecayPeriods {
			t.PressurePeriods = 0
		}
	}

	t.WantedBoost = pressureToWantedBoost(t.PressureEWMA)
}

// pressureToWantedBoost applies the cubic pressure→boost curve from the
// original: boost = scale * pressure^3, clamped to [0, BOOST_LEVELS).
func pressureToWantedBoost(p Fixed) int32 {
	if p < 0 {
		p = 0
	}
	cubed := p.Mul(p).Mul(p)
	boost := pressureToBoostScale.Mul(cubed)
	level := int32(boost.ToFloat())
	if level < 0 {
		level = 0
	}
	if level >= config.ClimbBoostLevels {
		level = config.ClimbBoostLevels - 1
	}
	return level
}

// EffectiveBoostFor derives a thread's effective boost from its own
// wanted boost and the aggregate wanted boost of every thread sharing
// its CPU, per spec.md's "effective boost is a function of its own
// wanted boost and the aggregate wanted boosts across all threads on
// its CPU".
func EffectiveBoostFor(wanted int32, aggregateOnCPU int32, nthreadsOnCPU int) int32 {
	if nthreadsOnCPU <= 0 {
		return wanted
	}
	scale := config.ClimbBoostLevels / nthreadsOnCPU
	if scale < config.ClimbMinGlobalBoost {
		scale = config.ClimbMinGlobalBoost
	}
	eff := wanted
	if aggregateOnCPU > 0 {
		eff = wanted * int32(scale) / int32(config.ClimbBoostLevels/scale+1)
	}
	if eff > config.ClimbBoostLevels-1 {
		eff = config.ClimbBoostLevels - 1
	}
	if eff < 0 {
		eff = 0
	}
	return eff
}

// SetEffectiveBoost updates t.EffectiveBoost and reports whether the
// change reaches or exceeds CLIMB_REINSERT_THRESHOLD, meaning the scheduler must
// re-key this thread in the ready-queue tree.
func (t *ThreadState) SetEffectiveBoost(newBoost int32) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := newBoost - t.EffectiveBoost
	if delta < 0 {
		delta = -delta
	}
	changed = delta >= config.ClimbReinsertThreshold
	t.EffectiveBoost = newBoost
	return changed
}

// PostMigrateHook rebalances CLIMB state after a thread moves cores,
// per spec.md: "On migration, CLIMB state is rebalanced." The pressure
// history itself stays with the thread (it's data about the thread, not
// the core), but the periods counter half-decays to avoid carrying a
// long streak into a fresh core's contention picture.
func (t *ThreadState) PostMigrateHook(newCPU int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CPUID = newCPU
	if t.PressurePeriods > 1 {
		t.PressurePeriods /= 2
	}
}

// ComputePressureToApply returns the pressure this thread would apply
// as a CLIMB source if another thread started waiting on something it
// holds — its own direct pressure, unscaled. The indirect scaling is
// applied by recomputeLocked on the thread that receives it as an
// Indirect handle.
func (t *ThreadState) ComputePressureToApply() Fixed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.DirectPressure
}
