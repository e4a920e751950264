// Package arch is the hardware seam. A freestanding build of this core
// would replace every function here with inline assembly; on a hosted
// build (this one) they are implemented on top of the Go runtime so the
// rest of the tree can be exercised and tested without real ring-0 access.
package arch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// CPURelax yields the current OS thread for one scheduling quantum, the
// hosted equivalent of a PAUSE/YIELD instruction used in spin loops.
func CPURelax() {
	runtime.Gosched()
}

// interruptsEnabled models the per-CPU "interrupt flag". Raw IRQL
// primitives must not go through the irql package (which would recurse),
// so they manipulate this directly, same constraint as the original's
// raw disable_interrupts()/enable_interrupts() assembly routines.
var interruptsEnabled int32 = 1

// DisableInterrupts clears the simulated interrupt flag and reports
// whether interrupts were enabled beforehand.
func DisableInterrupts() bool {
	return atomic.SwapInt32(&interruptsEnabled, 0) != 0
}

// EnableInterrupts sets the simulated interrupt flag.
func EnableInterrupts() {
	atomic.StoreInt32(&interruptsEnabled, 1)
}

// InterruptsEnabled reports the current simulated interrupt flag.
func InterruptsEnabled() bool {
	return atomic.LoadInt32(&interruptsEnabled) != 0
}

// ContextSwitch is the hosted stand-in for switching kernel stacks: old
// and new are park/resume signals for goroutine-backed threads rather
// than raw stack pointers, matching spec.md's note that an implementation
// without stackless coroutines should just suspend/resume a thread.
type ContextSwitch struct {
	Resume chan struct{}
}

// NewContextSwitch allocates a ready-to-use parking channel.
func NewContextSwitch() *ContextSwitch {
	return &ContextSwitch{Resume: make(chan struct{}, 1)}
}

// Park blocks the calling goroutine until Resume() is called.
func (c *ContextSwitch) Park() {
	<-c.Resume
}

// ResumeThread wakes a parked goroutine; it is safe to call before Park
// is reached (buffered by one).
func (c *ContextSwitch) ResumeThread() {
	select {
	case c.Resume <- struct{}{}:
	default:
	}
}

// TLBInvalidateAddr and TLBInvalidateAll are the hooks a freestanding
// build would wire to INVLPG and a full TLB flush.
// Hosted builds only track that the address was asked to be invalidated;
// callers care about the shootdown protocol, not the instruction.
var tlbInvalidations uint64

// TLBInvalidateAddr "invalidates" a single virtual address.
func TLBInvalidateAddr(addr uintptr) {
	atomic.AddUint64(&tlbInvalidations, 1)
	_ = addr
}

// TLBInvalidateAll "flushes" the whole TLB.
func TLBInvalidateAll() {
	atomic.AddUint64(&tlbInvalidations, 1)
}

// TLBInvalidationCount is exposed for tests to observe invalidation
// activity without depending on real hardware counters.
func TLBInvalidationCount() uint64 {
	return atomic.LoadUint64(&tlbInvalidations)
}

// CPUID is the hook a freestanding build would fill with the CPUID
// instruction; hosted builds report NumCPU as the logical processor
// count, which is what the rest of this core treats as ground truth.
func CPUID() (numCPU int) {
	return runtime.NumCPU()
}

// Real hardware reads the current CPU id out of a per-CPU GS-base
// register with no function call. Hosted builds have no such register,
// so a goroutine that plays the role of a logical CPU registers its
// assigned id with BindCurrentCPU. The binding is keyed by goroutine id:
// only the goroutine that called BindCurrentCPU sees the id, and other
// goroutines (even on the same OS thread) see -1.
var cpuBindings sync.Map // goroutine id (uint64) -> cpu id (int)

func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// BindCurrentCPU records that the calling goroutine is logical CPU id.
// The scheduler loops in cmd/kcoreboot do not call it, so CurrentCPU
// returns -1 there.
func BindCurrentCPU(id int) {
	cpuBindings.Store(goid(), id)
}

// UnbindCurrentCPU removes the calling goroutine's CPU binding.
func UnbindCurrentCPU() {
	cpuBindings.Delete(goid())
}

// CurrentCPU returns the logical CPU id bound to the calling goroutine,
// or -1 if none is bound (e.g. a goroutine not playing the role of a
// per-CPU scheduler loop, such as a test harness).
func CurrentCPU() int {
	v, ok := cpuBindings.Load(goid())
	if !ok {
		return -1
	}
	return v.(int)
}
